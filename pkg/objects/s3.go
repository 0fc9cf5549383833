package objects

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/placefolio/placefolio/pkg/authz"
	"github.com/placefolio/placefolio/pkg/catalog"
)

var tracer = otel.Tracer("placefolio/objects")

// Config holds object storage settings.
type Config struct {
	Bucket       string
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

// Client handles object storage. Keys are namespaced by business:
// the first path segment of every key is the owning business's id,
// which is what the ownership predicate checks before a delete.
type Client struct {
	client    *s3.Client
	bucket    string
	evaluator *authz.Evaluator
}

// NewClient creates an object storage client.
func NewClient(ctx context.Context, cfg Config, evaluator *authz.Evaluator) (*Client, error) {
	var awsConfig aws.Config
	var err error

	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		// Static credentials, used against MinIO and in CI.
		awsConfig, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.Region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKey,
				cfg.SecretKey,
				"",
			)),
		)
	} else {
		awsConfig, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.Region),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
	})

	return &Client{
		client:    s3Client,
		bucket:    cfg.Bucket,
		evaluator: evaluator,
	}, nil
}

// ObjectKey builds the canonical key for a business-owned object.
func ObjectKey(businessID int64, name string) string {
	return fmt.Sprintf("%d/%s", businessID, name)
}

// BusinessFromKey extracts the owning business id from an object key.
func BusinessFromKey(key string) (int64, error) {
	segment, _, found := strings.Cut(strings.TrimPrefix(key, "/"), "/")
	if !found || segment == "" {
		return 0, fmt.Errorf("key %q has no business segment: %w", key, catalog.ErrNotFound)
	}
	businessID, err := strconv.ParseInt(segment, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("key %q has a non-numeric business segment: %w", key, catalog.ErrNotFound)
	}
	return businessID, nil
}

// Put uploads content under a business's namespace.
func (c *Client) Put(ctx context.Context, key string, content io.Reader, contentType string) error {
	ctx, span := tracer.Start(ctx, "Objects.Put",
		trace.WithAttributes(
			attribute.String("s3.bucket", c.bucket),
			attribute.String("s3.key", key),
		),
	)
	defer span.End()

	data, err := io.ReadAll(content)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read content")
		return fmt.Errorf("failed to read content: %w", err)
	}

	_, err = c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to upload object")
		return fmt.Errorf("failed to upload object: %w", err)
	}
	return nil
}

// Get retrieves an object.
func (c *Client) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	result, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get object: %w", err)
	}
	return result.Body, nil
}

// Exists checks whether an object is present.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	_, err := c.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "NoSuchKey") {
			return false, nil
		}
		return false, fmt.Errorf("failed to check object existence: %w", err)
	}
	return true, nil
}

// DeleteOwned removes an object after verifying the caller may manage
// the business the key belongs to. The ownership decision comes from
// the same evaluator as every other mutation; an unauthorized caller
// gets ErrUnauthorized and the object is untouched.
func (c *Client) DeleteOwned(ctx context.Context, identityID *int64, key string) error {
	ctx, span := tracer.Start(ctx, "Objects.DeleteOwned",
		trace.WithAttributes(
			attribute.String("s3.bucket", c.bucket),
			attribute.String("s3.key", key),
		),
	)
	defer span.End()

	businessID, err := BusinessFromKey(key)
	if err != nil {
		span.RecordError(err)
		return err
	}

	decision, err := c.evaluator.Authorize(ctx, authz.Request{
		IdentityID: identityID,
		Resource:   authz.ResourceRef{Type: catalog.ResourceBusiness, ID: businessID},
		Operation:  authz.OperationUpdate,
	})
	if err != nil {
		span.RecordError(err)
		return err
	}
	if !decision.Allowed {
		span.SetStatus(codes.Error, "delete denied")
		return fmt.Errorf("delete of %q: %w", key, catalog.ErrUnauthorized)
	}

	if _, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to delete object")
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

// HealthCheck verifies bucket reachability.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(c.bucket),
	})
	if err != nil {
		return fmt.Errorf("object storage health check failed: %w", err)
	}
	return nil
}
