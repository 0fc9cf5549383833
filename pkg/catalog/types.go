package catalog

import (
	"time"
)

// ResourceType identifies a kind of owned resource for authorization
// and event routing.
type ResourceType string

const (
	ResourceBusiness ResourceType = "business"
	ResourceReview   ResourceType = "review"
	ResourceEvent    ResourceType = "event"
	ResourceImage    ResourceType = "image"
	ResourceVote     ResourceType = "vote"
)

// Business is a listed business owned by an identity. Team members are
// tracked in a separate membership relation.
type Business struct {
	ID          int64     `json:"id"`
	OwnerID     int64     `json:"owner_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Address     string    `json:"address"`
	Phone       string    `json:"phone"`
	Email       string    `json:"email"`
	Website     string    `json:"website"`
	ImageURL    string    `json:"image_url"`
	PriceRange  string    `json:"price_range"`
	Verified    bool      `json:"verified"`
	Hidden      bool      `json:"hidden"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Review is authored against a business or an event. AuthorID is nil
// for guest reviews, which carry the guest_* fields instead.
type Review struct {
	ID         int64      `json:"id"`
	BusinessID *int64     `json:"business_id,omitempty"`
	EventID    *int64     `json:"event_id,omitempty"`
	AuthorID   *int64     `json:"author_id,omitempty"`
	GuestName  string     `json:"guest_name,omitempty"`
	GuestEmail string     `json:"guest_email,omitempty"`
	GuestIP    string     `json:"guest_ip,omitempty"`
	Rating     int        `json:"rating"`
	Title      string     `json:"title"`
	Body       string     `json:"body"`
	Deleted    bool       `json:"deleted"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
}

// Reply is a response to a review, always authored by a known identity
// (typically the business owner or a team member).
type Reply struct {
	ID        int64     `json:"id"`
	ReviewID  int64     `json:"review_id"`
	AuthorID  int64     `json:"author_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Event is an external happening ingested from a feed. Events have no
// owning identity; only administrators manage them directly.
type Event struct {
	ID          int64     `json:"id"`
	Source      string    `json:"source"`
	ExternalID  string    `json:"external_id"`
	BusinessID  *int64    `json:"business_id,omitempty"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Venue       string    `json:"venue"`
	StartsAt    time.Time `json:"starts_at"`
	EndsAt      time.Time `json:"ends_at"`
	Hidden      bool      `json:"hidden"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Image is a stored picture attached to a business. At most one image
// per business carries IsPrimary at any time.
type Image struct {
	ID         int64     `json:"id"`
	BusinessID int64     `json:"business_id"`
	ObjectKey  string    `json:"object_key"`
	Caption    string    `json:"caption"`
	IsPrimary  bool      `json:"is_primary"`
	CreatedBy  *int64    `json:"created_by,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Vote marks a review as helpful. The (voter, review) pair is unique;
// votes are insert/delete only.
type Vote struct {
	ID        int64     `json:"id"`
	ReviewID  int64     `json:"review_id"`
	VoterID   int64     `json:"voter_id"`
	CreatedAt time.Time `json:"created_at"`
}

// BusinessStats is the aggregate row for one business. It is written
// exclusively by the derived-state engine; everyone else reads only.
type BusinessStats struct {
	BusinessID     int64     `json:"business_id"`
	ReviewCount    int64     `json:"review_count"`
	AverageRating  float64   `json:"average_rating"`
	HelpfulVotes   int64     `json:"helpful_votes"`
	LastActivityAt time.Time `json:"last_activity_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// EventStats mirrors BusinessStats for reviews attached to events.
type EventStats struct {
	EventID        int64     `json:"event_id"`
	ReviewCount    int64     `json:"review_count"`
	AverageRating  float64   `json:"average_rating"`
	HelpfulVotes   int64     `json:"helpful_votes"`
	LastActivityAt time.Time `json:"last_activity_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ProfileView records a view of a business profile page.
type ProfileView struct {
	ID         int64     `json:"id"`
	BusinessID int64     `json:"business_id"`
	ViewerID   *int64    `json:"viewer_id,omitempty"`
	IPAddress  string    `json:"ip_address,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	ViewedAt   time.Time `json:"viewed_at"`
}

// CTAClick records a click on a business call-to-action (phone,
// website, directions).
type CTAClick struct {
	ID         int64     `json:"id"`
	BusinessID int64     `json:"business_id"`
	ViewerID   *int64    `json:"viewer_id,omitempty"`
	Target     string    `json:"target"`
	ClickedAt  time.Time `json:"clicked_at"`
}
