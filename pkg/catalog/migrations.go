package catalog

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration represents a versioned schema change.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns the platform schema in apply order. Cascade
// rules: rows owned by an identity are removed with it, while
// audit-trail references (created_by, resolved_by) are set to NULL so
// history survives identity deletion.
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create users and profiles tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS users (
					id BIGSERIAL PRIMARY KEY,
					email VARCHAR(255) NOT NULL,
					account_type VARCHAR(50) NOT NULL DEFAULT 'local',
					display_name VARCHAR(255),
					role VARCHAR(50) NOT NULL DEFAULT 'normal',
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL,
					UNIQUE(email, account_type)
				);

				CREATE TABLE IF NOT EXISTS profiles (
					id BIGSERIAL PRIMARY KEY,
					email VARCHAR(255) NOT NULL,
					account_type VARCHAR(50) NOT NULL DEFAULT 'local',
					display_name VARCHAR(255),
					user_id BIGINT REFERENCES users(id) ON DELETE SET NULL,
					created_at TIMESTAMP NOT NULL
				);

				CREATE INDEX idx_profiles_user_id ON profiles(user_id);
			`,
		},
		{
			Version:     2,
			Description: "Create businesses and team membership tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS businesses (
					id BIGSERIAL PRIMARY KEY,
					owner_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					name VARCHAR(255) NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					address VARCHAR(500) NOT NULL DEFAULT '',
					phone VARCHAR(50) NOT NULL DEFAULT '',
					email VARCHAR(255) NOT NULL DEFAULT '',
					website VARCHAR(500) NOT NULL DEFAULT '',
					image_url VARCHAR(500) NOT NULL DEFAULT '',
					price_range VARCHAR(10) NOT NULL DEFAULT '',
					verified BOOLEAN NOT NULL DEFAULT FALSE,
					hidden BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL
				);

				CREATE TABLE IF NOT EXISTS business_team_members (
					business_id BIGINT NOT NULL REFERENCES businesses(id) ON DELETE CASCADE,
					user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					added_by BIGINT REFERENCES users(id) ON DELETE SET NULL,
					added_at TIMESTAMP NOT NULL,
					PRIMARY KEY (business_id, user_id)
				);

				CREATE INDEX idx_businesses_owner_id ON businesses(owner_id);
				CREATE INDEX idx_team_members_user_id ON business_team_members(user_id);
			`,
		},
		{
			Version:     3,
			Description: "Create events table",
			SQL: `
				CREATE TABLE IF NOT EXISTS events (
					id BIGSERIAL PRIMARY KEY,
					source VARCHAR(100) NOT NULL,
					external_id VARCHAR(255) NOT NULL,
					business_id BIGINT REFERENCES businesses(id) ON DELETE SET NULL,
					title VARCHAR(500) NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					venue VARCHAR(500) NOT NULL DEFAULT '',
					starts_at TIMESTAMP NOT NULL,
					ends_at TIMESTAMP NOT NULL,
					hidden BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL,
					UNIQUE(source, external_id)
				);

				CREATE INDEX idx_events_starts_at ON events(starts_at);
			`,
		},
		{
			Version:     4,
			Description: "Create reviews, replies and votes tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS reviews (
					id BIGSERIAL PRIMARY KEY,
					business_id BIGINT REFERENCES businesses(id) ON DELETE CASCADE,
					event_id BIGINT REFERENCES events(id) ON DELETE CASCADE,
					author_id BIGINT REFERENCES users(id) ON DELETE CASCADE,
					guest_name VARCHAR(255) NOT NULL DEFAULT '',
					guest_email VARCHAR(255) NOT NULL DEFAULT '',
					guest_ip VARCHAR(64) NOT NULL DEFAULT '',
					rating INT NOT NULL CHECK (rating BETWEEN 1 AND 5),
					title VARCHAR(500) NOT NULL DEFAULT '',
					body TEXT NOT NULL DEFAULT '',
					deleted BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL,
					deleted_at TIMESTAMP,
					CHECK (business_id IS NOT NULL OR event_id IS NOT NULL)
				);

				CREATE TABLE IF NOT EXISTS review_replies (
					id BIGSERIAL PRIMARY KEY,
					review_id BIGINT NOT NULL REFERENCES reviews(id) ON DELETE CASCADE,
					author_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					body TEXT NOT NULL,
					created_at TIMESTAMP NOT NULL
				);

				CREATE TABLE IF NOT EXISTS review_votes (
					id BIGSERIAL PRIMARY KEY,
					review_id BIGINT NOT NULL REFERENCES reviews(id) ON DELETE CASCADE,
					voter_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					created_at TIMESTAMP NOT NULL,
					UNIQUE(voter_id, review_id)
				);

				CREATE INDEX idx_reviews_business_id ON reviews(business_id);
				CREATE INDEX idx_reviews_event_id ON reviews(event_id);
				CREATE INDEX idx_review_replies_review_id ON review_replies(review_id);
				CREATE INDEX idx_review_votes_review_id ON review_votes(review_id);
			`,
		},
		{
			Version:     5,
			Description: "Create business images table",
			SQL: `
				CREATE TABLE IF NOT EXISTS business_images (
					id BIGSERIAL PRIMARY KEY,
					business_id BIGINT NOT NULL REFERENCES businesses(id) ON DELETE CASCADE,
					object_key VARCHAR(1024) NOT NULL,
					caption VARCHAR(500) NOT NULL DEFAULT '',
					is_primary BOOLEAN NOT NULL DEFAULT FALSE,
					created_by BIGINT REFERENCES users(id) ON DELETE SET NULL,
					created_at TIMESTAMP NOT NULL
				);

				CREATE INDEX idx_business_images_business_id ON business_images(business_id);
			`,
		},
		{
			Version:     6,
			Description: "Create aggregate stats tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS business_stats (
					business_id BIGINT PRIMARY KEY REFERENCES businesses(id) ON DELETE CASCADE,
					review_count BIGINT NOT NULL DEFAULT 0,
					average_rating DOUBLE PRECISION NOT NULL DEFAULT 0,
					helpful_votes BIGINT NOT NULL DEFAULT 0,
					last_activity_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL
				);

				CREATE TABLE IF NOT EXISTS event_stats (
					event_id BIGINT PRIMARY KEY REFERENCES events(id) ON DELETE CASCADE,
					review_count BIGINT NOT NULL DEFAULT 0,
					average_rating DOUBLE PRECISION NOT NULL DEFAULT 0,
					helpful_votes BIGINT NOT NULL DEFAULT 0,
					last_activity_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL
				);
			`,
		},
		{
			Version:     7,
			Description: "Create notifications table",
			SQL: `
				CREATE TABLE IF NOT EXISTS notifications (
					id BIGSERIAL PRIMARY KEY,
					recipient_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					kind VARCHAR(50) NOT NULL,
					title VARCHAR(500) NOT NULL,
					message TEXT NOT NULL DEFAULT '',
					link VARCHAR(1024) NOT NULL DEFAULT '',
					read BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL
				);

				CREATE INDEX idx_notifications_recipient ON notifications(recipient_id, read);
			`,
		},
		{
			Version:     8,
			Description: "Create auth attempts table for rate limiting",
			SQL: `
				CREATE TABLE IF NOT EXISTS auth_attempts (
					identifier VARCHAR(255) NOT NULL,
					action VARCHAR(50) NOT NULL,
					attempts INT NOT NULL DEFAULT 0,
					window_started_at TIMESTAMP NOT NULL,
					blocked_until TIMESTAMP,
					updated_at TIMESTAMP NOT NULL,
					PRIMARY KEY (identifier, action)
				);
			`,
		},
		{
			Version:     9,
			Description: "Create activity tracking tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS profile_views (
					id BIGSERIAL PRIMARY KEY,
					business_id BIGINT NOT NULL REFERENCES businesses(id) ON DELETE CASCADE,
					viewer_id BIGINT REFERENCES users(id) ON DELETE SET NULL,
					ip_address VARCHAR(64),
					user_agent VARCHAR(500),
					viewed_at TIMESTAMP NOT NULL
				);

				CREATE TABLE IF NOT EXISTS cta_clicks (
					id BIGSERIAL PRIMARY KEY,
					business_id BIGINT NOT NULL REFERENCES businesses(id) ON DELETE CASCADE,
					viewer_id BIGINT REFERENCES users(id) ON DELETE SET NULL,
					target VARCHAR(50) NOT NULL,
					clicked_at TIMESTAMP NOT NULL
				);

				CREATE INDEX idx_profile_views_business ON profile_views(business_id, viewed_at);
				CREATE INDEX idx_cta_clicks_business ON cta_clicks(business_id, clicked_at);
			`,
		},
		{
			Version:     10,
			Description: "Create authorization audit log table",
			SQL: `
				CREATE TABLE IF NOT EXISTS authz_denials (
					id BIGSERIAL PRIMARY KEY,
					identity_id BIGINT,
					resource_type VARCHAR(50) NOT NULL,
					resource_id BIGINT NOT NULL,
					operation VARCHAR(50) NOT NULL,
					rule VARCHAR(100) NOT NULL,
					detail TEXT NOT NULL DEFAULT '',
					denied_at TIMESTAMP NOT NULL
				);

				CREATE INDEX idx_authz_denials_identity ON authz_denials(identity_id, denied_at);
			`,
		},
	}
}

// RunMigrations applies all pending migrations in order, recording each
// in platform_migrations so re-running is a no-op.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS platform_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM platform_migrations ORDER BY version")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	rows.Close()

	for _, migration := range GetMigrations() {
		if applied[migration.Version] {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO platform_migrations (version, description) VALUES ($1, $2)",
			migration.Version, migration.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}

	return nil
}
