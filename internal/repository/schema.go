package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id            UUID PRIMARY KEY,
		email         TEXT NOT NULL UNIQUE,
		imap_host     TEXT NOT NULL,
		imap_port     INT NOT NULL,
		imap_tls      BOOLEAN NOT NULL DEFAULT TRUE,
		imap_username TEXT NOT NULL,
		imap_secret   TEXT NOT NULL,
		active        BOOLEAN NOT NULL DEFAULT TRUE,
		sync_status   TEXT NOT NULL DEFAULT 'idle',
		last_sync_at  TIMESTAMPTZ,
		last_error    TEXT NOT NULL DEFAULT '',
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id            UUID PRIMARY KEY,
		message_id    TEXT NOT NULL UNIQUE,
		account_id    UUID NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		account_email TEXT NOT NULL,
		subject       TEXT NOT NULL,
		from_name     TEXT NOT NULL DEFAULT '',
		from_address  TEXT NOT NULL DEFAULT '',
		to_addrs      JSONB NOT NULL DEFAULT '[]',
		cc_addrs      JSONB NOT NULL DEFAULT '[]',
		date          TIMESTAMPTZ NOT NULL,
		body_text     TEXT NOT NULL DEFAULT '',
		body_html     TEXT NOT NULL DEFAULT '',
		attachments   JSONB NOT NULL DEFAULT '[]',
		folder        TEXT NOT NULL,
		flags         TEXT[] NOT NULL DEFAULT '{}',
		uid           BIGINT NOT NULL,
		is_read       BOOLEAN NOT NULL DEFAULT FALSE,
		label         TEXT,
		confidence    DOUBLE PRECISION,
		reasoning     TEXT,
		enriched_at   TIMESTAMPTZ,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS messages_account_folder_date_idx ON messages (account_id, folder, date DESC)`,
	`CREATE INDEX IF NOT EXISTS messages_unenriched_idx ON messages (created_at) WHERE label IS NULL`,
	`CREATE TABLE IF NOT EXISTS message_search (
		id           UUID PRIMARY KEY,
		account_id   UUID NOT NULL,
		folder       TEXT NOT NULL,
		subject      TEXT NOT NULL,
		from_display TEXT NOT NULL,
		label        TEXT,
		is_read      BOOLEAN NOT NULL,
		date         TIMESTAMPTZ NOT NULL,
		document     TSVECTOR NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS message_search_document_idx ON message_search USING GIN (document)`,
	`CREATE INDEX IF NOT EXISTS message_search_account_date_idx ON message_search (account_id, date DESC)`,
	`CREATE TABLE IF NOT EXISTS notification_log (
		id               UUID PRIMARY KEY,
		destination      TEXT NOT NULL,
		event            TEXT NOT NULL,
		payload          JSONB NOT NULL,
		status           TEXT NOT NULL,
		attempts         INT NOT NULL DEFAULT 0,
		last_status_code INT NOT NULL DEFAULT 0,
		last_error       TEXT NOT NULL DEFAULT '',
		duration_ms      BIGINT NOT NULL DEFAULT 0,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS notification_log_status_idx ON notification_log (status, created_at)`,
	`CREATE TABLE IF NOT EXISTS outbox_events (
		id             BIGSERIAL PRIMARY KEY,
		aggregate_type TEXT NOT NULL,
		aggregate_id   TEXT,
		routing_key    TEXT NOT NULL,
		payload        JSONB NOT NULL,
		status         TEXT NOT NULL DEFAULT 'pending',
		retry_count    INT NOT NULL DEFAULT 0,
		next_retry_at  TIMESTAMPTZ,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS outbox_events_pending_idx ON outbox_events (created_at) WHERE status = 'pending'`,
}

// Migrate 创建所需的表和索引（幂等）
func Migrate(ctx context.Context, db *pgxpool.Pool, logger *zap.Logger) error {
	for i, stmt := range schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement %d: %w", i, err)
		}
	}
	logger.Info("Database schema is up to date", zap.Int("statements", len(schema)))
	return nil
}
