package postgres

import (
	"context"
	"fmt"
)

// Schema statements are idempotent so every process can apply them at boot.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS items (
		id                BIGSERIAL PRIMARY KEY,
		source_id         TEXT NOT NULL UNIQUE,
		title             TEXT NOT NULL DEFAULT '',
		author            TEXT NOT NULL DEFAULT '',
		body              TEXT NOT NULL DEFAULT '',
		url               TEXT NOT NULL DEFAULT '',
		source_created_at TIMESTAMPTZ NOT NULL,
		stage             TEXT NOT NULL DEFAULT 'triage',
		status            TEXT NOT NULL DEFAULT 'pending',
		assigned_to       TEXT,
		assigned_at       TIMESTAMPTZ,
		processed_at      TIMESTAMPTZ,
		last_retry_at     TIMESTAMPTZ,
		last_error        TEXT NOT NULL DEFAULT '',
		retry_count       INT NOT NULL DEFAULT 0,
		metadata          JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_items_claim ON items (stage, status, assigned_at)`,
	`CREATE TABLE IF NOT EXISTS artifacts (
		id         BIGSERIAL PRIMARY KEY,
		item_id    BIGINT NOT NULL REFERENCES items(id) ON DELETE CASCADE,
		stage      TEXT NOT NULL,
		payload    JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_artifacts_item_stage ON artifacts (item_id, stage, created_at)`,
	`CREATE TABLE IF NOT EXISTS endpoints (
		stage           TEXT PRIMARY KEY,
		provider        TEXT NOT NULL,
		base_url        TEXT NOT NULL,
		model           TEXT NOT NULL,
		max_concurrent  INT NOT NULL DEFAULT 1,
		timeout_seconds INT NOT NULL DEFAULT 60,
		auth_env_key    TEXT,
		paused          BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS settings (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS fallback_events (
		id          BIGSERIAL PRIMARY KEY,
		item_id     BIGINT NOT NULL REFERENCES items(id) ON DELETE CASCADE,
		stage       TEXT NOT NULL,
		reason      TEXT NOT NULL,
		detail      TEXT NOT NULL DEFAULT '',
		status      TEXT NOT NULL DEFAULT 'active',
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		resolved_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_fallback_item ON fallback_events (item_id, status)`,
}

// EnsureSchema applies the idempotent schema statements.
func EnsureSchema(ctx context.Context, pool PgxPool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("op=schema.ensure: %w", err)
		}
	}
	return nil
}
