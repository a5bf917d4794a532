package storage

import (
	"context"
	"fmt"
)

var _ Repository = (*PostgresRepository)(nil)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS videos (
    id         TEXT PRIMARY KEY,
    key        TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS jobs (
    id         TEXT PRIMARY KEY,
    video_id   TEXT NOT NULL REFERENCES videos(id) ON DELETE CASCADE,
    status     TEXT NOT NULL DEFAULT 'queued',
    error      TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_jobs_video_created ON jobs (video_id, created_at DESC);

CREATE TABLE IF NOT EXISTS renditions (
    id         TEXT PRIMARY KEY,
    video_id   TEXT NOT NULL REFERENCES videos(id) ON DELETE CASCADE,
    height     INTEGER NOT NULL,
    status     TEXT NOT NULL DEFAULT 'queued',
    key        TEXT,
    error      TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (video_id, height)
);

CREATE INDEX IF NOT EXISTS idx_renditions_video ON renditions (video_id);
`

// Migrate creates the schema when it does not exist yet. Statements are
// idempotent so repeated startups are safe.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
