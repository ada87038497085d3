package store

import (
	"context"
	"fmt"

	"github.com/agentdiff/agentdiff/internal/logging"
)

// migrations is the ordered platform-schema DDL. Every statement is
// idempotent so Migrate can run on every startup. Environment namespaces are
// not managed here; they are created and dropped per environment.
var migrations = []string{
	`CREATE SCHEMA IF NOT EXISTS platform`,

	`CREATE TABLE IF NOT EXISTS platform.templates (
		id          text PRIMARY KEY,
		service     text NOT NULL,
		name        text NOT NULL,
		description text NOT NULL DEFAULT '',
		version     text NOT NULL DEFAULT '',
		visibility  text NOT NULL DEFAULT 'public',
		owner       text NOT NULL DEFAULT '',
		definition  jsonb NOT NULL,
		seed        jsonb NOT NULL DEFAULT '{}'::jsonb,
		created_at  timestamptz NOT NULL DEFAULT now(),
		UNIQUE (service, name)
	)`,

	`CREATE TABLE IF NOT EXISTS platform.environments (
		id                  text PRIMARY KEY,
		schema_name         text NOT NULL UNIQUE,
		template_id         text NOT NULL REFERENCES platform.templates(id),
		service             text NOT NULL,
		owner               text NOT NULL DEFAULT '',
		impersonate_user_id text NOT NULL DEFAULT '',
		impersonate_email   text NOT NULL DEFAULT '',
		status              text NOT NULL DEFAULT 'ready',
		created_at          timestamptz NOT NULL DEFAULT now(),
		expires_at          timestamptz NOT NULL,
		last_used_at        timestamptz
	)`,

	`CREATE INDEX IF NOT EXISTS environments_expiry_idx
		ON platform.environments (expires_at) WHERE status = 'ready'`,

	`CREATE TABLE IF NOT EXISTS platform.runs (
		id             text PRIMARY KEY,
		environment_id text NOT NULL REFERENCES platform.environments(id),
		test_id        text NOT NULL DEFAULT '',
		before_suffix  text NOT NULL,
		after_suffix   text NOT NULL DEFAULT '',
		status         text NOT NULL DEFAULT 'running',
		passed         boolean,
		score          jsonb,
		failures       jsonb,
		created_at     timestamptz NOT NULL DEFAULT now(),
		updated_at     timestamptz NOT NULL DEFAULT now()
	)`,

	// at most one running run per environment
	`CREATE UNIQUE INDEX IF NOT EXISTS runs_one_running_idx
		ON platform.runs (environment_id) WHERE status = 'running'`,

	`CREATE TABLE IF NOT EXISTS platform.diffs (
		run_id     text PRIMARY KEY REFERENCES platform.runs(id),
		diff       jsonb NOT NULL,
		created_at timestamptz NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS platform.api_keys (
		id           text PRIMARY KEY,
		name         text NOT NULL,
		key_hash     text NOT NULL UNIQUE,
		created_at   timestamptz NOT NULL DEFAULT now(),
		last_used_at timestamptz
	)`,

	`CREATE TABLE IF NOT EXISTS platform.test_suites (
		id          text PRIMARY KEY,
		name        text NOT NULL,
		description text NOT NULL DEFAULT '',
		visibility  text NOT NULL DEFAULT 'public',
		owner       text NOT NULL DEFAULT '',
		created_at  timestamptz NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS platform.tests (
		id          text PRIMARY KEY,
		name        text NOT NULL,
		prompt      text NOT NULL DEFAULT '',
		type        text NOT NULL DEFAULT '',
		template_id text NOT NULL DEFAULT '',
		spec        jsonb,
		created_at  timestamptz NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS platform.test_memberships (
		suite_id text NOT NULL REFERENCES platform.test_suites(id) ON DELETE CASCADE,
		test_id  text NOT NULL REFERENCES platform.tests(id) ON DELETE CASCADE,
		position integer NOT NULL DEFAULT 0,
		PRIMARY KEY (suite_id, test_id)
	)`,
}

// Migrate applies the platform-schema DDL.
func Migrate(ctx context.Context, pool *Pool) error {
	logger := logging.GetLogger("store")
	for i, stmt := range migrations {
		if _, err := pool.DB().Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	logger.Info("Platform schema migrated (%d statements)", len(migrations))
	return nil
}
