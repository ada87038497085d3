// Package isolation provisions and tears down environment namespaces:
// schema-per-environment replicas stamped from templates, with TTL-driven
// reaping.
package isolation

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/agentdiff/agentdiff/internal/logging"
	"github.com/agentdiff/agentdiff/internal/metrics"
	"github.com/agentdiff/agentdiff/internal/models"
	"github.com/agentdiff/agentdiff/internal/store"
)

// schemaPrefix namespaces environment schemas within the shared database.
const schemaPrefix = "state_"

// CreateOptions carries the caller-controlled parts of environment creation.
type CreateOptions struct {
	Owner             string
	ImpersonateUserID string
	ImpersonateEmail  string
	TTLSeconds        int
}

// Engine creates and destroys environment namespaces.
type Engine struct {
	pool       *store.Pool
	meta       *store.Metadata
	reflector  *store.Reflector
	metrics    *metrics.Metrics
	defaultTTL time.Duration
	maxTTL     time.Duration
	logger     *logging.Logger
}

// NewEngine creates an isolation engine.
func NewEngine(pool *store.Pool, meta *store.Metadata, reflector *store.Reflector, m *metrics.Metrics, defaultTTL, maxTTL time.Duration) *Engine {
	return &Engine{
		pool:       pool,
		meta:       meta,
		reflector:  reflector,
		metrics:    m,
		defaultTTL: defaultTTL,
		maxTTL:     maxTTL,
		logger:     logging.GetLogger("isolation"),
	}
}

// CreateEnvironment stamps a new namespace from the template: schema, table
// DDL, seed rows, and the environment record all commit in one transaction,
// so a failed provision leaves nothing behind.
func (e *Engine) CreateEnvironment(ctx context.Context, tmpl *models.Template, opts CreateOptions) (*models.Environment, error) {
	ttl := time.Duration(opts.TTLSeconds) * time.Second
	if opts.TTLSeconds <= 0 {
		ttl = e.defaultTTL
	}
	if ttl > e.maxTTL {
		ttl = e.maxTTL
	}

	id := newID()
	now := time.Now().UTC()
	env := &models.Environment{
		ID:                id,
		SchemaName:        schemaPrefix + id,
		TemplateID:        tmpl.ID,
		Service:           tmpl.Service,
		Owner:             opts.Owner,
		ImpersonateUserID: opts.ImpersonateUserID,
		ImpersonateEmail:  opts.ImpersonateEmail,
		Status:            models.EnvironmentStatusReady,
		CreatedAt:         now,
		ExpiresAt:         now.Add(ttl),
	}

	tx, err := e.pool.DB().Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "CREATE SCHEMA "+pgx.Identifier{env.SchemaName}.Sanitize()); err != nil {
		return nil, fmt.Errorf("failed to create namespace: %w", err)
	}

	for _, table := range tmpl.Definition.Tables {
		ddl, err := createTableSQL(env.SchemaName, table)
		if err != nil {
			return nil, err
		}
		if _, err := tx.Exec(ctx, ddl); err != nil {
			return nil, fmt.Errorf("failed to create table %s: %w", table.Name, err)
		}
	}

	if err := e.seed(ctx, tx, env.SchemaName, tmpl); err != nil {
		return nil, err
	}

	if err := e.meta.InsertEnvironment(ctx, tx, env); err != nil {
		return nil, fmt.Errorf("failed to record environment: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	e.metrics.EnvironmentsCreated.Inc()
	e.logger.Info("Created environment %s from template %s:%s (ttl %s)", env.ID, tmpl.Service, tmpl.Name, ttl)
	return env, nil
}

// seed inserts the template's seed bundle in definition order so foreign-key
// targets exist before their referrers. All inserts ride one batch.
func (e *Engine) seed(ctx context.Context, tx pgx.Tx, schema string, tmpl *models.Template) error {
	batch := &pgx.Batch{}
	for _, table := range tmpl.Definition.Tables {
		for _, row := range tmpl.Seed[table.Name] {
			sql, args, err := insertSQL(schema, table, row)
			if err != nil {
				return err
			}
			batch.Queue(sql, args...)
		}
	}
	if batch.Len() == 0 {
		return nil
	}

	results := tx.SendBatch(ctx, batch)
	defer results.Close()
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("seed insert %d failed: %w", i, err)
		}
	}
	return results.Close()
}

// DeleteEnvironment tears a namespace down. Idempotent: deleting an already
// deleted environment is a no-op, so a concurrent reaper pass and an explicit
// delete never trip over each other.
func (e *Engine) DeleteEnvironment(ctx context.Context, id string) error {
	env, err := e.meta.GetEnvironment(ctx, id)
	if err != nil {
		return err
	}
	if env.Status == models.EnvironmentStatusDeleted {
		return nil
	}

	if err := e.meta.MarkEnvironmentStatus(ctx, id, models.EnvironmentStatusDeleting); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	drop := "DROP SCHEMA IF EXISTS " + pgx.Identifier{env.SchemaName}.Sanitize() + " CASCADE"
	if _, err := e.pool.DB().Exec(ctx, drop); err != nil {
		return fmt.Errorf("failed to drop namespace %s: %w", env.SchemaName, err)
	}
	e.reflector.Invalidate(env.SchemaName)

	if err := e.meta.MarkEnvironmentStatus(ctx, id, models.EnvironmentStatusDeleted); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	e.metrics.EnvironmentsDeleted.Inc()
	e.logger.Info("Deleted environment %s (namespace %s)", id, env.SchemaName)
	return nil
}

// ExpirePass tears down every ready environment past its TTL and returns the
// number reaped.
func (e *Engine) ExpirePass(ctx context.Context) (int, error) {
	expired, err := e.meta.ListExpiredEnvironments(ctx, time.Now())
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, env := range expired {
		if err := e.DeleteEnvironment(ctx, env.ID); err != nil {
			e.logger.Error("Failed to reap environment %s: %v", env.ID, err)
			continue
		}
		e.metrics.EnvironmentsReaped.Inc()
		reaped++
	}
	return reaped, nil
}

func newID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}
