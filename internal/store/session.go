package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentdiff/agentdiff/internal/logging"
	"github.com/agentdiff/agentdiff/internal/models"
)

// Router hands out database sessions bound to an environment's namespace.
// Binding happens via search_path on a dedicated pooled connection, so the
// service handlers run plain unqualified SQL and only ever see the replica
// they were routed to.
type Router struct {
	pool   *Pool
	meta   *Metadata
	logger *logging.Logger
}

// NewRouter creates a session router.
func NewRouter(pool *Pool, meta *Metadata) *Router {
	return &Router{
		pool:   pool,
		meta:   meta,
		logger: logging.GetLogger("store"),
	}
}

// Session is a pooled connection pinned to a single namespace. Callers must
// Release it; the search_path is reset before the connection returns to the
// pool.
type Session struct {
	conn        *pgxpool.Conn
	Environment *models.Environment
	Schema      string
	released    bool
}

// ForEnvironment resolves the environment, verifies it is live, and returns
// a session bound to its namespace. Expired or deleted environments return
// ErrGone; unknown ids return ErrNotFound. Agent activity is recorded on the
// environment's last_used_at.
func (r *Router) ForEnvironment(ctx context.Context, envID string) (*Session, error) {
	env, err := r.meta.GetEnvironment(ctx, envID)
	if err != nil {
		return nil, err
	}
	if env.Status != models.EnvironmentStatusReady || env.Expired(time.Now()) {
		return nil, ErrGone
	}

	sess, err := r.ForSchema(ctx, env.SchemaName)
	if err != nil {
		return nil, err
	}
	sess.Environment = env

	if err := r.meta.TouchEnvironment(ctx, env.ID, time.Now()); err != nil {
		r.logger.Warn("Failed to touch environment %s: %v", env.ID, err)
	}
	return sess, nil
}

// ForSchema returns a session bound to the given namespace without any
// environment checks. Used internally by the isolation engine and differ,
// which operate on namespaces they already validated.
func (r *Router) ForSchema(ctx context.Context, schema string) (*Session, error) {
	conn, err := r.pool.DB().Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}

	// Schema names are platform-generated, but sanitize anyway since
	// search_path cannot take bind parameters.
	q := fmt.Sprintf("SET search_path TO %s", pgx.Identifier{schema}.Sanitize())
	if _, err := conn.Exec(ctx, q); err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to bind search_path: %w", err)
	}

	return &Session{conn: conn, Schema: schema}, nil
}

// Release resets the search_path and returns the connection to the pool.
// Safe to call more than once.
func (s *Session) Release() {
	if s.released || s.conn == nil {
		return
	}
	s.released = true
	// best effort; a broken connection is discarded by the pool anyway
	_, _ = s.conn.Exec(context.Background(), "RESET search_path")
	s.conn.Release()
}

// Exec runs a statement on the bound connection.
func (s *Session) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return s.conn.Exec(ctx, sql, args...)
}

// Query runs a query on the bound connection.
func (s *Session) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return s.conn.Query(ctx, sql, args...)
}

// QueryRow runs a single-row query on the bound connection.
func (s *Session) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return s.conn.QueryRow(ctx, sql, args...)
}

// Begin starts a transaction on the bound connection.
func (s *Session) Begin(ctx context.Context) (pgx.Tx, error) {
	return s.conn.Begin(ctx)
}
