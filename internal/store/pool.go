package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentdiff/agentdiff/internal/logging"
)

// Pool wraps a pgx connection pool and implements lifecycle.Component so the
// database connection participates in ordered startup and shutdown.
type Pool struct {
	url      string
	maxConns int
	pool     *pgxpool.Pool
	logger   *logging.Logger
}

// NewPool creates an unconnected pool component. The connection is opened in
// Start so a bad DSN fails the lifecycle manager instead of the constructor.
func NewPool(url string, maxConns int) *Pool {
	return &Pool{
		url:      url,
		maxConns: maxConns,
		logger:   logging.GetLogger("store"),
	}
}

// Start opens the connection pool and verifies connectivity.
func (p *Pool) Start(ctx context.Context) error {
	cfg, err := pgxpool.ParseConfig(p.url)
	if err != nil {
		return fmt.Errorf("failed to parse database URL: %w", err)
	}
	cfg.MaxConns = int32(p.maxConns)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	p.pool = pool
	p.logger.Info("Connected to Postgres (max %d connections)", p.maxConns)
	return nil
}

// Stop closes the connection pool.
func (p *Pool) Stop(ctx context.Context) error {
	if p.pool != nil {
		p.pool.Close()
		p.logger.Info("Connection pool closed")
	}
	return nil
}

// Name implements lifecycle.Component.
func (p *Pool) Name() string {
	return "Postgres Pool"
}

// DB returns the underlying pgx pool. Valid only after Start.
func (p *Pool) DB() *pgxpool.Pool {
	return p.pool
}
