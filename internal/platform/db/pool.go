// Package db opens the PostgreSQL connection pool used by the bundle
// archive.
package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolConfig holds the pool settings read from configuration.
type PoolConfig struct {
	URL      string
	MaxConns int32
	MinConns int32
}

// Validate checks the settings without connecting.
func (c PoolConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("database url is required")
	}
	if c.MaxConns < 0 || c.MinConns < 0 {
		return fmt.Errorf("connection limits must not be negative")
	}
	if c.MaxConns > 0 && c.MinConns > c.MaxConns {
		return fmt.Errorf("min conns (%d) exceeds max conns (%d)", c.MinConns, c.MaxConns)
	}
	return nil
}

// parseConfig applies c on top of the settings encoded in the URL. Zero
// limits keep pgx defaults.
func parseConfig(c PoolConfig) (*pgxpool.Config, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	cfg, err := pgxpool.ParseConfig(c.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if c.MaxConns > 0 {
		cfg.MaxConns = c.MaxConns
	}
	if c.MinConns > 0 {
		cfg.MinConns = c.MinConns
	}
	return cfg, nil
}

// NewPool connects and pings the database.
func NewPool(ctx context.Context, c PoolConfig) (*pgxpool.Pool, error) {
	cfg, err := parseConfig(c)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}
