// Package postgres opens the pooled database/sql connection used by the
// search-history archive. The lib/pq driver is registered as a side effect
// of importing this package.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/searchkit/coordinator/pkg/config"
)

const connectProbeTimeout = 5 * time.Second

// Client holds the shared connection pool. Callers issue queries through the
// exported DB handle.
type Client struct {
	DB *sql.DB
}

// New dials PostgreSQL with the pool limits from cfg and fails fast if the
// server is unreachable.
func New(cfg config.PostgresConfig) (*Client, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("opening postgres connection: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	probe, cancel := context.WithTimeout(context.Background(), connectProbeTimeout)
	defer cancel()
	if err := db.PingContext(probe); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &Client{DB: db}, nil
}

// Close releases the pool.
func (c *Client) Close() error {
	return c.DB.Close()
}
