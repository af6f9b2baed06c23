// Package database provides the PostgreSQL access layer for the event hub:
// a pooled client with liveness probing and a re-entrant active-connection
// scope, a dedicated single-connection wrapper for LISTEN/NOTIFY, and the
// embedded schema migrations.
package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is the subset of pgx operations shared by the pool and a pooled
// connection. Store methods accept whichever the active context carries.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Client wraps a pgx connection pool with liveness probing. A connection can
// look open while the TCP peer is gone; every outermost ActiveContext probes
// with SELECT 1 and replaces the connection once before giving up.
type Client struct {
	pool *pgxpool.Pool
	cfg  Config
}

// NewClient creates a pooled client and verifies connectivity.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database DSN: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.StaleTimeout > 0 {
		poolCfg.MaxConnIdleTime = cfg.StaleTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Client{pool: pool, cfg: cfg}, nil
}

// Config returns the configuration the client was built with.
func (c *Client) Config() Config {
	return c.cfg
}

// Pool returns the underlying connection pool.
func (c *Client) Pool() *pgxpool.Pool {
	return c.pool
}

// IsActive reports whether a trivial probe succeeds against the pool.
func (c *Client) IsActive(ctx context.Context) bool {
	_, err := c.pool.Exec(ctx, "SELECT 1")
	return err == nil
}

// CleanIfInactive probes the pool and, on failure, discards all idle
// connections so subsequent acquisitions dial fresh. Returns whether a
// cleanup occurred.
func (c *Client) CleanIfInactive(ctx context.Context) bool {
	if c.IsActive(ctx) {
		return false
	}
	c.pool.Reset()
	return true
}

// Close shuts down the pool.
func (c *Client) Close() {
	c.pool.Close()
}

type activeConnKey struct{}

// ActiveContext acquires a probed connection and stores it in the returned
// context. The scope is re-entrant per execution context: if ctx already
// carries an active connection the same context is returned and the release
// function is a no-op, so nested scopes never double-acquire. Only the
// outermost release returns the connection to the pool.
func (c *Client) ActiveContext(ctx context.Context) (context.Context, func(), error) {
	if _, ok := ctx.Value(activeConnKey{}).(*pgxpool.Conn); ok {
		return ctx, func() {}, nil
	}

	conn, err := c.activeAcquire(ctx)
	if err != nil {
		return ctx, nil, err
	}
	return context.WithValue(ctx, activeConnKey{}, conn), conn.Release, nil
}

// activeAcquire acquires a connection and probes it. A reused connection
// that fails the probe is destroyed, the idle pool is emptied, and a fresh
// connection is acquired and probed exactly once; failure of the fresh
// connection propagates.
func (c *Client) activeAcquire(ctx context.Context) (*pgxpool.Conn, error) {
	acquireCtx := ctx
	if c.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, c.cfg.AcquireTimeout)
		defer cancel()
	}

	conn, err := c.pool.Acquire(acquireCtx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}

	if _, err := conn.Exec(ctx, "SELECT 1"); err == nil {
		return conn, nil
	}

	// Reused connection is dead. Destroy it, drop the idle pool, retry once.
	_ = conn.Conn().Close(ctx)
	conn.Release()
	c.pool.Reset()

	conn, err = c.pool.Acquire(acquireCtx)
	if err != nil {
		return nil, fmt.Errorf("reacquire connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "SELECT 1"); err != nil {
		conn.Release()
		return nil, fmt.Errorf("database is not active: %w", err)
	}
	return conn, nil
}

// Querier returns the active connection carried by ctx, or the pool when no
// active scope is open.
func (c *Client) Querier(ctx context.Context) Querier {
	if conn, ok := ctx.Value(activeConnKey{}).(*pgxpool.Conn); ok {
		return conn
	}
	return c.pool
}
