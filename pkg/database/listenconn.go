package database

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
)

// ListenConn is the single-connection variant of the active-connection
// wrapper, used for the subscriber's LISTEN socket. A pooled connection
// cannot hold LISTEN registrations across checkouts, so the listener owns
// one dedicated pgx.Conn for its whole lifetime.
//
// ListenConn serializes nothing by itself: the subscriber guarantees the
// connection is touched from a single goroutine at a time (the calling
// goroutine during subscribe/reconnect, the listener goroutine after start).
type ListenConn struct {
	dsn string

	mu   sync.Mutex
	conn *pgx.Conn
}

// NewListenConn creates an unopened listen connection for the given DSN.
func NewListenConn(dsn string) *ListenConn {
	return &ListenConn{dsn: dsn}
}

// Conn returns the current connection, or nil when closed.
func (l *ListenConn) Conn() *pgx.Conn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn
}

// IsActive reports whether the connection is open and a probe succeeds.
func (l *ListenConn) IsActive(ctx context.Context) bool {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil || conn.IsClosed() {
		return false
	}
	_, err := conn.Exec(ctx, "SELECT 1")
	return err == nil
}

// ActiveConnect returns a probed connection, opening one if needed. A reused
// connection that fails the probe is closed and re-opened exactly once.
// The second return value reports whether a fresh connection was
// established, in which case LISTEN registrations were lost and the caller
// must re-subscribe.
func (l *ListenConn) ActiveConnect(ctx context.Context) (*pgx.Conn, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn != nil && !l.conn.IsClosed() {
		if _, err := l.conn.Exec(ctx, "SELECT 1"); err == nil {
			return l.conn, false, nil
		}
		_ = l.conn.Close(ctx)
		l.conn = nil
	}

	conn, err := pgx.Connect(ctx, l.dsn)
	if err != nil {
		return nil, false, fmt.Errorf("connect for LISTEN: %w", err)
	}
	if _, err := conn.Exec(ctx, "SELECT 1"); err != nil {
		_ = conn.Close(ctx)
		return nil, false, fmt.Errorf("listen connection is not active: %w", err)
	}
	l.conn = conn
	return conn, true, nil
}

// CleanIfInactive closes the connection when it no longer passes the probe.
// Returns whether a cleanup occurred.
func (l *ListenConn) CleanIfInactive(ctx context.Context) bool {
	if l.IsActive(ctx) {
		return false
	}
	l.Close(ctx)
	return true
}

// Close discards the connection. The next ActiveConnect re-opens.
func (l *ListenConn) Close(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		_ = l.conn.Close(ctx)
		l.conn = nil
	}
}
