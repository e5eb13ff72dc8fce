package persistence

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNoDatabase is returned when a session is requested without a configured pool.
var ErrNoDatabase = errors.New("postgres pool not configured")

// DBTX is the query surface shared by pools, pooled connections and transactions.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// SessionProvider hands out a unit of work per request. The release func must
// be called exactly once, whatever the outcome of the work.
type SessionProvider interface {
	Acquire(ctx context.Context) (DBTX, func(), error)
}

// NoopSessionProvider serves repositories that keep their own state.
type NoopSessionProvider struct{}

// Acquire returns a nil session and a no-op release.
func (NoopSessionProvider) Acquire(context.Context) (DBTX, func(), error) {
	return nil, func() {}, nil
}
