// Package storage defines persistence for refresh tokens and its in-memory
// implementation. SQL backends live in the sqlite and postgres subpackages.
package storage

import (
	"context"
	"time"

	"wts/internal/domain"
)

// TokenStore persists encrypted refresh tokens.
type TokenStore interface {
	// Insert stores a new record. Returns ErrConflict if the jti exists.
	Insert(ctx context.Context, rec domain.RefreshToken) error

	// Rotate atomically deletes every record for (userID, idp), purges the
	// user's expired records, and inserts rec. If the insert fails nothing
	// is deleted.
	Rotate(ctx context.Context, userID, idp string, rec domain.RefreshToken) error

	// FindLatest returns the record with the greatest expiry for
	// (username, idp) regardless of validity.
	// Returns nil, nil if there is none.
	FindLatest(ctx context.Context, username, idp string) (*domain.RefreshToken, error)

	// FindAllValid returns the user's records with expires > now, ordered
	// by ascending expiry.
	FindAllValid(ctx context.Context, username string, now time.Time) ([]domain.RefreshToken, error)

	// IsValid reports whether (username, idp) has at least one record with
	// expires > now.
	IsValid(ctx context.Context, username, idp string, now time.Time) (bool, error)

	// Close releases the underlying resources.
	Close() error
}

// HealthCheck provides database health checking.
type HealthCheck interface {
	// Ping checks database connectivity.
	Ping(ctx context.Context) error

	// Stats returns database connection pool statistics.
	Stats() *DBStats
}

// DBStats contains database connection pool statistics.
type DBStats struct {
	MaxOpenConnections int   `json:"max_open_connections"`
	OpenConnections    int   `json:"open_connections"`
	InUse              int   `json:"in_use"`
	Idle               int   `json:"idle"`
	WaitCount          int64 `json:"wait_count"`
	// WaitDuration is the total time blocked waiting for a connection, in nanoseconds.
	WaitDuration int64 `json:"wait_duration_ns"`
}
