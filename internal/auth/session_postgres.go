package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSessionStore is a PostgreSQL-backed implementation of SessionStore.
// Several broker replicas behind one redirect URI share sessions through it.
type PostgresSessionStore struct {
	pool *pgxpool.Pool
}

// NewPostgresSessionStoreFromPool creates a session store using an existing pool.
func NewPostgresSessionStoreFromPool(pool *pgxpool.Pool) *PostgresSessionStore {
	return &PostgresSessionStore{pool: pool}
}

func (s *PostgresSessionStore) Get(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, nil
	}

	session := &Session{ID: id}
	var data []byte
	err := s.pool.QueryRow(ctx, `
		SELECT data, created_at, expires_at FROM sessions
		WHERE id = $1 AND expires_at > NOW()`, id).
		Scan(&data, &session.CreatedAt, &session.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &session.Values); err != nil {
		return nil, fmt.Errorf("unmarshal session data: %w", err)
	}
	return session, nil
}

func (s *PostgresSessionStore) Save(ctx context.Context, session *Session) error {
	if session == nil || session.ID == "" {
		return ErrInvalidSession
	}
	data, err := json.Marshal(session.Values)
	if err != nil {
		return fmt.Errorf("marshal session data: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO sessions (id, data, created_at, expires_at) VALUES ($1, $2::jsonb, $3, $4)
		ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, expires_at = EXCLUDED.expires_at`,
		session.ID, string(data), session.CreatedAt, session.ExpiresAt)
	return err
}

func (s *PostgresSessionStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *PostgresSessionStore) Cleanup(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at < $1`, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
