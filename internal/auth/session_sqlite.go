package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SQLiteSessionStore is a SQLite-backed implementation of SessionStore.
// It shares the token store's handle; the sessions table is created by the
// SQLite migrations.
type SQLiteSessionStore struct {
	db *sql.DB
}

// NewSQLiteSessionStoreFromDB creates a store using an existing DB connection.
func NewSQLiteSessionStoreFromDB(db *sql.DB) *SQLiteSessionStore {
	return &SQLiteSessionStore{db: db}
}

func (s *SQLiteSessionStore) Get(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, nil
	}

	var data, createdAt, expiresAt string
	err := s.db.QueryRowContext(ctx, `SELECT data, created_at, expires_at FROM sessions WHERE id = ?`, id).
		Scan(&data, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	session := &Session{ID: id}
	session.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	session.ExpiresAt, err = time.Parse(time.RFC3339Nano, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("parse expires_at: %w", err)
	}
	if session.IsExpired() {
		return nil, nil
	}
	if err := json.Unmarshal([]byte(data), &session.Values); err != nil {
		return nil, fmt.Errorf("unmarshal session data: %w", err)
	}
	return session, nil
}

func (s *SQLiteSessionStore) Save(ctx context.Context, session *Session) error {
	if session == nil || session.ID == "" {
		return ErrInvalidSession
	}
	data, err := json.Marshal(session.Values)
	if err != nil {
		return fmt.Errorf("marshal session data: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, data, created_at, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data, expires_at = excluded.expires_at`,
		session.ID, string(data),
		session.CreatedAt.UTC().Format(time.RFC3339Nano),
		session.ExpiresAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *SQLiteSessionStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// Cleanup compares RFC3339 strings, which sort chronologically in UTC.
func (s *SQLiteSessionStore) Cleanup(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < ?`,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
