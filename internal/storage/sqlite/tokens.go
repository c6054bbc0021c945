package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"wts/internal/domain"
	"wts/internal/storage"
)

const tokenColumns = `token, jti, username, userid, idp, expires`

func scanToken(row interface{ Scan(...any) error }) (domain.RefreshToken, error) {
	var t domain.RefreshToken
	err := row.Scan(&t.Token, &t.JTI, &t.Username, &t.UserID, &t.IDP, &t.Expires)
	return t, err
}

func (s *Store) Insert(ctx context.Context, rec domain.RefreshToken) error {
	if err := storage.ValidateRecord(rec); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO refresh_token(`+tokenColumns+`) VALUES(?, ?, ?, ?, ?, ?)`,
		rec.Token, rec.JTI, rec.Username, rec.UserID, rec.IDP, rec.Expires)
	return storage.WrapIfConflict(err)
}

func (s *Store) Rotate(ctx context.Context, userID, idp string, rec domain.RefreshToken) error {
	if err := storage.ValidateRecord(rec); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rotation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM refresh_token WHERE userid = ? AND (idp = ? OR expires <= ?)`,
		userID, idp, s.now().Unix()); err != nil {
		return fmt.Errorf("delete previous tokens: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO refresh_token(`+tokenColumns+`) VALUES(?, ?, ?, ?, ?, ?)`,
		rec.Token, rec.JTI, rec.Username, rec.UserID, rec.IDP, rec.Expires); err != nil {
		return storage.WrapIfConflict(err)
	}
	return tx.Commit()
}

func (s *Store) FindLatest(ctx context.Context, username, idp string) (*domain.RefreshToken, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM refresh_token
		WHERE username = ? AND idp = ? ORDER BY expires DESC, jti DESC LIMIT 1`, username, idp)
	t, err := scanToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) FindAllValid(ctx context.Context, username string, now time.Time) ([]domain.RefreshToken, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+tokenColumns+` FROM refresh_token
		WHERE username = ? AND expires > ? ORDER BY expires ASC, jti ASC`, username, now.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.RefreshToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) IsValid(ctx context.Context, username, idp string, now time.Time) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM refresh_token
		WHERE username = ? AND idp = ? AND expires > ?)`, username, idp, now.Unix()).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists == 1, nil
}
