package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"wts/internal/domain"
	"wts/internal/storage"
)

const tokenColumns = `token, jti, username, userid, idp, expires`

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

func wrapConflict(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", storage.ErrConflict, pgErr.Message)
	}
	return storage.WrapIfConflict(err)
}

func (s *Store) Insert(ctx context.Context, rec domain.RefreshToken) error {
	if err := storage.ValidateRecord(rec); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO refresh_token (`+tokenColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.Token, rec.JTI, rec.Username, rec.UserID, rec.IDP, rec.Expires)
	return wrapConflict(err)
}

// Rotate runs the delete and the insert in one read-committed transaction;
// pgx.BeginTxFunc rolls back when the insert fails. Rotations of the same
// (userid, idp) are serialized on a transaction-scoped advisory lock, so the
// delete of a later rotation sees the row inserted by an earlier one.
func (s *Store) Rotate(ctx context.Context, userID, idp string, rec domain.RefreshToken) error {
	if err := storage.ValidateRecord(rec); err != nil {
		return err
	}
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1::text || '/' || $2::text))`, userID, idp); err != nil {
			return fmt.Errorf("lock rotation: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM refresh_token WHERE userid = $1 AND (idp = $2 OR expires <= $3)`,
			userID, idp, time.Now().Unix()); err != nil {
			return fmt.Errorf("delete previous tokens: %w", err)
		}
		_, err := tx.Exec(ctx, `INSERT INTO refresh_token (`+tokenColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
			rec.Token, rec.JTI, rec.Username, rec.UserID, rec.IDP, rec.Expires)
		return err
	})
	return wrapConflict(err)
}

func (s *Store) FindLatest(ctx context.Context, username, idp string) (*domain.RefreshToken, error) {
	var t domain.RefreshToken
	err := s.pool.QueryRow(ctx, `SELECT `+tokenColumns+` FROM refresh_token
		WHERE username = $1 AND idp = $2 ORDER BY expires DESC, jti COLLATE "C" DESC LIMIT 1`, username, idp).
		Scan(&t.Token, &t.JTI, &t.Username, &t.UserID, &t.IDP, &t.Expires)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) FindAllValid(ctx context.Context, username string, now time.Time) ([]domain.RefreshToken, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+tokenColumns+` FROM refresh_token
		WHERE username = $1 AND expires > $2 ORDER BY expires ASC, jti COLLATE "C" ASC`, username, now.Unix())
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.RefreshToken, error) {
		var t domain.RefreshToken
		err := row.Scan(&t.Token, &t.JTI, &t.Username, &t.UserID, &t.IDP, &t.Expires)
		return t, err
	})
}

func (s *Store) IsValid(ctx context.Context, username, idp string, now time.Time) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM refresh_token
		WHERE username = $1 AND idp = $2 AND expires > $3)`, username, idp, now.Unix()).Scan(&ok)
	return ok, err
}
