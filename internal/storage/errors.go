package storage

import (
	"errors"
	"fmt"
	"strings"

	"wts/internal/domain"
)

// Sentinel errors for the storage layer.
// HTTP handlers should use errors.Is() to map these to appropriate HTTP status codes.
var (
	// ErrConflict indicates the operation conflicts with existing state,
	// such as a refresh token whose jti is already stored.
	ErrConflict = errors.New("conflict")

	// ErrValidation indicates the input failed validation
	// (e.g., missing required fields).
	ErrValidation = errors.New("validation error")
)

// WrapIfConflict wraps a database error as ErrConflict if it represents a
// unique constraint violation. SQLite reports "UNIQUE constraint failed",
// PostgreSQL reports SQLSTATE 23505 / "duplicate key".
func WrapIfConflict(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE") || strings.Contains(msg, "duplicate") || strings.Contains(msg, "23505") {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

// ValidateRecord checks the fields every stored refresh token must carry.
func ValidateRecord(rec domain.RefreshToken) error {
	switch {
	case rec.JTI == "":
		return fmt.Errorf("%w: jti is required", ErrValidation)
	case rec.Token == "":
		return fmt.Errorf("%w: token is required", ErrValidation)
	case rec.UserID == "":
		return fmt.Errorf("%w: userid is required", ErrValidation)
	case rec.IDP == "":
		return fmt.Errorf("%w: idp is required", ErrValidation)
	}
	return nil
}
