package repository

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is returned when no row matches the lookup.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateUsername is returned when the username unique constraint rejects a write.
	ErrDuplicateUsername = errors.New("duplicate username")
	// ErrDuplicateEmail is returned when the email unique constraint rejects a write.
	ErrDuplicateEmail = errors.New("duplicate email")
)

const (
	uniqueViolationCode = "23505"
	usernameConstraint  = "users_username_key"
	emailConstraint     = "users_email_key"
)

// mapUniqueViolation translates a unique constraint violation into the matching sentinel.
func mapUniqueViolation(err error) (error, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolationCode {
		return nil, false
	}
	switch pgErr.ConstraintName {
	case usernameConstraint:
		return ErrDuplicateUsername, true
	case emailConstraint:
		return ErrDuplicateEmail, true
	}
	return nil, false
}
