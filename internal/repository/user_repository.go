package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/spec-kit/account-service/internal/domain"
	"github.com/spec-kit/account-service/internal/persistence"
)

// UserRepository defines persistence access for user accounts. Every call runs
// on the unit of work passed in by the caller.
type UserRepository interface {
	Create(ctx context.Context, db persistence.DBTX, user *domain.User) error
	GetByID(ctx context.Context, db persistence.DBTX, id string) (*domain.User, error)
	GetByEmail(ctx context.Context, db persistence.DBTX, email string) (*domain.User, error)
	GetByUsername(ctx context.Context, db persistence.DBTX, username string) (*domain.User, error)
	GetIDByUsername(ctx context.Context, db persistence.DBTX, username string) (string, error)
	GetIDByEmail(ctx context.Context, db persistence.DBTX, email string) (string, error)
	List(ctx context.Context, db persistence.DBTX) ([]domain.User, error)
	Update(ctx context.Context, db persistence.DBTX, id string, patch domain.UserPatch) (*domain.User, error)
	Delete(ctx context.Context, db persistence.DBTX, id string) (*domain.User, error)
}

const userColumns = `id, username, first_name, last_name, email, password_hash, created_at, updated_at`

type userRepository struct{}

// NewUserRepository returns a Postgres-backed implementation.
func NewUserRepository() UserRepository {
	return &userRepository{}
}

func (r *userRepository) Create(ctx context.Context, db persistence.DBTX, user *domain.User) error {
	const query = `
        INSERT INTO users (id, username, first_name, last_name, email, password_hash)
        VALUES ($1, $2, $3, $4, $5, $6)
        RETURNING created_at, updated_at`

	err := db.QueryRow(ctx, query,
		user.ID,
		user.Username,
		user.FirstName,
		user.LastName,
		user.Email,
		user.PasswordHash,
	).Scan(&user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if dup, ok := mapUniqueViolation(err); ok {
			return dup
		}
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *userRepository) GetByID(ctx context.Context, db persistence.DBTX, id string) (*domain.User, error) {
	const query = `SELECT ` + userColumns + ` FROM users WHERE id=$1`
	return scanUser(db.QueryRow(ctx, query, id))
}

func (r *userRepository) GetByEmail(ctx context.Context, db persistence.DBTX, email string) (*domain.User, error) {
	const query = `SELECT ` + userColumns + ` FROM users WHERE email=$1`
	return scanUser(db.QueryRow(ctx, query, email))
}

func (r *userRepository) GetByUsername(ctx context.Context, db persistence.DBTX, username string) (*domain.User, error) {
	const query = `SELECT ` + userColumns + ` FROM users WHERE username=$1`
	return scanUser(db.QueryRow(ctx, query, username))
}

func (r *userRepository) GetIDByUsername(ctx context.Context, db persistence.DBTX, username string) (string, error) {
	const query = `SELECT id FROM users WHERE username=$1`
	return scanID(db.QueryRow(ctx, query, username))
}

func (r *userRepository) GetIDByEmail(ctx context.Context, db persistence.DBTX, email string) (string, error) {
	const query = `SELECT id FROM users WHERE email=$1`
	return scanID(db.QueryRow(ctx, query, email))
}

func (r *userRepository) List(ctx context.Context, db persistence.DBTX) ([]domain.User, error) {
	const query = `SELECT ` + userColumns + ` FROM users ORDER BY created_at, id`

	rows, err := db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	result := []domain.User{}
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return result, nil
}

// Update applies only the non-nil patch fields and bumps updated_at in one statement.
func (r *userRepository) Update(ctx context.Context, db persistence.DBTX, id string, patch domain.UserPatch) (*domain.User, error) {
	const query = `
        UPDATE users SET
            username=COALESCE($1, username),
            first_name=COALESCE($2, first_name),
            last_name=COALESCE($3, last_name),
            email=COALESCE($4, email),
            password_hash=COALESCE($5, password_hash),
            updated_at=GREATEST(NOW(), updated_at + INTERVAL '1 microsecond')
        WHERE id=$6
        RETURNING ` + userColumns

	user, err := scanUser(db.QueryRow(ctx, query,
		patch.Username,
		patch.FirstName,
		patch.LastName,
		patch.Email,
		patch.PasswordHash,
		id,
	))
	if err != nil {
		if dup, ok := mapUniqueViolation(err); ok {
			return nil, dup
		}
		return nil, err
	}
	return user, nil
}

// Delete removes the row permanently and returns what was deleted.
func (r *userRepository) Delete(ctx context.Context, db persistence.DBTX, id string) (*domain.User, error) {
	const query = `DELETE FROM users WHERE id=$1 RETURNING ` + userColumns
	return scanUser(db.QueryRow(ctx, query, id))
}

func scanUser(row pgx.Row) (*domain.User, error) {
	var user domain.User
	if err := row.Scan(
		&user.ID,
		&user.Username,
		&user.FirstName,
		&user.LastName,
		&user.Email,
		&user.PasswordHash,
		&user.CreatedAt,
		&user.UpdatedAt,
	); err != nil {
		return nil, wrapLookupError(err)
	}
	return &user, nil
}

func scanID(row pgx.Row) (string, error) {
	var id string
	if err := row.Scan(&id); err != nil {
		return "", wrapLookupError(err)
	}
	return id, nil
}

func wrapLookupError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if _, ok := mapUniqueViolation(err); ok {
		return err
	}
	return fmt.Errorf("db error: %w", err)
}
