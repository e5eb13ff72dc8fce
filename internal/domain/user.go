package domain

import "time"

// User is the domain model for a registered account.
type User struct {
	ID           string
	Username     string
	FirstName    string
	LastName     string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// UserPatch carries a partial update. Nil fields are left untouched.
type UserPatch struct {
	Username     *string
	FirstName    *string
	LastName     *string
	Email        *string
	PasswordHash *string
}

