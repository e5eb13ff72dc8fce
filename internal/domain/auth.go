package domain

import "time"

// TokenTypeBearer is the token type reported to clients on login.
const TokenTypeBearer = "bearer"

// AccessToken describes an issued, self-contained access token.
type AccessToken struct {
	Token     string
	Type      string
	SubjectID string
	ExpiresAt time.Time
}
