package repository

import (
	"context"
	"time"
)

// User identifies the account whose mutation queue is active. The zero
// value is the unauthenticated user.
type User struct {
	UID string
}

// UnauthenticatedUser is the user before any sign-in.
var UnauthenticatedUser = User{}

func (u User) IsAuthenticated() bool { return u.UID != "" }

// QueueKey returns the mutation queue identifier for the user.
func (u User) QueueKey() string {
	if u.UID == "" {
		return "unauthenticated"
	}
	return u.UID
}

func (u User) Equal(other User) bool { return u.UID == other.UID }

// Token is an authentication token with its owning user.
type Token struct {
	Value     string
	User      User
	ExpiresAt time.Time
}

// CredentialsProvider supplies authentication tokens and reports user
// changes. The change listener fires on the caller's goroutine; consumers
// re-enqueue onto the engine queue themselves.
type CredentialsProvider interface {
	// GetToken returns the current token, refreshing it if invalidated.
	// A nil token with nil error means unauthenticated access.
	GetToken(ctx context.Context) (*Token, error)
	// InvalidateToken forces the next GetToken to fetch a fresh token,
	// called after an Unauthenticated stream error.
	InvalidateToken()
	// SetUserChangeListener registers the single user-change callback;
	// it fires immediately with the current user.
	SetUserChangeListener(fn func(user User))
}
