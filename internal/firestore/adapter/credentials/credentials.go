// Package credentials provides token sources for the backend transport.
// Tokens are issued elsewhere (a sign-in service or emulator); providers
// here hold them, surface the owning user, and report user switches to
// the sync engine.
package credentials

import (
	"context"
	"sync"

	"github.com/golang-jwt/jwt/v5"

	"firestore-sync/internal/firestore/domain/repository"
	"firestore-sync/internal/shared/errors"
)

// Claims is the token payload the backend issues.
type Claims struct {
	UserID   string `json:"user_id"`
	Email    string `json:"email,omitempty"`
	TenantID string `json:"tenant_id,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) user() repository.User {
	uid := c.UserID
	if uid == "" {
		uid = c.Subject
	}
	return repository.User{UID: uid}
}

// parseToken extracts the user and expiry from a signed token without
// verifying the signature. Verification is the backend's job; the client
// only needs the identity for queue selection.
func parseToken(tokenString string) (*repository.Token, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, errors.Newf(errors.CodeInvalidArgument, "malformed auth token: %v", err)
	}
	token := &repository.Token{
		Value: tokenString,
		User:  claims.user(),
	}
	if claims.ExpiresAt != nil {
		token.ExpiresAt = claims.ExpiresAt.Time
	}
	return token, nil
}

// EmptyProvider serves unauthenticated access.
type EmptyProvider struct{}

func NewEmptyProvider() *EmptyProvider { return &EmptyProvider{} }

func (p *EmptyProvider) GetToken(context.Context) (*repository.Token, error) { return nil, nil }

func (p *EmptyProvider) InvalidateToken() {}

func (p *EmptyProvider) SetUserChangeListener(fn func(user repository.User)) {
	if fn != nil {
		fn(repository.UnauthenticatedUser)
	}
}

// Provider holds the current sign-in token. SignIn and SignOut may be
// called from any goroutine; the user-change listener fires inline.
type Provider struct {
	mu          sync.Mutex
	token       *repository.Token
	invalidated bool
	listener    func(user repository.User)
}

func NewProvider() *Provider { return &Provider{} }

// NewProviderWithToken starts signed in with the given token.
func NewProviderWithToken(tokenString string) (*Provider, error) {
	token, err := parseToken(tokenString)
	if err != nil {
		return nil, err
	}
	return &Provider{token: token}, nil
}

func (p *Provider) GetToken(context.Context) (*repository.Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token == nil {
		return nil, nil
	}
	if p.invalidated {
		return nil, errors.New(errors.CodeUnauthenticated, "auth token was rejected, sign in again")
	}
	return p.token, nil
}

// InvalidateToken marks the held token unusable. With no refresh source
// the provider stays unauthenticated until the next SignIn.
func (p *Provider) InvalidateToken() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.invalidated = true
}

func (p *Provider) SetUserChangeListener(fn func(user repository.User)) {
	p.mu.Lock()
	p.listener = fn
	user := p.currentUserLocked()
	p.mu.Unlock()
	if fn != nil {
		fn(user)
	}
}

// SignIn replaces the current token and notifies the listener when the
// owning user changed.
func (p *Provider) SignIn(tokenString string) error {
	token, err := parseToken(tokenString)
	if err != nil {
		return err
	}

	p.mu.Lock()
	previous := p.currentUserLocked()
	p.token = token
	p.invalidated = false
	listener := p.listener
	p.mu.Unlock()

	if listener != nil && !previous.Equal(token.User) {
		listener(token.User)
	}
	return nil
}

// SignOut drops the token and reports the unauthenticated user.
func (p *Provider) SignOut() {
	p.mu.Lock()
	previous := p.currentUserLocked()
	p.token = nil
	p.invalidated = false
	listener := p.listener
	p.mu.Unlock()

	if listener != nil && previous.IsAuthenticated() {
		listener(repository.UnauthenticatedUser)
	}
}

func (p *Provider) currentUserLocked() repository.User {
	if p.token == nil {
		return repository.UnauthenticatedUser
	}
	return p.token.User
}
