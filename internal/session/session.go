// Package session issues and reuses server-side chat sessions for
// authenticated users.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	DefaultMaxPerUser = 5
	DefaultTTL        = 1440 * time.Minute
	DefaultTier       = "free"
)

// ErrNotFound means no live session matched.
var ErrNotFound = errors.New("session not found")

// Session is one row of chat_sessions.
type Session struct {
	ID         string
	UserID     string
	ClientID   string
	Tier       string
	DeviceHash string
	UAHash     string
	IPHash     string
	JTI        string
	KID        string
	Issuer     string
	Audience   string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	LastSeen   time.Time
	ExpiresAt  time.Time
	RevokedAt  *time.Time
}

func (s *Session) Revoked() bool { return s.RevokedAt != nil }

// Store persists sessions. Implementations must make CreateWithCap atomic
// per user so concurrent creations cannot both escape the cap or both
// create a session for the same device.
type Store interface {
	// FindActiveByDevice returns the newest non-revoked session for the pair.
	FindActiveByDevice(ctx context.Context, userID, deviceHash string) (*Session, error)
	// Touch refreshes last_seen, updated_at and expires_at of a live session.
	Touch(ctx context.Context, id string, seen, expiresAt time.Time) error
	// CreateWithCap rechecks the device under the per-user lock. If a live
	// session exists it is touched with s.LastSeen and s.ExpiresAt and
	// returned as reused. Otherwise s is inserted and the user's
	// non-revoked sessions beyond the newest limit are revoked.
	CreateWithCap(ctx context.Context, s *Session, limit int) (*Result, error)
	// Get returns the session by id, revoked or not.
	Get(ctx context.Context, id string) (*Session, error)
	// Revoke marks a live session revoked at at.
	Revoke(ctx context.Context, id string, at time.Time) error
}

// Error codes reported to clients of the exchange endpoint.
const (
	CodeMissingIDToken = "missing_id_token"
	CodeSubMissing     = "sub_missing"
	CodeJWTInvalid     = "jwt_invalid"
	CodeSessionStore   = "session_store"
)

// AuthError is a hard authentication failure of the exchange boundary.
type AuthError struct {
	Code string
	// Reason is the token verification reason when Code is jwt_invalid.
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	switch {
	case e.Reason != "":
		return fmt.Sprintf("auth: %s (%s)", e.Code, e.Reason)
	case e.Err != nil:
		return fmt.Sprintf("auth: %s: %v", e.Code, e.Err)
	default:
		return "auth: " + e.Code
	}
}

func (e *AuthError) Unwrap() error { return e.Err }
