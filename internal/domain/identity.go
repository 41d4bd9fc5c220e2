package domain

import (
	"context"
	"time"
)

// Identity is an authenticated user's profile as known to the client.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"name"`
	Email       string `json:"email"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
	Headline    string `json:"headline,omitempty"`
}

// Session is the live, in-memory form of an authenticated session.
type Session struct {
	Identity    Identity
	AccessToken string
	ExpiresAt   time.Time
}

// Valid reports whether the session carries a token that has not expired.
// A zero ExpiresAt means the remote did not report an expiry.
func (s *Session) Valid(now time.Time) bool {
	if s == nil || s.AccessToken == "" || s.Identity.ID == "" {
		return false
	}
	return s.ExpiresAt.IsZero() || now.Before(s.ExpiresAt)
}

// StoredSession is the at-rest form of a session. The token is sealed.
type StoredSession struct {
	Slot        string    `gorm:"primaryKey;column:slot" json:"slot"`
	UserID      string    `gorm:"column:user_id" json:"user_id"`
	DisplayName string    `gorm:"column:display_name" json:"display_name"`
	Email       string    `gorm:"column:email" json:"email"`
	AvatarURL   string    `gorm:"column:avatar_url" json:"avatar_url"`
	Headline    string    `gorm:"column:headline" json:"headline"`
	SealedToken []byte    `gorm:"column:sealed_token" json:"sealed_token"`
	ExpiresAt   time.Time `gorm:"column:expires_at" json:"expires_at"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// TableName specifies the database table name for StoredSession
func (StoredSession) TableName() string {
	return "sessions"
}

func (s StoredSession) Identity() Identity {
	return Identity{
		ID:          s.UserID,
		DisplayName: s.DisplayName,
		Email:       s.Email,
		AvatarURL:   s.AvatarURL,
		Headline:    s.Headline,
	}
}

type SessionRepo interface {
	// Load returns the stored session for slot, or nil, nil when none exists.
	Load(ctx context.Context, slot string) (*StoredSession, error)
	Store(ctx context.Context, session StoredSession) error
	Clear(ctx context.Context, slot string) error
}

// SessionEventType mirrors the remote auth state-change events.
type SessionEventType string

const (
	SessionEventSignedIn       SessionEventType = "SIGNED_IN"
	SessionEventSignedOut      SessionEventType = "SIGNED_OUT"
	SessionEventTokenRefreshed SessionEventType = "TOKEN_REFRESHED"
	SessionEventUserUpdated    SessionEventType = "USER_UPDATED"
)

// SessionEvent is an out-of-band notification from the remote identity service.
type SessionEvent struct {
	Type    SessionEventType
	Session *Session
}

// AuthProvider is the remote identity service.
type AuthProvider interface {
	SignIn(ctx context.Context, email, password string) (*Session, error)
	SignUp(ctx context.Context, email, password, displayName string) (*Session, error)
	SignOut(ctx context.Context, accessToken string) error
	// GetSession validates accessToken remotely and returns the current session.
	GetSession(ctx context.Context, accessToken string) (*Session, error)
	// Subscribe blocks delivering session events until ctx is cancelled.
	Subscribe(ctx context.Context, accessToken string, fn func(SessionEvent)) error
}

// SessionProvider exposes the current identity to the sync layer.
type SessionProvider interface {
	CurrentIdentity() *Identity
	AccessToken() string
	OnChange(fn func(identity *Identity))
}
