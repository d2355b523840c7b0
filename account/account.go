// Package account defines the persistent user and API records shared by the
// session cache, the auth engine and the storage backends.
package account

import (
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/CanyonCasa/homebrew/internal/util"
)

var (
	// ErrInvalidTransition is returned when a status change is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrInvalidPermission is returned when a permission string is unknown.
	ErrInvalidPermission = errors.New("invalid permission")
)

// Status is the lifecycle state of a user account.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusActive   Status = "ACTIVE"
	StatusInactive Status = "INACTIVE"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusInactive:
		return true
	}
	return false
}

// Phone holds an SMS destination. Provider names the carrier gateway used
// when texts are delivered by email.
type Phone struct {
	Number   string `json:"number,omitempty"`
	Provider string `json:"provider,omitempty"`
}

// Identification is the public, user-editable part of an account.
type Identification struct {
	Name    string            `json:"name,omitempty"`
	Email   string            `json:"email,omitempty"`
	Phone   Phone             `json:"phone,omitzero"`
	Account string            `json:"account,omitempty"`
	Extra   map[string]string `json:"extra,omitempty"`
}

// Challenge is a time-boxed one-time code. Expires is in unix seconds.
type Challenge struct {
	Code    string `json:"code"`
	Expires int64  `json:"expires"`
}

// Credentials hold the secret parts of an account. Local is always a bcrypt
// hash, never a plaintext credential.
type Credentials struct {
	Local     string     `json:"local,omitempty"`
	Challenge *Challenge `json:"challenge,omitempty"`
}

// User is the persistent account record.
type User struct {
	Username       string                `json:"username"`
	Status         Status                `json:"status"`
	Identification Identification        `json:"identification"`
	Credentials    Credentials           `json:"credentials"`
	Authorizations map[string]Permission `json:"authorizations,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
}

// APIRecord is a machine credential. It is cached under Key and never expires.
type APIRecord struct {
	Key    string `json:"key"`
	Secret string `json:"secret"`
}

// NormalizeUsername returns the canonical storage key for a username.
func NormalizeUsername(name string) string {
	return util.NormalizeName(name)
}

// Clone returns a deep copy of u.
func (u User) Clone() User {
	c := u
	c.Identification.Extra = maps.Clone(u.Identification.Extra)
	c.Authorizations = maps.Clone(u.Authorizations)
	if u.Credentials.Challenge != nil {
		ch := *u.Credentials.Challenge
		c.Credentials.Challenge = &ch
	}
	return c
}

// Public returns a copy of u without credentials, suitable for replies.
func (u User) Public() User {
	c := u.Clone()
	c.Credentials = Credentials{}
	return c
}

// Grant returns the permission granted for service, or "" when none is set.
func (u User) Grant(service string) Permission {
	return u.Authorizations[strings.ToLower(service)]
}

// Transition moves the account to status to. Activation is reserved for the
// challenge flow and deactivation for administrators; callers enforce who
// may ask, Transition enforces which moves exist.
func (u *User) Transition(to Status) error {
	switch {
	case !to.Valid():
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	case u.Status == to:
		return nil
	case to == StatusInactive:
	case u.Status == StatusPending && to == StatusActive:
	default:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, u.Status, to)
	}
	u.Status = to
	return nil
}
