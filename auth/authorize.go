package auth

import (
	"strings"

	"github.com/CanyonCasa/homebrew/account"
)

// UserService is the pseudo-service that matches a specific username.
const UserService = "user"

// Principal is who a request was made by. Any field may be empty.
type Principal struct {
	// SessionID is set only for a valid, unexpired session.
	SessionID string
	User      *account.User
	// API is set when the request carried a verified API signature.
	API *account.APIRecord
}

// Authenticated reports whether the principal holds a live session.
func (p *Principal) Authenticated() bool {
	return p != nil && p.SessionID != "" && p.User != nil
}

// Check lists services and the level required for each. An empty level
// means "allowed unless explicitly denied".
type Check map[string]string

// Authorize evaluates check for p and succeeds if any listed service is
// satisfied. With no services it only asks whether p is logged in.
func Authorize(p *Principal, check Check) bool {
	if len(check) == 0 {
		return p.Authenticated()
	}
	if !p.Authenticated() {
		return false
	}
	for service, required := range check {
		if authorizeOne(p.User, service, required) {
			return true
		}
	}
	return false
}

func authorizeOne(u *account.User, service, required string) bool {
	service = strings.ToLower(strings.TrimSpace(service))
	switch {
	case service == "":
		return false
	case service == UserService:
		return required != "" && u.Username == account.NormalizeUsername(required)
	}
	granted := u.Grant(service)
	if required == "" {
		return granted != account.PermDeny
	}
	want, err := account.ParsePermission(required)
	if err != nil {
		return false
	}
	return granted.AtLeast(want)
}
