package auth

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/CanyonCasa/homebrew/internal/util"
)

// ClientDigest is what a client sends in place of a password: the SHA-256 of
// username and password. Only its bcrypt hash is stored.
func ClientDigest(username, password string) string {
	return Digest(username, password)
}

// IsHashed reports whether credential already looks like a bcrypt hash.
func IsHashed(credential string) bool {
	return strings.HasPrefix(credential, "$2")
}

// HashPassword returns the value to store as a local credential. Values that
// are already bcrypt hashes are kept as they are.
func (e *Engine) HashPassword(ctx context.Context, credential string) (string, error) {
	if credential == "" {
		return "", fmt.Errorf("auth: empty credential")
	}
	if IsHashed(credential) {
		return credential, nil
	}
	if err := e.workers.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer e.workers.Release(1)

	h, err := bcrypt.GenerateFromPassword([]byte(credential), e.bcryptCost)
	if err != nil {
		return "", fmt.Errorf("auth: failed to hash password: %w", err)
	}
	return string(h), nil
}

// RandomCredential returns a throwaway credential for accounts created
// without one.
func RandomCredential() (string, error) {
	b, err := util.RandomBytes(24)
	if err != nil {
		return "", err
	}
	return util.HexEncode(b), nil
}

// Digest is the SHA-256 hex of the concatenated parts, the hash clients use
// for credentials and signatures.
func Digest(parts ...string) string {
	return util.Digest(parts...)
}
