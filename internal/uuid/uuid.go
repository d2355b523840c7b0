// Package uuid wraps google/uuid for the identifiers handed to clients.
package uuid

import "github.com/google/uuid"

// New returns a random (v4) UUID string.
func New() string {
	return uuid.NewString()
}
