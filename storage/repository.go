// Package storage defines the account store consumed by the auth API and
// the helpers shared by its backends.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/CanyonCasa/homebrew/account"
)

var (
	// ErrNotFound is returned when a user or definition does not exist.
	ErrNotFound = errors.New("not found")
	// ErrExists is returned when creating a user whose name is taken.
	ErrExists = errors.New("already exists")
	// ErrUnknownBackend is returned by Open for an unregistered DSN scheme.
	ErrUnknownBackend = errors.New("unknown storage backend")
)

// Definition sections.
const (
	SectionAPI    = "API"
	SectionRecipe = "RECIPE"
)

// Recipe keys.
const (
	RecipeDefaults = "defaults"
	RecipeForm     = "form"
)

// Repository persists user records and free-form JSON definitions. Usernames
// passed in are already normalised. Implementations must be safe for
// concurrent use and must return copies callers may modify.
type Repository interface {
	FindUser(ctx context.Context, username string) (*account.User, error)
	CreateUser(ctx context.Context, u *account.User) error
	UpdateUser(ctx context.Context, u *account.User) error
	ListUsers(ctx context.Context) ([]account.User, error)
	GetDefinition(ctx context.Context, section, key string) (json.RawMessage, error)
	SetDefinition(ctx context.Context, section, key string, value json.RawMessage) error
	// Backup writes a consistent snapshot of the store to w.
	Backup(ctx context.Context, w io.Writer) error
	Close() error
}

// GetAPI loads the API credential stored under key.
func GetAPI(ctx context.Context, repo Repository, key string) (*account.APIRecord, error) {
	raw, err := repo.GetDefinition(ctx, SectionAPI, key)
	if err != nil {
		return nil, err
	}
	var rec account.APIRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decoding api record %s: %w", key, err)
	}
	if rec.Key == "" {
		rec.Key = key
	}
	return &rec, nil
}

// PutAPI stores rec under its key.
func PutAPI(ctx context.Context, repo Repository, rec account.APIRecord) error {
	if rec.Key == "" {
		return fmt.Errorf("storing api record: empty key")
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return repo.SetDefinition(ctx, SectionAPI, rec.Key, raw)
}

// GetRecipe decodes the RECIPE definition named key into v.
func GetRecipe(ctx context.Context, repo Repository, key string, v any) error {
	raw, err := repo.GetDefinition(ctx, SectionRecipe, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decoding recipe %s: %w", key, err)
	}
	return nil
}

// SortUsers orders users by username, the order ListUsers returns.
func SortUsers(users []account.User) {
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
}

// Opener creates a Repository from the part of a DSN after its scheme.
// The full DSN is passed for URL-style schemes.
type Opener func(ctx context.Context, dsn string) (Repository, error)

var (
	openersMu sync.RWMutex
	openers   = map[string]Opener{}
)

// Register makes a backend available to Open under scheme. Backends call it
// from init.
func Register(scheme string, open Opener) {
	openersMu.Lock()
	defer openersMu.Unlock()
	if open == nil {
		panic("storage: Register opener is nil")
	}
	if _, dup := openers[scheme]; dup {
		panic("storage: Register called twice for " + scheme)
	}
	openers[scheme] = open
}

// Backends lists the registered schemes.
func Backends() []string {
	openersMu.RLock()
	defer openersMu.RUnlock()
	names := make([]string, 0, len(openers))
	for name := range openers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open picks a backend by the DSN scheme: "memory:", "bolt:<path>",
// "sqlite:<path>", "postgres://..." or "redis://...".
func Open(ctx context.Context, dsn string) (Repository, error) {
	scheme, _, ok := strings.Cut(dsn, ":")
	if !ok || scheme == "" {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, dsn)
	}
	scheme = strings.ToLower(scheme)
	if scheme == "postgresql" {
		scheme = "postgres"
	}
	openersMu.RLock()
	open, found := openers[scheme]
	openersMu.RUnlock()
	if !found {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, scheme)
	}
	return open(ctx, dsn)
}

// TrimScheme returns dsn without its "scheme:" prefix.
func TrimScheme(dsn string) string {
	_, rest, _ := strings.Cut(dsn, ":")
	return rest
}
