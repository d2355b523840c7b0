// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/CanyonCasa/homebrew/account"
	"github.com/CanyonCasa/homebrew/internal/util"
	"github.com/CanyonCasa/homebrew/storage"
)

func init() {
	storage.Register("memory", func(context.Context, string) (storage.Repository, error) {
		return NewRepository(), nil
	})
}

// Repository is a thread-safe in-memory implementation of storage.Repository.
// Suitable for testing, demos, and single-process use cases.
type Repository struct {
	mu    sync.RWMutex
	users map[string]account.User
	defs  map[string]json.RawMessage
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{
		users: make(map[string]account.User),
		defs:  make(map[string]json.RawMessage),
	}
}

func makeKey(section, key string) string {
	return section + ":" + key
}

func (r *Repository) FindUser(_ context.Context, username string) (*account.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[username]
	if !ok {
		return nil, storage.ErrNotFound
	}
	c := u.Clone()
	return &c, nil
}

func (r *Repository) CreateUser(_ context.Context, u *account.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[u.Username]; ok {
		return storage.ErrExists
	}
	r.users[u.Username] = u.Clone()
	return nil
}

func (r *Repository) UpdateUser(_ context.Context, u *account.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[u.Username]; !ok {
		return storage.ErrNotFound
	}
	r.users[u.Username] = u.Clone()
	return nil
}

func (r *Repository) ListUsers(context.Context) ([]account.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	users := make([]account.User, 0, len(r.users))
	for _, u := range r.users {
		users = append(users, u.Clone())
	}
	storage.SortUsers(users)
	return users, nil
}

func (r *Repository) GetDefinition(_ context.Context, section, key string) (json.RawMessage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	raw, ok := r.defs[makeKey(section, key)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return util.CopyBytes(raw), nil
}

func (r *Repository) SetDefinition(_ context.Context, section, key string, value json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[makeKey(section, key)] = util.CopyBytes(value)
	return nil
}

// Backup writes every record as one JSON document.
func (r *Repository) Backup(_ context.Context, w io.Writer) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		Users       map[string]account.User    `json:"users"`
		Definitions map[string]json.RawMessage `json:"definitions"`
	}{r.users, r.defs})
}

func (r *Repository) Close() error {
	return nil
}
