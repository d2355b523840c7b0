// Package session provides the in-memory cache of logged-in users and API
// records. Nothing is persisted; entries are rebuilt from storage on demand.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/CanyonCasa/homebrew/account"
	"github.com/CanyonCasa/homebrew/internal/uuid"
)

const (
	// DefaultExpiration is how long a login stays valid.
	DefaultExpiration = 24 * time.Hour
)

// Entry is a cached session. Exactly one of User and API is set. API entries
// have a zero ExpiresAt and never expire.
type Entry struct {
	ID        string
	Index     string
	User      *account.User
	API       *account.APIRecord
	ExpiresAt time.Time
}

// Expired reports whether the entry has lapsed at now.
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && e.ExpiresAt.Before(now)
}

// Valid reports whether the entry is set at all.
func (e Entry) Valid() bool {
	return e.ID != ""
}

// Cache is a thread-safe session cache. User entries are keyed by a
// generated id and index maps usernames back to ids. API records live apart,
// keyed by API key, so a key can never shadow a username.
type Cache struct {
	mu         sync.RWMutex
	entries    map[string]*Entry
	index      map[string]string
	apis       map[string]*Entry
	maxUsers   int
	expiration time.Duration
	now        func() time.Time
	newID      func() string
}

// Option configures a Cache.
type Option func(*Cache)

// WithMaxUsers caps the number of cached entries. 0 means unlimited.
func WithMaxUsers(n int) Option {
	return func(c *Cache) {
		if n >= 0 {
			c.maxUsers = n
		}
	}
}

// WithExpiration sets the session lifetime.
func WithExpiration(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.expiration = d
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New creates an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries:    make(map[string]*Entry),
		index:      make(map[string]string),
		apis:       make(map[string]*Entry),
		expiration: DefaultExpiration,
		now:        time.Now,
		newID:      uuid.New,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Expiration returns the configured session lifetime.
func (c *Cache) Expiration() time.Duration {
	return c.expiration
}

// AddUser caches a copy of u and returns its session id. A user already in
// the cache keeps its id, so there is at most one live session per username.
// Nothing is added when the cache is full or the username is empty.
func (c *Cache) AddUser(u account.User) (string, bool) {
	if u.Username == "" {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	id, exists := c.index[u.Username]
	if !exists {
		if c.fullLocked() {
			return "", false
		}
		id = c.newID()
	}
	cp := u.Clone()
	c.entries[id] = &Entry{
		ID:        id,
		Index:     u.Username,
		User:      &cp,
		ExpiresAt: c.now().Add(c.expiration),
	}
	c.index[u.Username] = id
	return id, true
}

// AddAPI caches rec under its key.
func (c *Cache) AddAPI(rec account.APIRecord) (string, bool) {
	if rec.Key == "" {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.apis[rec.Key]; !exists && c.fullLocked() {
		return "", false
	}
	cp := rec
	c.apis[rec.Key] = &Entry{ID: rec.Key, Index: rec.Key, API: &cp}
	return rec.Key, true
}

// LookupAPI returns the cached API record entry for key.
func (c *Cache) LookupAPI(key string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.apis[key]
	if !ok {
		return Entry{}, false
	}
	return copyEntry(e), true
}

// Replace swaps the cached copy of a logged-in user for u without extending
// the session. It reports false when u has no live session.
func (c *Cache) Replace(u account.User) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	id, ok := c.index[u.Username]
	if !ok {
		return false
	}
	e := c.entries[id]
	if e == nil || e.User == nil {
		return false
	}
	cp := u.Clone()
	c.entries[id] = &Entry{ID: e.ID, Index: e.Index, User: &cp, ExpiresAt: e.ExpiresAt}
	return true
}

// Get resolves a session id, username or API key, in that order, and
// returns the entry, or the zero Entry when absent. Expired entries are
// still returned so callers can tell an expired session from an unknown one.
func (c *Cache) Get(key string) Entry {
	e, _ := c.Lookup(key)
	return e
}

// Lookup is Get with an explicit found flag.
func (c *Cache) Lookup(key string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e := c.resolveLocked(key)
	if e == nil {
		return Entry{}, false
	}
	return copyEntry(e), true
}

// Exists reports whether key is a cached id, username or API key.
func (c *Cache) Exists(key string) bool {
	if key == "" {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, inCache := c.entries[key]
	_, inIndex := c.index[key]
	_, isAPI := c.apis[key]
	return inCache || inIndex || isAPI
}

// Delete removes the entry for an id, username or API key and returns the
// key it was given, or "" when nothing was removed.
func (c *Cache) Delete(key string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deleteLocked(key, "", false)
}

// DeleteVerified removes the entry only if its index (username or API key)
// is exactly expectedIndex, so a guessed id cannot evict someone else.
func (c *Cache) DeleteVerified(key, expectedIndex string) string {
	if expectedIndex == "" {
		return ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deleteLocked(key, expectedIndex, true)
}

func (c *Cache) deleteLocked(key, expectedIndex string, verify bool) string {
	if key == "" {
		return ""
	}
	if e, ok := c.entries[key]; ok {
		if verify && e.Index != expectedIndex {
			return ""
		}
		delete(c.index, e.Index)
		delete(c.entries, key)
		return key
	}
	if id, ok := c.index[key]; ok {
		if verify && key != expectedIndex {
			return ""
		}
		delete(c.entries, id)
		delete(c.index, key)
		return key
	}
	if e, ok := c.apis[key]; ok {
		if verify && e.Index != expectedIndex {
			return ""
		}
		delete(c.apis, key)
		return key
	}
	return ""
}

// Full reports whether the cache is at capacity.
func (c *Cache) Full() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fullLocked()
}

func (c *Cache) fullLocked() bool {
	return c.maxUsers > 0 && len(c.entries)+len(c.apis) >= c.maxUsers
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries) + len(c.apis)
}

// Refresh removes every expired entry and returns the resulting size.
func (c *Cache) Refresh() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, e := range c.entries {
		if e.Expired(now) {
			delete(c.index, e.Index)
			delete(c.entries, id)
		}
	}
	return len(c.entries) + len(c.apis)
}

// Run calls Refresh every interval until ctx is cancelled.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Refresh()
		case <-ctx.Done():
			return
		}
	}
}

// Snapshot returns username -> id, plus "api:"+key -> key for API
// records, for diagnostics.
func (c *Cache) Snapshot() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.index)+len(c.apis))
	for k, v := range c.index {
		out[k] = v
	}
	for k := range c.apis {
		out["api:"+k] = k
	}
	return out
}

func (c *Cache) resolveLocked(key string) *Entry {
	if key == "" {
		return nil
	}
	if e, ok := c.entries[key]; ok {
		return e
	}
	if id, ok := c.index[key]; ok {
		return c.entries[id]
	}
	return c.apis[key]
}

func copyEntry(e *Entry) Entry {
	out := *e
	if e.User != nil {
		u := e.User.Clone()
		out.User = &u
	}
	if e.API != nil {
		a := *e.API
		out.API = &a
	}
	return out
}
