// Package redis implements storage.Repository on a Redis server. Users live
// in one hash keyed by username and definitions in another keyed by
// "section:key"; values are JSON documents.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/CanyonCasa/homebrew/account"
	"github.com/CanyonCasa/homebrew/storage"
)

const (
	// DefaultPrefix namespaces every key the store writes.
	DefaultPrefix = "homebrew"

	dialTimeout  = 5 * time.Second
	readTimeout  = 3 * time.Second
	writeTimeout = 3 * time.Second
	pingTimeout  = 2 * time.Second
)

// updateScript replaces a hash field only when it already exists.
var updateScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
return 1
`)

func init() {
	storage.Register("redis", func(ctx context.Context, dsn string) (storage.Repository, error) {
		return NewRepositoryFromURL(ctx, dsn, DefaultPrefix)
	})
	storage.Register("rediss", func(ctx context.Context, dsn string) (storage.Repository, error) {
		return NewRepositoryFromURL(ctx, dsn, DefaultPrefix)
	})
}

// Store implements storage.Repository backed by Redis.
type Store struct {
	client  *redis.Client
	users   string
	defs    string
	ownsCli bool
}

var _ storage.Repository = (*Store)(nil)

// NewRepository wraps an existing client. Keys are created under prefix.
func NewRepository(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{
		client: client,
		users:  prefix + ":users",
		defs:   prefix + ":definitions",
	}
}

// NewRepositoryFromURL connects to the server at url and verifies it answers.
func NewRepositoryFromURL(ctx context.Context, url, prefix string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: invalid URL: %w", err)
	}
	opts.DialTimeout = dialTimeout
	opts.ReadTimeout = readTimeout
	opts.WriteTimeout = writeTimeout

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping failed: %w", err)
	}
	s := NewRepository(client, prefix)
	s.ownsCli = true
	return s, nil
}

// Close closes the client if the store created it.
func (s *Store) Close() error {
	if s.ownsCli {
		return s.client.Close()
	}
	return nil
}

func (s *Store) FindUser(ctx context.Context, username string) (*account.User, error) {
	data, err := s.client.HGet(ctx, s.users, username).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("user %s: %w", username, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("redis_user_get_failed: %w", err)
	}
	var u account.User
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) CreateUser(ctx context.Context, u *account.User) error {
	data, err := json.Marshal(u)
	if err != nil {
		return err
	}
	created, err := s.client.HSetNX(ctx, s.users, u.Username, data).Result()
	if err != nil {
		return fmt.Errorf("redis_user_create_failed: %w", err)
	}
	if !created {
		return fmt.Errorf("user %s: %w", u.Username, storage.ErrExists)
	}
	return nil
}

func (s *Store) UpdateUser(ctx context.Context, u *account.User) error {
	data, err := json.Marshal(u)
	if err != nil {
		return err
	}
	n, err := updateScript.Run(ctx, s.client, []string{s.users}, u.Username, data).Int()
	if err != nil {
		return fmt.Errorf("redis_user_update_failed: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("user %s: %w", u.Username, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]account.User, error) {
	all, err := s.client.HGetAll(ctx, s.users).Result()
	if err != nil {
		return nil, fmt.Errorf("redis_user_list_failed: %w", err)
	}
	users := make([]account.User, 0, len(all))
	for name, data := range all {
		var u account.User
		if err := json.Unmarshal([]byte(data), &u); err != nil {
			return nil, fmt.Errorf("user %s: %w", name, err)
		}
		users = append(users, u)
	}
	storage.SortUsers(users)
	return users, nil
}

func (s *Store) GetDefinition(ctx context.Context, section, key string) (json.RawMessage, error) {
	data, err := s.client.HGet(ctx, s.defs, section+":"+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%s/%s: %w", section, key, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("redis_definition_get_failed: %w", err)
	}
	return json.RawMessage(data), nil
}

func (s *Store) SetDefinition(ctx context.Context, section, key string, value json.RawMessage) error {
	if err := s.client.HSet(ctx, s.defs, section+":"+key, []byte(value)).Err(); err != nil {
		return fmt.Errorf("redis_definition_set_failed: %w", err)
	}
	return nil
}

// Backup reads both hashes in one MULTI/EXEC and writes them as JSON.
func (s *Store) Backup(ctx context.Context, w io.Writer) error {
	var users, defs *redis.MapStringStringCmd
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		users = p.HGetAll(ctx, s.users)
		defs = p.HGetAll(ctx, s.defs)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis_backup_failed: %w", err)
	}
	dump := struct {
		Users       map[string]json.RawMessage `json:"users"`
		Definitions map[string]json.RawMessage `json:"definitions"`
	}{rawValues(users.Val()), rawValues(defs.Val())}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(dump)
}

func rawValues(m map[string]string) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(m))
	for k, v := range m {
		out[k] = json.RawMessage(v)
	}
	return out
}
