// Package bbolt provides a BBolt-backed storage repository.
package bbolt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"go.etcd.io/bbolt"

	"github.com/CanyonCasa/homebrew/account"
	"github.com/CanyonCasa/homebrew/internal/util"
	"github.com/CanyonCasa/homebrew/storage"
)

var (
	usersBucket = []byte("users")
	defsBucket  = []byte("definitions")
)

func init() {
	storage.Register("bolt", func(_ context.Context, dsn string) (storage.Repository, error) {
		return NewRepositoryFromFile(storage.TrimScheme(dsn), nil)
	})
}

// Store implements storage.Repository backed by a BBolt database.
type Store struct {
	db *bbolt.DB
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given BBolt database,
// creating its buckets if needed.
func NewRepository(db *bbolt.DB) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{usersBucket, defsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// NewRepositoryFromFile opens a BBolt database at the given path and returns a new Repository.
func NewRepositoryFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	s, err := NewRepository(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) FindUser(_ context.Context, username string) (*account.User, error) {
	var u account.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(usersBucket).Get([]byte(username))
		if data == nil {
			return fmt.Errorf("user %s: %w", username, storage.ErrNotFound)
		}
		return json.Unmarshal(data, &u)
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) CreateUser(_ context.Context, u *account.User) error {
	return s.putUser(u, false)
}

func (s *Store) UpdateUser(_ context.Context, u *account.User) error {
	return s.putUser(u, true)
}

func (s *Store) putUser(u *account.User, mustExist bool) error {
	data, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(usersBucket)
		key := []byte(u.Username)
		exists := b.Get(key) != nil
		switch {
		case mustExist && !exists:
			return fmt.Errorf("user %s: %w", u.Username, storage.ErrNotFound)
		case !mustExist && exists:
			return fmt.Errorf("user %s: %w", u.Username, storage.ErrExists)
		}
		return b.Put(key, data)
	})
}

// ListUsers returns users in key order, which is username order.
func (s *Store) ListUsers(context.Context) ([]account.User, error) {
	var users []account.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(usersBucket).ForEach(func(_, v []byte) error {
			var u account.User
			if err := json.Unmarshal(v, &u); err != nil {
				return err
			}
			users = append(users, u)
			return nil
		})
	})
	return users, err
}

func defKey(section, key string) []byte {
	return []byte(section + ":" + key)
}

func (s *Store) GetDefinition(_ context.Context, section, key string) (json.RawMessage, error) {
	var raw json.RawMessage
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(defsBucket).Get(defKey(section, key))
		if data == nil {
			return fmt.Errorf("%s/%s: %w", section, key, storage.ErrNotFound)
		}
		// Values are only valid for the life of the transaction.
		raw = util.CopyBytes(data)
		return nil
	})
	return raw, err
}

func (s *Store) SetDefinition(_ context.Context, section, key string, value json.RawMessage) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(defsBucket).Put(defKey(section, key), bytes.Clone(value))
	})
}

// Backup streams a consistent copy of the database file to w.
func (s *Store) Backup(_ context.Context, w io.Writer) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		_, err := tx.WriteTo(w)
		return err
	})
}
