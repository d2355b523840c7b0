// Package sqlite implements storage.Repository on an embedded SQLite file.
//
// Users are one row each with their identification, credentials and
// authorizations kept as JSON text columns; definitions are keyed by
// (section, key).
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/CanyonCasa/homebrew/account"
	"github.com/CanyonCasa/homebrew/storage"
)

//go:embed schema.sql
var schemaSQL string

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA foreign_keys=ON",
}

func init() {
	storage.Register("sqlite", func(ctx context.Context, dsn string) (storage.Repository, error) {
		return Open(ctx, storage.TrimScheme(dsn))
	})
}

// Store implements storage.Repository backed by SQLite.
type Store struct {
	db *sql.DB
}

var _ storage.Repository = (*Store)(nil)

// Open opens (creating if needed) the database at path and ensures the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// A single writer avoids SQLITE_BUSY under concurrent requests.
	db.SetMaxOpenConns(1)

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type userRow struct {
	username, status                             string
	identification, credentials, authorizations string
	createdAt, updatedAt                         string
}

func encodeUser(u *account.User) (userRow, error) {
	row := userRow{
		username:  u.Username,
		status:    string(u.Status),
		createdAt: u.CreatedAt.UTC().Format(time.RFC3339Nano),
		updatedAt: u.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	for dst, v := range map[*string]any{
		&row.identification: u.Identification,
		&row.credentials:    u.Credentials,
		&row.authorizations: u.Authorizations,
	} {
		b, err := json.Marshal(v)
		if err != nil {
			return userRow{}, err
		}
		*dst = string(b)
	}
	return row, nil
}

func (r userRow) decode() (*account.User, error) {
	u := &account.User{Username: r.username, Status: account.Status(r.status)}
	if err := json.Unmarshal([]byte(r.identification), &u.Identification); err != nil {
		return nil, fmt.Errorf("user %s identification: %w", r.username, err)
	}
	if err := json.Unmarshal([]byte(r.credentials), &u.Credentials); err != nil {
		return nil, fmt.Errorf("user %s credentials: %w", r.username, err)
	}
	if err := json.Unmarshal([]byte(r.authorizations), &u.Authorizations); err != nil {
		return nil, fmt.Errorf("user %s authorizations: %w", r.username, err)
	}
	var err error
	if u.CreatedAt, err = time.Parse(time.RFC3339Nano, r.createdAt); err != nil {
		return nil, err
	}
	if u.UpdatedAt, err = time.Parse(time.RFC3339Nano, r.updatedAt); err != nil {
		return nil, err
	}
	return u, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(sc scanner) (*account.User, error) {
	var r userRow
	if err := sc.Scan(&r.username, &r.status, &r.identification, &r.credentials,
		&r.authorizations, &r.createdAt, &r.updatedAt); err != nil {
		return nil, err
	}
	return r.decode()
}

const userColumns = `username, status, identification, credentials, authorizations, created_at, updated_at`

func (s *Store) FindUser(ctx context.Context, username string) (*account.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = ?`, username))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", username, storage.ErrNotFound)
	}
	return u, err
}

func (s *Store) CreateUser(ctx context.Context, u *account.User) error {
	r, err := encodeUser(u)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.username, r.status, r.identification, r.credentials, r.authorizations, r.createdAt, r.updatedAt)
	if err != nil && isConstraint(err) {
		return fmt.Errorf("user %s: %w", u.Username, storage.ErrExists)
	}
	return err
}

func (s *Store) UpdateUser(ctx context.Context, u *account.User) error {
	r, err := encodeUser(u)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET status = ?, identification = ?, credentials = ?, authorizations = ?,
		 created_at = ?, updated_at = ? WHERE username = ?`,
		r.status, r.identification, r.credentials, r.authorizations, r.createdAt, r.updatedAt, r.username)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("user %s: %w", u.Username, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]account.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []account.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

func (s *Store) GetDefinition(ctx context.Context, section, key string) (json.RawMessage, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM definitions WHERE section = ? AND key = ?`, section, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", section, key, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(value), nil
}

func (s *Store) SetDefinition(ctx context.Context, section, key string, value json.RawMessage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO definitions (section, key, value) VALUES (?, ?, ?)
		 ON CONFLICT (section, key) DO UPDATE SET value = excluded.value`,
		section, key, string(value))
	return err
}

// Backup uses VACUUM INTO to write a consistent copy to a temporary file and
// streams it to w.
func (s *Store) Backup(ctx context.Context, w io.Writer) error {
	dir, err := os.MkdirTemp("", "homebrew-backup-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "backup.db")
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		return fmt.Errorf("vacuum into: %w", err)
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

func isConstraint(err error) bool {
	return strings.Contains(err.Error(), "constraint failed")
}
