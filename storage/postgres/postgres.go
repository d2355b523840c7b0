// Package postgres implements storage.Repository backed by PostgreSQL.
//
// Users are stored one row each; identification, credentials and
// authorizations are JSONB columns so that the record shape can grow
// without migrations. Definitions share a (section, key) primary key.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/CanyonCasa/homebrew/account"
	"github.com/CanyonCasa/homebrew/storage"
)

// uniqueViolation is the SQLSTATE for duplicate keys.
const uniqueViolation = "23505"

func init() {
	storage.Register("postgres", func(ctx context.Context, dsn string) (storage.Repository, error) {
		return NewRepositoryFromDSN(ctx, dsn)
	})
}

// Store implements storage.Repository backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given pgx connection pool.
func NewRepository(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewRepositoryFromDSN creates a connection pool from a DSN string, ensures
// the schema exists, and returns a new Repository.
func NewRepositoryFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewRepository(pool), nil
}

// Pool returns the underlying connection pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

const userColumns = `username, status, identification, credentials, authorizations, created_at, updated_at`

type userArgs struct {
	identification, credentials, authorizations []byte
}

func encodeUser(u *account.User) (userArgs, error) {
	var a userArgs
	var err error
	if a.identification, err = json.Marshal(u.Identification); err != nil {
		return a, err
	}
	if a.credentials, err = json.Marshal(u.Credentials); err != nil {
		return a, err
	}
	authz := u.Authorizations
	if authz == nil {
		authz = map[string]account.Permission{}
	}
	if a.authorizations, err = json.Marshal(authz); err != nil {
		return a, err
	}
	return a, nil
}

func scanUser(row pgx.Row) (*account.User, error) {
	var (
		u                                           account.User
		status                                      string
		identification, credentials, authorizations []byte
	)
	if err := row.Scan(&u.Username, &status, &identification, &credentials,
		&authorizations, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	u.Status = account.Status(status)
	if err := json.Unmarshal(identification, &u.Identification); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(credentials, &u.Credentials); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(authorizations, &u.Authorizations); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) FindUser(ctx context.Context, username string) (*account.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = $1`, username))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", username, storage.ErrNotFound)
	}
	return u, err
}

func (s *Store) CreateUser(ctx context.Context, u *account.User) error {
	a, err := encodeUser(u)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		u.Username, string(u.Status), a.identification, a.credentials, a.authorizations, u.CreatedAt, u.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("user %s: %w", u.Username, storage.ErrExists)
	}
	return err
}

func (s *Store) UpdateUser(ctx context.Context, u *account.User) error {
	a, err := encodeUser(u)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET status = $2, identification = $3, credentials = $4, authorizations = $5,
		 created_at = $6, updated_at = $7 WHERE username = $1`,
		u.Username, string(u.Status), a.identification, a.credentials, a.authorizations, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s: %w", u.Username, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]account.User, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY username`)
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
	var value []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM definitions WHERE section = $1 AND key = $2`, section, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", section, key, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(value), nil
}

func (s *Store) SetDefinition(ctx context.Context, section, key string, value json.RawMessage) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO definitions (section, key, value) VALUES ($1, $2, $3)
		 ON CONFLICT (section, key) DO UPDATE SET value = $3`,
		section, key, []byte(value))
	return err
}

// Backup streams both tables in COPY text format from a single
// repeatable-read transaction so the two tables agree.
func (s *Store) Backup(ctx context.Context, w io.Writer) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	tx, err := conn.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, table := range []string{"users", "definitions"} {
		if _, err := fmt.Fprintf(w, "-- %s\n", table); err != nil {
			return err
		}
		if _, err := tx.Conn().PgConn().CopyTo(ctx, w, "COPY "+table+" TO STDOUT"); err != nil {
			return fmt.Errorf("copying %s: %w", table, err)
		}
	}
	return tx.Commit(ctx)
}
