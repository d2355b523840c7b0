package bbolt

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/CanyonCasa/homebrew/storage"
	"github.com/CanyonCasa/homebrew/storage/storagetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "users.db")
	s, err := NewRepositoryFromFile(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBBoltRepository(t *testing.T) {
	storagetest.Run(t, newTestStore(t))
}

func TestOpenByDSN(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dsn.db")
	repo, err := storage.Open(context.Background(), "bolt:"+path)
	require.NoError(t, err)
	require.NoError(t, repo.Close())

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestBackupIsOpenableDatabase(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.CreateUser(ctx, storagetest.NewUser("alice")))

	var buf bytes.Buffer
	require.NoError(t, s.Backup(ctx, &buf))

	path := filepath.Join(t.TempDir(), "restored.db")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0600))

	db, err := bbolt.Open(path, 0600, &bbolt.Options{ReadOnly: true})
	require.NoError(t, err)
	defer db.Close()
	restored := &Store{db: db}

	u, err := restored.FindUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)
}
