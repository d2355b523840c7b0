// Package storagetest is a conformance suite every storage backend runs.
package storagetest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CanyonCasa/homebrew/account"
	"github.com/CanyonCasa/homebrew/storage"
)

// NewUser returns a populated record for tests.
func NewUser(username string) *account.User {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return &account.User{
		Username: username,
		Status:   account.StatusPending,
		Identification: account.Identification{
			Name:  "Test " + username,
			Email: username + "@example.com",
			Phone: account.Phone{Number: "5551234567", Provider: "att"},
			Extra: map[string]string{"team": "blue"},
		},
		Credentials: account.Credentials{
			Local:     "$2a$08$abcdefghijklmnopqrstuuD3kQ0y1vE3p1a1b2c3d4e5f6g7h8i9j",
			Challenge: &account.Challenge{Code: "123456", Expires: now.Add(10 * time.Minute).Unix()},
		},
		Authorizations: map[string]account.Permission{"files": account.PermRead},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Run exercises repo against the Repository contract. The repository must
// start empty.
func Run(t *testing.T, repo storage.Repository) {
	t.Helper()
	ctx := context.Background()

	t.Run("FindMissing", func(t *testing.T) {
		_, err := repo.FindUser(ctx, "nobody")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("CreateAndFind", func(t *testing.T) {
		u := NewUser("alice")
		require.NoError(t, repo.CreateUser(ctx, u))

		got, err := repo.FindUser(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, u.Username, got.Username)
		assert.Equal(t, u.Status, got.Status)
		assert.Equal(t, u.Identification, got.Identification)
		assert.Equal(t, u.Credentials, got.Credentials)
		assert.Equal(t, u.Authorizations, got.Authorizations)
		assert.True(t, u.CreatedAt.Equal(got.CreatedAt))
	})

	t.Run("CreateDuplicate", func(t *testing.T) {
		err := repo.CreateUser(ctx, NewUser("alice"))
		assert.ErrorIs(t, err, storage.ErrExists)
	})

	t.Run("ReturnedCopyIsIsolated", func(t *testing.T) {
		got, err := repo.FindUser(ctx, "alice")
		require.NoError(t, err)
		got.Authorizations["files"] = account.PermAdmin
		got.Identification.Extra["team"] = "red"

		again, err := repo.FindUser(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, account.PermRead, again.Authorizations["files"])
		assert.Equal(t, "blue", again.Identification.Extra["team"])
	})

	t.Run("Update", func(t *testing.T) {
		u, err := repo.FindUser(ctx, "alice")
		require.NoError(t, err)
		require.NoError(t, u.Transition(account.StatusActive))
		u.Credentials.Challenge = nil
		require.NoError(t, repo.UpdateUser(ctx, u))

		got, err := repo.FindUser(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, account.StatusActive, got.Status)
		assert.Nil(t, got.Credentials.Challenge)
	})

	t.Run("UpdateMissing", func(t *testing.T) {
		err := repo.UpdateUser(ctx, NewUser("ghost"))
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("ListSorted", func(t *testing.T) {
		require.NoError(t, repo.CreateUser(ctx, NewUser("carol")))
		require.NoError(t, repo.CreateUser(ctx, NewUser("bob")))

		users, err := repo.ListUsers(ctx)
		require.NoError(t, err)
		names := make([]string, len(users))
		for i, u := range users {
			names[i] = u.Username
		}
		assert.Equal(t, []string{"alice", "bob", "carol"}, names)
	})

	t.Run("Definitions", func(t *testing.T) {
		_, err := repo.GetDefinition(ctx, storage.SectionRecipe, "form")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		require.NoError(t, repo.SetDefinition(ctx, storage.SectionRecipe, "form", json.RawMessage(`{"fields":["name"]}`)))
		require.NoError(t, repo.SetDefinition(ctx, storage.SectionAPI, "form", json.RawMessage(`{"key":"form"}`)))

		raw, err := repo.GetDefinition(ctx, storage.SectionRecipe, "form")
		require.NoError(t, err)
		assert.JSONEq(t, `{"fields":["name"]}`, string(raw))

		require.NoError(t, repo.SetDefinition(ctx, storage.SectionRecipe, "form", json.RawMessage(`{"fields":[]}`)))
		raw, err = repo.GetDefinition(ctx, storage.SectionRecipe, "form")
		require.NoError(t, err)
		assert.JSONEq(t, `{"fields":[]}`, string(raw))

		raw, err = repo.GetDefinition(ctx, storage.SectionAPI, "form")
		require.NoError(t, err)
		assert.JSONEq(t, `{"key":"form"}`, string(raw))
	})

	t.Run("ConcurrentUpdates", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				u := NewUser(fmt.Sprintf("worker%d", i))
				assert.NoError(t, repo.CreateUser(ctx, u))
				u.Identification.Name = "updated"
				assert.NoError(t, repo.UpdateUser(ctx, u))
			}(i)
		}
		wg.Wait()

		got, err := repo.FindUser(ctx, "worker3")
		require.NoError(t, err)
		assert.Equal(t, "updated", got.Identification.Name)
	})

	t.Run("Backup", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, repo.Backup(ctx, &buf))
		assert.NotZero(t, buf.Len())
	})
}
