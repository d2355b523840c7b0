package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/CanyonCasa/homebrew/account"
	"github.com/CanyonCasa/homebrew/api"
	"github.com/CanyonCasa/homebrew/auth"
	"github.com/CanyonCasa/homebrew/notify"
	"github.com/CanyonCasa/homebrew/session"
	"github.com/CanyonCasa/homebrew/storage"
	"github.com/CanyonCasa/homebrew/storage/memory"
)

type testClock struct{ nanos atomic.Int64 }

func newTestClock() *testClock {
	c := &testClock{}
	c.nanos.Store(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).UnixNano())
	return c
}

func (c *testClock) now() time.Time          { return time.Unix(0, c.nanos.Load()) }
func (c *testClock) advance(d time.Duration) { c.nanos.Add(int64(d)) }

// captureNotifier records every message instead of sending it.
type captureNotifier struct {
	mu    sync.Mutex
	texts []notify.Text
	mails []notify.Mail
}

func (n *captureNotifier) SendText(_ context.Context, msg notify.Text) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.texts = append(n.texts, msg)
	return nil
}

func (n *captureNotifier) SendMail(_ context.Context, msg notify.Mail) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.mails = append(n.mails, msg)
	return nil
}

// lastCode returns the code from the most recent message.
func (n *captureNotifier) lastCode(t *testing.T) string {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	var text string
	switch {
	case len(n.texts) > 0:
		text = n.texts[len(n.texts)-1].Text
	case len(n.mails) > 0:
		text = n.mails[len(n.mails)-1].Text
	}
	code, ok := strings.CutPrefix(text, "Challenge Code: ")
	require.True(t, ok, "no challenge message captured")
	return code
}

type testEnv struct {
	srv      *httptest.Server
	repo     *memory.Repository
	engine   *auth.Engine
	sessions *session.Cache
	notes    *captureNotifier
	clock    *testClock
}

func setup(t *testing.T, opts ...api.Option) *testEnv {
	t.Helper()
	return setupWithCache(t, nil, opts...)
}

func setupWithCache(t *testing.T, cacheOpts []session.Option, opts ...api.Option) *testEnv {
	t.Helper()
	env := &testEnv{
		repo:  memory.NewRepository(),
		notes: &captureNotifier{},
		clock: newTestClock(),
	}
	env.engine = auth.NewEngine(auth.WithBcryptCost(bcrypt.MinCost), auth.WithClock(env.clock.now))
	env.sessions = session.New(append([]session.Option{
		session.WithExpiration(time.Hour),
		session.WithClock(env.clock.now),
	}, cacheOpts...)...)

	base := []api.Option{
		api.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		api.WithNotifier(env.notes),
		api.WithIPRate(1000, 1000),
	}
	a := api.New(env.repo, env.sessions, env.engine, append(base, opts...)...)
	env.srv = httptest.NewServer(a.Router())
	t.Cleanup(env.srv.Close)
	return env
}

// addUser stores an account directly with password "pw".
func (e *testEnv) addUser(t *testing.T, username string, status account.Status, grants map[string]account.Permission) {
	t.Helper()
	hash, err := e.engine.HashPassword(t.Context(), auth.ClientDigest(username, "pw"))
	require.NoError(t, err)
	require.NoError(t, e.repo.CreateUser(t.Context(), &account.User{
		Username:       username,
		Status:         status,
		Identification: account.Identification{Email: username + "@example.com"},
		Credentials:    account.Credentials{Local: hash},
		Authorizations: grants,
	}))
}

type reply struct {
	status int
	header http.Header
	body   map[string]any
}

func (r reply) str(key string) string {
	s, _ := r.body[key].(string)
	return s
}

func (e *testEnv) do(t *testing.T, method, path string, headers map[string]string, body any) reply {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequestWithContext(t.Context(), method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := reply{status: resp.StatusCode, header: resp.Header, body: map[string]any{}}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out.body))
	}
	return out
}

func (e *testEnv) post(t *testing.T, path string, headers map[string]string) reply {
	t.Helper()
	return e.do(t, http.MethodPost, path, headers, nil)
}

func authHeader(username, password string) map[string]string {
	b, _ := json.Marshal(api.Credentials{Username: username, Hash: auth.ClientDigest(username, password)})
	return map[string]string{"auth": string(b)}
}

func (e *testEnv) login(t *testing.T, username, password string) string {
	t.Helper()
	r := e.post(t, "/user/login/"+username, authHeader(username, password))
	require.Equal(t, http.StatusOK, r.status, r.body)
	require.NotEmpty(t, r.str("hsid"))
	return r.str("hsid")
}

func withSession(hsid string) map[string]string {
	return map[string]string{"hsid": hsid}
}

func TestAccountLifecycle(t *testing.T) {
	env := setup(t)

	r := env.do(t, http.MethodPost, "/user/account/Alice/new", nil, map[string]any{
		"account": map[string]any{
			"identification": map[string]any{"name": "Alice", "phone": map[string]string{"number": "555-123-4567", "provider": "att"}},
			"credentials":    map[string]string{"local": auth.ClientDigest("alice", "pw")},
		},
	})
	require.Equal(t, http.StatusCreated, r.status, r.body)

	stored, err := env.repo.FindUser(t.Context(), "alice")
	require.NoError(t, err)
	assert.Equal(t, account.StatusPending, stored.Status)
	assert.True(t, auth.IsHashed(stored.Credentials.Local))

	// Pending accounts cannot log in.
	r = env.post(t, "/user/login/alice", authHeader("alice", "pw"))
	assert.Equal(t, http.StatusUnauthorized, r.status)

	r = env.post(t, "/user/code/alice/code", nil)
	require.Equal(t, http.StatusOK, r.status, r.body)
	assert.Contains(t, r.str("msg"), "***4567")
	code := env.notes.lastCode(t)
	assert.Len(t, code, 6)

	r = env.post(t, "/user/activate/alice/wrong", nil)
	assert.Equal(t, http.StatusUnauthorized, r.status)

	r = env.post(t, "/user/activate/alice/"+code, nil)
	require.Equal(t, http.StatusOK, r.status, r.body)

	r = env.post(t, "/user/activate/alice/"+code, nil)
	assert.Equal(t, http.StatusOK, r.status)
	assert.Equal(t, "account already active", r.str("msg"))

	hsid := env.login(t, "alice", "pw")

	r = env.do(t, http.MethodPost, "/user/account/alice/change", withSession(hsid), map[string]any{
		"account": map[string]any{"identification": map[string]any{"email": "alice@example.com"}},
	})
	require.Equal(t, http.StatusOK, r.status, r.body)
	stored, err = env.repo.FindUser(t.Context(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", stored.Identification.Email)
	assert.Equal(t, "Alice", stored.Identification.Name)

	r = env.post(t, "/user/logout/alice/"+hsid, withSession(hsid))
	require.Equal(t, http.StatusOK, r.status, r.body)
	assert.Equal(t, "", r.str("hsid"))

	r = env.post(t, "/user/account/alice/change", withSession(hsid))
	assert.Equal(t, http.StatusUnauthorized, r.status)
	assert.Equal(t, "bad session id", r.str("err"))
	assert.Contains(t, r.body, "hsid")
}

func TestAccountNew(t *testing.T) {
	env := setup(t, api.WithNewUserStatus(account.StatusActive))
	require.NoError(t, env.repo.SetDefinition(t.Context(), storage.SectionRecipe, storage.RecipeDefaults,
		json.RawMessage(`{"authorizations":{"files":"READ"}}`)))

	r := env.do(t, http.MethodPost, "/user/account/carol/new", nil, map[string]any{
		"account": map[string]any{"credentials": map[string]string{"local": auth.ClientDigest("carol", "pw")}},
	})
	require.Equal(t, http.StatusCreated, r.status, r.body)

	stored, err := env.repo.FindUser(t.Context(), "carol")
	require.NoError(t, err)
	assert.Equal(t, account.StatusActive, stored.Status)
	assert.Equal(t, account.PermRead, stored.Grant("files"))
	env.login(t, "carol", "pw")

	r = env.post(t, "/user/account/carol/new", nil)
	assert.Equal(t, http.StatusConflict, r.status)

	r = env.post(t, "/user/account/carol/bogus", nil)
	assert.Equal(t, http.StatusBadRequest, r.status)
}

func TestAccountChangeRequiresOwner(t *testing.T) {
	env := setup(t)
	env.addUser(t, "alice", account.StatusActive, nil)
	env.addUser(t, "bob", account.StatusActive, nil)
	hsid := env.login(t, "bob", "pw")

	r := env.post(t, "/user/account/alice/change", withSession(hsid))
	assert.Equal(t, http.StatusForbidden, r.status)

	r = env.post(t, "/user/account/alice/change", nil)
	assert.Equal(t, http.StatusForbidden, r.status)
}

func TestLoginFailures(t *testing.T) {
	env := setup(t)
	env.addUser(t, "alice", account.StatusActive, nil)
	env.addUser(t, "gone", account.StatusInactive, nil)

	cases := []struct {
		name    string
		path    string
		headers map[string]string
	}{
		{"wrong password", "/user/login/alice", authHeader("alice", "nope")},
		{"unknown user", "/user/login/nobody", authHeader("nobody", "pw")},
		{"inactive user", "/user/login/gone", authHeader("gone", "pw")},
		{"no credentials", "/user/login/alice", nil},
		{"credentials for another user", "/user/login/gone", authHeader("alice", "pw")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := env.post(t, tc.path, tc.headers)
			assert.Equal(t, http.StatusUnauthorized, r.status)
			assert.Equal(t, "login failed", r.str("err"))
			assert.Contains(t, r.body, "hsid")
			assert.Empty(t, r.str("hsid"))
		})
	}
	assert.Zero(t, env.sessions.Len())
}

func TestLoginCredentialSources(t *testing.T) {
	env := setup(t)
	env.addUser(t, "alice", account.StatusActive, map[string]account.Permission{"files": account.PermWrite})
	creds := api.Credentials{Username: "alice", Hash: auth.ClientDigest("alice", "pw")}

	r := env.do(t, http.MethodPost, "/user/login/alice/files", nil, map[string]any{"auth": creds})
	require.Equal(t, http.StatusOK, r.status, r.body)
	assert.Equal(t, "WRITE", r.str("auth"))
	assert.Equal(t, "password", r.str("result"))
	assert.NotContains(t, r.body["user"], "credentials")
	first := r.str("hsid")

	q, err := json.Marshal(creds)
	require.NoError(t, err)
	r = env.post(t, "/user/login/alice?auth="+url.QueryEscape(string(q)), nil)
	require.Equal(t, http.StatusOK, r.status, r.body)
	assert.Equal(t, first, r.str("hsid"), "a second login keeps the session id")
}

func TestLoginLockout(t *testing.T) {
	env := setup(t)
	env.addUser(t, "alice", account.StatusActive, nil)

	for range 5 {
		r := env.post(t, "/user/login/alice", authHeader("alice", "nope"))
		require.Equal(t, http.StatusUnauthorized, r.status)
	}
	r := env.post(t, "/user/login/alice", authHeader("alice", "pw"))
	assert.Equal(t, http.StatusTooManyRequests, r.status)
	assert.NotEmpty(t, r.header.Get("Retry-After"))
}

func TestOneTimeLogin(t *testing.T) {
	env := setup(t)
	env.addUser(t, "alice", account.StatusActive, nil)

	r := env.post(t, "/user/code/alice", nil)
	require.Equal(t, http.StatusOK, r.status, r.body)
	code := env.notes.lastCode(t)

	once := map[string]string{"auth": `{"username":"alice","hash":"` + auth.OneTimeHash("alice", code) + `"}`}
	r = env.post(t, "/user/login/alice", once)
	require.Equal(t, http.StatusOK, r.status, r.body)
	assert.Equal(t, "once", r.str("result"))

	stored, err := env.repo.FindUser(t.Context(), "alice")
	require.NoError(t, err)
	assert.Nil(t, stored.Credentials.Challenge)

	r = env.post(t, "/user/login/alice", once)
	assert.Equal(t, http.StatusUnauthorized, r.status, "codes are single use")
}

func TestChallengeExpires(t *testing.T) {
	env := setup(t, api.WithChallengeTTL(time.Minute))
	env.addUser(t, "alice", account.StatusPending, nil)

	require.Equal(t, http.StatusOK, env.post(t, "/user/code/alice/hex", nil).status)
	code := env.notes.lastCode(t)
	assert.Len(t, code, 64)

	env.clock.advance(2 * time.Minute)
	r := env.post(t, "/user/activate/alice/"+code, nil)
	assert.Equal(t, http.StatusUnauthorized, r.status)
}

func TestCodeWithoutContact(t *testing.T) {
	env := setup(t)
	require.NoError(t, env.repo.CreateUser(t.Context(), &account.User{Username: "quiet", Status: account.StatusPending}))

	r := env.post(t, "/user/code/quiet", nil)
	require.Equal(t, http.StatusOK, r.status)
	assert.Contains(t, r.str("msg"), "no contact")

	r = env.post(t, "/user/code/nobody", nil)
	assert.Equal(t, http.StatusNotFound, r.status)
}

func TestResetPassword(t *testing.T) {
	env := setup(t)
	env.addUser(t, "alice", account.StatusActive, nil)

	require.Equal(t, http.StatusOK, env.post(t, "/user/code/alice/code", nil).status)
	code := env.notes.lastCode(t)

	r := env.post(t, "/user/reset/alice/"+code, authHeader("alice", "new-pw"))
	require.Equal(t, http.StatusOK, r.status, r.body)

	assert.Equal(t, http.StatusUnauthorized, env.post(t, "/user/login/alice", authHeader("alice", "pw")).status)
	env.login(t, "alice", "new-pw")

	r = env.post(t, "/user/reset/alice/"+code, authHeader("alice", "other"))
	assert.Equal(t, http.StatusUnauthorized, r.status)
}

func TestSessionValidation(t *testing.T) {
	env := setup(t)
	env.addUser(t, "alice", account.StatusActive, nil)
	hsid := env.login(t, "alice", "pw")

	t.Run("username is not a session id", func(t *testing.T) {
		r := env.post(t, "/user/account/alice/change", withSession("alice"))
		assert.Equal(t, http.StatusUnauthorized, r.status)
		assert.Equal(t, "bad session id", r.str("err"))
	})

	t.Run("session id in body", func(t *testing.T) {
		r := env.do(t, http.MethodPost, "/user/account/alice/change", nil, map[string]any{"hsid": hsid})
		assert.Equal(t, http.StatusOK, r.status, r.body)
	})

	t.Run("expired", func(t *testing.T) {
		env.clock.advance(2 * time.Hour)
		r := env.post(t, "/user/account/alice/change", withSession(hsid))
		assert.Equal(t, http.StatusUnauthorized, r.status)
		assert.Equal(t, "expired session", r.str("err"))
		assert.Empty(t, r.str("hsid"))
		assert.False(t, env.sessions.Exists(hsid))
	})
}

func TestLogoutRequiresMatchingUser(t *testing.T) {
	env := setup(t)
	env.addUser(t, "alice", account.StatusActive, nil)
	env.addUser(t, "bob", account.StatusActive, nil)
	aliceID := env.login(t, "alice", "pw")
	bobID := env.login(t, "bob", "pw")

	r := env.post(t, "/user/logout/bob/"+aliceID, withSession(bobID))
	assert.Equal(t, http.StatusBadRequest, r.status)
	r = env.post(t, "/user/logout/alice/alice", withSession(bobID))
	assert.Equal(t, http.StatusBadRequest, r.status)
	assert.True(t, env.sessions.Exists(aliceID))

	r = env.post(t, "/user/logout/bob", withSession(bobID))
	assert.Equal(t, http.StatusOK, r.status, r.body)
	assert.False(t, env.sessions.Exists(bobID))
}

func TestFullCache(t *testing.T) {
	env := setupWithCache(t, []session.Option{session.WithMaxUsers(1)})
	env.addUser(t, "alice", account.StatusActive, nil)
	env.addUser(t, "bob", account.StatusActive, nil)
	env.login(t, "alice", "pw")

	r := env.post(t, "/user/login/bob", authHeader("bob", "pw"))
	assert.Equal(t, http.StatusServiceUnavailable, r.status)
}

func TestAdmin(t *testing.T) {
	backups := t.TempDir()
	env := setup(t, api.WithBackupDir(backups))
	env.addUser(t, "root", account.StatusActive, map[string]account.Permission{"admin": account.PermAdmin})
	env.addUser(t, "bob", account.StatusActive, nil)
	env.addUser(t, "carol", account.StatusActive, map[string]account.Permission{"files": account.PermRead})
	rootID := env.login(t, "root", "pw")
	bobID := env.login(t, "bob", "pw")

	t.Run("requires admin", func(t *testing.T) {
		assert.Equal(t, http.StatusForbidden, env.post(t, "/user/list/bob", withSession(bobID)).status)
		assert.Equal(t, http.StatusUnauthorized, env.post(t, "/user/list/bob", nil).status)
		assert.Equal(t, http.StatusForbidden, env.post(t, "/user/admin/bob", withSession(bobID)).status)
	})

	t.Run("list", func(t *testing.T) {
		r := env.post(t, "/user/list/root?limit=2", withSession(rootID))
		require.Equal(t, http.StatusOK, r.status, r.body)
		users := r.body["users"].([]any)
		require.Len(t, users, 2)
		first := users[0].(map[string]any)
		assert.Equal(t, "bob", first["username"])
		creds, _ := first["credentials"].(map[string]any)
		assert.Empty(t, creds["local"])
		assert.Equal(t, true, r.body["pagination"].(map[string]any)["has_more"])
	})

	t.Run("single user", func(t *testing.T) {
		r := env.do(t, http.MethodPost, "/user/admin/bob", withSession(rootID), map[string]any{
			"authorizations": map[string]any{"files": "write"},
		})
		require.Equal(t, http.StatusOK, r.status, r.body)
		stored, err := env.repo.FindUser(t.Context(), "bob")
		require.NoError(t, err)
		assert.Equal(t, account.PermWrite, stored.Grant("files"))

		cached, ok := env.sessions.Lookup(bobID)
		require.True(t, ok)
		assert.Equal(t, account.PermWrite, cached.User.Grant("files"), "live session sees new grants")
	})

	t.Run("grant in path", func(t *testing.T) {
		r := env.post(t, `/user/admin/carol/%7B%22files%22:null%7D`, withSession(rootID))
		require.Equal(t, http.StatusOK, r.status, r.body)
		stored, err := env.repo.FindUser(t.Context(), "carol")
		require.NoError(t, err)
		assert.Empty(t, stored.Grant("files"))
	})

	t.Run("bad permission", func(t *testing.T) {
		r := env.do(t, http.MethodPost, "/user/admin/bob", withSession(rootID), map[string]any{
			"authorizations": map[string]any{"files": "OWNER"},
		})
		assert.Equal(t, http.StatusBadRequest, r.status)
	})

	t.Run("deactivate ends session", func(t *testing.T) {
		r := env.do(t, http.MethodPost, "/user/admin/bob", withSession(rootID), map[string]any{"status": "INACTIVE"})
		require.Equal(t, http.StatusOK, r.status, r.body)
		assert.False(t, env.sessions.Exists(bobID))
		assert.Equal(t, http.StatusUnauthorized, env.post(t, "/user/login/bob", authHeader("bob", "pw")).status)
	})

	t.Run("bulk", func(t *testing.T) {
		r := env.do(t, http.MethodPost, "/user/admin/root", withSession(rootID), map[string]any{
			"users": map[string]any{
				"carol":  map[string]any{"mail": "READ"},
				"nobody": map[string]any{"mail": "READ"},
			},
		})
		require.Equal(t, http.StatusOK, r.status, r.body)
		results := r.body["results"].(map[string]any)
		assert.Equal(t, "updated", results["carol"])
		assert.Equal(t, "not found", results["nobody"])

		entries, err := os.ReadDir(backups)
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})
}

func TestAPISignature(t *testing.T) {
	env := setup(t)
	rec := account.APIRecord{Key: "k1", Secret: "s3cret"}
	require.NoError(t, storage.PutAPI(t.Context(), env.repo, rec))
	require.NoError(t, env.repo.SetDefinition(t.Context(), storage.SectionRecipe, storage.RecipeForm,
		json.RawMessage(`{"signup":{"fields":["username","email"]}}`)))

	good := auth.Sign(rec, "salt", env.clock.now().Unix())
	r := env.do(t, http.MethodGet, "/user/form/signup", map[string]string{"api": good.String()}, nil)
	require.Equal(t, http.StatusOK, r.status, r.body)
	assert.Contains(t, r.body, "form")
	assert.True(t, env.sessions.Exists("k1"), "verified keys are cached")

	stale := auth.Sign(rec, "salt", env.clock.now().Add(-2*time.Minute).Unix())
	r = env.do(t, http.MethodGet, "/user/form/signup", map[string]string{"api": stale.String()}, nil)
	assert.Equal(t, http.StatusUnauthorized, r.status)

	unknown := auth.Sign(account.APIRecord{Key: "k2", Secret: "x"}, "salt", env.clock.now().Unix())
	r = env.do(t, http.MethodGet, "/user/form/signup", map[string]string{"api": unknown.String()}, nil)
	assert.Equal(t, http.StatusUnauthorized, r.status)
	assert.Equal(t, "api key not defined", r.str("err"))

	r = env.do(t, http.MethodGet, "/user/form/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, r.status)
}

func TestUnknownAction(t *testing.T) {
	env := setup(t)
	r := env.post(t, "/user/explode/alice", nil)
	assert.Equal(t, http.StatusNotFound, r.status)
	assert.Equal(t, "unknown action", r.str("err"))
}

func TestOpenAPIServed(t *testing.T) {
	env := setup(t)
	resp, err := env.srv.Client().Get(env.srv.URL + "/openapi.yaml")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Contains(t, string(body), "/user/{action}/{username}")
}
