// Package auth holds the policy decisions behind logins, challenge codes,
// signed API requests and per-service authorization. It never touches
// storage; callers load and persist the records it inspects.
package auth

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/semaphore"

	"github.com/CanyonCasa/homebrew/account"
	"github.com/CanyonCasa/homebrew/internal/util"
)

const (
	// DefaultAPITolerance bounds the clock skew accepted on signed API requests.
	DefaultAPITolerance = 60 * time.Second
	// DefaultBcryptCost matches the cost used for hashes created by older
	// deployments, so existing credentials verify at the same speed.
	DefaultBcryptCost = 8
)

// LoginResult is the outcome of CheckLogin.
type LoginResult int

const (
	LoginFailed LoginResult = iota
	// LoginPassword means the stored local credential matched.
	LoginPassword
	// LoginOnce means a pending challenge code was used as a one-time
	// credential; the caller must clear the challenge.
	LoginOnce
)

func (r LoginResult) String() string {
	switch r {
	case LoginPassword:
		return "password"
	case LoginOnce:
		return "once"
	default:
		return "failed"
	}
}

// OK reports whether the login succeeded by any means.
func (r LoginResult) OK() bool {
	return r != LoginFailed
}

// Engine evaluates credentials. It is safe for concurrent use.
type Engine struct {
	now          func() time.Time
	apiTolerance time.Duration
	bcryptCost   int
	workers      *semaphore.Weighted

	// decoyHash stands in for accounts without a stored hash so every login
	// pays for one bcrypt compare. Built once, on first need.
	decoyMu   sync.Mutex
	decoyHash string
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithAPITolerance sets the accepted skew for signed API requests.
func WithAPITolerance(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.apiTolerance = d
		}
	}
}

// WithBcryptCost sets the cost for newly created password hashes.
func WithBcryptCost(cost int) Option {
	return func(e *Engine) {
		if cost >= bcrypt.MinCost && cost <= bcrypt.MaxCost {
			e.bcryptCost = cost
		}
	}
}

// WithHashWorkers bounds the number of bcrypt operations running at once.
func WithHashWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = semaphore.NewWeighted(int64(n))
		}
	}
}

// NewEngine creates an Engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		now:          time.Now,
		apiTolerance: DefaultAPITolerance,
		bcryptCost:   DefaultBcryptCost,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.workers == nil {
		e.workers = semaphore.NewWeighted(int64(runtime.GOMAXPROCS(0)))
	}
	return e
}

// Now returns the engine's notion of the current time.
func (e *Engine) Now() time.Time {
	return e.now()
}

// CheckLogin decides whether presented (the client-side digest of the
// credential) logs u in. Accounts that are not ACTIVE always fail, but only
// after the same bcrypt work a real login costs. A pending, unexpired
// challenge is accepted once as Digest(username + code).
func (e *Engine) CheckLogin(ctx context.Context, u account.User, presented string) (LoginResult, error) {
	if presented == "" {
		return LoginFailed, nil
	}
	active := u.Status == account.StatusActive
	if ch := u.Credentials.Challenge; active && ch != nil && e.challengeLive(*ch) {
		if util.EqualConstantTime(presented, OneTimeHash(u.Username, ch.Code)) {
			return LoginOnce, nil
		}
	}
	hash := u.Credentials.Local
	if hash == "" {
		decoy, err := e.decoy(ctx)
		if err != nil {
			return LoginFailed, err
		}
		hash = decoy
	}
	ok, err := e.verifyPassword(ctx, hash, presented)
	if err != nil {
		return LoginFailed, err
	}
	if ok && active && u.Credentials.Local != "" {
		return LoginPassword, nil
	}
	return LoginFailed, nil
}

// decoy returns the stand-in hash, building it on first use. A failed build
// is retried by the next caller. The request context only bounds the wait
// for a hash worker on later calls, never the build itself.
func (e *Engine) decoy(ctx context.Context) (string, error) {
	e.decoyMu.Lock()
	defer e.decoyMu.Unlock()
	if e.decoyHash != "" {
		return e.decoyHash, nil
	}
	secret, err := RandomCredential()
	if err != nil {
		return "", fmt.Errorf("auth: decoy credential: %w", err)
	}
	h, err := e.HashPassword(context.WithoutCancel(ctx), secret)
	if err != nil {
		return "", fmt.Errorf("auth: decoy hash: %w", err)
	}
	e.decoyHash = h
	return h, nil
}

// CheckChallenge reports whether code matches ch and ch has not expired.
func (e *Engine) CheckChallenge(ch *account.Challenge, code string) bool {
	if ch == nil || ch.Code == "" || code == "" {
		return false
	}
	return util.EqualConstantTime(code, ch.Code) && e.challengeLive(*ch)
}

// ConsumeChallenge validates code against the user's pending challenge and
// clears it in the same step, so a code can never be used twice. The caller
// must persist u before acting on a true result.
func (e *Engine) ConsumeChallenge(u *account.User, code string) bool {
	if !e.CheckChallenge(u.Credentials.Challenge, code) {
		return false
	}
	u.Credentials.Challenge = nil
	return true
}

func (e *Engine) challengeLive(ch account.Challenge) bool {
	return ch.Expires > e.now().Unix()
}

func (e *Engine) verifyPassword(ctx context.Context, hash, presented string) (bool, error) {
	if err := e.workers.Acquire(ctx, 1); err != nil {
		return false, err
	}
	defer e.workers.Release(1)

	// Mismatches and malformed stored hashes both count as a failed login.
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(presented)) == nil, nil
}

// OneTimeHash is the digest a client presents when logging in with a
// challenge code instead of a password.
func OneTimeHash(username, code string) string {
	return Digest(username, code)
}
