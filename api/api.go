// Package api serves the /user authentication endpoints over chi.
package api

import (
	"context"
	_ "embed"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/CanyonCasa/homebrew/account"
	"github.com/CanyonCasa/homebrew/auth"
	"github.com/CanyonCasa/homebrew/notify"
	"github.com/CanyonCasa/homebrew/session"
	"github.com/CanyonCasa/homebrew/storage"
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	repo     storage.Repository
	sessions *session.Cache
	engine   *auth.Engine
	notifier notify.Notifier
	logger   *slog.Logger

	audit    *auditLogger
	alertFn  AlertFunc
	registry prometheus.Registerer

	failures       *failureLimiter
	ipLimit        *ipLimiter
	ipRate         rate.Limit
	ipBurst        int
	trustedProxies []netip.Prefix
	locks          *keyedMutex

	challengeTTL  time.Duration
	newUserStatus account.Status
	backupDir     string


	actions map[Action]actionFunc
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithNotifier sets how challenge codes are delivered. The default only logs.
func WithNotifier(n notify.Notifier) Option {
	return func(a *API) {
		if n != nil {
			a.notifier = n
		}
	}
}

// WithChallengeTTL sets how long issued codes stay valid.
func WithChallengeTTL(d time.Duration) Option {
	return func(a *API) {
		if d > 0 {
			a.challengeTTL = d
		}
	}
}

// WithNewUserStatus sets the status given to self-registered accounts.
func WithNewUserStatus(s account.Status) Option {
	return func(a *API) {
		if s.Valid() {
			a.newUserStatus = s
		}
	}
}

// WithBackupDir sets where store snapshots are written before bulk changes.
func WithBackupDir(dir string) Option {
	return func(a *API) {
		a.backupDir = dir
	}
}

// WithAlertFunc registers a callback for suspicious activity spikes.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) {
		a.alertFn = fn
	}
}

// WithMetricsRegistry registers Prometheus collectors with reg.
func WithMetricsRegistry(reg prometheus.Registerer) Option {
	return func(a *API) {
		a.registry = reg
	}
}

// WithTrustedProxies lists peers whose forwarding headers are believed.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) {
		a.trustedProxies = prefixes
	}
}

// WithIPRate sets the per-client request budget.
func WithIPRate(limit rate.Limit, burst int) Option {
	return func(a *API) {
		if limit > 0 && burst > 0 {
			a.ipRate, a.ipBurst = limit, burst
		}
	}
}

// New creates a new API instance.
func New(repo storage.Repository, sessions *session.Cache, engine *auth.Engine, opts ...Option) *API {
	a := &API{
		repo:          repo,
		sessions:      sessions,
		engine:        engine,
		failures:      newFailureLimiter(),
		ipRate:        defaultIPRate,
		ipBurst:       defaultIPBurst,
		locks:         newKeyedMutex(),
		challengeTTL:  auth.DefaultChallengeTTL,
		newUserStatus: account.StatusPending,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	if a.notifier == nil {
		a.notifier = notify.Log{Logger: a.logger}
	}
	a.ipLimit = newIPLimiter(a.ipRate, a.ipBurst)
	a.audit = newAuditLogger(a.logger)
	a.audit.alerts = newAlertCollector(a.alertFn)
	if a.registry != nil {
		a.audit.metrics = newPromMetrics(a.registry, func() float64 {
			return float64(a.sessions.Len())
		})
	}
	a.actions = a.actionTable()
	return a
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(SecurityHeaders)

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/openapi.yaml",
		Path:    "docs",
	}, nil))

	r.Route("/user", func(r chi.Router) {
		r.Use(a.RateLimit)
		r.Use(a.Middleware)
		r.Get("/form/{name}", a.form)
		r.Post("/{action}/{username}", a.dispatch)
		r.Post("/{action}/{username}/{arg}", a.dispatch)
	})

	return r
}

// Run expires stale sessions and rate-limit state until ctx ends.
func (a *API) Run(ctx context.Context, interval time.Duration) {
	go a.sweepLoop(ctx, interval)
	a.sessions.Run(ctx, interval)
}
