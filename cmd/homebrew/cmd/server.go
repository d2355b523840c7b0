package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/CanyonCasa/homebrew/account"
	"github.com/CanyonCasa/homebrew/api"
	"github.com/CanyonCasa/homebrew/auth"
	"github.com/CanyonCasa/homebrew/secrets"
	"github.com/CanyonCasa/homebrew/session"
)

var (
	listenAddr string
	storeDSN   string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the /user account API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("listen") {
			cfg.Listen = listenAddr
		}
		if cmd.Flags().Changed("store") {
			cfg.Store = storeDSN
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		repo, err := openStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer repo.Close()

		trusted, err := cfg.TrustedProxies()
		if err != nil {
			return err
		}
		notifier, waitNotify := newNotifier(cfg.Notify, logger)
		defer waitNotify()

		reg := newRegistry()
		sessions := session.New(
			session.WithMaxUsers(cfg.Sessions.MaxUsers),
			session.WithExpiration(cfg.Sessions.Expiration),
		)
		engine := auth.NewEngine(
			auth.WithBcryptCost(cfg.Auth.BcryptCost),
			auth.WithAPITolerance(cfg.Auth.APITolerance),
		)
		opts := []api.Option{
			api.WithLogger(logger.With("component", "api")),
			api.WithNotifier(notifier),
			api.WithChallengeTTL(cfg.Auth.ChallengeTTL),
			api.WithNewUserStatus(account.Status(cfg.Auth.NewUserStatus)),
			api.WithBackupDir(cfg.BackupDir),
			api.WithMetricsRegistry(reg),
			api.WithTrustedProxies(trusted),
		}
		if cfg.Auth.AlertWebhook != "" {
			hook := api.NewAlertWebhook(cfg.Auth.AlertWebhook, cfg.Auth.AlertWebhookAuth, logger)
			defer hook.Close()
			opts = append(opts, api.WithAlertFunc(hook.Notify))
		}
		a := api.New(repo, sessions, engine, opts...)
		go a.Run(ctx, cfg.Sessions.Sweep)
		go logSessionsOnSignal(ctx, sessions)

		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})
		if cfg.MetricsListen == "" {
			r.Handle("/metrics", metricsHandler(reg))
		}
		r.Mount("/", a.Router())

		var servers []*http.Server
		if cfg.TLS.Cert != "" {
			m, err := loadSecrets(ctx)
			if err != nil {
				return err
			}
			servers = append(servers, newServer(cfg.Listen, r, m.TLSConfig()))
		} else {
			servers = append(servers, newServer(cfg.Listen, r, nil))
		}
		if cfg.MetricsListen != "" {
			servers = append(servers, newServer(cfg.MetricsListen, metricsHandler(reg), nil))
		}

		printBanner(cmd.ErrOrStderr(), "User Account Service")
		logger.Info("starting server",
			"listen", cfg.Listen,
			"store", storeScheme(cfg.Store),
			"session_expiration", sessions.Expiration(),
			"tls", cfg.TLS.Cert != "")
		return runServers(ctx, servers...)
	},
}

// loadSecrets loads the TLS bundle and keeps it current in the background.
// A failed initial load is fatal.
func loadSecrets(ctx context.Context) (*secrets.Manager, error) {
	m, err := secrets.New(map[string]string{
		secrets.KeyFile:  cfg.TLS.Key,
		secrets.CertFile: cfg.TLS.Cert,
	}, secrets.WithLogger(logger.With("component", "secrets")))
	if err != nil {
		return nil, err
	}
	if err := m.Load(); err != nil {
		return nil, fmt.Errorf("failed to load tls secrets: %w", err)
	}
	if cfg.TLS.Watch {
		go func() {
			if err := m.Watch(ctx, secrets.DefaultDebounce); err != nil {
				logger.Error("secret watcher stopped", "error", err)
			}
		}()
	}
	go reloadOnHangup(ctx, m)
	return m, nil
}

func reloadOnHangup(ctx context.Context, m *secrets.Manager) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-hup:
			logger.Info("reloading secrets on SIGHUP")
			<-m.Reload(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// logSessionsOnSignal logs the cached usernames and API keys on SIGUSR1.
func logSessionsOnSignal(ctx context.Context, sessions *session.Cache) {
	usr1 := make(chan os.Signal, 1)
	signal.Notify(usr1, syscall.SIGUSR1)
	defer signal.Stop(usr1)
	for {
		select {
		case <-usr1:
			names := make([]string, 0, sessions.Len())
			for name := range sessions.Snapshot() {
				names = append(names, name)
			}
			slices.Sort(names)
			logger.Info("session snapshot", "count", len(names), "entries", names, "full", sessions.Full())
		case <-ctx.Done():
			return
		}
	}
}

// storeScheme keeps credentials in postgres or redis DSNs out of the log.
func storeScheme(dsn string) string {
	scheme, _, _ := strings.Cut(dsn, ":")
	return scheme
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().StringVarP(&listenAddr, "listen", "l", ":8080", "Address to listen on")
	serverCmd.Flags().StringVar(&storeDSN, "store", "", "Storage DSN (bolt:<path>, sqlite:<path>, postgres://..., redis://..., memory:)")
}
