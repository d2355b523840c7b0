package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/CanyonCasa/homebrew/config"
	"github.com/CanyonCasa/homebrew/notify"
	"github.com/CanyonCasa/homebrew/storage"
)

const shutdownTimeout = 10 * time.Second

func newServer(addr string, h http.Handler, tlsConfig *tls.Config) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// runServers serves until ctx is done or one server fails, then shuts all
// of them down.
func runServers(ctx context.Context, servers ...*http.Server) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			var err error
			if srv.TLSConfig != nil {
				err = srv.ListenAndServeTLS("", "")
			} else {
				err = srv.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server %s failed: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(sctx); err != nil {
				errs = append(errs, fmt.Errorf("server %s shutdown failed: %w", srv.Addr, err))
			}
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func metricsHandler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// openStore opens the configured repository, creating the parent directory
// of file-backed stores.
func openStore(ctx context.Context, dsn string) (storage.Repository, error) {
	scheme, path, _ := strings.Cut(dsn, ":")
	switch strings.ToLower(scheme) {
	case "bolt", "sqlite":
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("failed to create data directory: %w", err)
			}
		}
	}
	repo, err := storage.Open(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open user store: %w", err)
	}
	return repo, nil
}

// newNotifier sends through SMTP and the carrier gateways when a mail server
// is configured, and only logs otherwise. wait blocks until queued messages
// are attempted.
func newNotifier(c config.Notify, logger *slog.Logger) (n notify.Notifier, wait func()) {
	if c.SMTPHost == "" {
		logger.Warn("no smtp host configured; notifications are only logged")
		return notify.Log{Logger: logger}, func() {}
	}
	mailer := &notify.SMTP{
		Host:     c.SMTPHost,
		Port:     c.SMTPPort,
		Username: c.SMTPUser,
		Password: c.SMTPPassword,
		From:     c.From,
	}
	gw := notify.NewGateway(mailer, c.Gateways)
	gw.DefaultTo = c.DefaultTo
	async := notify.NewAsync(gw, logger)
	return async, async.Wait
}
