package cmd

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/CanyonCasa/homebrew/config"
	"github.com/CanyonCasa/homebrew/proxy"
	"github.com/CanyonCasa/homebrew/secrets"
)

var proxyCmd = &cobra.Command{
	Use:   "proxy [name...]",
	Short: "Start the configured reverse proxies",
	Long: `Start one listener per [[proxy]] table in the configuration, or only the
named ones. TLS proxies share the tls.key/tls.cert bundle, which is reloaded
on SIGHUP and, with tls.watch, whenever the files change.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		selected, err := selectProxies(cfg, args)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		reg := newRegistry()
		var m *secrets.Manager
		var servers []*http.Server
		routers := make(map[string]*proxy.Router, len(selected))
		for _, pc := range selected {
			rt, err := proxy.NewRouter(pc.Config,
				proxy.WithName(pc.Name),
				proxy.WithLogger(logger),
				proxy.WithMetricsRegistry(reg),
			)
			if err != nil {
				return fmt.Errorf("proxy %s: %w", pc.Name, err)
			}
			routers[pc.Name] = rt
			srv := newServer(pc.Listen, proxyHandler(rt), nil)
			// Proxied responses may stream longer than an API reply.
			srv.WriteTimeout = 0
			if pc.TLS {
				if m == nil {
					if m, err = loadSecrets(ctx); err != nil {
						return err
					}
				}
				srv.TLSConfig = m.TLSConfig()
			}
			servers = append(servers, srv)
			logger.Info("starting proxy", "proxy", pc.Name, "listen", pc.Listen, "tls", pc.TLS, "routes", len(pc.Routes))
		}
		if cfg.MetricsListen != "" {
			servers = append(servers, newServer(cfg.MetricsListen, metricsHandler(reg), nil))
		}

		printBanner(cmd.ErrOrStderr(), "Reverse Proxy")
		err = runServers(ctx, servers...)
		for name, rt := range routers {
			st := rt.Stats()
			logger.Info("proxy stopped", "proxy", name,
				"served", st.Served, "redirects", st.Redirects, "probes", st.Probes,
				"ignored", st.Ignored, "errors", st.Errors)
		}
		return err
	},
}

// proxyHandler turns a panic while proxying into a 500 reply.
func proxyHandler(rt http.Handler) http.Handler {
	return middleware.Recoverer(rt)
}

func selectProxies(c *config.Config, names []string) ([]config.ProxyConfig, error) {
	if len(names) == 0 {
		if len(c.Proxies) == 0 {
			return nil, fmt.Errorf("no proxies configured")
		}
		return c.Proxies, nil
	}
	out := make([]config.ProxyConfig, 0, len(names))
	for _, name := range names {
		p, ok := c.Proxy(name)
		if !ok {
			return nil, fmt.Errorf("no proxy named %q", name)
		}
		out = append(out, p)
	}
	return out, nil
}

func init() {
	rootCmd.AddCommand(proxyCmd)
}
