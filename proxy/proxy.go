// Package proxy routes inbound requests to backends by Host header.
package proxy

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/netip"
	"net/url"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ErrBadConfig is returned by NewRouter for unusable routes or addresses.
var ErrBadConfig = errors.New("invalid proxy configuration")

const notFoundBody = "404 Proxy Route Not Found\n"

// Config is the routing table of one proxy listener. Route and redirect
// keys are host names; a key of the form "*.example.com" matches any direct
// subdomain of example.com that has no exact route.
type Config struct {
	Routes    map[string]string `toml:"routes"`
	Redirects map[string]string `toml:"redirects"`
	// IgnoreIPs are addresses or CIDR ranges whose unmatched requests get
	// route diagnostics instead of being counted as probes.
	IgnoreIPs []string `toml:"ignore"`
}

// Stats counts how requests were handled.
type Stats struct {
	Served    uint64 `json:"served"`
	Redirects uint64 `json:"redirects"`
	Probes    uint64 `json:"probes"`
	Ignored   uint64 `json:"ignored"`
	Errors    uint64 `json:"errors"`
}

type backend struct {
	target *url.URL
	proxy  *httputil.ReverseProxy
}

// Router is an http.Handler that forwards each request to the backend
// resolved from its Host header.
type Router struct {
	name      string
	routes    map[string]*backend
	redirects map[string]string
	ignore    []netip.Prefix
	logger    *slog.Logger
	transport http.RoundTripper
	registry  prometheus.Registerer
	requests  *prometheus.CounterVec

	served, redirected, probes, ignored, failed atomic.Uint64
}

// Option configures a Router.
type Option func(*Router)

// WithName labels log records and metrics.
func WithName(name string) Option {
	return func(rt *Router) { rt.name = name }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(rt *Router) {
		if logger != nil {
			rt.logger = logger
		}
	}
}

// WithMetricsRegistry registers the request counter with reg.
func WithMetricsRegistry(reg prometheus.Registerer) Option {
	return func(rt *Router) { rt.registry = reg }
}

// WithTransport sets the transport used to reach backends.
func WithTransport(t http.RoundTripper) Option {
	return func(rt *Router) { rt.transport = t }
}

// NewRouter validates cfg and builds one reverse proxy per backend.
func NewRouter(cfg Config, opts ...Option) (*Router, error) {
	rt := &Router{
		name:      "default",
		routes:    make(map[string]*backend, len(cfg.Routes)),
		redirects: make(map[string]string, len(cfg.Redirects)),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(rt)
	}
	rt.logger = rt.logger.With("component", "proxy", "proxy", rt.name)

	for host, addr := range cfg.Routes {
		target, err := parseBackend(addr)
		if err != nil {
			return nil, fmt.Errorf("%w: route %s: %v", ErrBadConfig, host, err)
		}
		rt.routes[normalizeHost(host)] = &backend{target: target, proxy: rt.reverseProxy(target)}
	}
	for from, to := range cfg.Redirects {
		if strings.TrimSpace(to) == "" {
			return nil, fmt.Errorf("%w: redirect %s has no target", ErrBadConfig, from)
		}
		rt.redirects[normalizeHost(from)] = strings.TrimSpace(to)
	}
	for _, s := range cfg.IgnoreIPs {
		p, err := parsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("%w: ignore %q: %v", ErrBadConfig, s, err)
		}
		rt.ignore = append(rt.ignore, p)
	}

	if rt.registry != nil {
		rt.requests = promauto.With(rt.registry).NewCounterVec(prometheus.CounterOpts{
			Namespace:   "homebrew",
			Name:        "proxy_requests_total",
			Help:        "Proxied requests by outcome.",
			ConstLabels: prometheus.Labels{"proxy": rt.name},
		}, []string{"result"})
	}
	return rt, nil
}

func (rt *Router) reverseProxy(target *url.URL) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			// Backends serve several sites and need the original host.
			pr.Out.Host = pr.In.Host
		},
		Transport: rt.transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			rt.failed.Add(1)
			rt.count("error")
			rt.logger.ErrorContext(r.Context(), "proxy backend failed",
				slog.String("host", r.Host),
				slog.String("backend", target.String()),
				slog.Any("error", err))
			http.Error(w, "500 Proxy Error", http.StatusInternalServerError)
		},
	}
}

// Resolve returns the backend for host: an exact route first, then the
// wildcard route of its parent domain.
func (rt *Router) Resolve(host string) (string, bool) {
	b := rt.lookup(normalizeHost(host))
	if b == nil {
		return "", false
	}
	return b.target.String(), true
}

func (rt *Router) lookup(host string) *backend {
	if b, ok := rt.routes[host]; ok {
		return b
	}
	if _, parent, ok := strings.Cut(host, "."); ok && strings.Contains(parent, ".") {
		return rt.routes["*."+parent]
	}
	return nil
}

// ServeHTTP redirects, forwards or rejects r.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host := normalizeHost(r.Host)

	if to, ok := rt.redirects[host]; ok {
		rt.redirected.Add(1)
		rt.count("redirect")
		http.Redirect(w, r, redirectURL(r, to), http.StatusMovedPermanently)
		return
	}
	if b := rt.lookup(host); b != nil {
		rt.served.Add(1)
		rt.count("served")
		rt.logger.DebugContext(r.Context(), "proxy",
			slog.String("host", host), slog.String("method", r.Method), slog.String("path", r.URL.Path))
		b.proxy.ServeHTTP(w, r)
		return
	}
	rt.notFound(w, r, host)
}

func (rt *Router) notFound(w http.ResponseWriter, r *http.Request, host string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write([]byte(notFoundBody))

	ip := remoteAddr(r)
	if rt.isIgnored(ip) {
		rt.ignored.Add(1)
		rt.count("ignored")
		rt.logger.DebugContext(r.Context(), "no proxy route",
			slog.String("remote", ip.String()), slog.String("host", host), slog.String("path", r.URL.Path))
		for _, line := range rt.routeTable() {
			_, _ = w.Write([]byte("  " + line + "\n"))
		}
		return
	}
	n := rt.probes.Add(1)
	rt.count("probe")
	rt.logger.WarnContext(r.Context(), "no proxy route",
		slog.Uint64("probes", n), slog.String("remote", r.RemoteAddr),
		slog.String("host", host), slog.String("path", r.URL.Path))
}

func (rt *Router) isIgnored(ip netip.Addr) bool {
	if !ip.IsValid() {
		return false
	}
	for _, p := range rt.ignore {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

// routeTable renders the routes as "ROUTE[host]: backend", sorted by host.
func (rt *Router) routeTable() []string {
	lines := make([]string, 0, len(rt.routes))
	for host, b := range rt.routes {
		lines = append(lines, fmt.Sprintf("ROUTE[%s]: %s", host, b.target))
	}
	sort.Strings(lines)
	return lines
}

// Stats returns a snapshot of the request counters.
func (rt *Router) Stats() Stats {
	return Stats{
		Served:    rt.served.Load(),
		Redirects: rt.redirected.Load(),
		Probes:    rt.probes.Load(),
		Ignored:   rt.ignored.Load(),
		Errors:    rt.failed.Load(),
	}
}

func (rt *Router) count(result string) {
	if rt.requests != nil {
		rt.requests.WithLabelValues(result).Inc()
	}
}

// normalizeHost lower-cases host and strips any port and trailing dot.
func normalizeHost(host string) string {
	host = strings.TrimSpace(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(strings.Trim(host, "[]"), ".")
	return strings.ToLower(host)
}

func parseBackend(addr string) (*url.URL, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("empty backend")
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}
	if u.Host == "" {
		return nil, fmt.Errorf("backend %q has no host", addr)
	}
	return u, nil
}

func parsePrefix(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		return p.Masked(), err
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func remoteAddr(r *http.Request) netip.Addr {
	if ap, err := netip.ParseAddrPort(r.RemoteAddr); err == nil {
		return ap.Addr().Unmap()
	}
	addr, _ := netip.ParseAddr(r.RemoteAddr)
	return addr.Unmap()
}

// redirectURL keeps the path and query of r on host to. A target carrying
// its own scheme is used as given.
func redirectURL(r *http.Request, to string) string {
	if strings.Contains(to, "://") {
		return strings.TrimSuffix(to, "/") + r.URL.RequestURI()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + to + r.URL.RequestURI()
}
