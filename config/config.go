// Package config loads the site configuration: built-in defaults, then an
// optional TOML file, then HOMEBREW_* environment variables.
package config

import (
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"

	"github.com/CanyonCasa/homebrew/proxy"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "HOMEBREW_"

// Config is the whole site configuration.
type Config struct {
	// Listen is the address of the /user API server.
	Listen string `toml:"listen" env:"LISTEN"`
	// MetricsListen serves /metrics on its own address when set; otherwise
	// /metrics is mounted on the API server.
	MetricsListen string `toml:"metrics_listen" env:"METRICS_LISTEN"`
	// Store is the storage DSN, e.g. "bolt:./data/homebrew.db".
	Store     string `toml:"store" env:"STORE"`
	BackupDir string `toml:"backup_dir" env:"BACKUP_DIR"`

	Log      Log           `toml:"log" envPrefix:"LOG_"`
	Sessions Sessions      `toml:"sessions" envPrefix:"SESSION_"`
	Auth     Auth          `toml:"auth" envPrefix:"AUTH_"`
	TLS      TLS           `toml:"tls" envPrefix:"TLS_"`
	Notify   Notify        `toml:"notify" envPrefix:"NOTIFY_"`
	Proxies  []ProxyConfig `toml:"proxy" env:"-"`
}

// Log selects the slog handler.
type Log struct {
	Level  string `toml:"level" env:"LEVEL"`
	Format string `toml:"format" env:"FORMAT"`
}

// Sessions sizes the session cache.
type Sessions struct {
	MaxUsers   int           `toml:"max_users" env:"MAX_USERS"`
	Expiration time.Duration `toml:"expiration" env:"EXPIRATION"`
	Sweep      time.Duration `toml:"sweep" env:"SWEEP"`
}

// Auth tunes the auth engine and the /user API.
type Auth struct {
	ChallengeTTL   time.Duration `toml:"challenge_ttl" env:"CHALLENGE_TTL"`
	NewUserStatus  string        `toml:"new_user_status" env:"NEW_USER_STATUS"`
	BcryptCost     int           `toml:"bcrypt_cost" env:"BCRYPT_COST"`
	APITolerance   time.Duration `toml:"api_tolerance" env:"API_TOLERANCE"`
	TrustedProxies []string      `toml:"trusted_proxies" env:"TRUSTED_PROXIES"`
	// AlertWebhook receives anomaly alerts as JSON when set.
	AlertWebhook     string `toml:"alert_webhook" env:"ALERT_WEBHOOK"`
	AlertWebhookAuth string `toml:"alert_webhook_auth" env:"ALERT_WEBHOOK_AUTH"`
}

// TLS names the key material shared by TLS listeners.
type TLS struct {
	Key  string `toml:"key" env:"KEY"`
	Cert string `toml:"cert" env:"CERT"`
	// Watch reloads the files when they change on disk.
	Watch bool `toml:"watch" env:"WATCH"`
}

// Notify configures outbound mail. With no SMTP host, messages are only
// logged.
type Notify struct {
	SMTPHost     string            `toml:"smtp_host" env:"SMTP_HOST"`
	SMTPPort     int               `toml:"smtp_port" env:"SMTP_PORT"`
	SMTPUser     string            `toml:"smtp_user" env:"SMTP_USER"`
	SMTPPassword string            `toml:"smtp_password" env:"SMTP_PASSWORD"`
	From         string            `toml:"from" env:"FROM"`
	DefaultTo    string            `toml:"default_to" env:"DEFAULT_TO"`
	Gateways     map[string]string `toml:"gateways" env:"GATEWAYS"`
}

// ProxyConfig is one reverse-proxy listener.
type ProxyConfig struct {
	Name   string `toml:"name"`
	Listen string `toml:"listen"`
	TLS    bool   `toml:"tls"`
	proxy.Config
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		Store:  "bolt:./data/homebrew.db",
		Log:    Log{Level: "info", Format: "json"},
		Sessions: Sessions{
			MaxUsers:   1000,
			Expiration: 24 * time.Hour,
			Sweep:      time.Minute,
		},
		Auth: Auth{
			ChallengeTTL:  10 * time.Minute,
			NewUserStatus: "PENDING",
			BcryptCost:    8,
			APITolerance:  60 * time.Second,
		},
		Notify: Notify{SMTPPort: 587},
	}
}

// Load builds the configuration. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		md, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
		}
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ValidationError is one invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors collects every invalid field.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return "config: " + strings.Join(msgs, "; ")
}

// Validate checks field values and cross-field requirements.
func (c *Config) Validate() error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if !strings.Contains(c.Store, ":") {
		add("store", "%q is not a storage DSN (scheme:target)", c.Store)
	}
	if _, err := c.LogLevel(); err != nil {
		add("log.level", "%v", err)
	}
	if f := strings.ToLower(c.Log.Format); f != "json" && f != "text" {
		add("log.format", "must be json or text, got %q", c.Log.Format)
	}
	if c.Sessions.MaxUsers < 0 {
		add("sessions.max_users", "must not be negative")
	}
	if c.Sessions.Expiration <= 0 {
		add("sessions.expiration", "must be positive")
	}
	if c.Sessions.Sweep <= 0 {
		add("sessions.sweep", "must be positive")
	}
	if c.Auth.ChallengeTTL <= 0 {
		add("auth.challenge_ttl", "must be positive")
	}
	if s := strings.ToUpper(c.Auth.NewUserStatus); s != "PENDING" && s != "ACTIVE" {
		add("auth.new_user_status", "must be PENDING or ACTIVE, got %q", c.Auth.NewUserStatus)
	}
	if c.Auth.BcryptCost < 4 || c.Auth.BcryptCost > 31 {
		add("auth.bcrypt_cost", "must be between 4 and 31, got %d", c.Auth.BcryptCost)
	}
	if _, err := c.TrustedProxies(); err != nil {
		add("auth.trusted_proxies", "%v", err)
	}
	if (c.TLS.Key == "") != (c.TLS.Cert == "") {
		add("tls", "key and cert must be set together")
	}

	names := make(map[string]bool, len(c.Proxies))
	for i, p := range c.Proxies {
		field := fmt.Sprintf("proxy[%d]", i)
		if p.Name == "" {
			add(field+".name", "required")
		} else if names[p.Name] {
			add(field+".name", "duplicate proxy %q", p.Name)
		}
		names[p.Name] = true
		if p.Listen == "" {
			add(field+".listen", "required")
		}
		if p.TLS && c.TLS.Cert == "" {
			add(field+".tls", "needs tls.key and tls.cert")
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// LogLevel parses Log.Level.
func (c *Config) LogLevel() (slog.Level, error) {
	var lvl slog.Level
	err := lvl.UnmarshalText([]byte(c.Log.Level))
	return lvl, err
}

// TrustedProxies parses Auth.TrustedProxies; bare addresses become
// single-host prefixes.
func (c *Config) TrustedProxies() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(c.Auth.TrustedProxies))
	for _, s := range c.Auth.TrustedProxies {
		s = strings.TrimSpace(s)
		if strings.Contains(s, "/") {
			p, err := netip.ParsePrefix(s)
			if err != nil {
				return nil, err
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return nil, err
		}
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// Proxy returns the named proxy listener.
func (c *Config) Proxy(name string) (ProxyConfig, bool) {
	for _, p := range c.Proxies {
		if p.Name == name {
			return p, true
		}
	}
	return ProxyConfig{}, false
}
