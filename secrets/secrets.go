// Package secrets loads TLS key material and swaps it without restarting
// listeners. File contents are kept in memguard enclaves; the serving
// certificate is rebuilt lazily on the first handshake after a change.
package secrets

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/awnumar/memguard"
)

// Names of the files every bundle must carry.
const (
	KeyFile  = "key"
	CertFile = "cert"
)

var (
	// ErrMissingFile is returned when a required file is not configured.
	ErrMissingFile = errors.New("required secret file not configured")
	// ErrNotLoaded is returned by GetCertificate before a successful Load.
	ErrNotLoaded = errors.New("no certificate loaded")
)

// bundle maps a file name to its sealed contents.
type bundle map[string]*memguard.Enclave

// Manager owns one set of secret files.
type Manager struct {
	files  map[string]string
	logger *slog.Logger

	reloadMu sync.Mutex
	bundle   atomic.Pointer[bundle]
	changed  atomic.Bool
	cert     atomic.Pointer[tls.Certificate]
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// New returns a Manager for files (name -> path). KeyFile and CertFile are
// required; other names are loaded and sealed alongside them.
func New(files map[string]string, opts ...Option) (*Manager, error) {
	for _, name := range []string{KeyFile, CertFile} {
		if files[name] == "" {
			return nil, fmt.Errorf("%w: %s", ErrMissingFile, name)
		}
	}
	m := &Manager{
		files:  make(map[string]string, len(files)),
		logger: slog.Default(),
	}
	for name, path := range files {
		m.files[name] = path
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "secrets")
	return m, nil
}

// Load reads every file and builds the certificate. Callers treat an error
// as fatal: there is nothing to serve with.
func (m *Manager) Load() error {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	b, err := m.read()
	if err != nil {
		return err
	}
	cert, err := b.certificate()
	if err != nil {
		return err
	}
	m.bundle.Store(&b)
	m.cert.Store(cert)
	m.changed.Store(false)
	m.logger.Info("secrets loaded", slog.Any("files", m.Names()))
	return nil
}

// Reload re-reads the files in the background, one after another. On
// failure the previous bundle stays in use and the error is logged. The
// returned channel yields the outcome once and is then closed.
func (m *Manager) Reload(ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() {
		defer close(done)
		m.reloadMu.Lock()
		defer m.reloadMu.Unlock()

		if err := ctx.Err(); err != nil {
			done <- err
			return
		}
		b, err := m.read()
		if err != nil {
			m.logger.ErrorContext(ctx, "secret reload failed; keeping previous secrets", slog.Any("error", err))
			done <- err
			return
		}
		m.bundle.Store(&b)
		m.changed.Store(true)
		m.logger.InfoContext(ctx, "secrets reloaded")
		done <- nil
	}()
	return done
}

// GetCertificate serves tls.Config.GetCertificate. It rebuilds the
// certificate only when the bundle changed since the last build. A bundle
// that does not parse leaves the previous certificate in place.
func (m *Manager) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	if m.changed.CompareAndSwap(true, false) {
		if b := m.bundle.Load(); b != nil {
			cert, err := b.certificate()
			if err != nil {
				m.logger.Error("certificate rebuild failed; serving previous certificate", slog.Any("error", err))
			} else {
				m.cert.Store(cert)
				m.logger.Info("certificate rebuilt")
			}
		}
	}
	if c := m.cert.Load(); c != nil {
		return c, nil
	}
	return nil, ErrNotLoaded
}

// TLSConfig returns a server configuration that picks up reloads.
func (m *Manager) TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: m.GetCertificate,
	}
}

// Names lists the configured file names.
func (m *Manager) Names() []string {
	names := make([]string, 0, len(m.files))
	for name := range m.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Secret returns a copy of the named file's contents.
func (m *Manager) Secret(name string) ([]byte, error) {
	b := m.bundle.Load()
	if b == nil {
		return nil, ErrNotLoaded
	}
	e, ok := (*b)[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingFile, name)
	}
	buf, err := e.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	defer buf.Destroy()
	return append([]byte(nil), buf.Bytes()...), nil
}

// read loads every file into a new bundle.
func (m *Manager) read() (bundle, error) {
	b := make(bundle, len(m.files))
	for _, name := range m.Names() {
		data, err := os.ReadFile(m.files[name])
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		if len(data) == 0 {
			return nil, fmt.Errorf("read %s: empty file %s", name, m.files[name])
		}
		b[name] = memguard.NewEnclave(data)
	}
	return b, nil
}

func (b bundle) certificate() (*tls.Certificate, error) {
	certPEM, err := b[CertFile].Open()
	if err != nil {
		return nil, fmt.Errorf("open cert: %w", err)
	}
	defer certPEM.Destroy()
	keyPEM, err := b[KeyFile].Open()
	if err != nil {
		return nil, fmt.Errorf("open key: %w", err)
	}
	defer keyPEM.Destroy()

	cert, err := tls.X509KeyPair(certPEM.Bytes(), keyPEM.Bytes())
	if err != nil {
		return nil, fmt.Errorf("parse key pair: %w", err)
	}
	return &cert, nil
}
