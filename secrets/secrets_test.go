package secrets

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// selfSigned returns PEM key and certificate for commonName.
func selfSigned(t *testing.T, commonName string) (keyPEM, certPEM []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: commonName},
		DNSNames:     []string{commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}),
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

type fixture struct {
	dir      string
	keyPath  string
	certPath string
	logs     *syncBuffer
	m        *Manager
}

func (f *fixture) write(t *testing.T, commonName string) {
	t.Helper()
	key, cert := selfSigned(t, commonName)
	require.NoError(t, os.WriteFile(f.keyPath, key, 0o600))
	require.NoError(t, os.WriteFile(f.certPath, cert, 0o600))
}

func newFixture(t *testing.T, commonName string) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		dir:      dir,
		keyPath:  filepath.Join(dir, "privkey.pem"),
		certPath: filepath.Join(dir, "fullchain.pem"),
		logs:     &syncBuffer{},
	}
	f.write(t, commonName)
	m, err := New(map[string]string{KeyFile: f.keyPath, CertFile: f.certPath},
		WithLogger(slog.New(slog.NewTextHandler(f.logs, nil))))
	require.NoError(t, err)
	require.NoError(t, m.Load())
	f.m = m
	return f
}

func servedName(t *testing.T, m *Manager) string {
	t.Helper()
	c, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "example.com"})
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(c.Certificate[0])
	require.NoError(t, err)
	return leaf.Subject.CommonName
}

func TestNewRequiresKeyAndCert(t *testing.T) {
	_, err := New(map[string]string{KeyFile: "k.pem"})
	assert.ErrorIs(t, err, ErrMissingFile)
	_, err = New(map[string]string{CertFile: "c.pem"})
	assert.ErrorIs(t, err, ErrMissingFile)
}

func TestLoad(t *testing.T) {
	f := newFixture(t, "one.example.com")
	assert.Equal(t, "one.example.com", servedName(t, f.m))

	key, err := f.m.Secret(KeyFile)
	require.NoError(t, err)
	assert.Contains(t, string(key), "PRIVATE KEY")
	assert.Equal(t, []string{CertFile, KeyFile}, f.m.Names())
}

func TestLoadFailures(t *testing.T) {
	dir := t.TempDir()
	m, err := New(map[string]string{KeyFile: filepath.Join(dir, "missing.pem"), CertFile: filepath.Join(dir, "c.pem")})
	require.NoError(t, err)
	assert.ErrorIs(t, m.Load(), os.ErrNotExist)

	_, err = m.GetCertificate(&tls.ClientHelloInfo{})
	assert.ErrorIs(t, err, ErrNotLoaded)

	garbage := filepath.Join(dir, "garbage.pem")
	require.NoError(t, os.WriteFile(garbage, []byte("not pem"), 0o600))
	m, err = New(map[string]string{KeyFile: garbage, CertFile: garbage})
	require.NoError(t, err)
	assert.Error(t, m.Load())
}

func TestReloadSwapsLazily(t *testing.T) {
	f := newFixture(t, "one.example.com")
	f.write(t, "two.example.com")

	require.NoError(t, <-f.m.Reload(t.Context()))
	assert.True(t, f.m.changed.Load(), "rebuild waits for a handshake")

	assert.Equal(t, "two.example.com", servedName(t, f.m))
	assert.False(t, f.m.changed.Load())
	first, err := f.m.GetCertificate(&tls.ClientHelloInfo{})
	require.NoError(t, err)
	second, err := f.m.GetCertificate(&tls.ClientHelloInfo{})
	require.NoError(t, err)
	assert.Same(t, first, second, "no rebuild without a change")
}

func TestReloadBadPathKeepsPrevious(t *testing.T) {
	f := newFixture(t, "one.example.com")
	f.m.files[CertFile] = filepath.Join(f.dir, "gone.pem")

	err := <-f.m.Reload(t.Context())
	require.ErrorIs(t, err, os.ErrNotExist)
	assert.Equal(t, "one.example.com", servedName(t, f.m))
	assert.Contains(t, f.logs.String(), "secret reload failed")
}

func TestReloadBadPEMKeepsPrevious(t *testing.T) {
	f := newFixture(t, "one.example.com")
	require.NoError(t, os.WriteFile(f.certPath, []byte("-----BEGIN CERTIFICATE-----\nbroken\n"), 0o600))

	require.NoError(t, <-f.m.Reload(t.Context()))
	assert.Equal(t, "one.example.com", servedName(t, f.m))
	assert.Contains(t, f.logs.String(), "certificate rebuild failed")
}

func TestReloadCancelled(t *testing.T) {
	f := newFixture(t, "one.example.com")
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	assert.ErrorIs(t, <-f.m.Reload(ctx), context.Canceled)
}

func TestConcurrentHandshakesDuringReload(t *testing.T) {
	f := newFixture(t, "one.example.com")
	f.write(t, "two.example.com")

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				c, err := f.m.GetCertificate(&tls.ClientHelloInfo{})
				assert.NoError(t, err)
				assert.NotNil(t, c)
			}
		}()
	}
	reloaded := f.m.Reload(t.Context())
	wg.Wait()
	require.NoError(t, <-reloaded)
	assert.Equal(t, "two.example.com", servedName(t, f.m))
}

func TestTLSHandshake(t *testing.T) {
	f := newFixture(t, "one.example.com")
	cfg := f.m.TLSConfig()
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)

	c, err := cfg.GetCertificate(&tls.ClientHelloInfo{ServerName: "one.example.com"})
	require.NoError(t, err)
	assert.NotEmpty(t, c.Certificate)
}

func TestWatchReloadsOnChange(t *testing.T) {
	f := newFixture(t, "one.example.com")
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- f.m.Watch(ctx, 20*time.Millisecond) }()

	// Give the watcher time to register before changing files.
	time.Sleep(100 * time.Millisecond)
	f.write(t, "two.example.com")

	assert.Eventually(t, func() bool {
		c, err := f.m.GetCertificate(&tls.ClientHelloInfo{})
		if err != nil {
			return false
		}
		leaf, err := x509.ParseCertificate(c.Certificate[0])
		return err == nil && leaf.Subject.CommonName == "two.example.com"
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
