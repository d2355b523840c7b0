package api

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type alertRecorder struct {
	mu     sync.Mutex
	alerts []AlertEvent
}

func (r *alertRecorder) record(e AlertEvent) {
	r.mu.Lock()
	r.alerts = append(r.alerts, e)
	r.mu.Unlock()
}

func (r *alertRecorder) list() []AlertEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]AlertEvent(nil), r.alerts...)
}

func TestLoginFailureSpikeAlert(t *testing.T) {
	rec := &alertRecorder{}
	collector := newAlertCollector(rec.record)
	collector.loginFailures.threshold = 5

	for range 4 {
		collector.recordEvent(AuditLoginFailure)
	}
	assert.Empty(t, rec.list(), "no alert below threshold")

	// Reset failures count toward the same spike.
	collector.recordEvent(AuditResetFailure)
	alerts := rec.list()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertLoginFailureSpike, alerts[0].Type)
	assert.Equal(t, 5, alerts[0].Count)
	assert.Equal(t, 5, alerts[0].Threshold)
}

func TestSessionProbeAlert(t *testing.T) {
	rec := &alertRecorder{}
	collector := newAlertCollector(rec.record)
	collector.badSessions.threshold = 3

	for range 3 {
		collector.recordEvent(AuditBadSession)
	}
	alerts := rec.list()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertSessionProbe, alerts[0].Type)
}

func TestAlertWindowExpires(t *testing.T) {
	rec := &alertRecorder{}
	collector := newAlertCollector(rec.record)
	collector.loginFailures.threshold = 3

	now := time.Now()
	collector.now = func() time.Time { return now }
	collector.recordEvent(AuditLoginFailure)
	collector.recordEvent(AuditLoginFailure)

	// Older failures fall out of the window.
	now = now.Add(2 * defaultLoginFailureWindow)
	collector.recordEvent(AuditLoginFailure)
	assert.Empty(t, rec.list())
}

func TestAlertResetsAfterFiring(t *testing.T) {
	rec := &alertRecorder{}
	collector := newAlertCollector(rec.record)
	collector.loginFailures.threshold = 2

	for range 3 {
		collector.recordEvent(AuditLoginFailure)
	}
	assert.Len(t, rec.list(), 1)
	collector.recordEvent(AuditLoginFailure)
	assert.Len(t, rec.list(), 2)
}

func TestUnrelatedEventsIgnored(t *testing.T) {
	rec := &alertRecorder{}
	collector := newAlertCollector(rec.record)
	collector.loginFailures.threshold = 1

	collector.recordEvent(AuditLoginSuccess)
	collector.recordEvent(AuditLogout)
	assert.Empty(t, rec.list())
}

func TestNilCollectorsAreSafe(t *testing.T) {
	var c *alertCollector
	var m *promMetrics
	assert.NotPanics(t, func() {
		c.recordEvent(AuditLoginFailure)
		m.recordEvent(AuditLoginFailure)
	})
	assert.NotPanics(t, func() {
		newAlertCollector(nil).recordEvent(AuditLoginFailure)
	})
}

func TestPromMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	sessions := 3
	m := newPromMetrics(reg, func() float64 { return float64(sessions) })

	m.recordEvent(AuditLoginSuccess)
	m.recordEvent(AuditLoginSuccess)
	m.recordEvent(AuditLoginFailure)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.events.WithLabelValues(string(AuditLoginSuccess))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.events.WithLabelValues(string(AuditLoginFailure))))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.activeSessions))
}
