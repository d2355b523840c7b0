package api

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertLoginFailureSpike AlertType = "login_failure_spike"
	AlertSessionProbe      AlertType = "session_probe"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

// slidingWindow counts events in a trailing window and fires once per spike.
type slidingWindow struct {
	alert     AlertType
	message   string
	window    time.Duration
	threshold int
	hits      []time.Time
}

func (s *slidingWindow) record(now time.Time) (AlertEvent, bool) {
	s.hits = append(s.hits, now)
	s.hits = trimWindow(s.hits, now, s.window)
	if len(s.hits) < s.threshold {
		return AlertEvent{}, false
	}
	ev := AlertEvent{
		Type:      s.alert,
		Message:   s.message,
		Count:     len(s.hits),
		Threshold: s.threshold,
		Timestamp: now,
	}
	// Reset to avoid repeated alerts within the same spike.
	s.hits = s.hits[:0]
	return ev, true
}

// alertCollector tracks sliding window counters for anomaly detection.
type alertCollector struct {
	mu            sync.Mutex
	loginFailures slidingWindow
	badSessions   slidingWindow
	alertFn       AlertFunc
	now           func() time.Time
}

const (
	defaultLoginFailureWindow    = 1 * time.Minute
	defaultLoginFailureThreshold = 50
	defaultBadSessionWindow      = 5 * time.Minute
	defaultBadSessionThreshold   = 100
)

func newAlertCollector(alertFn AlertFunc) *alertCollector {
	return &alertCollector{
		loginFailures: slidingWindow{
			alert:     AlertLoginFailureSpike,
			message:   "login failure rate exceeds threshold",
			window:    defaultLoginFailureWindow,
			threshold: defaultLoginFailureThreshold,
		},
		badSessions: slidingWindow{
			alert:     AlertSessionProbe,
			message:   "unknown session ids presented at a high rate",
			window:    defaultBadSessionWindow,
			threshold: defaultBadSessionThreshold,
		},
		alertFn: alertFn,
		now:     time.Now,
	}
}

// recordEvent inspects an audit event and updates the relevant counters.
func (m *alertCollector) recordEvent(event AuditEvent) {
	if m == nil || m.alertFn == nil {
		return
	}
	var w *slidingWindow
	switch event {
	case AuditLoginFailure, AuditActivationFailure, AuditResetFailure:
		w = &m.loginFailures
	case AuditBadSession:
		w = &m.badSessions
	default:
		return
	}
	m.mu.Lock()
	ev, fire := w.record(m.now())
	m.mu.Unlock()
	if fire {
		m.alertFn(ev)
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}

// promMetrics exports audit counts and the live session count.
type promMetrics struct {
	events         *prometheus.CounterVec
	activeSessions prometheus.GaugeFunc
}

func newPromMetrics(reg prometheus.Registerer, sessions func() float64) *promMetrics {
	factory := promauto.With(reg)
	return &promMetrics{
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "homebrew",
			Name:      "auth_events_total",
			Help:      "Authentication and account events by type.",
		}, []string{"event"}),
		activeSessions: factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "homebrew",
			Name:      "active_sessions",
			Help:      "Entries in the session cache, including API keys.",
		}, sessions),
	}
}

func (m *promMetrics) recordEvent(event AuditEvent) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(string(event)).Inc()
}
