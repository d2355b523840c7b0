package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

const alertQueueSize = 64

// AlertWebhook POSTs alert events to an external endpoint from a background
// goroutine. Notify never blocks; events are dropped when the queue is full.
type AlertWebhook struct {
	url        string
	authHeader string // "Header: Value", e.g. "Authorization: Bearer xxx"
	client     *http.Client
	logger     *slog.Logger
	retryDelay time.Duration
	events     chan AlertEvent
	wg         sync.WaitGroup
}

// NewAlertWebhook starts a dispatcher for url.
func NewAlertWebhook(url, authHeader string, logger *slog.Logger) *AlertWebhook {
	if logger == nil {
		logger = slog.Default()
	}
	w := &AlertWebhook{
		url:        url,
		authHeader: authHeader,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		retryDelay: time.Second,
		events:     make(chan AlertEvent, alertQueueSize),
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// Notify queues ev. It has the AlertFunc signature.
func (w *AlertWebhook) Notify(ev AlertEvent) {
	select {
	case w.events <- ev:
	default:
		w.logger.Warn("alert webhook queue full, dropping event", "type", ev.Type)
	}
}

// Close stops accepting events and waits for queued ones to be sent.
func (w *AlertWebhook) Close() {
	close(w.events)
	w.wg.Wait()
}

func (w *AlertWebhook) loop() {
	defer w.wg.Done()
	for ev := range w.events {
		w.send(ev)
	}
}

// send POSTs ev with one retry on 5xx or transport errors.
func (w *AlertWebhook) send(ev AlertEvent) {
	body, err := json.Marshal(ev)
	if err != nil {
		w.logger.Warn("alert webhook marshal failed", "error", err)
		return
	}

	for attempt := 1; attempt <= 2; attempt++ {
		if attempt > 1 {
			time.Sleep(w.retryDelay)
		}
		req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			w.logger.Warn("alert webhook request failed", "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "homebrew-alerts/1.0")
		if name, value, ok := strings.Cut(w.authHeader, ":"); ok {
			req.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
		}

		resp, err := w.client.Do(req)
		if err != nil {
			w.logger.Warn("alert webhook delivery failed", "error", err, "attempt", attempt)
			continue
		}
		resp.Body.Close()
		switch {
		case resp.StatusCode < 300:
			return
		case resp.StatusCode >= 500:
			w.logger.Warn("alert webhook server error", "status", resp.StatusCode, "attempt", attempt)
			continue
		}
		w.logger.Warn("alert webhook rejected event", "status", resp.StatusCode)
		return
	}
}
