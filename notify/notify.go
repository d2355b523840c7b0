// Package notify delivers out-of-band messages: challenge codes by SMS and
// account notices by email.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
)

var (
	// ErrNoRecipient is returned when a message has nowhere to go.
	ErrNoRecipient = errors.New("no recipient")
	// ErrUnknownProvider is returned for an SMS provider without a gateway.
	ErrUnknownProvider = errors.New("unknown sms provider")
)

// Text is a short message for a phone.
type Text struct {
	Text     string
	To       string
	Provider string
	// Time prefixes the message with the send time.
	Time bool
}

// Mail is an email message.
type Mail struct {
	To      []string
	From    string
	Subject string
	Text    string
}

// Notifier sends texts and mail.
type Notifier interface {
	SendText(ctx context.Context, msg Text) error
	SendMail(ctx context.Context, msg Mail) error
}

// Log is a Notifier that only records messages. It is the default when no
// mail server is configured.
type Log struct {
	Logger *slog.Logger
}

func (l Log) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}

func (l Log) SendText(ctx context.Context, msg Text) error {
	if msg.To == "" {
		return ErrNoRecipient
	}
	l.logger().InfoContext(ctx, "notify text",
		slog.String("to", msg.To),
		slog.String("provider", msg.Provider),
		slog.Int("length", len(msg.Text)))
	return nil
}

func (l Log) SendMail(ctx context.Context, msg Mail) error {
	if len(msg.To) == 0 {
		return ErrNoRecipient
	}
	l.logger().InfoContext(ctx, "notify mail",
		slog.String("to", strings.Join(msg.To, ", ")),
		slog.String("subject", msg.Subject))
	return nil
}

// Async sends through Next in the background so callers never wait on the
// mail server; failures are logged.
type Async struct {
	Next   Notifier
	Logger *slog.Logger
	// Timeout bounds each delivery; zero means one minute.
	Timeout time.Duration

	wg sync.WaitGroup
}

// NewAsync wraps next.
func NewAsync(next Notifier, logger *slog.Logger) *Async {
	if logger == nil {
		logger = slog.Default()
	}
	return &Async{Next: next, Logger: logger.With("component", "notify")}
}

func (a *Async) SendText(ctx context.Context, msg Text) error {
	a.dispatch(ctx, "text", func(ctx context.Context) error { return a.Next.SendText(ctx, msg) })
	return nil
}

func (a *Async) SendMail(ctx context.Context, msg Mail) error {
	a.dispatch(ctx, "mail", func(ctx context.Context) error { return a.Next.SendMail(ctx, msg) })
	return nil
}

func (a *Async) dispatch(ctx context.Context, kind string, send func(context.Context) error) {
	timeout := a.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	// The request that triggered the message may finish first.
	ctx = context.WithoutCancel(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := send(ctx); err != nil {
			a.Logger.ErrorContext(ctx, "notification failed", slog.String("kind", kind), slog.Any("error", err))
		}
	}()
}

// Wait blocks until every queued message has been attempted.
func (a *Async) Wait() {
	a.wg.Wait()
}

func stamp(msg Text, now time.Time) string {
	if !msg.Time {
		return msg.Text
	}
	return now.Format("2006-01-02 15:04:05") + " " + msg.Text
}
