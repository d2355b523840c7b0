package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Mailer sends email. SMTP implements it.
type Mailer interface {
	SendMail(ctx context.Context, msg Mail) error
}

// DefaultGateways maps carrier names to their email-to-SMS address patterns.
// "%s" is replaced by the phone number.
var DefaultGateways = map[string]string{
	"att":     "%s@txt.att.net",
	"sprint":  "%s@messaging.sprintpcs.com",
	"tmobile": "%s@tmomail.net",
	"verizon": "%s@vtext.com",
	"uscc":    "%s@email.uscc.net",
}

// Gateway delivers texts as email through carrier SMS gateways. A text with
// a known provider goes to that carrier only; otherwise it is sent to every
// configured gateway, as most carriers silently drop numbers they don't own.
type Gateway struct {
	Mailer   Mailer
	Gateways map[string]string
	// DefaultTo is used when a text names no number.
	DefaultTo string
	now       func() time.Time
}

// NewGateway returns a Gateway over m. A nil gateways map uses DefaultGateways.
func NewGateway(m Mailer, gateways map[string]string) *Gateway {
	if gateways == nil {
		gateways = DefaultGateways
	}
	return &Gateway{Mailer: m, Gateways: gateways, now: time.Now}
}

// Addresses expands a number to the gateway addresses a text is mailed to.
func (g *Gateway) Addresses(number, provider string) ([]string, error) {
	number = digits(number)
	if number == "" {
		return nil, ErrNoRecipient
	}
	if provider != "" {
		pattern, ok := g.Gateways[strings.ToLower(provider)]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
		}
		return []string{fmt.Sprintf(pattern, number)}, nil
	}
	names := make([]string, 0, len(g.Gateways))
	for name := range g.Gateways {
		names = append(names, name)
	}
	sort.Strings(names)
	addrs := make([]string, 0, len(names))
	for _, name := range names {
		addrs = append(addrs, fmt.Sprintf(g.Gateways[name], number))
	}
	if len(addrs) == 0 {
		return nil, ErrNoRecipient
	}
	return addrs, nil
}

func (g *Gateway) SendText(ctx context.Context, msg Text) error {
	to := msg.To
	if to == "" {
		to = g.DefaultTo
	}
	addrs, err := g.Addresses(to, msg.Provider)
	if err != nil {
		return err
	}
	text := stamp(msg, g.now())
	return g.Mailer.SendMail(ctx, Mail{To: addrs, Subject: text, Text: text})
}

func (g *Gateway) SendMail(ctx context.Context, msg Mail) error {
	return g.Mailer.SendMail(ctx, msg)
}

func digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
