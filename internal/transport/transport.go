// Package transport defines the outgoing email/SMS contract used by the
// dispatcher and the helpers shared by the concrete drivers.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var ErrUnsupported = errors.New("transport: channel not supported by driver")

// Channel is the delivery medium of a notification kind.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

func ParseChannel(s string) (Channel, error) {
	switch Channel(strings.ToLower(strings.TrimSpace(s))) {
	case "", ChannelEmail:
		return ChannelEmail, nil
	case ChannelSMS:
		return ChannelSMS, nil
	default:
		return "", fmt.Errorf("unknown channel %q", s)
	}
}

type Address struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

func (a Address) String() string {
	if a.Name == "" {
		return a.Email
	}
	return fmt.Sprintf("%q <%s>", a.Name, a.Email)
}

// Email is one outgoing email. Username/Password carry the per-category SMTP
// login when the sender identity has one.
type Email struct {
	From     Address `json:"from"`
	To       string  `json:"to"`
	Subject  string  `json:"subject"`
	HTML     string  `json:"html"`
	Username string  `json:"-"`
	Password string  `json:"-"`
}

type SMS struct {
	From string `json:"from"`
	To   string `json:"to"`
	Body string `json:"body"`
}

type EmailSender interface {
	SendEmail(ctx context.Context, m Email) error
}

type SMSSender interface {
	SendSMS(ctx context.Context, m SMS) error
}

// Sender delivers on both channels.
type Sender interface {
	EmailSender
	SMSSender
}

// Pair combines independent email and SMS drivers into one Sender.
// A nil side reports ErrUnsupported.
type Pair struct {
	Email EmailSender
	SMS   SMSSender
}

func (p Pair) SendEmail(ctx context.Context, m Email) error {
	if p.Email == nil {
		return fmt.Errorf("email: %w", ErrUnsupported)
	}
	return p.Email.SendEmail(ctx, m)
}

func (p Pair) SendSMS(ctx context.Context, m SMS) error {
	if p.SMS == nil {
		return fmt.Errorf("sms: %w", ErrUnsupported)
	}
	return p.SMS.SendSMS(ctx, m)
}
