// Package amqp hands outgoing email/SMS to a RabbitMQ exchange as JSON
// envelopes. A delivery worker behind the broker owns the actual provider
// calls; a publish counts as sent once the broker confirms it.
package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"reminderd/internal/transport"
	logx "reminderd/pkg/logx"
)

type Config struct {
	URL          string
	Exchange     string
	ExchangeType string // default "direct"
	EmailKey     string // default "email"
	SMSKey       string // default "sms"
	// NoConfirm skips publisher confirms. Sends then succeed once written to the socket.
	NoConfirm bool
}

// Envelope is the message body published for every send.
type Envelope struct {
	ID        string          `json:"id"`
	Channel   string          `json:"channel"`
	CreatedAt time.Time       `json:"created_at"`
	Payload   json.RawMessage `json:"payload"`
}

type Publisher struct {
	cfg Config
	log logx.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func New(cfg Config, log logx.Logger) (*Publisher, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("amqp: url is required")
	}
	if strings.TrimSpace(cfg.Exchange) == "" {
		cfg.Exchange = "reminderd.outbox"
	}
	if cfg.ExchangeType == "" {
		cfg.ExchangeType = amqp.ExchangeDirect
	}
	if cfg.EmailKey == "" {
		cfg.EmailKey = string(transport.ChannelEmail)
	}
	if cfg.SMSKey == "" {
		cfg.SMSKey = string(transport.ChannelSMS)
	}
	return &Publisher{cfg: cfg, log: log.With(logx.String("comp", "transport.amqp"))}, nil
}

func (p *Publisher) SendEmail(ctx context.Context, m transport.Email) error {
	return p.publish(ctx, p.cfg.EmailKey, transport.ChannelEmail, m)
}

func (p *Publisher) SendSMS(ctx context.Context, m transport.SMS) error {
	return p.publish(ctx, p.cfg.SMSKey, transport.ChannelSMS, m)
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resetLocked()
}

func (p *Publisher) resetLocked() error {
	var err error
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		err = p.conn.Close()
		p.conn = nil
	}
	return err
}

// channelLocked returns a live channel, dialing and declaring the exchange
// when needed.
func (p *Publisher) channelLocked() (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() && p.conn != nil && !p.conn.IsClosed() {
		return p.ch, nil
	}
	_ = p.resetLocked()

	conn, err := amqp.Dial(p.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(p.cfg.Exchange, p.cfg.ExchangeType, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp declare exchange %s: %w", p.cfg.Exchange, err)
	}
	if !p.cfg.NoConfirm {
		if err := ch.Confirm(false); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("amqp confirm mode: %w", err)
		}
	}
	p.conn, p.ch = conn, ch
	p.log.Info("amqp connected", logx.String("exchange", p.cfg.Exchange))
	return ch, nil
}

func (p *Publisher) publish(ctx context.Context, key string, channel transport.Channel, payload any) error {
	body, env, err := encodeEnvelope(channel, payload, time.Now())
	if err != nil {
		return err
	}

	p.mu.Lock()
	ch, err := p.channelLocked()
	if err != nil {
		p.mu.Unlock()
		return err
	}
	dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, p.cfg.Exchange, key, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		MessageId:    env.ID,
		Timestamp:    env.CreatedAt,
		Body:         body,
	})
	if err != nil {
		_ = p.resetLocked()
		p.mu.Unlock()
		return fmt.Errorf("amqp publish: %w", err)
	}
	p.mu.Unlock()

	if dc == nil {
		return nil
	}
	ok, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("amqp confirm: %w", err)
	}
	if !ok {
		return fmt.Errorf("amqp: broker nacked message %s", env.ID)
	}
	return nil
}

func encodeEnvelope(channel transport.Channel, payload any, now time.Time) ([]byte, Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, Envelope{}, err
	}
	env := Envelope{ID: uuid.NewString(), Channel: string(channel), CreatedAt: now.UTC(), Payload: raw}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, Envelope{}, err
	}
	return body, env, nil
}
