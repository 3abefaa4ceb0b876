// Package smtp delivers email over SMTP with optional STARTTLS and PLAIN auth.
package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"mime/quotedprintable"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"reminderd/internal/transport"
	logx "reminderd/pkg/logx"
)

type Config struct {
	Host     string
	Port     int
	Username string // used when the sender identity carries none
	Password string
	// StartTLS: "auto" (when offered), "always" or "never".
	StartTLS    string
	DialTimeout time.Duration
}

type Sender struct {
	cfg Config
	log logx.Logger
	now func() time.Time
}

func New(cfg Config, log logx.Logger) (*Sender, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("smtp: host is required")
	}
	if cfg.Port <= 0 {
		cfg.Port = 587
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	cfg.StartTLS = strings.ToLower(strings.TrimSpace(cfg.StartTLS))
	if cfg.StartTLS == "" {
		cfg.StartTLS = "auto"
	}
	return &Sender{cfg: cfg, log: log.With(logx.String("comp", "transport.smtp")), now: time.Now}, nil
}

func (s *Sender) SendSMS(context.Context, transport.SMS) error {
	return fmt.Errorf("smtp: %w", transport.ErrUnsupported)
}

func (s *Sender) SendEmail(ctx context.Context, m transport.Email) error {
	if strings.TrimSpace(m.To) == "" || strings.TrimSpace(m.From.Email) == "" {
		return errors.New("smtp: from and to are required")
	}
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))

	d := net.Dialer{Timeout: s.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("smtp dial %s: %w", addr, err)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	// Unblock the protocol exchange when ctx is cancelled without a deadline.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	c, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer c.Close()

	if err := s.secure(c); err != nil {
		return err
	}

	user, pass := m.Username, m.Password
	if user == "" {
		user, pass = s.cfg.Username, s.cfg.Password
	}
	if user != "" {
		if ok, _ := c.Extension("AUTH"); !ok {
			return errors.New("smtp: server does not support AUTH")
		}
		if err := c.Auth(smtp.PlainAuth("", user, pass, s.cfg.Host)); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := c.Mail(m.From.Email); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	if err := c.Rcpt(m.To); err != nil {
		return fmt.Errorf("smtp RCPT TO: %w", err)
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := w.Write(buildMessage(m, s.now())); err != nil {
		_ = w.Close()
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp DATA close: %w", err)
	}
	if err := c.Quit(); err != nil {
		s.log.Debug("smtp quit failed", logx.Err(err))
	}
	return nil
}

func (s *Sender) secure(c *smtp.Client) error {
	if s.cfg.StartTLS == "never" {
		return nil
	}
	ok, _ := c.Extension("STARTTLS")
	if !ok {
		if s.cfg.StartTLS == "always" {
			return errors.New("smtp: STARTTLS required but not offered")
		}
		return nil
	}
	if err := c.StartTLS(&tls.Config{ServerName: s.cfg.Host, MinVersion: tls.VersionTLS12}); err != nil {
		return fmt.Errorf("smtp STARTTLS: %w", err)
	}
	return nil
}

// buildMessage renders RFC 5322 headers and a quoted-printable HTML body.
func buildMessage(m transport.Email, now time.Time) []byte {
	var b bytes.Buffer
	from := m.From.Email
	if m.From.Name != "" {
		from = mime.QEncoding.Encode("utf-8", m.From.Name) + " <" + m.From.Email + ">"
	}
	domain := "localhost"
	if i := strings.LastIndexByte(m.From.Email, '@'); i >= 0 && i+1 < len(m.From.Email) {
		domain = m.From.Email[i+1:]
	}

	hdr := func(k, v string) { b.WriteString(k + ": " + v + "\r\n") }
	hdr("From", from)
	hdr("To", m.To)
	hdr("Subject", mime.QEncoding.Encode("utf-8", m.Subject))
	hdr("Date", now.Format(time.RFC1123Z))
	hdr("Message-ID", "<"+uuid.NewString()+"@"+domain+">")
	hdr("MIME-Version", "1.0")
	hdr("Content-Type", `text/html; charset="utf-8"`)
	hdr("Content-Transfer-Encoding", "quoted-printable")
	b.WriteString("\r\n")

	qp := quotedprintable.NewWriter(&b)
	_, _ = qp.Write([]byte(m.HTML))
	_ = qp.Close()
	return b.Bytes()
}
