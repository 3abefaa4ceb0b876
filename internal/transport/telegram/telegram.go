// Package telegram sends operator alerts to a Telegram chat. It implements
// logx.AlertSender so error-level log lines (persistence failures, sweep
// aborts) reach whoever is on call.
package telegram

import (
	"context"
	"errors"
	"strings"

	tele "gopkg.in/telebot.v4"

	logx "reminderd/pkg/logx"
)

const textLimit = 4000

type Config struct {
	Token    string
	ChatID   int64
	ThreadID int // forum topic, 0 if none
	// Prefix is prepended to every alert, e.g. the instance name.
	Prefix string
}

// AlertSender posts plain-text alerts. It never polls for updates.
type AlertSender struct {
	cfg  Config
	bot  *tele.Bot
	send func(chat *tele.Chat, text string, opt *tele.SendOptions) error
}

func New(cfg Config) (*AlertSender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is required")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	a := &AlertSender{cfg: cfg, bot: b}
	a.send = func(chat *tele.Chat, text string, opt *tele.SendOptions) error {
		_, err := b.Send(chat, text, opt)
		return err
	}
	return a, nil
}

var _ logx.AlertSender = (*AlertSender)(nil)

func (a *AlertSender) SendAlert(ctx context.Context, text string) error {
	if a.cfg.Prefix != "" {
		text = a.cfg.Prefix + " " + text
	}
	chat := &tele.Chat{ID: a.cfg.ChatID}
	for _, chunk := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		opt := &tele.SendOptions{DisableWebPagePreview: true, ThreadID: a.cfg.ThreadID}
		if err := a.send(chat, chunk, opt); err != nil {
			return err
		}
	}
	return nil
}

// splitText splits long alerts on newline boundaries where possible.
func splitText(s string, limit int) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}
		if end < len(rs) {
			for i := end - 1; i > start+limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
