package transport

import (
	"context"

	logx "reminderd/pkg/logx"
)

// LogSender is the dry-run driver: it logs what would be sent and succeeds.
type LogSender struct {
	log logx.Logger
}

func NewLogSender(log logx.Logger) *LogSender {
	return &LogSender{log: log.With(logx.String("comp", "transport.log"))}
}

func (s *LogSender) SendEmail(ctx context.Context, m Email) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.log.Info("email (dry run)",
		logx.String("from", m.From.String()),
		logx.String("to", m.To),
		logx.String("subject", m.Subject),
		logx.Int("html_bytes", len(m.HTML)),
	)
	return nil
}

func (s *LogSender) SendSMS(ctx context.Context, m SMS) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.log.Info("sms (dry run)", logx.String("from", m.From), logx.String("to", m.To), logx.String("body", m.Body))
	return nil
}
