package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"reminderd/internal/admin"
	"reminderd/internal/config"
	"reminderd/internal/credentials"
	"reminderd/internal/dispatch"
	"reminderd/internal/domain"
	"reminderd/internal/notifier"
	"reminderd/internal/render"
	"reminderd/internal/storage"
	"reminderd/internal/sweep"
	"reminderd/internal/task/engine"
	"reminderd/internal/task/scheduler"
	"reminderd/internal/transport"
	"reminderd/internal/transport/amqp"
	"reminderd/internal/transport/smtp"
	"reminderd/internal/transport/telegram"
	logx "reminderd/pkg/logx"
)

const (
	defaultCartSweep           = "@hourly"
	defaultVerificationWeekday = "monday"
	defaultVerificationDay     = 1
	defaultVerificationAt      = "09:00"
)

func mapLogging(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
		Alerts: logx.AlertConfig{
			Enabled:    lc.Telegram.Enabled,
			MinLevel:   lc.Telegram.MinLevel,
			RatePerSec: lc.Telegram.RatePerSec,
		},
	}
}

// mapAlertSender returns nil when Telegram alerts are not configured.
func mapAlertSender(cfg *config.Config) (logx.AlertSender, error) {
	tc := cfg.Logging.Telegram
	if !tc.Enabled {
		return nil, nil
	}
	s, err := telegram.New(telegram.Config{Token: tc.Token, ChatID: tc.ChatID, ThreadID: tc.ThreadID, Prefix: tc.Prefix})
	if err != nil {
		return nil, fmt.Errorf("logging.telegram: %w", err)
	}
	return s, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: busy,
		MaxOpenConn: sc.MaxOpenConns,
	}, nil
}

// mapTaskEngineConfig follows scheduler.enabled unless task_engine.enabled
// is set. Sweeps are never retried, so retry_max defaults to 0.
func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	out := engine.Config{Enabled: cfg.Scheduler.Enabled}
	te := cfg.TaskEngine
	if te == nil {
		return out, nil
	}
	if te.Enabled != nil {
		out.Enabled = *te.Enabled
	}
	if cfg.Scheduler.Enabled && !out.Enabled {
		return engine.Config{}, fmt.Errorf("task_engine.enabled cannot be false while scheduler.enabled is true")
	}
	out.Workers = te.Workers
	out.QueueSize = te.QueueSize
	out.HistorySize = te.HistorySize
	out.RetryMax = te.RetryMax

	var err error
	if out.DefaultTimeout, err = config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout); err != nil {
		return engine.Config{}, err
	}
	if out.MaxQueueDelay, err = config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	return scheduler.Config{Enabled: cfg.Scheduler.Enabled, Timezone: tz}, nil
}

type triggerKind int

const (
	triggerSpec triggerKind = iota
	triggerWeekly
	triggerMonthly
)

// trigger is one sweep schedule derived from config. spec is always the
// effective cron or interval form; calendar triggers also keep their parts.
type trigger struct {
	name    string
	sweep   string
	kind    triggerKind
	spec    string
	weekday time.Weekday
	day     int
	at      string
}

// add registers t on s, replacing any schedule of the same name.
func (t trigger) add(s *scheduler.Service, timeout time.Duration, opt engine.Options, job func(context.Context) error) error {
	switch t.kind {
	case triggerWeekly:
		return s.AddWeekly(t.name, t.weekday, t.at, timeout, opt, job)
	case triggerMonthly:
		return s.AddMonthly(t.name, t.day, t.at, timeout, opt, job)
	default:
		return s.AddSchedule(t.name, t.spec, timeout, opt, job)
	}
}

// mapTriggers returns the enabled sweep triggers, each one fully validated.
// "off" disables one.
func mapTriggers(cfg *config.Config) ([]trigger, error) {
	sc := cfg.Scheduler
	at := orDefault(sc.VerificationAt, defaultVerificationAt)
	day := sc.VerificationDay
	if day == 0 {
		day = defaultVerificationDay
	}
	weekday, err := scheduler.ParseWeekday(orDefault(sc.VerificationWeekday, defaultVerificationWeekday))
	if err != nil {
		return nil, fmt.Errorf("scheduler.verification_weekday: %w", err)
	}

	all := []trigger{
		{name: "sweep.carts", sweep: sweep.SweepCarts, spec: orDefault(sc.CartSweep, defaultCartSweep)},
		{name: "sweep.verification.weekly", sweep: sweep.SweepVerification, spec: strings.TrimSpace(sc.VerificationWeekly),
			kind: triggerWeekly, weekday: weekday, at: at},
		{name: "sweep.verification.monthly", sweep: sweep.SweepVerification, spec: strings.TrimSpace(sc.VerificationMonthly),
			kind: triggerMonthly, day: day, at: at},
	}
	out := all[:0]
	for _, t := range all {
		if strings.EqualFold(t.spec, "off") {
			continue
		}
		if t.spec != "" {
			t.kind = triggerSpec
		}
		switch t.kind {
		case triggerWeekly:
			t.spec, err = scheduler.WeeklySpec(t.weekday, t.at)
		case triggerMonthly:
			t.spec, err = scheduler.MonthlySpec(t.day, t.at)
		default:
			_, err = scheduler.ParseSchedule(t.spec)
		}
		if err != nil {
			return nil, fmt.Errorf("scheduler %s: %w", t.name, err)
		}
		out = append(out, t)
	}
	return out, nil
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return def
}

func mapSweepConfig(cfg *config.Config) (sweep.Config, error) {
	inactivity, err := config.ParseDurationOrDefault("reminders.cart_inactivity", cfg.Reminders.CartInactivity, 24*time.Hour)
	if err != nil {
		return sweep.Config{}, err
	}
	return sweep.Config{Parallelism: cfg.Sweep.Parallelism, CartInactivity: inactivity}, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	timeout, err := config.ParseDurationOrDefault("dispatch.send_timeout", cfg.Dispatch.SendTimeout, dispatch.DefaultSendTimeout)
	if err != nil {
		return dispatch.Config{}, err
	}
	channels := make(map[domain.Kind]transport.Channel, len(cfg.Reminders.Channels))
	for k, v := range cfg.Reminders.Channels {
		ch, err := transport.ParseChannel(v)
		if err != nil {
			return dispatch.Config{}, fmt.Errorf("reminders.channels.%s: %w", k, err)
		}
		channels[domain.Kind(k)] = ch
	}
	return dispatch.Config{SendTimeout: timeout, Channels: channels}, nil
}

func mapTemplates(cfg *config.Config) map[domain.Kind]render.Template {
	out := make(map[domain.Kind]render.Template, len(cfg.Reminders.Templates))
	for k, t := range cfg.Reminders.Templates {
		out[domain.Kind(k)] = render.Template{
			Subject: t.Subject,
			Title:   t.Title,
			Message: t.Message,
			Link:    t.Link,
			HTML:    t.HTML,
			SMS:     t.SMS,
		}
	}
	return out
}

func mapFallbackIdentity(cfg *config.Config) domain.SenderIdentity {
	d := cfg.Credentials.Default
	return domain.SenderIdentity{
		Category:  credentials.DefaultCategory,
		FromName:  d.FromName,
		FromEmail: d.FromEmail,
		SMSFrom:   d.SMSFrom,
		Username:  d.Username,
		Password:  d.Password,
	}
}

// mapNotifierConfig maps the realtime section. An omitted section disables pushes.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	rt := cfg.Realtime
	if rt == nil {
		return notifier.Config{}, nil
	}
	out := notifier.Config{
		Enabled:         rt.Enabled,
		Workers:         rt.Workers,
		QueueSize:       rt.QueueSize,
		RatePerSec:      rt.RatePerSec,
		RetryMax:        rt.RetryMax,
		DedupMaxEntries: rt.DedupMaxEntries,
	}
	var err error
	if out.RetryBase, err = config.ParseDurationField("realtime.retry_base", rt.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("realtime.retry_max_delay", rt.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.SendTimeout, err = config.ParseDurationField("realtime.send_timeout", rt.SendTimeout); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationField("realtime.dedup_window", rt.DedupWindow); err != nil {
		return notifier.Config{}, err
	}
	return out, nil
}

func mapAdminConfig(cfg *config.Config) (admin.Config, error) {
	ac := cfg.Admin
	out := admin.Config{
		Enabled:       ac.Enabled,
		Addr:          strings.TrimSpace(ac.Addr),
		Token:         strings.TrimSpace(ac.Token),
		AllowInsecure: ac.AllowInsecure,
		Pprof:         ac.Pprof,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("admin.read_timeout", ac.ReadTimeout, 30*time.Second); err != nil {
		return admin.Config{}, err
	}
	// Sweeps run inside the request, so no write timeout unless configured.
	if out.WriteTimeout, err = config.ParseDurationField("admin.write_timeout", ac.WriteTimeout); err != nil {
		return admin.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("admin.idle_timeout", ac.IdleTimeout, 2*time.Minute); err != nil {
		return admin.Config{}, err
	}
	return out, nil
}

// closer releases a transport driver on Stop.
type closer interface{ Close() error }

// buildTransport assembles the email and SMS drivers behind one rate limiter.
// A shared AMQP publisher is opened once when both channels use it.
func buildTransport(cfg *config.Config, log logx.Logger) (*transport.Limited, []closer, error) {
	tc := cfg.Transport
	var (
		pair    transport.Pair
		closers []closer
		pub     *amqp.Publisher
	)
	amqpPublisher := func() (*amqp.Publisher, error) {
		if pub != nil {
			return pub, nil
		}
		p, err := amqp.New(amqp.Config{
			URL:          tc.AMQP.URL,
			Exchange:     tc.AMQP.Exchange,
			ExchangeType: tc.AMQP.ExchangeType,
			EmailKey:     tc.AMQP.EmailKey,
			SMSKey:       tc.AMQP.SMSKey,
			NoConfirm:    tc.AMQP.NoConfirm,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("transport.amqp: %w", err)
		}
		pub = p
		closers = append(closers, p)
		return p, nil
	}
	fail := func(err error) (*transport.Limited, []closer, error) {
		for _, c := range closers {
			_ = c.Close()
		}
		return nil, nil, err
	}

	switch strings.ToLower(strings.TrimSpace(tc.Email)) {
	case "", "log":
		pair.Email = transport.NewLogSender(log)
	case "smtp":
		dial, err := config.ParseDurationOrDefault("transport.smtp.dial_timeout", tc.SMTP.DialTimeout, 10*time.Second)
		if err != nil {
			return fail(err)
		}
		s, err := smtp.New(smtp.Config{
			Host:        tc.SMTP.Host,
			Port:        tc.SMTP.Port,
			Username:    tc.SMTP.Username,
			Password:    tc.SMTP.Password,
			StartTLS:    tc.SMTP.StartTLS,
			DialTimeout: dial,
		}, log)
		if err != nil {
			return fail(fmt.Errorf("transport.smtp: %w", err))
		}
		pair.Email = s
	case "amqp":
		p, err := amqpPublisher()
		if err != nil {
			return fail(err)
		}
		pair.Email = p
	default:
		return fail(fmt.Errorf("transport.email: unknown driver %q", tc.Email))
	}

	switch strings.ToLower(strings.TrimSpace(tc.SMS)) {
	case "", "log":
		pair.SMS = transport.NewLogSender(log)
	case "none":
	case "amqp":
		p, err := amqpPublisher()
		if err != nil {
			return fail(err)
		}
		pair.SMS = p
	default:
		return fail(fmt.Errorf("transport.sms: unknown driver %q", tc.SMS))
	}
	return transport.NewLimited(pair, tc.RatePerSec), closers, nil
}
