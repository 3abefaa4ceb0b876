package config

import (
	"errors"
	"fmt"
	"strings"

	"reminderd/internal/domain"
	"reminderd/internal/task/scheduler"
)

// Validate checks fields that can be verified without touching the network:
// duration strings, driver names, channel and template kinds.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	oneOf := func(path, raw string, allowed ...string) {
		v := strings.ToLower(strings.TrimSpace(raw))
		for _, a := range allowed {
			if v == a {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%s: unknown value %q (want one of %s)", path, raw, strings.Join(allowed, ", ")))
	}

	dur("scheduler.sweep_timeout", cfg.Scheduler.SweepTimeout)
	schedule := func(path, raw string) {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.EqualFold(raw, "off") {
			return
		}
		if _, err := scheduler.ParseSchedule(raw); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
		}
	}
	sc := cfg.Scheduler
	schedule("scheduler.cart_sweep", sc.CartSweep)
	schedule("scheduler.verification_weekly", sc.VerificationWeekly)
	schedule("scheduler.verification_monthly", sc.VerificationMonthly)
	if strings.TrimSpace(sc.VerificationWeekday) != "" {
		if _, err := scheduler.ParseWeekday(sc.VerificationWeekday); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.verification_weekday: %w", err))
		}
	}
	if sc.VerificationDay != 0 {
		if _, err := scheduler.MonthlySpec(sc.VerificationDay, "00:00"); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.verification_day: %w", err))
		}
	}
	if strings.TrimSpace(sc.VerificationAt) != "" {
		if _, err := scheduler.WeeklySpec(0, sc.VerificationAt); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.verification_at: %w", err))
		}
	}
	if te := cfg.TaskEngine; te != nil {
		dur("task_engine.default_timeout", te.DefaultTimeout)
		dur("task_engine.max_queue_delay", te.MaxQueueDelay)
		if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 || te.RetryMax < 0 {
			errs = append(errs, errors.New("task_engine: counts must be >= 0"))
		}
	}

	oneOf("storage.driver", cfg.Storage.Driver, "", "memory", "mem", "file", "sqlite", "sqlite3", "postgres", "postgresql", "pg")
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d != "" && d != "memory" && d != "mem" && strings.TrimSpace(cfg.Storage.Path) == "" {
		errs = append(errs, fmt.Errorf("storage.path is required when storage.driver=%s", d))
	}

	dur("reminders.cart_inactivity", cfg.Reminders.CartInactivity)
	for k, ch := range cfg.Reminders.Channels {
		if !knownKind(k) {
			errs = append(errs, fmt.Errorf("reminders.channels: unknown kind %q", k))
		}
		oneOf("reminders.channels."+k, ch, "", "email", "sms")
	}
	for k := range cfg.Reminders.Templates {
		if !knownKind(k) {
			errs = append(errs, fmt.Errorf("reminders.templates: unknown kind %q", k))
		}
	}

	if cfg.Sweep.Parallelism < 0 {
		errs = append(errs, errors.New("sweep.parallelism must be >= 0"))
	}
	dur("dispatch.send_timeout", cfg.Dispatch.SendTimeout)

	oneOf("transport.email", cfg.Transport.Email, "", "log", "smtp", "amqp")
	oneOf("transport.sms", cfg.Transport.SMS, "", "log", "amqp", "none")
	dur("transport.smtp.dial_timeout", cfg.Transport.SMTP.DialTimeout)
	if strings.EqualFold(strings.TrimSpace(cfg.Transport.Email), "smtp") && strings.TrimSpace(cfg.Transport.SMTP.Host) == "" {
		errs = append(errs, errors.New("transport.smtp.host is required when transport.email=smtp"))
	}
	usesAMQP := strings.EqualFold(strings.TrimSpace(cfg.Transport.Email), "amqp") || strings.EqualFold(strings.TrimSpace(cfg.Transport.SMS), "amqp")
	if usesAMQP && strings.TrimSpace(cfg.Transport.AMQP.URL) == "" {
		errs = append(errs, errors.New("transport.amqp.url is required when an amqp driver is selected"))
	}

	if rt := cfg.Realtime; rt != nil {
		dur("realtime.retry_base", rt.RetryBase)
		dur("realtime.retry_max_delay", rt.RetryMaxDelay)
		dur("realtime.send_timeout", rt.SendTimeout)
		dur("realtime.dedup_window", rt.DedupWindow)
		if rt.Redis != nil && strings.TrimSpace(rt.Redis.Addr) == "" {
			errs = append(errs, errors.New("realtime.redis.addr is required when realtime.redis is set"))
		}
	}

	dur("admin.read_timeout", cfg.Admin.ReadTimeout)
	dur("admin.write_timeout", cfg.Admin.WriteTimeout)
	dur("admin.idle_timeout", cfg.Admin.IdleTimeout)

	if cfg.Logging.Telegram.Enabled && (strings.TrimSpace(cfg.Logging.Telegram.Token) == "" || cfg.Logging.Telegram.ChatID == 0) {
		errs = append(errs, errors.New("logging.telegram: token and chat_id are required when enabled"))
	}
	return errors.Join(errs...)
}

func knownKind(k string) bool {
	switch domain.Kind(k) {
	case domain.KindAbandonedCart, domain.KindVerificationReminder:
		return true
	}
	return false
}
