package config

import (
	"reflect"
	"sort"
	"strings"

	logx "reminderd/pkg/logx"
)

// SummarizeConfigChange lists the changed top-level sections and safe
// structured attrs for logging. Secrets (tokens, passwords, URLs with
// credentials) are reported only as "<name>_set" booleans.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)
	section := func(name string, o, n any, fields ...logx.Field) {
		if reflect.DeepEqual(o, n) {
			return
		}
		changed = append(changed, name)
		attrs = append(attrs, fields...)
	}
	set := func(s string) bool { return strings.TrimSpace(s) != "" }

	lg := newCfg.Logging
	section("logging", oldCfg.Logging, lg,
		logx.String("logging.level", lg.Level),
		logx.Bool("logging.console", lg.Console),
		logx.Bool("logging.file_enabled", lg.File.Enabled),
		logx.Bool("logging.telegram_enabled", lg.Telegram.Enabled),
		logx.Bool("logging.telegram_token_set", set(lg.Telegram.Token)),
	)

	sc := newCfg.Scheduler
	section("scheduler", oldCfg.Scheduler, sc,
		logx.Bool("scheduler.enabled", sc.Enabled),
		logx.String("scheduler.timezone", sc.Timezone),
		logx.String("scheduler.cart_sweep", sc.CartSweep),
		logx.String("scheduler.verification_weekly", sc.VerificationWeekly),
		logx.String("scheduler.verification_monthly", sc.VerificationMonthly),
		logx.String("scheduler.verification_weekday", sc.VerificationWeekday),
		logx.Int("scheduler.verification_day", sc.VerificationDay),
		logx.String("scheduler.verification_at", sc.VerificationAt),
	)

	oTE, nTE := derefTaskEngine(oldCfg.TaskEngine), derefTaskEngine(newCfg.TaskEngine)
	section("task_engine", oTE, nTE,
		logx.Bool("task_engine.present", newCfg.TaskEngine != nil),
		logx.Int("task_engine.workers", nTE.Workers),
		logx.Int("task_engine.queue_size", nTE.QueueSize),
		logx.String("task_engine.default_timeout", nTE.DefaultTimeout),
		logx.Int("task_engine.retry_max", nTE.RetryMax),
	)

	st := newCfg.Storage
	section("storage", oldCfg.Storage, st,
		logx.String("storage.driver", st.Driver),
		logx.Bool("storage.path_set", set(st.Path)),
		logx.String("storage.busy_timeout", st.BusyTimeout),
	)

	rm := newCfg.Reminders
	section("reminders", oldCfg.Reminders, rm,
		logx.String("reminders.cart_inactivity", rm.CartInactivity),
		logx.String("reminders.base_url", rm.BaseURL),
		logx.Int("reminders.template_overrides", len(rm.Templates)),
	)

	section("sweep", oldCfg.Sweep, newCfg.Sweep, logx.Int("sweep.parallelism", newCfg.Sweep.Parallelism))
	section("dispatch", oldCfg.Dispatch, newCfg.Dispatch, logx.String("dispatch.send_timeout", newCfg.Dispatch.SendTimeout))

	tr := newCfg.Transport
	section("transport", oldCfg.Transport, tr,
		logx.String("transport.email", tr.Email),
		logx.String("transport.sms", tr.SMS),
		logx.Int("transport.rate_per_sec", tr.RatePerSec),
		logx.String("transport.smtp.host", tr.SMTP.Host),
		logx.Bool("transport.smtp.password_set", set(tr.SMTP.Password)),
		logx.Bool("transport.amqp.url_set", set(tr.AMQP.URL)),
		logx.String("transport.amqp.exchange", tr.AMQP.Exchange),
	)

	oRT, nRT := derefRealtime(oldCfg.Realtime), derefRealtime(newCfg.Realtime)
	section("realtime", oRT, nRT,
		logx.Bool("realtime.enabled", nRT.Enabled),
		logx.Bool("realtime.websocket", nRT.Websocket),
		logx.Bool("realtime.redis", nRT.Redis != nil),
		logx.Int("realtime.workers", nRT.Workers),
	)

	def := newCfg.Credentials.Default
	section("credentials", oldCfg.Credentials, newCfg.Credentials,
		logx.String("credentials.default.from_email", def.FromEmail),
		logx.String("credentials.default.sms_from", def.SMSFrom),
		logx.Bool("credentials.default.password_set", set(def.Password)),
	)

	ad := newCfg.Admin
	section("admin", oldCfg.Admin, ad,
		logx.Bool("admin.enabled", ad.Enabled),
		logx.String("admin.addr", ad.Addr),
		logx.Bool("admin.token_set", set(ad.Token)),
		logx.Bool("admin.allow_insecure", ad.AllowInsecure),
		logx.Bool("admin.pprof", ad.Pprof),
	)

	sort.Strings(changed)
	return changed, attrs
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}

func derefRealtime(rt *RealtimeConfig) RealtimeConfig {
	if rt == nil {
		return RealtimeConfig{}
	}
	return *rt
}
