package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "reminderd/pkg/logx"
)

const sampleJSON = `{
  "logging": {"level": "debug", "console": true},
  "scheduler": {"enabled": true, "timezone": "UTC", "cart_sweep": "@hourly"},
  "storage": {"driver": "sqlite", "path": "./reminderd.db", "busy_timeout": "2s"},
  "reminders": {"cart_inactivity": "24h", "base_url": "https://example.test", "channels": {"abandoned_cart": "sms"}},
  "dispatch": {"send_timeout": "30s"},
  "transport": {"email": "log", "sms": "log"},
  "credentials": {"default": {"from_email": "noreply@example.test"}},
  "admin": {"enabled": true, "addr": "127.0.0.1:0"}
}`

func TestDecodeJSON(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("config.json", []byte(sampleJSON))
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "sms", cfg.Reminders.Channels["abandoned_cart"])
	assert.Equal(t, "noreply@example.test", cfg.Credentials.Default.FromEmail)
	assert.Nil(t, cfg.Realtime)
}

func TestDecodeRejectsUnknownFieldsAndTrailingData(t *testing.T) {
	t.Parallel()
	_, err := Decode("config.json", []byte(`{"storage": {"driver": "memory", "bogus": 1}}`))
	assert.Error(t, err)

	_, err = Decode("config.json", []byte(`{} {}`))
	assert.ErrorContains(t, err, "trailing data")
}

func TestDecodeYAMLExpandsEnv(t *testing.T) {
	t.Setenv("REMINDERD_TEST_SMTP_PASS", "s3cret")
	t.Setenv("REMINDERD_TEST_EMPTY", "")
	doc := `
transport:
  email: smtp
  smtp:
    host: ${REMINDERD_TEST_SMTP_HOST:-smtp.example.test}
    port: 587
    password: ${REMINDERD_TEST_SMTP_PASS}
    username: ${REMINDERD_TEST_EMPTY:-mailer}
credentials:
  default:
    from_email: noreply@example.test
    password: pa$$word
`
	cfg, err := Decode("config.yaml", []byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "smtp.example.test", cfg.Transport.SMTP.Host)
	assert.Equal(t, 587, cfg.Transport.SMTP.Port)
	assert.Equal(t, "s3cret", cfg.Transport.SMTP.Password)
	assert.Equal(t, "mailer", cfg.Transport.SMTP.Username)
	assert.Equal(t, "pa$$word", cfg.Credentials.Default.Password)
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{name: "bad duration", cfg: Config{Reminders: RemindersConfig{CartInactivity: "soon"}}, want: "reminders.cart_inactivity"},
		{name: "negative duration", cfg: Config{Dispatch: DispatchConfig{SendTimeout: "-1s"}}, want: "dispatch.send_timeout"},
		{name: "unknown driver", cfg: Config{Storage: StorageConfig{Driver: "mongo"}}, want: "storage.driver"},
		{name: "missing path", cfg: Config{Storage: StorageConfig{Driver: "file"}}, want: "storage.path"},
		{name: "smtp host", cfg: Config{Transport: TransportConfig{Email: "smtp"}}, want: "transport.smtp.host"},
		{name: "amqp url", cfg: Config{Transport: TransportConfig{SMS: "amqp"}}, want: "transport.amqp.url"},
		{name: "unknown kind", cfg: Config{Reminders: RemindersConfig{Channels: map[string]string{"promo": "email"}}}, want: "unknown kind"},
		{name: "bad channel", cfg: Config{Reminders: RemindersConfig{Channels: map[string]string{"abandoned_cart": "fax"}}}, want: "reminders.channels.abandoned_cart"},
		{name: "telegram", cfg: Config{Logging: LoggingConfig{Telegram: LoggingTelegram{Enabled: true}}}, want: "logging.telegram"},
		{name: "bad cron", cfg: Config{Scheduler: SchedulerConfig{VerificationWeekly: "every tuesday"}}, want: "scheduler.verification_weekly"},
		{name: "bad cron field", cfg: Config{Scheduler: SchedulerConfig{CartSweep: "0 25 * * *"}}, want: "scheduler.cart_sweep"},
		{name: "bad weekday", cfg: Config{Scheduler: SchedulerConfig{VerificationWeekday: "funday"}}, want: "scheduler.verification_weekday"},
		{name: "day past 28", cfg: Config{Scheduler: SchedulerConfig{VerificationDay: 31}}, want: "scheduler.verification_day"},
		{name: "bad time", cfg: Config{Scheduler: SchedulerConfig{VerificationAt: "9am"}}, want: "scheduler.verification_at"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.ErrorContains(t, Validate(&tt.cfg), tt.want)
		})
	}
	assert.NoError(t, Validate(&Config{}))
	assert.NoError(t, Validate(&Config{Scheduler: SchedulerConfig{CartSweep: "off", VerificationWeekly: "OFF", VerificationMonthly: "cron:0 9 1 * *"}}))
}

func TestReloadRejectsBadScheduleBeforeCommit(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "reminderd.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"scheduler": {"cart_sweep": "@hourly"}}`), 0o600))
	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`{"scheduler": {"cart_sweep": "off", "verification_weekly": "every tuesday"}}`), 0o600))
	published, err := m.reload(context.Background())
	assert.False(t, published)
	assert.ErrorContains(t, err, "scheduler.verification_weekly")
	assert.Equal(t, "@hourly", m.Get().Scheduler.CartSweep)
}

func TestParseDuration(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("x", "", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, d)

	d, err = ParseDurationField("x", "off")
	require.NoError(t, err)
	assert.Zero(t, d)

	d, err = ParseDurationOrDefault("x", "90m", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Minute, d)

	_, err = ParseDurationOrDefault("x", "nope", time.Second)
	assert.Error(t, err)
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Admin: AdminConfig{Enabled: true, Token: "old-token"}}
	newCfg := &Config{
		Admin:     AdminConfig{Enabled: true, Token: "new-token"},
		Transport: TransportConfig{Email: "smtp", SMTP: SMTPConfig{Host: "mx", Password: "hunter2"}},
	}
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"admin", "transport"}, changed)

	var buf bytes.Buffer
	logx.FromZerolog(zerolog.New(&buf)).Info("config changed", attrs...)
	out := buf.String()
	assert.Contains(t, out, `"admin.token_set":true`)
	assert.NotContains(t, out, "new-token")
	assert.NotContains(t, out, "hunter2")

	changed, _ = SummarizeConfigChange(newCfg, newCfg)
	assert.Empty(t, changed)
}

func TestWatchPublishesChanges(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "reminderd.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"sweep": {"parallelism": 1}}`), 0o600))

	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	m.SetValidator(func(_ context.Context, cfg *Config) error { return nil })
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Keep rewriting until the watcher has registered and picked it up. Writes
	// closer together than the debounce would keep resetting it.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(2 * reloadDebounce)
	defer tick.Stop()
	for {
		select {
		case cfg := <-sub:
			assert.Equal(t, 4, cfg.Sweep.Parallelism)
			assert.Equal(t, 4, m.Get().Sweep.Parallelism)
			return
		case <-tick.C:
			require.NoError(t, os.WriteFile(path, []byte(`{"sweep": {"parallelism": 4}}`), 0o600))
		case <-deadline:
			t.Fatal("no config published after file change")
		}
	}
}

func TestReloadRejectedByValidatorKeepsCurrent(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "reminderd.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"sweep": {"parallelism": 1}}`), 0o600))
	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Sweep.Parallelism > 2 {
			return assert.AnError
		}
		return nil
	})

	require.NoError(t, os.WriteFile(path, []byte(`{"sweep": {"parallelism": 8}}`), 0o600))
	published, err := m.reload(context.Background())
	assert.False(t, published)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 1, m.Get().Sweep.Parallelism)

	published, err = m.reload(context.Background())
	assert.False(t, published)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`{"sweep": {"parallelism": 1}}`), 0o600))
	published, err = m.reload(context.Background())
	assert.False(t, published, "unchanged content is not republished")
	assert.NoError(t, err)
}
