package transport

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "reminderd/pkg/logx"
)

type countingSender struct{ emails, sms atomic.Int32 }

func (c *countingSender) SendEmail(context.Context, Email) error { c.emails.Add(1); return nil }
func (c *countingSender) SendSMS(context.Context, SMS) error     { c.sms.Add(1); return nil }

func TestParseChannel(t *testing.T) {
	t.Parallel()
	ch, err := ParseChannel("")
	require.NoError(t, err)
	assert.Equal(t, ChannelEmail, ch)
	ch, err = ParseChannel(" SMS ")
	require.NoError(t, err)
	assert.Equal(t, ChannelSMS, ch)
	_, err = ParseChannel("pigeon")
	assert.Error(t, err)
}

func TestPairUnsupported(t *testing.T) {
	t.Parallel()
	p := Pair{Email: &countingSender{}}
	require.NoError(t, p.SendEmail(context.Background(), Email{To: "a@example.com"}))
	err := p.SendSMS(context.Background(), SMS{To: "+1"})
	assert.True(t, errors.Is(err, ErrUnsupported))
}

func TestLimitedHonorsContext(t *testing.T) {
	t.Parallel()
	next := &countingSender{}
	l := NewLimited(next, 1)

	require.NoError(t, l.SendEmail(context.Background(), Email{}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.SendSMS(ctx, SMS{})
	require.Error(t, err, "second send within the same second must wait past the deadline")
	assert.Equal(t, int32(1), next.emails.Load())
	assert.Equal(t, int32(0), next.sms.Load())

	l.SetRate(0)
	require.NoError(t, l.SendSMS(context.Background(), SMS{}))
	assert.Equal(t, int32(1), next.sms.Load())
}

func TestLogSender(t *testing.T) {
	t.Parallel()
	s := NewLogSender(logx.Nop())
	require.NoError(t, s.SendEmail(context.Background(), Email{From: Address{Name: "M", Email: "m@example.com"}}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, s.SendSMS(ctx, SMS{}))
}

func TestAddressString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "a@example.com", Address{Email: "a@example.com"}.String())
	assert.Equal(t, `"Market Place" <a@example.com>`, Address{Name: "Market Place", Email: "a@example.com"}.String())
}
