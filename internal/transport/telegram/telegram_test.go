package telegram

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"
)

func TestSplitText(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"short"}, splitText("short", 10))

	s := strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8)
	got := splitText(s, 10)
	assert.Equal(t, []string{strings.Repeat("a", 8), strings.Repeat("b", 8)}, got)

	long := strings.Repeat("x", 25)
	got = splitText(long, 10)
	require.Len(t, got, 3)
	assert.Equal(t, long, strings.Join(got, ""))
}

func TestSendAlertChunksAndPrefix(t *testing.T) {
	t.Parallel()
	var sent []string
	a := &AlertSender{cfg: Config{ChatID: 42, ThreadID: 7, Prefix: "[prod]"}}
	a.send = func(chat *tele.Chat, text string, opt *tele.SendOptions) error {
		assert.Equal(t, int64(42), chat.ID)
		assert.Equal(t, 7, opt.ThreadID)
		sent = append(sent, text)
		return nil
	}
	require.NoError(t, a.SendAlert(context.Background(), "[ERROR] persistence failure"))
	assert.Equal(t, []string{"[prod] [ERROR] persistence failure"}, sent)

	a.send = func(*tele.Chat, string, *tele.SendOptions) error { return errors.New("flood") }
	assert.Error(t, a.SendAlert(context.Background(), "x"))
}

func TestNewValidates(t *testing.T) {
	t.Parallel()
	_, err := New(Config{})
	assert.Error(t, err)
	_, err = New(Config{Token: "123:abc"})
	assert.Error(t, err)
}
