package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "reminderd/pkg/logx"
)

type errPusher struct{ err error }

func (e errPusher) Push(context.Context, string, Event) error { return e.err }

func TestFanoutJoinsErrors(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	f := Fanout{Nop{}, nil, errPusher{err: boom}}
	err := f.Push(context.Background(), "u1", Event{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
	assert.NoError(t, Fanout{Nop{}}.Push(context.Background(), "u1", Event{}))
}

func TestHubDeliversToUserSessions(t *testing.T) {
	t.Parallel()
	hub := NewHub(logx.Nop(), nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?user_id=u1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Sessions("u1") == 1 }, time.Second, 5*time.Millisecond)

	ev := Event{Type: EventNotification, UserID: "u1", NotificationID: "n1", Title: "Your cart is waiting"}
	require.NoError(t, hub.Push(context.Background(), "u1", ev))
	require.NoError(t, hub.Push(context.Background(), "other", ev), "no sessions is not an error")

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "n1", got.NotificationID)
	assert.Equal(t, "Your cart is waiting", got.Title)

	_ = conn.Close()
	require.Eventually(t, func() bool { return hub.Sessions("u1") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHubRequiresUserID(t *testing.T) {
	t.Parallel()
	hub := NewHub(logx.Nop(), nil)
	rec := httptest.NewRecorder()
	hub.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOriginChecker(t *testing.T) {
	t.Parallel()
	check := originChecker([]string{"https://market.example/"})
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, check(r))
	r.Header.Set("Origin", "https://market.example")
	assert.True(t, check(r))
	r.Header.Set("Origin", "https://evil.example")
	assert.False(t, check(r))
}

func TestRedisChannelName(t *testing.T) {
	t.Parallel()
	p := newRedisPublisher(nil, "")
	assert.Equal(t, "reminderd:user:u1", p.Channel("u1"))
	p = newRedisPublisher(nil, "market")
	assert.Equal(t, "market:user:u9", p.Channel("u9"))

	_, err := NewRedisPublisher(RedisConfig{})
	assert.Error(t, err)
}
