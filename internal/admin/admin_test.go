package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reminderd/internal/credentials"
	"reminderd/internal/domain"
	"reminderd/internal/metrics"
	"reminderd/internal/storage"
	"reminderd/internal/sweep"
	logx "reminderd/pkg/logx"
)

func init() { gin.SetMode(gin.TestMode) }

type fakeSweeper struct {
	mu   sync.Mutex
	at   []time.Time
	fail error
}

func (f *fakeSweeper) run(name string, now time.Time) (sweep.Report, error) {
	f.mu.Lock()
	f.at = append(f.at, now)
	f.mu.Unlock()
	rep := sweep.Report{Sweep: name, At: now, Candidates: 2, Sent: 1}
	return rep, f.fail
}

func (f *fakeSweeper) RunCarts(_ context.Context, now time.Time) (sweep.Report, error) {
	return f.run(sweep.SweepCarts, now)
}

func (f *fakeSweeper) RunVerification(_ context.Context, now time.Time) (sweep.Report, error) {
	return f.run(sweep.SweepVerification, now)
}

func (f *fakeSweeper) Last(name string) (sweep.Report, bool) {
	if name != sweep.SweepCarts {
		return sweep.Report{}, false
	}
	return sweep.Report{Sweep: name}, true
}

type fixture struct {
	router  http.Handler
	store   storage.Store
	sweeper *fakeSweeper
	creds   *credentials.Resolver
	reg     *prometheus.Registry
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	store := storage.NewMemory()
	creds := credentials.New(store, domain.SenderIdentity{FromEmail: "noreply@example.test", Password: "default-secret"}, logx.Nop())
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)
	m.Outcome(sweep.SweepCarts, "sent")

	f := &fixture{store: store, sweeper: &fakeSweeper{}, creds: creds, reg: reg}
	f.router = newRouter(cfg, Deps{
		Sweeps:      f.sweeper,
		Credentials: creds,
		Store:       store,
		Gatherer:    reg,
		Log:         logx.Nop(),
	})
	return f
}

func (f *fixture) do(method, path, body string, hdr ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	w := f.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)

	down := newRouter(Config{}, Deps{Ready: func(context.Context) error { return errors.New("store down") }})
	w = httptest.NewRecorder()
	down.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "store down")
}

func TestBearerToken(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Token: "tok"})
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/api/credentials", "").Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/api/credentials", "", "Authorization", "Bearer nope").Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/credentials", "", "Authorization", "Bearer tok").Code)
	// health and metrics stay open
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/metrics", "").Code)
}

func TestRunSweepWithLogicalTime(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	w := f.do(http.MethodPost, "/api/sweeps/verification?at=2026-03-02T09:00:00Z", "")
	require.Equal(t, http.StatusOK, w.Code)

	var rep sweep.Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rep))
	assert.Equal(t, sweep.SweepVerification, rep.Sweep)
	assert.Equal(t, 1, rep.Sent)
	require.Len(t, f.sweeper.at, 1)
	assert.True(t, f.sweeper.at[0].Equal(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)))

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/sweeps/carts?at=yesterday", "").Code)
}

func TestRunSweepFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.sweeper.fail = errors.New("sweep: load candidates: db down")
	w := f.do(http.MethodPost, "/api/sweeps/carts", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "load candidates")
}

func TestLastSweep(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/sweeps/carts/last", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/sweeps/verification/last", "").Code)
}

func TestCredentialsAreRedacted(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	w := f.do(http.MethodPut, "/api/credentials/Cart", `{"from_email":"carts@example.test","password":"cart-secret"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotContains(t, w.Body.String(), "cart-secret")

	id, ok := f.creds.Resolve("cart")
	require.True(t, ok)
	assert.Equal(t, "carts@example.test", id.FromEmail)

	w = f.do(http.MethodGet, "/api/credentials", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "carts@example.test")
	assert.NotContains(t, body, "cart-secret")
	assert.NotContains(t, body, "default-secret")

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPut, "/api/credentials/cart", `{"from_name":"x"}`).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/credentials/reload", "").Code)
}

func TestNotificationInbox(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	require.NoError(t, f.store.InsertNotification(ctx, domain.Notification{ID: "n1", UserID: "u1", Kind: domain.KindAbandonedCart, Title: "t", CreatedAt: now}))
	require.NoError(t, f.store.InsertNotification(ctx, domain.Notification{ID: "n2", UserID: "u1", Kind: domain.KindAbandonedCart, Title: "t", CreatedAt: now.Add(time.Hour)}))

	w := f.do(http.MethodGet, "/api/users/u1/notifications?limit=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list []domain.Notification
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	assert.Equal(t, http.StatusNoContent, f.do(http.MethodPost, "/api/notifications/n1/read", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/api/notifications/missing/read", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/users/u1/notifications?limit=0", "").Code)

	w = f.do(http.MethodGet, "/api/users/nobody/notifications", "")
	assert.Equal(t, "[]", strings.TrimSpace(w.Body.String()))
}

func TestMetricsAndMissingDeps(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	w := f.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "reminderd_sweep_outcomes_total")

	assert.Equal(t, http.StatusServiceUnavailable, f.do(http.MethodGet, "/api/schedules", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/ws", "").Code)
}

func TestServiceLifecycle(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Deps{Log: logx.Nop()})
	s.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
		assert.Empty(t, s.Addr())
	}()

	var addr string
	require.Eventually(t, func() bool {
		addr = s.Addr()
		return addr != ""
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRefusesInsecureBind(t *testing.T) {
	t.Parallel()
	assert.True(t, isLoopbackAddr("127.0.0.1:8080"))
	assert.True(t, isLoopbackAddr("localhost:8080"))
	assert.False(t, isLoopbackAddr(":8080"))
	assert.False(t, isLoopbackAddr("0.0.0.0:8080"))

	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, Deps{})
	err := s.serveOnce(context.Background())
	assert.ErrorContains(t, err, "insecure bind")
}
