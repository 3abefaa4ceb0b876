package sweep

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reminderd/internal/credentials"
	"reminderd/internal/dispatch"
	"reminderd/internal/domain"
	"reminderd/internal/eventbus"
	"reminderd/internal/storage"
	"reminderd/internal/transport"
	logx "reminderd/pkg/logx"
)

var t0 = time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

type countingSender struct {
	sent atomic.Int32
	fail atomic.Bool
}

func (c *countingSender) SendEmail(context.Context, transport.Email) error {
	if c.fail.Load() {
		return errors.New("connection refused")
	}
	c.sent.Add(1)
	return nil
}

func (c *countingSender) SendSMS(context.Context, transport.SMS) error { return transport.ErrUnsupported }

type brokenStore struct{ storage.Store }

func (brokenStore) ListCartCandidates(context.Context, time.Time) ([]domain.Cart, error) {
	return nil, errors.New("connection reset")
}

type fixture struct {
	store  storage.Store
	sender *countingSender
	bus    *eventbus.MemBus
	runner *Runner
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{store: storage.NewMemory(), sender: &countingSender{}, bus: eventbus.New()}
	creds := credentials.New(nil, domain.SenderIdentity{Category: "default", FromEmail: "hello@market.example"}, logx.Nop())
	d := dispatch.New(dispatch.Config{}, dispatch.Deps{Credentials: creds, Sender: f.sender, Store: f.store, Bus: f.bus})
	f.runner = New(cfg, Deps{Store: f.store, Dispatcher: d, Bus: f.bus})
	return f
}

func (f *fixture) professional(t *testing.T, id string) domain.User {
	t.Helper()
	u := domain.User{
		ID: id, Name: "Pro " + id, Email: id + "@example.com",
		Role: domain.RoleProfessional, CreatedAt: t0,
		Verification: domain.Artifacts{IDCard: domain.StatusMissing, Address: domain.StatusVerified},
	}
	require.NoError(t, f.store.UpsertUser(context.Background(), u))
	return u
}

func TestCartNotifiedOncePerMutation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()
	require.NoError(t, f.store.UpsertUser(ctx, domain.User{ID: "c1", Name: "Ana", Email: "ana@example.com", Role: domain.RoleCustomer, CreatedAt: t0}))
	require.NoError(t, f.store.UpsertCart(ctx, domain.Cart{ID: "cart1", OwnerID: "c1", Items: []domain.CartItem{{ServiceID: "s1", Quantity: 1}}, LastMutatedAt: t0}))

	rep, err := f.runner.RunCarts(ctx, t0.Add(23*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, rep.Candidates, "not past the inactivity threshold")

	rep, err = f.runner.RunCarts(ctx, t0.Add(25*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Sent)
	cart, err := f.store.GetCart(ctx, "cart1")
	require.NoError(t, err)
	require.NotNil(t, cart.Abandoned.LastNotifiedForMutationAt)
	assert.True(t, cart.Abandoned.LastNotifiedForMutationAt.Equal(t0))

	rep, err = f.runner.RunCarts(ctx, t0.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Ineligible)
	assert.Equal(t, 1, rep.Reasons["already_notified"])
	assert.Equal(t, int32(1), f.sender.sent.Load())

	// a new mutation re-arms the cart after the threshold
	cart.LastMutatedAt = t0.Add(50 * time.Hour)
	require.NoError(t, f.store.UpsertCart(ctx, cart))
	rep, err = f.runner.RunCarts(ctx, t0.Add(75*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Sent)
}

func TestWeeklyCapStopsSending(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.professional(t, "p1")

	rep, err := f.runner.RunVerification(ctx, t0.AddDate(0, 0, 3))
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Reasons["grace_period"])

	for i := 0; i < 4; i++ {
		rep, err = f.runner.RunVerification(ctx, t0.AddDate(0, 0, 8+7*i))
		require.NoError(t, err)
		require.Equal(t, 1, rep.Sent, "weekly sweep %d", i)
	}
	u, err := f.store.GetUser(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 4, u.Reminders.WeeklySent)

	// still within the first month (created Jan 5, now Feb 4)
	rep, err = f.runner.RunVerification(ctx, t0.AddDate(0, 0, 30))
	require.NoError(t, err)
	assert.Zero(t, rep.Sent)
	assert.Equal(t, 1, rep.Reasons["weekly_cap_reached"])
}

func TestCutoffPersistsStopFlagWithoutSend(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.professional(t, "p1")
	events, unsub := f.bus.Subscribe(8, eventbus.TypeRemindersStopped)
	defer unsub()

	rep, err := f.runner.RunVerification(ctx, t0.AddDate(0, 4, 1))
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Stopped)
	assert.Zero(t, rep.Sent)

	u, err := f.store.GetUser(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, u.Reminders.PermanentlyStopped)
	require.Len(t, events, 1)

	// stopped users are no longer candidates
	rep, err = f.runner.RunVerification(ctx, t0.AddDate(0, 5, 0))
	require.NoError(t, err)
	assert.Zero(t, rep.Candidates)
}

func TestTransportFailureStaysEligible(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.professional(t, "p1")
	f.sender.fail.Store(true)

	rep, err := f.runner.RunVerification(ctx, t0.AddDate(0, 0, 8))
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)
	u, err := f.store.GetUser(ctx, "p1")
	require.NoError(t, err)
	assert.Zero(t, u.Reminders.WeeklySent)
	ns, err := f.store.ListNotifications(ctx, "p1", 0)
	require.NoError(t, err)
	assert.Empty(t, ns)

	f.sender.fail.Store(false)
	rep, err = f.runner.RunVerification(ctx, t0.AddDate(0, 0, 9))
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Sent)
}

func TestSubjectErrorsDoNotAbortSweep(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.professional(t, "p1")
	// malformed record: unknown creation time
	require.NoError(t, f.store.UpsertUser(ctx, domain.User{ID: "bad", Role: domain.RoleProfessional}))
	f.professional(t, "p2")

	rep, err := f.runner.RunVerification(ctx, t0.AddDate(0, 0, 8))
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Candidates)
	assert.Equal(t, 2, rep.Sent)
	assert.Equal(t, 1, rep.Errors)
}

func TestRecipientWithoutAddressCountsAsError(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.professional(t, "p1")
	u := f.professional(t, "p2")
	u.Email = ""
	require.NoError(t, f.store.UpsertUser(ctx, u))

	rep, err := f.runner.RunVerification(ctx, t0.AddDate(0, 0, 8))
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Sent)
	assert.Equal(t, 1, rep.Errors)
	assert.Zero(t, rep.Failed)
	assert.Equal(t, 1, rep.Reasons[string(dispatch.OutcomeInvalidRecipient)])
}

func TestCandidateLoadFailureAbortsSweep(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.runner.deps.Store = brokenStore{Store: f.store}

	_, err := f.runner.RunCarts(context.Background(), t0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sweep: load candidates")
	_, ok := f.runner.Last(SweepCarts)
	assert.False(t, ok)
}

func TestOverlappingParallelSweepsSendOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Parallelism: 4})
	ctx := context.Background()
	const users = 25
	for i := 0; i < users; i++ {
		f.professional(t, fmt.Sprintf("p%02d", i))
	}

	now := t0.AddDate(0, 0, 8)
	var wg sync.WaitGroup
	reports := make([]Report, 3)
	for i := range reports {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rep, err := f.runner.RunVerification(ctx, now)
			assert.NoError(t, err)
			reports[i] = rep
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(users), f.sender.sent.Load())
	total := 0
	for _, r := range reports {
		total += r.Sent
	}
	assert.Equal(t, users, total)
	assert.Zero(t, f.runner.locks.size())

	for i := 0; i < users; i++ {
		u, err := f.store.GetUser(ctx, fmt.Sprintf("p%02d", i))
		require.NoError(t, err)
		assert.Equal(t, 1, u.Reminders.WeeklySent)
	}
}

func TestSweepFinishedEventAndAudit(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	events, unsub := f.bus.Subscribe(4, eventbus.TypeSweepFinished)
	defer unsub()

	rep, err := f.runner.RunCarts(context.Background(), t0)
	require.NoError(t, err)
	e := <-events
	got, ok := e.Data.(Report)
	require.True(t, ok)
	assert.Equal(t, SweepCarts, got.Sweep)
	last, ok := f.runner.Last(SweepCarts)
	require.True(t, ok)
	assert.Equal(t, rep.Candidates, last.Candidates)
}

func TestCanceledSweepStops(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.professional(t, "p1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.runner.RunVerification(ctx, t0.AddDate(0, 0, 8))
	require.Error(t, err)
	assert.Zero(t, f.sender.sent.Load())
}

func TestKeyLockSerializes(t *testing.T) {
	t.Parallel()
	k := newKeyLock()
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("same")
			n := inside.Add(1)
			if n > maxInside.Load() {
				maxInside.Store(n)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside.Load())
	assert.Zero(t, k.size())
}
