package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reminderd/internal/domain"
	logx "reminderd/pkg/logx"
)

var base = time.Date(2026, 1, 1, 9, 0, 0, 123456789, time.UTC)

func openDrivers(t *testing.T) map[string]func(t *testing.T) Store {
	drivers := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"file": func(t *testing.T) Store {
			st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state.json")}, logx.Nop())
			require.NoError(t, err)
			return st
		},
		"sqlite": func(t *testing.T) Store {
			st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "reminderd.db")}, logx.Nop())
			require.NoError(t, err)
			return st
		},
	}
	if dsn := os.Getenv("REMINDERD_TEST_POSTGRES_DSN"); dsn != "" {
		drivers["postgres"] = func(t *testing.T) Store {
			st, err := Open(Config{Driver: "postgres", Path: dsn}, logx.Nop())
			require.NoError(t, err)
			return st
		}
	}
	return drivers
}

func seed(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()
	users := []domain.User{
		{ID: "pro-1", Role: domain.RoleProfessional, CreatedAt: base, Email: "p1@example.com"},
		{ID: "pro-blocked", Role: domain.RoleProfessional, CreatedAt: base, IsBlocked: true},
		{ID: "pro-stopped", Role: domain.RoleProfessional, CreatedAt: base, Reminders: domain.ReminderTracking{PermanentlyStopped: true}},
		{ID: "cust-1", Role: domain.RoleCustomer, CreatedAt: base, Email: "c1@example.com"},
	}
	for _, u := range users {
		require.NoError(t, st.UpsertUser(ctx, u))
	}
	carts := []domain.Cart{
		{ID: "cart-old", OwnerID: "cust-1", LastMutatedAt: base, Items: []domain.CartItem{{ServiceID: "s1", Quantity: 1}, {ServiceID: "s2", Quantity: 2}}},
		{ID: "cart-new", OwnerID: "cust-1", LastMutatedAt: base.Add(48 * time.Hour), Items: []domain.CartItem{{ServiceID: "s1", Quantity: 1}}},
		{ID: "cart-empty", OwnerID: "cust-1", LastMutatedAt: base},
		{ID: "cart-zero", OwnerID: "cust-1", LastMutatedAt: base, Items: []domain.CartItem{{ServiceID: "s3", Quantity: 0}}},
	}
	for _, c := range carts {
		require.NoError(t, st.UpsertCart(ctx, c))
	}
}

func TestStoreContract(t *testing.T) {
	for name, open := range openDrivers(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			st := open(t)
			defer st.Close()
			seed(t, st)
			ctx := context.Background()

			t.Run("cart candidates", func(t *testing.T) {
				got, err := st.ListCartCandidates(ctx, base.Add(24*time.Hour))
				require.NoError(t, err)
				require.Len(t, got, 1)
				assert.Equal(t, "cart-old", got[0].ID)
				assert.Len(t, got[0].Items, 2)
				assert.True(t, got[0].LastMutatedAt.Equal(base), "nanosecond precision must survive")
			})

			t.Run("verification candidates", func(t *testing.T) {
				got, err := st.ListVerificationCandidates(ctx)
				require.NoError(t, err)
				require.Len(t, got, 1)
				assert.Equal(t, "pro-1", got[0].ID)
			})

			t.Run("cart tracking", func(t *testing.T) {
				now := base.Add(25 * time.Hour)
				c, err := st.GetCart(ctx, "cart-old")
				require.NoError(t, err)
				c.MarkNotified(now)
				require.NoError(t, st.SaveCartTracking(ctx, c.ID, c.Abandoned))

				got, err := st.GetCart(ctx, "cart-old")
				require.NoError(t, err)
				require.NotNil(t, got.Abandoned.LastNotifiedForMutationAt)
				assert.True(t, got.Abandoned.LastNotifiedForMutationAt.Equal(got.LastMutatedAt))
				assert.True(t, got.Abandoned.LastNotifiedAt.Equal(now))
				assert.Len(t, got.Items, 2)

				err = st.SaveCartTracking(ctx, "nope", c.Abandoned)
				assert.True(t, errors.Is(err, domain.ErrNotFound))
			})

			t.Run("reminder tracking is monotonic", func(t *testing.T) {
				sent := base.Add(8 * 24 * time.Hour)
				require.NoError(t, st.SaveReminderTracking(ctx, "pro-1", domain.ReminderTracking{WeeklySent: 2, LastSentAt: &sent}))
				require.NoError(t, st.SaveReminderTracking(ctx, "pro-1", domain.ReminderTracking{WeeklySent: 1, PermanentlyStopped: true}))
				require.NoError(t, st.SaveReminderTracking(ctx, "pro-1", domain.ReminderTracking{WeeklySent: 1}))

				u, err := st.GetUser(ctx, "pro-1")
				require.NoError(t, err)
				assert.Equal(t, 2, u.Reminders.WeeklySent)
				assert.True(t, u.Reminders.PermanentlyStopped)
				require.NotNil(t, u.Reminders.LastSentAt)
				assert.True(t, u.Reminders.LastSentAt.Equal(sent))
				assert.Equal(t, "p1@example.com", u.Email, "tracking writes must not touch the parent record")

				// re-upserting the user from the marketplace keeps tracking
				u.Reminders = domain.ReminderTracking{}
				u.Name = "Renamed"
				require.NoError(t, st.UpsertUser(ctx, u))
				u, err = st.GetUser(ctx, "pro-1")
				require.NoError(t, err)
				assert.Equal(t, "Renamed", u.Name)
				assert.Equal(t, 2, u.Reminders.WeeklySent)
				assert.True(t, u.Reminders.PermanentlyStopped)

				err = st.SaveReminderTracking(ctx, "ghost", domain.ReminderTracking{})
				assert.True(t, errors.Is(err, domain.ErrNotFound))
			})

			t.Run("notifications", func(t *testing.T) {
				for i, id := range []string{"n1", "n2", "n3"} {
					require.NoError(t, st.InsertNotification(ctx, domain.Notification{
						ID: id, UserID: "cust-1", Kind: domain.KindAbandonedCart, Title: "t", Message: "m",
						CreatedAt: base.Add(time.Duration(i) * time.Minute), Metadata: map[string]string{"cart_id": "cart-old"},
					}))
				}
				require.Error(t, st.InsertNotification(ctx, domain.Notification{ID: "n1", UserID: "cust-1", CreatedAt: base}))

				got, err := st.ListNotifications(ctx, "cust-1", 2)
				require.NoError(t, err)
				require.Len(t, got, 2)
				assert.Equal(t, "n3", got[0].ID)
				assert.Equal(t, "cart-old", got[0].Metadata["cart_id"])
				assert.False(t, got[0].IsRead)

				require.NoError(t, st.MarkNotificationRead(ctx, "n3"))
				require.NoError(t, st.MarkNotificationRead(ctx, "n3"))
				got, err = st.ListNotifications(ctx, "cust-1", 0)
				require.NoError(t, err)
				require.Len(t, got, 3)
				assert.True(t, got[0].IsRead)
				assert.True(t, errors.Is(st.MarkNotificationRead(ctx, "missing"), domain.ErrNotFound))
			})

			t.Run("credentials", func(t *testing.T) {
				require.NoError(t, st.PutCredential(ctx, domain.SenderIdentity{Category: " Cart ", FromEmail: "a@example.com"}))
				require.NoError(t, st.PutCredential(ctx, domain.SenderIdentity{Category: "cart", FromEmail: "b@example.com"}))
				require.NoError(t, st.PutCredential(ctx, domain.SenderIdentity{Category: "verification", SMSFrom: "Market"}))
				require.Error(t, st.PutCredential(ctx, domain.SenderIdentity{FromEmail: "x@example.com"}))

				got, err := st.ListCredentials(ctx)
				require.NoError(t, err)
				require.Len(t, got, 2)
				assert.Equal(t, "cart", got[0].Category)
				assert.Equal(t, "b@example.com", got[0].FromEmail)
			})

			require.NoError(t, st.AppendAudit(ctx, domain.AuditEntry{Kind: "sweep", Message: "carts", Fields: map[string]string{"sent": "1"}}))
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.json")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	seed(t, st)
	require.NoError(t, st.SaveReminderTracking(context.Background(), "pro-1", domain.ReminderTracking{WeeklySent: 3}))
	require.NoError(t, st.Close())

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	u, err := st.GetUser(context.Background(), "pro-1")
	require.NoError(t, err)
	assert.Equal(t, 3, u.Reminders.WeeklySent)
}

func TestMemoryReturnsCopies(t *testing.T) {
	t.Parallel()
	st := NewMemory()
	seed(t, st)
	ctx := context.Background()

	c, err := st.GetCart(ctx, "cart-old")
	require.NoError(t, err)
	c.Items[0].Quantity = 99
	c.MarkNotified(base)

	again, err := st.GetCart(ctx, "cart-old")
	require.NoError(t, err)
	assert.Equal(t, 1, again.Items[0].Quantity)
	assert.Nil(t, again.Abandoned.LastNotifiedAt)
}

func TestOpenDrivers(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{}, logx.Nop())
	require.NoError(t, err)
	require.NotNil(t, st)

	_, err = Open(Config{Driver: "none"}, logx.Nop())
	assert.True(t, errors.Is(err, ErrDisabled))

	_, err = Open(Config{Driver: "mongo"}, logx.Nop())
	assert.Error(t, err)

	_, err = Open(Config{Driver: "sqlite"}, logx.Nop())
	assert.Error(t, err)
}

func TestPostgresBind(t *testing.T) {
	t.Parallel()
	got := dialectPostgres.bind(`UPDATE t SET a = {greatest}(a, ?) WHERE id = ? AND b = ?`)
	assert.Equal(t, `UPDATE t SET a = GREATEST(a, $1) WHERE id = $2 AND b = $3`, got)
	assert.Equal(t, `SELECT MAX(a, ?)`, dialectSQLite.bind(`SELECT {greatest}(a, ?)`))
}
