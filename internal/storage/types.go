package storage

import (
	"context"
	"errors"
	"time"

	"reminderd/internal/domain"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "memory": process-local maps, lost on restart (default)
//   - "file": JSON snapshot next to Path, rewritten atomically on change
//   - "sqlite": SQLite database file at Path
//   - "postgres": DSN in Path (lib/pq syntax)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxOpenConn int           // postgres only; 0 means default
}

// Store is the persistence API used by the sweeps, the dispatcher and the
// admin API.
//
// SaveCartTracking and SaveReminderTracking only touch tracking sub-fields.
// Reminder counters never decrease and the stop flag is never cleared, even
// if a stale value is written.
type Store interface {
	// ListCartCandidates returns carts with at least one item whose last
	// mutation is at or before mutatedBefore.
	ListCartCandidates(ctx context.Context, mutatedBefore time.Time) ([]domain.Cart, error)
	// ListVerificationCandidates returns non-blocked professionals whose
	// reminders are not permanently stopped.
	ListVerificationCandidates(ctx context.Context) ([]domain.User, error)

	GetCart(ctx context.Context, id string) (domain.Cart, error)
	GetUser(ctx context.Context, id string) (domain.User, error)
	UpsertCart(ctx context.Context, c domain.Cart) error
	UpsertUser(ctx context.Context, u domain.User) error

	SaveCartTracking(ctx context.Context, cartID string, t domain.AbandonedTracking) error
	SaveReminderTracking(ctx context.Context, userID string, t domain.ReminderTracking) error

	InsertNotification(ctx context.Context, n domain.Notification) error
	ListNotifications(ctx context.Context, userID string, limit int) ([]domain.Notification, error)
	MarkNotificationRead(ctx context.Context, id string) error

	ListCredentials(ctx context.Context) ([]domain.SenderIdentity, error)
	PutCredential(ctx context.Context, id domain.SenderIdentity) error

	AppendAudit(ctx context.Context, e domain.AuditEntry) error
	Close() error
}

// mergeReminderTracking applies the monotonic rules to an incoming write.
func mergeReminderTracking(cur, in domain.ReminderTracking) domain.ReminderTracking {
	out := in
	if cur.WeeklySent > out.WeeklySent {
		out.WeeklySent = cur.WeeklySent
	}
	if cur.MonthlySent > out.MonthlySent {
		out.MonthlySent = cur.MonthlySent
	}
	if cur.PermanentlyStopped {
		out.PermanentlyStopped = true
	}
	if out.LastSentAt == nil {
		out.LastSentAt = cur.LastSentAt
	}
	return out
}
