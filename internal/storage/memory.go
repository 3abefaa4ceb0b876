package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"reminderd/internal/domain"
)

type memState struct {
	Users         map[string]domain.User           `json:"users"`
	Carts         map[string]domain.Cart           `json:"carts"`
	Notifications map[string]domain.Notification   `json:"notifications"`
	Credentials   map[string]domain.SenderIdentity `json:"credentials"`
}

func newMemState() memState {
	return memState{
		Users:         map[string]domain.User{},
		Carts:         map[string]domain.Cart{},
		Notifications: map[string]domain.Notification{},
		Credentials:   map[string]domain.SenderIdentity{},
	}
}

// memStore keeps everything in maps. Values are copied on the way in and
// out so callers never share pointers with the store.
type memStore struct {
	mu    sync.RWMutex
	st    memState
	audit []domain.AuditEntry

	// onChange runs with mu held after every successful mutation.
	onChange func() error
}

// NewMemory returns an empty in-process store.
func NewMemory() Store { return newMemStore() }

func newMemStore() *memStore { return &memStore{st: newMemState()} }

func (s *memStore) Close() error { return nil }

func (s *memStore) changed() error {
	if s.onChange == nil {
		return nil
	}
	return s.onChange()
}

func (s *memStore) ListCartCandidates(ctx context.Context, mutatedBefore time.Time) ([]domain.Cart, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Cart, 0)
	for _, c := range s.st.Carts {
		if c.ItemCount() == 0 || c.LastMutatedAt.After(mutatedBefore) {
			continue
		}
		out = append(out, cloneCart(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) ListVerificationCandidates(ctx context.Context) ([]domain.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.User, 0)
	for _, u := range s.st.Users {
		if u.Role != domain.RoleProfessional || u.IsBlocked || u.Reminders.PermanentlyStopped {
			continue
		}
		out = append(out, cloneUser(u))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) GetCart(_ context.Context, id string) (domain.Cart, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.st.Carts[id]
	if !ok {
		return domain.Cart{}, fmt.Errorf("cart %s: %w", id, domain.ErrNotFound)
	}
	return cloneCart(c), nil
}

func (s *memStore) GetUser(_ context.Context, id string) (domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.st.Users[id]
	if !ok {
		return domain.User{}, fmt.Errorf("user %s: %w", id, domain.ErrNotFound)
	}
	return cloneUser(u), nil
}

func (s *memStore) UpsertCart(_ context.Context, c domain.Cart) error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("storage: cart id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.Carts[c.ID] = cloneCart(c)
	return s.changed()
}

func (s *memStore) UpsertUser(_ context.Context, u domain.User) error {
	if strings.TrimSpace(u.ID) == "" {
		return fmt.Errorf("storage: user id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.st.Users[u.ID]; ok {
		u.Reminders = mergeReminderTracking(cur.Reminders, u.Reminders)
	}
	s.st.Users[u.ID] = cloneUser(u)
	return s.changed()
}

func (s *memStore) SaveCartTracking(_ context.Context, cartID string, t domain.AbandonedTracking) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.st.Carts[cartID]
	if !ok {
		return fmt.Errorf("cart %s: %w", cartID, domain.ErrNotFound)
	}
	c.Abandoned = cloneAbandoned(t)
	s.st.Carts[cartID] = c
	return s.changed()
}

func (s *memStore) SaveReminderTracking(_ context.Context, userID string, t domain.ReminderTracking) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.st.Users[userID]
	if !ok {
		return fmt.Errorf("user %s: %w", userID, domain.ErrNotFound)
	}
	u.Reminders = cloneReminders(mergeReminderTracking(u.Reminders, t))
	s.st.Users[userID] = u
	return s.changed()
}

func (s *memStore) InsertNotification(_ context.Context, n domain.Notification) error {
	if strings.TrimSpace(n.ID) == "" {
		return fmt.Errorf("storage: notification id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.st.Notifications[n.ID]; dup {
		return fmt.Errorf("storage: notification %s already exists", n.ID)
	}
	s.st.Notifications[n.ID] = cloneNotification(n)
	return s.changed()
}

func (s *memStore) ListNotifications(_ context.Context, userID string, limit int) ([]domain.Notification, error) {
	s.mu.RLock()
	out := make([]domain.Notification, 0)
	for _, n := range s.st.Notifications {
		if n.UserID == userID {
			out = append(out, cloneNotification(n))
		}
	}
	s.mu.RUnlock()
	sortNotifications(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) MarkNotificationRead(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.st.Notifications[id]
	if !ok {
		return fmt.Errorf("notification %s: %w", id, domain.ErrNotFound)
	}
	if n.IsRead {
		return nil
	}
	n.IsRead = true
	s.st.Notifications[id] = n
	return s.changed()
}

func (s *memStore) ListCredentials(ctx context.Context) ([]domain.SenderIdentity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.SenderIdentity, 0, len(s.st.Credentials))
	for _, id := range s.st.Credentials {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out, nil
}

func (s *memStore) PutCredential(_ context.Context, id domain.SenderIdentity) error {
	cat := normalizeCategory(id.Category)
	if cat == "" {
		return fmt.Errorf("storage: credential category is required")
	}
	id.Category = cat
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.Credentials[cat] = id
	return s.changed()
}

func (s *memStore) AppendAudit(_ context.Context, e domain.AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	s.audit = append(s.audit, e)
	s.mu.Unlock()
	return nil
}

func normalizeCategory(c string) string { return strings.ToLower(strings.TrimSpace(c)) }

// newest first, id as tie breaker
func sortNotifications(ns []domain.Notification) {
	sort.Slice(ns, func(i, j int) bool {
		if !ns[i].CreatedAt.Equal(ns[j].CreatedAt) {
			return ns[i].CreatedAt.After(ns[j].CreatedAt)
		}
		return ns[i].ID < ns[j].ID
	})
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneAbandoned(t domain.AbandonedTracking) domain.AbandonedTracking {
	return domain.AbandonedTracking{
		LastNotifiedAt:            cloneTime(t.LastNotifiedAt),
		LastNotifiedForMutationAt: cloneTime(t.LastNotifiedForMutationAt),
	}
}

func cloneReminders(t domain.ReminderTracking) domain.ReminderTracking {
	t.LastSentAt = cloneTime(t.LastSentAt)
	return t
}

func cloneCart(c domain.Cart) domain.Cart {
	c.Items = append([]domain.CartItem(nil), c.Items...)
	c.Abandoned = cloneAbandoned(c.Abandoned)
	return c
}

func cloneUser(u domain.User) domain.User {
	u.Reminders = cloneReminders(u.Reminders)
	return u
}

func cloneNotification(n domain.Notification) domain.Notification {
	if n.Metadata != nil {
		m := make(map[string]string, len(n.Metadata))
		for k, v := range n.Metadata {
			m[k] = v
		}
		n.Metadata = m
	}
	return n
}
