package domain

import (
	"strings"
	"time"
)

// Role values used by the marketplace. Only professionals receive
// verification reminders.
const (
	RoleProfessional = "professional"
	RoleCustomer     = "customer"
)

// Status is the state of one verification artifact.
type Status string

const (
	StatusMissing  Status = "missing"
	StatusPending  Status = "pending"
	StatusVerified Status = "verified"
)

func (s Status) Verified() bool { return s == StatusVerified }

// ParseStatus maps free-form input to a Status. Unknown values are treated as missing.
func ParseStatus(s string) Status {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusVerified:
		return StatusVerified
	case StatusPending:
		return StatusPending
	default:
		return StatusMissing
	}
}

// Tier is the cadence bucket of a verification reminder.
type Tier string

const (
	TierNone    Tier = ""
	TierWeekly  Tier = "weekly"
	TierMonthly Tier = "monthly"
)

// Kind identifies what a notification is about.
type Kind string

const (
	KindAbandonedCart        Kind = "abandoned_cart"
	KindVerificationReminder Kind = "verification_reminder"
)

// Category selects the sender identity used for a kind.
func (k Kind) Category() string {
	switch k {
	case KindAbandonedCart:
		return CategoryCart
	case KindVerificationReminder:
		return CategoryVerification
	default:
		return string(k)
	}
}

const (
	CategoryCart         = "cart"
	CategoryVerification = "verification"
)

type CartItem struct {
	ServiceID string `json:"service_id"`
	Quantity  int    `json:"quantity"`
}

// AbandonedTracking is the dedup state of a cart.
type AbandonedTracking struct {
	LastNotifiedAt            *time.Time `json:"last_notified_at,omitempty"`
	LastNotifiedForMutationAt *time.Time `json:"last_notified_for_mutation_at,omitempty"`
}

type Cart struct {
	ID            string            `json:"id"`
	OwnerID       string            `json:"owner_id"`
	Items         []CartItem        `json:"items"`
	LastMutatedAt time.Time         `json:"last_mutated_at"`
	Abandoned     AbandonedTracking `json:"abandoned_tracking"`
}

// ItemCount returns the total quantity across items.
func (c Cart) ItemCount() int {
	n := 0
	for _, it := range c.Items {
		if it.Quantity > 0 {
			n += it.Quantity
		}
	}
	return n
}

// MarkNotified records a successful abandoned-cart send for the current
// mutation state.
func (c *Cart) MarkNotified(now time.Time) {
	mut := c.LastMutatedAt
	at := now
	c.Abandoned.LastNotifiedForMutationAt = &mut
	c.Abandoned.LastNotifiedAt = &at
}

type Artifacts struct {
	IDCard    Status `json:"id_card"`
	Address   Status `json:"address"`
	Insurance Status `json:"insurance"`
}

// ReminderTracking is the cadence state of a verification subject.
type ReminderTracking struct {
	LastSentAt         *time.Time `json:"last_sent_at,omitempty"`
	WeeklySent         int        `json:"weekly_reminders_sent"`
	MonthlySent        int        `json:"monthly_reminders_sent"`
	PermanentlyStopped bool       `json:"reminder_permanently_stopped"`
}

type User struct {
	ID              string           `json:"id"`
	Name            string           `json:"name"`
	Email           string           `json:"email"`
	Phone           string           `json:"phone"`
	Role            string           `json:"role"`
	IsBlocked       bool             `json:"is_blocked"`
	CreatedAt       time.Time        `json:"created_at"`
	PublicLiability bool             `json:"public_liability"`
	Verification    Artifacts        `json:"verification"`
	Reminders       ReminderTracking `json:"reminder_tracking"`
}

// MissingArtifacts lists required artifacts that are not verified yet.
// Insurance is required only when the user opted into public liability cover.
func (u User) MissingArtifacts() []string {
	var out []string
	if !u.Verification.IDCard.Verified() {
		out = append(out, "id_card")
	}
	if !u.Verification.Address.Verified() {
		out = append(out, "address")
	}
	if u.PublicLiability && !u.Verification.Insurance.Verified() {
		out = append(out, "insurance")
	}
	return out
}

// RecordReminderSent applies the cadence update for a confirmed send.
func (u *User) RecordReminderSent(tier Tier, now time.Time) {
	at := now
	switch tier {
	case TierWeekly:
		u.Reminders.WeeklySent++
	case TierMonthly:
		u.Reminders.MonthlySent++
	default:
		return
	}
	u.Reminders.LastSentAt = &at
}

// StopReminders sets the terminal stop flag. It is never cleared.
func (u *User) StopReminders() { u.Reminders.PermanentlyStopped = true }

type Notification struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	Kind      Kind              `json:"kind"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Link      string            `json:"link,omitempty"`
	IsRead    bool              `json:"is_read"`
	CreatedAt time.Time         `json:"created_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// SenderIdentity is the "from" side of an outgoing message.
type SenderIdentity struct {
	Category  string `json:"category" yaml:"category"`
	FromName  string `json:"from_name" yaml:"from_name"`
	FromEmail string `json:"from_email" yaml:"from_email"`
	SMSFrom   string `json:"sms_from" yaml:"sms_from"`
	Username  string `json:"username" yaml:"username"`
	Password  string `json:"password" yaml:"password"`
}

// Usable reports whether the identity can send on at least one channel.
func (s SenderIdentity) Usable() bool {
	return strings.TrimSpace(s.FromEmail) != "" || strings.TrimSpace(s.SMSFrom) != ""
}

// Redacted returns a copy without secrets, safe to log or serve.
func (s SenderIdentity) Redacted() SenderIdentity {
	cp := s
	if cp.Password != "" {
		cp.Password = "***"
	}
	return cp
}

// AuditEntry is one line of the sweep audit log.
type AuditEntry struct {
	At      time.Time         `json:"at"`
	Kind    string            `json:"kind"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}
