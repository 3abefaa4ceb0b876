// Package dispatch turns one eligible subject into one delivered reminder.
//
// A dispatch renders the content, resolves the sender identity, sends it and,
// only after the transport confirmed the send, records the notification,
// pushes a realtime event and persists the subject's tracking state.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"reminderd/internal/credentials"
	"reminderd/internal/domain"
	"reminderd/internal/eventbus"
	"reminderd/internal/realtime"
	"reminderd/internal/render"
	"reminderd/internal/transport"
	logx "reminderd/pkg/logx"
)

type Outcome string

const (
	OutcomeSent                Outcome = "sent"
	OutcomeSkippedNoCredential Outcome = "skipped_no_credential"
	OutcomeTransportFailed     Outcome = "transport_failed"
	// OutcomeInvalidRecipient means the user has no address for the channel.
	OutcomeInvalidRecipient Outcome = "invalid_recipient"
)

const (
	DefaultSendTimeout = 30 * time.Second
	persistTimeout     = 10 * time.Second
)

type Resolver interface {
	Resolve(category string) (domain.SenderIdentity, bool)
}

// Store is the subset of storage.Store the dispatcher writes to.
type Store interface {
	InsertNotification(ctx context.Context, n domain.Notification) error
	SaveCartTracking(ctx context.Context, cartID string, t domain.AbandonedTracking) error
	SaveReminderTracking(ctx context.Context, userID string, t domain.ReminderTracking) error
}

type Config struct {
	SendTimeout time.Duration
	// Channels picks email or sms per kind; email when unset.
	Channels map[domain.Kind]transport.Channel
}

type Deps struct {
	Renderer    *render.Renderer
	Credentials Resolver
	Sender      transport.Sender
	Store       Store
	Pusher      realtime.Pusher
	Bus         eventbus.Bus
	Log         logx.Logger
}

// Event is the Data of reminder.* bus events.
type Event struct {
	Kind           domain.Kind `json:"kind"`
	SubjectID      string      `json:"subject_id"`
	UserID         string      `json:"user_id"`
	Outcome        Outcome     `json:"outcome"`
	Tier           domain.Tier `json:"tier,omitempty"`
	NotificationID string      `json:"notification_id,omitempty"`
	Error          string      `json:"error,omitempty"`
}

type Dispatcher struct {
	deps  Deps
	log   logx.Logger
	newID func() string

	mu  sync.RWMutex
	cfg Config
}

func New(cfg Config, deps Deps) *Dispatcher {
	if deps.Renderer == nil {
		deps.Renderer = render.NewRenderer("", nil)
	}
	if deps.Pusher == nil {
		deps.Pusher = realtime.Nop{}
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop{}
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	d := &Dispatcher{deps: deps, log: deps.Log.With(logx.String("comp", "dispatch")), newID: uuid.NewString}
	d.Apply(cfg)
	return d
}

func (d *Dispatcher) Apply(cfg Config) {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	ch := make(map[domain.Kind]transport.Channel, len(cfg.Channels))
	for k, v := range cfg.Channels {
		ch[k] = v
	}
	cfg.Channels = ch
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
}

func (d *Dispatcher) config() Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// message is everything needed to send and record one reminder.
type message struct {
	kind      domain.Kind
	subjectID string
	user      domain.User
	tier      domain.Tier
	vars      map[string]string
	metadata  map[string]string
}

// DispatchCart sends the abandoned-cart reminder for cart to owner. On Sent
// the cart's dedup tracking is updated in place and persisted.
func (d *Dispatcher) DispatchCart(ctx context.Context, cart *domain.Cart, owner domain.User, now time.Time) (Outcome, error) {
	items := strconv.Itoa(cart.ItemCount())
	m := message{
		kind:      domain.KindAbandonedCart,
		subjectID: cart.ID,
		user:      owner,
		vars:      map[string]string{"name": owner.Name, "item_count": items, "cart_id": cart.ID},
		metadata:  map[string]string{"cart_id": cart.ID, "item_count": items},
	}
	return d.dispatch(ctx, m, now, func(pctx context.Context) error {
		cart.MarkNotified(now)
		return d.deps.Store.SaveCartTracking(pctx, cart.ID, cart.Abandoned)
	})
}

// DispatchVerification sends a verification reminder of tier to user. On
// Sent the cadence counters are updated in place and persisted.
func (d *Dispatcher) DispatchVerification(ctx context.Context, user *domain.User, tier domain.Tier, missing []string, now time.Time) (Outcome, error) {
	labels := make([]string, 0, len(missing))
	for _, a := range missing {
		labels = append(labels, artifactLabel(a))
	}
	m := message{
		kind:      domain.KindVerificationReminder,
		subjectID: user.ID,
		user:      *user,
		tier:      tier,
		vars:      map[string]string{"name": user.Name, "missing": strings.Join(labels, ", "), "tier": string(tier)},
		metadata:  map[string]string{"tier": string(tier), "missing": strings.Join(missing, ",")},
	}
	return d.dispatch(ctx, m, now, func(pctx context.Context) error {
		user.RecordReminderSent(tier, now)
		return d.deps.Store.SaveReminderTracking(pctx, user.ID, user.Reminders)
	})
}

func artifactLabel(a string) string {
	switch a {
	case "id_card":
		return "ID card"
	case "address":
		return "proof of address"
	default:
		return a
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, m message, now time.Time, commit func(context.Context) error) (Outcome, error) {
	cfg := d.config()
	log := d.log.With(logx.String("kind", string(m.kind)), logx.String("subject_id", m.subjectID), logx.String("user_id", m.user.ID))

	content := d.deps.Renderer.Render(m.kind, m.vars)
	channel := cfg.Channels[m.kind]
	if channel == "" {
		channel = transport.ChannelEmail
	}

	if err := reachable(m.user, channel); err != nil {
		err = fmt.Errorf("user %s: %w: %w", m.user.ID, domain.ErrEvaluation, err)
		log.Warn("reminder not sent: invalid recipient", logx.String("channel", string(channel)), logx.Err(err))
		d.publish(eventbus.TypeReminderFailed, m, OutcomeInvalidRecipient, "", err)
		return OutcomeInvalidRecipient, err
	}

	category := m.kind.Category()
	ident, ok := d.resolve(category, channel)
	if !ok {
		err := fmt.Errorf("no %s sender identity for category %q: %w", channel, category, domain.ErrConfigurationMissing)
		log.Warn("reminder skipped: no sender identity", logx.String("category", category), logx.String("channel", string(channel)))
		d.publish(eventbus.TypeReminderSkipped, m, OutcomeSkippedNoCredential, "", err)
		return OutcomeSkippedNoCredential, err
	}

	sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	err := d.send(sctx, channel, ident, m.user, content)
	cancel()
	if err != nil {
		err = fmt.Errorf("%w: %w", domain.ErrTransport, err)
		log.Warn("reminder send failed", logx.String("channel", string(channel)), logx.Err(err))
		d.publish(eventbus.TypeReminderFailed, m, OutcomeTransportFailed, "", err)
		return OutcomeTransportFailed, err
	}

	// The send is confirmed; persistence must not be cut short by a
	// canceled sweep.
	pctx, pcancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer pcancel()

	n := domain.Notification{
		ID:        d.newID(),
		UserID:    m.user.ID,
		Kind:      m.kind,
		Title:     content.Title,
		Message:   content.Message,
		Link:      content.Link,
		CreatedAt: now,
		Metadata:  m.metadata,
	}
	var perr []error
	if err := d.deps.Store.InsertNotification(pctx, n); err != nil {
		perr = append(perr, fmt.Errorf("insert notification: %w", err))
	} else {
		ev := realtime.Event{
			Type:           realtime.EventNotification,
			UserID:         n.UserID,
			NotificationID: n.ID,
			Kind:           string(n.Kind),
			Title:          n.Title,
			Message:        n.Message,
			Link:           n.Link,
			CreatedAt:      n.CreatedAt,
		}
		if err := d.deps.Pusher.Push(pctx, n.UserID, ev); err != nil {
			log.Debug("realtime push failed", logx.Err(err))
		}
	}
	if err := commit(pctx); err != nil {
		perr = append(perr, fmt.Errorf("save tracking: %w", err))
	}

	d.publish(eventbus.TypeReminderSent, m, OutcomeSent, n.ID, nil)
	if len(perr) > 0 {
		err := fmt.Errorf("%w: %w", domain.ErrPersistence, errors.Join(perr...))
		log.Error("reminder sent but state not persisted", logx.String("notification_id", n.ID), logx.Err(err))
		return OutcomeSent, err
	}
	log.Info("reminder sent", logx.String("channel", string(channel)), logx.String("tier", string(m.tier)), logx.String("notification_id", n.ID))
	return OutcomeSent, nil
}

// resolve returns the category identity when it can serve ch, else the
// default identity when that one can.
func (d *Dispatcher) resolve(category string, ch transport.Channel) (domain.SenderIdentity, bool) {
	if id, ok := d.deps.Credentials.Resolve(category); ok && canSend(id, ch) {
		return id, true
	}
	if id, ok := d.deps.Credentials.Resolve(credentials.DefaultCategory); ok && canSend(id, ch) {
		return id, true
	}
	return domain.SenderIdentity{}, false
}

func reachable(u domain.User, ch transport.Channel) error {
	if ch == transport.ChannelSMS {
		if strings.TrimSpace(u.Phone) == "" {
			return errors.New("recipient has no phone number")
		}
		return nil
	}
	if strings.TrimSpace(u.Email) == "" {
		return errors.New("recipient has no email address")
	}
	return nil
}

func canSend(id domain.SenderIdentity, ch transport.Channel) bool {
	if ch == transport.ChannelSMS {
		return strings.TrimSpace(id.SMSFrom) != ""
	}
	return strings.TrimSpace(id.FromEmail) != ""
}

func (d *Dispatcher) send(ctx context.Context, ch transport.Channel, id domain.SenderIdentity, to domain.User, c render.Content) error {
	switch ch {
	case transport.ChannelSMS:
		return d.deps.Sender.SendSMS(ctx, transport.SMS{From: id.SMSFrom, To: to.Phone, Body: c.SMS})
	default:
		return d.deps.Sender.SendEmail(ctx, transport.Email{
			From:     transport.Address{Name: id.FromName, Email: id.FromEmail},
			To:       to.Email,
			Subject:  c.Subject,
			HTML:     c.HTML,
			Username: id.Username,
			Password: id.Password,
		})
	}
}

func (d *Dispatcher) publish(typ string, m message, o Outcome, notificationID string, err error) {
	ev := Event{Kind: m.kind, SubjectID: m.subjectID, UserID: m.user.ID, Outcome: o, Tier: m.tier, NotificationID: notificationID}
	if err != nil {
		ev.Error = err.Error()
	}
	d.deps.Bus.Publish(eventbus.Event{Type: typ, Data: ev})
}
