// Package realtime pushes notification events to users' live sessions.
//
// Delivery is best-effort: pushers report errors, callers log and move on.
package realtime

import (
	"context"
	"errors"
	"time"
)

// Event is the payload sent to a user's session after a notification is created.
type Event struct {
	Type           string    `json:"type"`
	UserID         string    `json:"user_id"`
	NotificationID string    `json:"notification_id"`
	Kind           string    `json:"kind"`
	Title          string    `json:"title"`
	Message        string    `json:"message"`
	Link           string    `json:"link,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

const EventNotification = "notification.created"

type Pusher interface {
	Push(ctx context.Context, userID string, ev Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Push(context.Context, string, Event) error { return nil }

// Fanout pushes to every pusher and joins their errors.
type Fanout []Pusher

func (f Fanout) Push(ctx context.Context, userID string, ev Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Push(ctx, userID, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
