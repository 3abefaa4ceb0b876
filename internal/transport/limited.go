package transport

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Limited throttles a Sender with a token bucket shared by both channels.
// Waiting honors ctx, so a send timeout also bounds the time spent queued.
type Limited struct {
	next Sender

	mu      sync.RWMutex
	limiter *rate.Limiter
}

// NewLimited wraps next. perSec <= 0 disables limiting.
func NewLimited(next Sender, perSec int) *Limited {
	l := &Limited{next: next}
	l.SetRate(perSec)
	return l
}

// SetRate changes the limit at runtime (config reload).
func (l *Limited) SetRate(perSec int) {
	var lim *rate.Limiter
	if perSec > 0 {
		// burst = rate per sec, so short spikes don't block too hard.
		lim = rate.NewLimiter(rate.Limit(perSec), perSec)
	}
	l.mu.Lock()
	l.limiter = lim
	l.mu.Unlock()
}

func (l *Limited) wait(ctx context.Context) error {
	l.mu.RLock()
	lim := l.limiter
	l.mu.RUnlock()
	if lim == nil {
		return nil
	}
	return lim.Wait(ctx)
}

func (l *Limited) SendEmail(ctx context.Context, m Email) error {
	if err := l.wait(ctx); err != nil {
		return err
	}
	return l.next.SendEmail(ctx, m)
}

func (l *Limited) SendSMS(ctx context.Context, m SMS) error {
	if err := l.wait(ctx); err != nil {
		return err
	}
	return l.next.SendSMS(ctx, m)
}
