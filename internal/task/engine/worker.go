package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"time"

	"reminderd/internal/eventbus"
	logx "reminderd/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, q <-chan queued) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case t := <-q:
			s.inFlight.Add(1)
			s.exec(ctx, stopCh, t)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) exec(ctx context.Context, stopCh <-chan struct{}, qt queued) {
	release := func() {
		if qt.state != nil {
			qt.state.release()
		}
	}
	start := time.Now()
	delay := start.Sub(qt.enqueuedAt)

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	t := qt.task
	if cfg.MaxQueueDelay > 0 && delay > cfg.MaxQueueDelay {
		release()
		s.dropped.Add(1)
		s.remember(cfg, HistoryItem{ID: t.ID, Name: t.Name, Started: start, QueueDelay: delay, Error: "stale"})
		s.log.Warn("task dropped: stale", logx.String("task", t.Name), logx.Duration("queue_delay", delay))
		s.bus.Publish(eventbus.Event{Type: EventDropped, Data: Event{ID: t.ID, Name: t.Name, Error: "stale"}})
		return
	}

	s.log.Debug("task started", logx.String("task", t.Name), logx.Duration("queue_delay", delay))
	s.bus.Publish(eventbus.Event{Type: EventStarted, Data: Event{ID: t.ID, Name: t.Name}})

	var err error
	attempts := 0
	for attempts < 1+qt.opt.RetryMax {
		attempts++
		err = runOnce(ctx, t, qt.timeout, s.log)
		if err == nil || IsNoRetry(err) || attempts > qt.opt.RetryMax {
			break
		}
		wait := retryDelay(qt.opt, attempts, err)
		s.log.Debug("task retry scheduled", logx.String("task", t.Name), logx.Int("attempt", attempts+1), logx.Duration("delay", wait), logx.Err(err))
		tmr := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			tmr.Stop()
			err = ctx.Err()
		case <-stopCh:
			tmr.Stop()
			err = ErrStopped
		case <-tmr.C:
			continue
		}
		break
	}

	dur := time.Since(start)
	item := HistoryItem{ID: t.ID, Name: t.Name, Started: start, QueueDelay: delay, Duration: dur, Attempts: attempts}
	if err != nil {
		item.Error = err.Error()
	}
	// Bookkeeping first: subscribers may enqueue the same task on the event.
	s.circuits.record(time.Now(), t.key(), cfg, qt.opt, err)
	s.remember(cfg, item)
	release()

	if err != nil {
		s.log.Warn("task failed", logx.String("task", t.Name), logx.Int("attempts", attempts), logx.Duration("dur", dur), logx.Err(err))
		s.bus.Publish(eventbus.Event{Type: EventFailed, Data: Event{ID: t.ID, Name: t.Name, Duration: dur, Attempts: attempts, Error: item.Error}})
	} else {
		s.log.Debug("task finished", logx.String("task", t.Name), logx.Int("attempts", attempts), logx.Duration("dur", dur))
		s.bus.Publish(eventbus.Event{Type: EventFinished, Data: Event{ID: t.ID, Name: t.Name, Duration: dur, Attempts: attempts}})
	}
}

// runOnce runs t with its timeout and turns a panic into an error.
func runOnce(ctx context.Context, t Task, timeout time.Duration, log logx.Logger) (err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", logx.String("task", t.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return t.Run(ctx)
}

// retryDelay is the wait after the given failed attempt: a RetryAfter hint
// when present, else exponential from RetryBase, with 20% jitter either way.
func retryDelay(opt Options, attempt int, err error) time.Duration {
	var d time.Duration
	var ra retryAfterError
	if errors.As(err, &ra) {
		d = ra.after
	} else {
		d = opt.RetryBase
		for i := 1; i < attempt && d < opt.RetryMaxDelay; i++ {
			d *= 2
		}
	}
	d = time.Duration(float64(d) * (0.8 + rand.Float64()*0.4))
	return min(d, opt.RetryMaxDelay)
}
