package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"reminderd/internal/eventbus"
	"reminderd/internal/realtime"
	rtsup "reminderd/internal/runtime/supervisor"
	logx "reminderd/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

const historySize = 200

type job struct {
	userID string
	ev     realtime.Event
}

// Service queues realtime events and pushes them from a worker pool.
// It implements realtime.Pusher so the dispatcher can use it directly.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	pusher realtime.Pusher
	bus    eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	enqueueWG sync.WaitGroup
	queue     chan job
	sup       *rtsup.Supervisor
	stopping  chan struct{}

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []Delivery
}

func New(cfg Config, pusher realtime.Pusher, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if pusher == nil {
		pusher = realtime.Nop{}
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	s := &Service{
		log:    log.With(logx.String("comp", "notifier")),
		pusher: pusher,
		bus:    bus,
		dedup:  map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply updates rate, retry and dedup settings. Workers and queue size take
// effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 50
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 200 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 5 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 5000
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start launches the workers. It is idempotent and a no-op when disabled.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopping != nil {
		done := s.stopping
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	q, sup, workers := s.queue, s.sup, s.cfg.Workers
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("notifier.worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			if c.Err() != nil || s.isStopping() {
				return context.Canceled
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishError(true), rtsup.WithRestartOnCleanExit(true))
	}
}

func (s *Service) isStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping != nil
}

// Stop refuses new events and drains the queue until ctx is done, after
// which the workers are canceled and the rest is dropped.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup := s.queue, s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopping != nil {
		done := s.stopping
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopping = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.enqueueWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())
		s.mu.Lock()
		s.queue, s.sup, s.stopping = nil, nil, nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
		<-done
	}
}

// Push enqueues ev for userID. Events already delivered within the dedup
// window (same notification ID) are accepted and ignored.
func (s *Service) Push(ctx context.Context, userID string, ev realtime.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	window, maxEntries := s.cfg.DedupWindow, s.cfg.DedupMaxEntries
	s.enqueueWG.Add(1)
	s.mu.Unlock()
	defer s.enqueueWG.Done()

	if window > 0 && ev.NotificationID != "" {
		if !s.dedupAllow(userID+"|"+ev.NotificationID, window, maxEntries, time.Now()) {
			return nil
		}
	}

	select {
	case q <- job{userID: userID, ev: ev}:
		return nil
	default:
		s.publish(eventbus.TypeRealtimeDropped, userID, ev.NotificationID, ErrQueueFull)
		return ErrQueueFull
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.deliver(ctx, j)
		}
	}
}

func (s *Service) deliver(ctx context.Context, j job) {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()

	attempts := 1 + cfg.RetryMax
	var err error
	n := 0
	for n < attempts {
		n++
		if werr := lim.Wait(ctx); werr != nil {
			err = werr
			break
		}
		cctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err = s.pusher.Push(cctx, j.userID, j.ev)
		cancel()
		if err == nil {
			break
		}
		s.log.Debug("realtime push failed", logx.String("user_id", j.userID), logx.Int("attempt", n), logx.Err(err))
		if n >= attempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, n))
		select {
		case <-ctx.Done():
			t.Stop()
			err = ctx.Err()
			n = attempts
		case <-t.C:
		}
	}

	s.record(Delivery{At: time.Now(), UserID: j.userID, NotificationID: j.ev.NotificationID, Attempts: n, Error: errString(err)})
	if err != nil {
		s.publish(eventbus.TypeRealtimeDropped, j.userID, j.ev.NotificationID, err)
		return
	}
	s.publish(eventbus.TypeRealtimeDelivered, j.userID, j.ev.NotificationID, nil)
}

func (s *Service) publish(typ, userID, notificationID string, err error) {
	s.bus.Publish(eventbus.Event{Type: typ, Data: DeliveryEvent{UserID: userID, NotificationID: notificationID, Error: errString(err)}})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (s *Service) record(d Delivery) {
	s.hmu.Lock()
	s.history = append(s.history, d)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.hmu.Unlock()
}

// Recent returns the latest deliveries, oldest first.
func (s *Service) Recent() []Delivery {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]Delivery(nil), s.history...)
}

// Supervisor returns the worker supervisor, nil when not running.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

func (s *Service) dedupAllow(key string, window time.Duration, maxEntries int, now time.Time) bool {
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	s.dedup[key] = now.Add(window)

	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	for len(s.dedup) > maxEntries {
		var oldest string
		var oldestAt time.Time
		for k, until := range s.dedup {
			if oldest == "" || until.Before(oldestAt) {
				oldest, oldestAt = k, until
			}
		}
		delete(s.dedup, oldest)
	}
	return true
}

// retryDelay is the wait before attempt+1: exponential from RetryBase,
// capped, with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(d, cfg.RetryMaxDelay)
}
