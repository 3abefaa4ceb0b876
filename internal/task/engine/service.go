// Package engine executes tasks on a bounded worker pool with per-task
// timeouts, retries, overlap control and a consecutive-failure circuit
// breaker.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"reminderd/internal/eventbus"
	rtsup "reminderd/internal/runtime/supervisor"
	logx "reminderd/pkg/logx"
)

type Service struct {
	mu     sync.Mutex
	cfg    Config
	log    logx.Logger
	bus    eventbus.Bus
	q      chan queued
	sup    *rtsup.Supervisor
	stopCh chan struct{}

	stateMu sync.Mutex
	states  map[string]*runState

	circuits circuits

	hmu     sync.Mutex
	history []HistoryItem

	idSeq    atomic.Uint64
	inFlight atomic.Int32
	dropped  atomic.Uint64
}

type queued struct {
	task       Task
	opt        Options
	timeout    time.Duration
	enqueuedAt time.Time
	state      *runState
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Service{
		cfg:      cfg.withDefaults(),
		log:      log.With(logx.String("comp", "taskengine")),
		bus:      bus,
		states:   map[string]*runState{},
		circuits: circuits{m: map[string]*circuit{}},
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Apply swaps the config; a changed pool size restarts the workers.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.stopCh != nil
	s.mu.Unlock()

	switch {
	case running && !cfg.Enabled:
		s.Stop(ctx)
	case running && (prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize):
		s.Stop(ctx)
		s.Start(ctx)
	case !running && cfg.Enabled && !prev.Enabled:
		s.Start(ctx)
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.stopCh != nil {
		return
	}
	cfg := s.cfg
	s.q = make(chan queued, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	q, stopCh := s.q, s.stopCh

	for i := 0; i < cfg.Workers; i++ {
		s.sup.GoRestart(fmt.Sprintf("taskengine.worker.%d", i), func(c context.Context) error {
			s.worker(c, stopCh, q)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishError(true), rtsup.WithRestartOnCleanExit(true))
	}
	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop cancels running tasks and waits for workers until ctx is done.
// Queued tasks are discarded.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	stopCh, sup := s.stopCh, s.sup
	if stopCh == nil {
		s.mu.Unlock()
		return
	}
	close(stopCh)
	s.stopCh, s.sup, s.q = nil, nil, nil
	s.mu.Unlock()

	if err := sup.Stop(ctx); err != nil && errors.Is(err, ctx.Err()) {
		s.log.Warn("task engine stop timed out", logx.Err(err))
		return
	}
	s.stateMu.Lock()
	s.states = map[string]*runState{}
	s.stateMu.Unlock()
	s.log.Info("task engine stopped")
}

// Enqueue queues t without blocking.
func (s *Service) Enqueue(t Task) error { return s.enqueue(context.Background(), t, false) }

// Submit queues t, waiting for queue space until ctx is done.
func (s *Service) Submit(ctx context.Context, t Task) error { return s.enqueue(ctx, t, true) }

func (s *Service) enqueue(ctx context.Context, t Task, block bool) error {
	if t.Run == nil {
		return errors.New("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return errors.New("task Name is required")
	}
	now := time.Now()
	if t.ID == "" {
		t.ID = fmt.Sprintf("tsk-%x-%x", now.UnixNano(), s.idSeq.Add(1))
	}

	s.mu.Lock()
	cfg, q, stopCh := s.cfg, s.q, s.stopCh
	s.mu.Unlock()
	if !cfg.Enabled {
		return ErrDisabled
	}
	if q == nil {
		return ErrStopped
	}

	opt := t.Opt.withDefaults(cfg)
	if until, open := s.circuits.isOpen(now, t.key(), cfg, opt); open {
		s.log.Debug("task skipped: circuit open", logx.String("task", t.Name), logx.Time("until", until))
		s.bus.Publish(eventbus.Event{Type: EventSkipped, Data: Event{ID: t.ID, Name: t.Name, Error: "circuit_open"}})
		s.remember(cfg, HistoryItem{ID: t.ID, Name: t.Name, Started: now, Error: "circuit_open"})
		return ErrCircuitOpen
	}

	var st *runState
	if opt.Overlap == OverlapSkipIfRunning {
		st = s.state(t.key())
		if !st.tryAcquire() {
			s.log.Debug("task skipped: overlap", logx.String("task", t.Name))
			s.bus.Publish(eventbus.Event{Type: EventSkipped, Data: Event{ID: t.ID, Name: t.Name, Error: "overlap"}})
			return ErrOverlapSkip
		}
	}
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	item := queued{task: t, opt: opt, timeout: timeout, enqueuedAt: now, state: st}

	release := func() {
		if st != nil {
			st.release()
		}
	}
	if !block {
		select {
		case q <- item:
			return nil
		default:
			release()
			s.dropped.Add(1)
			s.log.Warn("task dropped: queue full", logx.String("task", t.Name), logx.Int("queue_cap", cap(q)))
			s.bus.Publish(eventbus.Event{Type: EventDropped, Data: Event{ID: t.ID, Name: t.Name, Error: "queue_full"}})
			return ErrQueueFull
		}
	}
	select {
	case q <- item:
		return nil
	case <-ctx.Done():
		release()
		return ctx.Err()
	case <-stopCh:
		release()
		return ErrStopped
	}
}

func (s *Service) state(key string) *runState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	st := s.states[key]
	if st == nil {
		st = &runState{}
		s.states[key] = st
	}
	return st
}

func (s *Service) remember(cfg Config, item HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > cfg.HistorySize {
		s.history = s.history[len(s.history)-cfg.HistorySize:]
	}
	s.hmu.Unlock()
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, q := s.cfg, s.q
	s.mu.Unlock()

	snap := Snapshot{
		Enabled:     cfg.Enabled,
		Workers:     cfg.Workers,
		InFlight:    int(s.inFlight.Load()),
		Dropped:     s.dropped.Load(),
		RetryMax:    cfg.RetryMax,
		CircuitOpen: s.circuits.open(time.Now()),
	}
	if q != nil {
		snap.QueueLen, snap.QueueCap = len(q), cap(q)
	}
	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	sort.Strings(snap.CircuitOpen)
	return snap
}
