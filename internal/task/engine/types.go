package engine

import (
	"context"
	"sync"
	"time"
)

// Config controls the task engine. Triggers live in the scheduler package;
// this package only executes.
type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int

	// DefaultTimeout applies when Task.Timeout is zero.
	DefaultTimeout time.Duration
	// MaxQueueDelay drops tasks that waited longer than this; 0 keeps them.
	MaxQueueDelay time.Duration

	HistorySize int
	RetryMax    int

	// CircuitTripFailures < 0 disables the breaker, 0 means the default.
	CircuitTripFailures int
	CircuitBaseDelay    time.Duration
	CircuitMaxDelay     time.Duration
	CircuitResetAfter   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 100
	}
	if c.CircuitTripFailures == 0 {
		c.CircuitTripFailures = 5
	}
	if c.CircuitBaseDelay <= 0 {
		c.CircuitBaseDelay = 5 * time.Second
	}
	if c.CircuitMaxDelay <= 0 {
		c.CircuitMaxDelay = 5 * time.Minute
	}
	if c.CircuitResetAfter <= 0 {
		c.CircuitResetAfter = 30 * time.Minute
	}
	return c
}

type OverlapPolicy int

const (
	// OverlapSkipIfRunning refuses a task while another run with the same
	// key is queued or running.
	OverlapSkipIfRunning OverlapPolicy = iota
	OverlapAllow
)

type Options struct {
	Overlap       OverlapPolicy
	RetryMax      int // <0 disables retries, 0 uses Config.RetryMax
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// CircuitTripFailures overrides the engine threshold; <0 disables.
	CircuitTripFailures int
}

func (o Options) withDefaults(cfg Config) Options {
	switch {
	case o.RetryMax < 0:
		o.RetryMax = 0
	case o.RetryMax == 0:
		o.RetryMax = cfg.RetryMax
	}
	if o.RetryBase <= 0 {
		o.RetryBase = time.Second
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 30 * time.Second
	}
	return o
}

// Task is one unit of work. Key groups runs for overlap and circuit
// breaking; it defaults to Name.
type Task struct {
	ID      string
	Name    string
	Key     string
	Timeout time.Duration
	Opt     Options
	Run     func(ctx context.Context) error
}

func (t Task) key() string {
	if t.Key != "" {
		return t.Key
	}
	return t.Name
}

// runState counts queued plus running tasks of one key.
type runState struct {
	mu       sync.Mutex
	inflight int
}

func (s *runState) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return false
	}
	s.inflight++
	return true
}

func (s *runState) release() {
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

type HistoryItem struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

// Event is the Data of task.* bus events.
type Event struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration,omitempty"`
	Attempts int           `json:"attempts,omitempty"`
	Error    string        `json:"error,omitempty"`
}

const (
	EventStarted  = "task.started"
	EventFinished = "task.finished"
	EventFailed   = "task.failed"
	EventSkipped  = "task.skipped"
	EventDropped  = "task.dropped"
)

type Snapshot struct {
	Enabled     bool          `json:"enabled"`
	Workers     int           `json:"workers"`
	QueueLen    int           `json:"queue_len"`
	QueueCap    int           `json:"queue_cap"`
	InFlight    int           `json:"in_flight"`
	Dropped     uint64        `json:"dropped"`
	RetryMax    int           `json:"retry_max"`
	CircuitOpen []string      `json:"circuit_open,omitempty"`
	History     []HistoryItem `json:"history"`
}
