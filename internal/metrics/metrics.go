// Package metrics exposes reminderd's Prometheus collectors.
package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"reminderd/internal/eventbus"
)

const namespace = "reminderd"

// Metrics is nil-safe: every method on a nil *Metrics is a no-op.
type Metrics struct {
	outcomes   *prometheus.CounterVec
	failures   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	candidates *prometheus.GaugeVec
	realtime   *prometheus.CounterVec
}

// New registers the collectors on reg, reusing collectors that an earlier
// New call already registered there.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_outcomes_total",
			Help:      "Per-subject sweep outcomes.",
		}, []string{"sweep", "outcome"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_failures_total",
			Help:      "Sweeps aborted because candidates could not be loaded.",
		}, []string{"sweep"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Wall time of a full sweep.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"sweep"}),
		candidates: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sweep_candidates",
			Help:      "Candidates loaded by the latest sweep.",
		}, []string{"sweep"}),
		realtime: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_events_total",
			Help:      "Realtime push results.",
		}, []string{"result"}),
	}
	var err error
	if m.outcomes, err = register(reg, m.outcomes); err != nil {
		return nil, err
	}
	if m.failures, err = register(reg, m.failures); err != nil {
		return nil, err
	}
	if m.duration, err = register(reg, m.duration); err != nil {
		return nil, err
	}
	if m.candidates, err = register(reg, m.candidates); err != nil {
		return nil, err
	}
	if m.realtime, err = register(reg, m.realtime); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing, nil
		}
	}
	return c, err
}

func (m *Metrics) Outcome(sweep, outcome string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(sweep, outcome).Inc()
}

func (m *Metrics) Failure(sweep string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(sweep).Inc()
}

func (m *Metrics) Duration(sweep string, d time.Duration) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(sweep).Observe(d.Seconds())
}

func (m *Metrics) Candidates(sweep string, n int) {
	if m == nil {
		return
	}
	m.candidates.WithLabelValues(sweep).Set(float64(n))
}

// WatchRealtime counts realtime.* bus events until ctx is done.
func (m *Metrics) WatchRealtime(ctx context.Context, bus eventbus.Bus) {
	if m == nil || bus == nil {
		return
	}
	ch, unsub := bus.Subscribe(64, "realtime.")
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			switch e.Type {
			case eventbus.TypeRealtimeDelivered:
				m.realtime.WithLabelValues("delivered").Inc()
			case eventbus.TypeRealtimeDropped:
				m.realtime.WithLabelValues("dropped").Inc()
			}
		}
	}
}
