package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reminderd/internal/eventbus"
)

// value returns the counter or gauge value of the series matching labels.
func value(t *testing.T, g prometheus.Gatherer, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := g.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	series:
		for _, m := range f.GetMetric() {
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue series
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return 0
}

func TestRecordsSweepMetrics(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.Outcome("carts", "sent")
	m.Outcome("carts", "sent")
	m.Outcome("carts", "transport_failed")
	m.Failure("verification")
	m.Candidates("carts", 7)
	m.Duration("carts", 150*time.Millisecond)

	assert.Equal(t, 2.0, value(t, reg, "reminderd_sweep_outcomes_total", map[string]string{"sweep": "carts", "outcome": "sent"}))
	assert.Equal(t, 1.0, value(t, reg, "reminderd_sweep_outcomes_total", map[string]string{"sweep": "carts", "outcome": "transport_failed"}))
	assert.Equal(t, 1.0, value(t, reg, "reminderd_sweep_failures_total", map[string]string{"sweep": "verification"}))
	assert.Equal(t, 7.0, value(t, reg, "reminderd_sweep_candidates", map[string]string{"sweep": "carts"}))
	assert.Equal(t, 1.0, value(t, reg, "reminderd_sweep_duration_seconds", map[string]string{"sweep": "carts"}))
}

func TestNewReusesRegisteredCollectors(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	a, err := New(reg)
	require.NoError(t, err)
	b, err := New(reg)
	require.NoError(t, err)

	a.Outcome("carts", "sent")
	b.Outcome("carts", "sent")
	assert.Equal(t, 2.0, value(t, reg, "reminderd_sweep_outcomes_total", map[string]string{"sweep": "carts", "outcome": "sent"}))
}

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()
	var m *Metrics
	m.Outcome("carts", "sent")
	m.Failure("carts")
	m.Duration("carts", time.Second)
	m.Candidates("carts", 1)
	m.WatchRealtime(context.Background(), eventbus.New())
}

func TestWatchRealtime(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)
	bus := eventbus.New()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.WatchRealtime(ctx, bus)
	}()

	require.Eventually(t, func() bool {
		bus.Publish(eventbus.Event{Type: eventbus.TypeRealtimeDropped})
		return value(t, reg, "reminderd_realtime_events_total", map[string]string{"result": "dropped"}) >= 1
	}, time.Second, 10*time.Millisecond)
	cancel()
	<-done
}
