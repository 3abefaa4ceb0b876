package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"reminderd/internal/config"
	"reminderd/internal/sweep"
	"reminderd/internal/task/engine"
	logx "reminderd/pkg/logx"
)

const defaultSweepTimeout = 30 * time.Minute

// registerTriggers upserts the configured sweep schedules and removes the
// ones turned off since the last call. Nothing changes unless every trigger
// and the timeout are valid.
func (a *App) registerTriggers(cfg *config.Config) error {
	triggers, err := mapTriggers(cfg)
	if err != nil {
		return err
	}
	timeout, err := sweepTimeout(cfg)
	if err != nil {
		return err
	}

	// Sweeps are idempotent per tick; a failed run waits for the next one.
	opt := engine.Options{Overlap: engine.OverlapSkipIfRunning, RetryMax: -1}

	names := make([]string, 0, len(triggers))
	for _, t := range triggers {
		names = append(names, t.name)
	}
	for _, old := range a.triggers {
		if !slices.Contains(names, old) {
			a.sched.Remove(old)
			a.log.Info("sweep trigger removed", logx.String("name", old))
		}
	}
	a.triggers = a.triggers[:0]
	var errs []error
	for _, t := range triggers {
		if err := t.add(a.sched, timeout, opt, a.sweepJob(t.sweep)); err != nil {
			errs = append(errs, fmt.Errorf("scheduler %s: %w", t.name, err))
			continue
		}
		a.triggers = append(a.triggers, t.name)
	}
	return errors.Join(errs...)
}

// sweepTimeout defaults to 30m when unset; an explicit "0s" or "off" disables it.
func sweepTimeout(cfg *config.Config) (time.Duration, error) {
	if strings.TrimSpace(cfg.Scheduler.SweepTimeout) == "" {
		return defaultSweepTimeout, nil
	}
	return config.ParseDurationField("scheduler.sweep_timeout", cfg.Scheduler.SweepTimeout)
}

func (a *App) sweepJob(name string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		var err error
		switch name {
		case sweep.SweepCarts:
			_, err = a.runner.RunCarts(ctx, time.Now())
		case sweep.SweepVerification:
			_, err = a.runner.RunVerification(ctx, time.Now())
		default:
			return engine.NoRetry(fmt.Errorf("unknown sweep %q", name))
		}
		if err != nil {
			return engine.NoRetry(err)
		}
		return nil
	}
}
