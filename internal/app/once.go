package app

import (
	"context"
	"fmt"
	"time"

	"reminderd/internal/sweep"
	logx "reminderd/pkg/logx"
)

// RunSweep runs one sweep outside the scheduler, for the CLI. The app must
// not be started; call Close afterwards.
func (a *App) RunSweep(ctx context.Context, name string, at time.Time) (sweep.Report, error) {
	if err := a.creds.Reload(ctx); err != nil {
		return sweep.Report{}, err
	}
	if at.IsZero() {
		at = time.Now()
	}
	a.log.Info("manual sweep", logx.String("sweep", name), logx.Time("at", at))
	switch name {
	case sweep.SweepCarts:
		return a.runner.RunCarts(ctx, at)
	case sweep.SweepVerification:
		return a.runner.RunVerification(ctx, at)
	default:
		return sweep.Report{}, fmt.Errorf("unknown sweep %q", name)
	}
}

// Close releases an app that was built but never started.
func (a *App) Close() {
	a.release()
	if a.logs != nil {
		_ = a.logs.Close()
	}
}
