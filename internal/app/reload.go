package app

import (
	"context"
	"reflect"
	"strings"
	"time"

	"reminderd/internal/config"
	logx "reminderd/pkg/logx"
)

// restartRequired names the changed settings that build wires once and a
// reload cannot swap.
func restartRequired(oldCfg, newCfg *config.Config) []string {
	var out []string
	check := func(name string, o, n any) {
		if !reflect.DeepEqual(o, n) {
			out = append(out, name)
		}
	}
	check("storage", oldCfg.Storage, newCfg.Storage)

	ot, nt := oldCfg.Transport, newCfg.Transport
	ot.RatePerSec, nt.RatePerSec = 0, 0
	check("transport", ot, nt)

	type backends struct {
		enabled   bool
		websocket bool
		origins   []string
		redis     *config.RedisConfig
	}
	rt := func(c *config.Config) backends {
		if c.Realtime == nil {
			return backends{}
		}
		return backends{c.Realtime.Enabled, c.Realtime.Websocket, c.Realtime.AllowedOrigins, c.Realtime.Redis}
	}
	check("realtime backends", rt(oldCfg), rt(newCfg))

	otg, ntg := oldCfg.Logging.Telegram, newCfg.Logging.Telegram
	check("logging.telegram target", [4]any{otg.Token, otg.ChatID, otg.ThreadID, otg.Prefix}, [4]any{ntg.Token, ntg.ChatID, ntg.ThreadID, ntg.Prefix})
	return out
}

// reloadLoop applies published configs until ctx ends.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	// Track last applied config to generate a safe diff summary for logx.
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.apply(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) apply(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, name := range restartRequired(oldCfg, newCfg) {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("setting", name))
	}

	a.logs.Apply(mapLogging(newCfg))
	a.sender.SetRate(newCfg.Transport.RatePerSec)
	a.creds.SetFallback(mapFallbackIdentity(newCfg))
	a.renderer.Apply(newCfg.Reminders.BaseURL, mapTemplates(newCfg))

	// Mappers were already run by the validator; errors here mean a bug, so
	// keep the previous setting and say so.
	if dcfg, err := mapDispatchConfig(newCfg); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		a.disp.Apply(dcfg)
	}
	if swcfg, err := mapSweepConfig(newCfg); err != nil {
		a.log.Warn("invalid sweep config; keeping previous", logx.Err(err))
	} else {
		a.runner.Apply(swcfg)
	}

	a.applyExecution(ctx, newCfg)

	// apply notifier updates (live)
	prevNotif := a.notif.Enabled()
	if ncfg, err := mapNotifierConfig(newCfg); err != nil {
		a.log.Warn("invalid realtime config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
		switch {
		case prevNotif && !ncfg.Enabled:
			a.log.Info("realtime notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !prevNotif && ncfg.Enabled:
			a.log.Info("realtime notifier enabled via config")
			a.notif.Start(ctx)
		}
	}

	if acfg, err := mapAdminConfig(newCfg); err != nil {
		a.log.Warn("invalid admin config; keeping previous", logx.Err(err))
	} else {
		a.admin.Reconfigure(ctx, acfg)
	}

	// Keep the final log line concise and human-friendly (details are in debug logs).
	a.log.Info("config reloaded", fields...)
}

// applyExecution updates the engine and scheduler. The engine starts before
// the scheduler and stops after it, so triggers never hit a stopped engine.
func (a *App) applyExecution(ctx context.Context, newCfg *config.Config) {
	prevSched := a.sched.Enabled()
	prevEng := a.engine.Enabled()

	ecfg, err := mapTaskEngineConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
		ecfg.Enabled = prevEng
	} else {
		a.engine.Apply(ctx, ecfg)
	}
	scfg, err := mapSchedulerConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
		return
	}
	a.sched.Apply(scfg)
	if err := a.registerTriggers(newCfg); err != nil {
		a.log.Warn("sweep triggers not updated", logx.Err(err))
	}

	if prevSched && !scfg.Enabled {
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	}
	if prevEng && !ecfg.Enabled {
		a.log.Info("task engine disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.engine.Stop(stopCtx)
		cancel()
	}
	if !prevEng && ecfg.Enabled {
		a.log.Info("task engine enabled via config")
		a.engine.Start(ctx)
	}
	if !prevSched && scfg.Enabled {
		a.log.Info("scheduler enabled via config")
		a.sched.Start(ctx)
	}
}
