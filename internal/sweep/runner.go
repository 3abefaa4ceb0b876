// Package sweep runs the periodic reminder sweeps.
//
// A sweep loads every candidate, then walks each subject through
// Candidate -> Evaluated -> Dispatched under a per-subject lock. Subject
// failures are counted and never abort the sweep; only a failure to load
// candidates does.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"reminderd/internal/dispatch"
	"reminderd/internal/domain"
	"reminderd/internal/eligibility"
	"reminderd/internal/eventbus"
	"reminderd/internal/metrics"
	logx "reminderd/pkg/logx"
)

type Store interface {
	ListCartCandidates(ctx context.Context, mutatedBefore time.Time) ([]domain.Cart, error)
	ListVerificationCandidates(ctx context.Context) ([]domain.User, error)
	GetCart(ctx context.Context, id string) (domain.Cart, error)
	GetUser(ctx context.Context, id string) (domain.User, error)
	SaveReminderTracking(ctx context.Context, userID string, t domain.ReminderTracking) error
	AppendAudit(ctx context.Context, e domain.AuditEntry) error
}

type Dispatcher interface {
	DispatchCart(ctx context.Context, cart *domain.Cart, owner domain.User, now time.Time) (dispatch.Outcome, error)
	DispatchVerification(ctx context.Context, user *domain.User, tier domain.Tier, missing []string, now time.Time) (dispatch.Outcome, error)
}

type Config struct {
	// Parallelism bounds concurrent subjects; 1 or less is sequential.
	Parallelism    int
	CartInactivity time.Duration
}

type Deps struct {
	Store      Store
	Dispatcher Dispatcher
	Metrics    *metrics.Metrics
	Bus        eventbus.Bus
	Log        logx.Logger
}

type Runner struct {
	deps  Deps
	log   logx.Logger
	locks *keyLock

	mu   sync.RWMutex
	cfg  Config
	eval eligibility.Evaluator

	lastMu sync.Mutex
	last   map[string]Report
}

func New(cfg Config, deps Deps) *Runner {
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop{}
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	r := &Runner{
		deps:  deps,
		log:   deps.Log.With(logx.String("comp", "sweep")),
		locks: newKeyLock(),
		last:  map[string]Report{},
	}
	r.Apply(cfg)
	return r
}

func (r *Runner) Apply(cfg Config) {
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 1
	}
	r.mu.Lock()
	r.cfg = cfg
	r.eval = eligibility.New(cfg.CartInactivity)
	r.mu.Unlock()
}

func (r *Runner) settings() (Config, eligibility.Evaluator) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg, r.eval
}

// Last returns the most recent report of sweep, if any ran.
func (r *Runner) Last(sweep string) (Report, bool) {
	r.lastMu.Lock()
	defer r.lastMu.Unlock()
	rep, ok := r.last[sweep]
	return rep, ok
}

// RunCarts sweeps abandoned carts as of the logical time now.
func (r *Runner) RunCarts(ctx context.Context, now time.Time) (Report, error) {
	cfg, eval := r.settings()
	return r.run(ctx, SweepCarts, now, cfg, func(ctx context.Context) ([]string, error) {
		carts, err := r.deps.Store.ListCartCandidates(ctx, now.Add(-eval.CartInactivity))
		if err != nil {
			return nil, err
		}
		ids := make([]string, 0, len(carts))
		for _, c := range carts {
			ids = append(ids, c.ID)
		}
		return ids, nil
	}, func(ctx context.Context, id string) result {
		return r.processCart(ctx, eval, id, now)
	})
}

// RunVerification sweeps professionals with incomplete verification.
func (r *Runner) RunVerification(ctx context.Context, now time.Time) (Report, error) {
	cfg, eval := r.settings()
	return r.run(ctx, SweepVerification, now, cfg, func(ctx context.Context) ([]string, error) {
		users, err := r.deps.Store.ListVerificationCandidates(ctx)
		if err != nil {
			return nil, err
		}
		ids := make([]string, 0, len(users))
		for _, u := range users {
			ids = append(ids, u.ID)
		}
		return ids, nil
	}, func(ctx context.Context, id string) result {
		return r.processUser(ctx, eval, id, now)
	})
}

func (r *Runner) run(ctx context.Context, sweep string, now time.Time, cfg Config,
	load func(context.Context) ([]string, error), process func(context.Context, string) result) (Report, error) {
	started := time.Now()
	log := r.log.With(logx.String("sweep", sweep), logx.Time("at", now))

	ids, err := load(ctx)
	if err != nil {
		r.deps.Metrics.Failure(sweep)
		log.Error("sweep aborted: candidates not loaded", logx.Err(err))
		return Report{Sweep: sweep, At: now, StartedAt: started}, fmt.Errorf("sweep: load candidates: %w", err)
	}
	r.deps.Metrics.Candidates(sweep, len(ids))
	log.Debug("sweep started", logx.Int("candidates", len(ids)))

	t := &tally{rep: Report{Sweep: sweep, At: now, StartedAt: started, Candidates: len(ids)}}
	each := func(id string) {
		res := process(ctx, id)
		r.deps.Metrics.Outcome(sweep, res.outcome)
		t.record(res)
	}

	if cfg.Parallelism <= 1 {
		for _, id := range ids {
			if ctx.Err() != nil {
				break
			}
			each(id)
		}
	} else {
		var g errgroup.Group
		g.SetLimit(cfg.Parallelism)
		for _, id := range ids {
			if ctx.Err() != nil {
				break
			}
			g.Go(func() error {
				each(id)
				return nil
			})
		}
		_ = g.Wait()
	}

	rep := t.report()
	rep.Duration = time.Since(started)
	r.deps.Metrics.Duration(sweep, rep.Duration)
	r.finish(ctx, rep)
	log.Info("sweep finished",
		logx.Int("candidates", rep.Candidates), logx.Int("sent", rep.Sent),
		logx.Int("skipped_no_credential", rep.NoCred), logx.Int("transport_failed", rep.Failed),
		logx.Int("ineligible", rep.Ineligible), logx.Int("stopped", rep.Stopped),
		logx.Int("errors", rep.Errors), logx.Duration("took", rep.Duration))

	if err := ctx.Err(); err != nil {
		return rep, fmt.Errorf("sweep interrupted: %w", err)
	}
	return rep, nil
}

func (r *Runner) finish(ctx context.Context, rep Report) {
	r.lastMu.Lock()
	r.last[rep.Sweep] = rep
	r.lastMu.Unlock()

	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	entry := domain.AuditEntry{At: time.Now(), Kind: "sweep." + rep.Sweep, Message: rep.String(), Fields: rep.fields()}
	if err := r.deps.Store.AppendAudit(actx, entry); err != nil {
		r.log.Warn("audit append failed", logx.String("sweep", rep.Sweep), logx.Err(err))
	}
	r.deps.Bus.Publish(eventbus.Event{Type: eventbus.TypeSweepFinished, Data: rep})
}

func (r *Runner) processCart(ctx context.Context, eval eligibility.Evaluator, id string, now time.Time) result {
	unlock := r.locks.Lock("cart:" + id)
	defer unlock()
	log := r.log.With(logx.String("cart_id", id))

	// Re-read under the lock so a concurrent sweep's update is observed.
	cart, err := r.deps.Store.GetCart(ctx, id)
	if err != nil {
		log.Warn("cart not loaded", logx.Err(err))
		return result{outcome: OutcomeError, reason: "load_failed"}
	}
	dec, err := eval.EvaluateCart(cart, now)
	if err != nil {
		log.Warn("cart not evaluated", logx.Err(err))
		return result{outcome: OutcomeError, reason: "invalid_record"}
	}
	if !dec.Eligible {
		return result{outcome: OutcomeIneligible, reason: string(dec.Reason)}
	}
	owner, err := r.deps.Store.GetUser(ctx, cart.OwnerID)
	if err != nil {
		log.Warn("cart owner not loaded", logx.String("owner_id", cart.OwnerID), logx.Err(err))
		return result{outcome: OutcomeError, reason: "owner_not_found"}
	}
	out, err := r.deps.Dispatcher.DispatchCart(ctx, &cart, owner, now)
	return dispatched(out, err)
}

func (r *Runner) processUser(ctx context.Context, eval eligibility.Evaluator, id string, now time.Time) result {
	unlock := r.locks.Lock("user:" + id)
	defer unlock()
	log := r.log.With(logx.String("user_id", id))

	u, err := r.deps.Store.GetUser(ctx, id)
	if err != nil {
		log.Warn("user not loaded", logx.Err(err))
		return result{outcome: OutcomeError, reason: "load_failed"}
	}
	dec, err := eval.EvaluateVerification(u, now)
	if err != nil {
		log.Warn("user not evaluated", logx.Err(err))
		return result{outcome: OutcomeError, reason: "invalid_record"}
	}
	if dec.StopReminders && !u.Reminders.PermanentlyStopped {
		u.StopReminders()
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		err := r.deps.Store.SaveReminderTracking(pctx, u.ID, u.Reminders)
		cancel()
		if err != nil {
			log.Error("stop flag not persisted", logx.Err(fmt.Errorf("%w: %w", domain.ErrPersistence, err)))
			return result{outcome: OutcomeIneligible, reason: string(dec.Reason), persist: true}
		}
		log.Info("verification reminders stopped", logx.String("reason", string(dec.Reason)))
		r.deps.Bus.Publish(eventbus.Event{Type: eventbus.TypeRemindersStopped, Data: dispatch.Event{
			Kind: domain.KindVerificationReminder, SubjectID: u.ID, UserID: u.ID,
		}})
		return result{outcome: OutcomeIneligible, reason: string(dec.Reason), stopped: true}
	}
	if !dec.Eligible {
		return result{outcome: OutcomeIneligible, reason: string(dec.Reason)}
	}
	out, err := r.deps.Dispatcher.DispatchVerification(ctx, &u, dec.Tier, dec.Missing, now)
	return dispatched(out, err)
}

func dispatched(out dispatch.Outcome, err error) result {
	if errors.Is(err, domain.ErrEvaluation) {
		return result{outcome: OutcomeError, reason: string(out)}
	}
	return result{outcome: string(out), persist: errors.Is(err, domain.ErrPersistence)}
}
