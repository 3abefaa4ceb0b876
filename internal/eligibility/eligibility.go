// Package eligibility decides whether a subject may be reminded now.
//
// Evaluation is pure: the same subject and time always yield the same
// Decision. Side effects decided here (the permanent stop flag) are returned
// to the caller, which persists them.
package eligibility

import (
	"fmt"
	"strings"
	"time"

	"reminderd/internal/domain"
)

const (
	DefaultCartInactivity = 24 * time.Hour

	WeeklyCap  = 4
	MonthlyCap = 3

	week = 7 * 24 * time.Hour
)

// Reason explains a Decision. Values are stable and used as log/metric labels.
type Reason string

const (
	ReasonEligible        Reason = "eligible"
	ReasonWrongRole       Reason = "wrong_role"
	ReasonBlocked         Reason = "blocked"
	ReasonStopped         Reason = "permanently_stopped"
	ReasonFullyVerified   Reason = "fully_verified"
	ReasonCutoff          Reason = "hard_cutoff"
	ReasonWeeklyCap       Reason = "weekly_cap_reached"
	ReasonGracePeriod     Reason = "grace_period"
	ReasonWeeklyCooldown  Reason = "weekly_cooldown"
	ReasonMonthlyCap      Reason = "monthly_cap_reached"
	ReasonMonthlyCooldown Reason = "monthly_cooldown"
	ReasonEmptyCart       Reason = "empty_cart"
	ReasonRecentlyActive  Reason = "recently_active"
	ReasonAlreadyNotified Reason = "already_notified"
)

type Decision struct {
	Eligible bool
	Tier     domain.Tier
	Reason   Reason
	// StopReminders asks the caller to persist the terminal stop flag.
	StopReminders bool
	// Missing lists unverified artifacts for verification subjects.
	Missing []string
}

func ineligible(r Reason) Decision { return Decision{Reason: r} }

// Evaluator holds the tunables of the eligibility rules.
type Evaluator struct {
	CartInactivity time.Duration
}

func New(cartInactivity time.Duration) Evaluator {
	if cartInactivity <= 0 {
		cartInactivity = DefaultCartInactivity
	}
	return Evaluator{CartInactivity: cartInactivity}
}

// EvaluateVerification applies the verification cadence rules in order:
// role/blocked/stopped, missing artifacts, hard cutoff, tier, tier limits.
func (e Evaluator) EvaluateVerification(u domain.User, now time.Time) (Decision, error) {
	if err := validateUser(u); err != nil {
		return Decision{}, err
	}
	if u.Role != domain.RoleProfessional {
		return ineligible(ReasonWrongRole), nil
	}
	if u.IsBlocked {
		return ineligible(ReasonBlocked), nil
	}
	if u.Reminders.PermanentlyStopped {
		return ineligible(ReasonStopped), nil
	}

	missing := u.MissingArtifacts()
	if len(missing) == 0 {
		return ineligible(ReasonFullyVerified), nil
	}

	if now.After(u.CreatedAt.AddDate(0, 4, 0)) {
		return Decision{Reason: ReasonCutoff, StopReminders: true, Missing: missing}, nil
	}

	tier := TierAt(u.CreatedAt, now)
	d := Decision{Tier: tier, Missing: missing}
	rt := u.Reminders

	switch tier {
	case domain.TierWeekly:
		if rt.WeeklySent >= WeeklyCap {
			d.Reason = ReasonWeeklyCap
			return d, nil
		}
		if now.Sub(u.CreatedAt) < week {
			d.Reason = ReasonGracePeriod
			return d, nil
		}
		if rt.LastSentAt != nil && now.Sub(*rt.LastSentAt) < week {
			d.Reason = ReasonWeeklyCooldown
			return d, nil
		}
	case domain.TierMonthly:
		if rt.MonthlySent >= MonthlyCap {
			d.Reason = ReasonMonthlyCap
			return d, nil
		}
		if now.Before(nextMonthlyAt(u)) {
			d.Reason = ReasonMonthlyCooldown
			return d, nil
		}
	}

	d.Eligible = true
	d.Reason = ReasonEligible
	return d, nil
}

// TierAt classifies the cadence tier from the signup time. The first
// calendar month after signup is weekly, everything later is monthly.
func TierAt(createdAt, now time.Time) domain.Tier {
	if !now.After(createdAt.AddDate(0, 1, 0)) {
		return domain.TierWeekly
	}
	return domain.TierMonthly
}

// nextMonthlyAt is the earliest time the next monthly reminder may go out.
// The first monthly reminder is anchored to signup, not to the weekly phase.
func nextMonthlyAt(u domain.User) time.Time {
	rt := u.Reminders
	if rt.MonthlySent == 0 || rt.LastSentAt == nil {
		return u.CreatedAt.AddDate(0, 1, 0)
	}
	return rt.LastSentAt.AddDate(0, 1, 0)
}

// EvaluateCart applies the abandoned-cart rules: at least one item, inactive
// for the configured threshold and not already notified for this state.
func (e Evaluator) EvaluateCart(c domain.Cart, now time.Time) (Decision, error) {
	if err := validateCart(c); err != nil {
		return Decision{}, err
	}
	if c.ItemCount() == 0 {
		return ineligible(ReasonEmptyCart), nil
	}
	threshold := e.CartInactivity
	if threshold <= 0 {
		threshold = DefaultCartInactivity
	}
	if now.Sub(c.LastMutatedAt) < threshold {
		return ineligible(ReasonRecentlyActive), nil
	}
	if ShouldSuppress(c) {
		return ineligible(ReasonAlreadyNotified), nil
	}
	return Decision{Eligible: true, Reason: ReasonEligible}, nil
}

// ShouldSuppress reports whether the cart was already notified for its
// current mutation state. Timestamps must be equal, not merely close.
func ShouldSuppress(c domain.Cart) bool {
	last := c.Abandoned.LastNotifiedForMutationAt
	return last != nil && last.Equal(c.LastMutatedAt)
}

func validateUser(u domain.User) error {
	switch {
	case strings.TrimSpace(u.ID) == "":
		return fmt.Errorf("%w: user without id", domain.ErrEvaluation)
	case u.CreatedAt.IsZero():
		return fmt.Errorf("%w: user %s has no created_at", domain.ErrEvaluation, u.ID)
	case u.Reminders.WeeklySent < 0 || u.Reminders.MonthlySent < 0:
		return fmt.Errorf("%w: user %s has negative reminder counters", domain.ErrEvaluation, u.ID)
	}
	return nil
}

func validateCart(c domain.Cart) error {
	switch {
	case strings.TrimSpace(c.ID) == "":
		return fmt.Errorf("%w: cart without id", domain.ErrEvaluation)
	case strings.TrimSpace(c.OwnerID) == "":
		return fmt.Errorf("%w: cart %s has no owner", domain.ErrEvaluation, c.ID)
	case c.LastMutatedAt.IsZero():
		return fmt.Errorf("%w: cart %s has no last_mutated_at", domain.ErrEvaluation, c.ID)
	}
	for i, it := range c.Items {
		if it.Quantity < 0 {
			return fmt.Errorf("%w: cart %s item %d has negative quantity", domain.ErrEvaluation, c.ID, i)
		}
	}
	return nil
}
