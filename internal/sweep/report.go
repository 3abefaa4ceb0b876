package sweep

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"reminderd/internal/dispatch"
)

const (
	SweepCarts        = "carts"
	SweepVerification = "verification"
)

// Per-subject terminal states besides the dispatch outcomes.
const (
	OutcomeIneligible = "ineligible"
	OutcomeError      = "error"
)

// Report summarizes one sweep.
type Report struct {
	Sweep      string         `json:"sweep"`
	At         time.Time      `json:"at"`
	StartedAt  time.Time      `json:"started_at"`
	Duration   time.Duration  `json:"duration"`
	Candidates int            `json:"candidates"`
	Processed  int            `json:"processed"`
	Sent       int            `json:"sent"`
	NoCred     int            `json:"skipped_no_credential"`
	Failed     int            `json:"transport_failed"`
	Ineligible int            `json:"ineligible"`
	Stopped    int            `json:"stopped"`
	Errors     int            `json:"errors"`
	Persist    int            `json:"persistence_failures"`
	Reasons    map[string]int `json:"reasons,omitempty"`
}

func (r Report) String() string {
	return fmt.Sprintf("%s sweep: candidates=%d sent=%d skipped_no_credential=%d transport_failed=%d ineligible=%d stopped=%d errors=%d",
		r.Sweep, r.Candidates, r.Sent, r.NoCred, r.Failed, r.Ineligible, r.Stopped, r.Errors)
}

func (r Report) fields() map[string]string {
	return map[string]string{
		"at":                    r.At.UTC().Format(time.RFC3339),
		"candidates":            strconv.Itoa(r.Candidates),
		"sent":                  strconv.Itoa(r.Sent),
		"skipped_no_credential": strconv.Itoa(r.NoCred),
		"transport_failed":      strconv.Itoa(r.Failed),
		"ineligible":            strconv.Itoa(r.Ineligible),
		"stopped":               strconv.Itoa(r.Stopped),
		"errors":                strconv.Itoa(r.Errors),
		"persistence_failures":  strconv.Itoa(r.Persist),
		"duration":              r.Duration.String(),
	}
}

// result is the terminal state of one subject in one sweep.
type result struct {
	outcome string
	reason  string
	stopped bool
	persist bool
}

// tally collects subject results from concurrent workers.
type tally struct {
	mu  sync.Mutex
	rep Report
}

func (t *tally) record(res result) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := &t.rep
	r.Processed++
	switch res.outcome {
	case string(dispatch.OutcomeSent):
		r.Sent++
	case string(dispatch.OutcomeSkippedNoCredential):
		r.NoCred++
	case string(dispatch.OutcomeTransportFailed):
		r.Failed++
	case OutcomeIneligible:
		r.Ineligible++
	default:
		r.Errors++
	}
	if res.stopped {
		r.Stopped++
	}
	if res.persist {
		r.Persist++
	}
	if res.reason != "" {
		if r.Reasons == nil {
			r.Reasons = map[string]int{}
		}
		r.Reasons[res.reason]++
	}
}

func (t *tally) report() Report {
	t.mu.Lock()
	defer t.mu.Unlock()
	rep := t.rep
	if rep.Reasons != nil {
		cp := make(map[string]int, len(rep.Reasons))
		for k, v := range rep.Reasons {
			cp[k] = v
		}
		rep.Reasons = cp
	}
	return rep
}
