// Package inactivity drives the per-user inactivity state machine: when to
// probe, when to escalate and when a user is confirmed inactive.
package inactivity

import (
	"time"

	"github.com/legacyvault/legacyvault/internal/model"
)

// Transition reasons recorded in the ledger.
const (
	ReasonProbeDue       = "probe_due"
	ReasonResponse       = "response"
	ReasonEscalate       = "escalate"
	ReasonConfirmed      = "confirmed"
	ReasonPaused         = "paused"
	ReasonResumed        = "resumed"
	ReasonCancelled      = "cancelled"
	ReasonPolicyDisabled = "policy_disabled"
	ReasonWaiting        = "awaiting_outcome"
)

// Snapshot is everything Evaluate needs to decide the next step of a case.
type Snapshot struct {
	Case         *model.InactivityCase
	Policy       *model.InactivityPolicy
	LastActiveAt time.Time

	// Attempts of the current round, oldest first.
	Attempts []*model.CheckInAttempt

	// RespondedAt is the latest response since the round started, if any.
	RespondedAt *time.Time
}

// Probe is a check-in to queue.
type Probe struct {
	Seq       int
	Channel   model.Channel
	NotBefore time.Time
}

// Decision is the outcome of one evaluation. Apply it to the case after the
// ledger side effects have been written.
type Decision struct {
	From model.CaseState
	To   model.CaseState

	AttemptsSent   int
	RoundStartedAt time.Time
	NextEvalAt     *time.Time

	// Expire are in-flight attempts whose deadline passed.
	Expire []*model.CheckInAttempt
	// Withdraw are pending attempts superseded by a round reset.
	Withdraw []*model.CheckInAttempt
	// Unanswered is the round's unanswered evidence, including Expire.
	Unanswered []*model.CheckInAttempt

	Probe   *Probe
	Confirm bool
	Reason  string
}

// Changed reports whether the decision moves the case to another state.
func (d Decision) Changed() bool {
	return d.From != d.To
}

// Apply writes the decision onto c.
func (d Decision) Apply(c *model.InactivityCase, now time.Time) {
	c.State = d.To
	c.AttemptsSent = d.AttemptsSent
	c.RoundStartedAt = d.RoundStartedAt
	c.NextEvalAt = d.NextEvalAt
	if d.Probe != nil {
		c.ProbeSeq = d.Probe.Seq
	}
	if d.Confirm {
		c.ConfirmedAt = &now
		c.ClosedAt = &now
		c.CloseReason = model.CloseReasonConfirmed
	}
	c.UpdatedAt = now
}

// Evaluate decides the next step of a case. It has no side effects.
func Evaluate(s Snapshot, now time.Time) Decision {
	c := s.Case
	d := Decision{
		From:           c.State,
		To:             c.State,
		AttemptsSent:   c.AttemptsSent,
		RoundStartedAt: c.RoundStartedAt,
		NextEvalAt:     c.NextEvalAt,
	}

	if c.State.IsTerminal() || c.State == model.CaseStatePaused {
		d.NextEvalAt = nil
		return d
	}
	enabled := s.Policy != nil && s.Policy.Enabled

	// A response ends the round even when monitoring is switched off.
	if c.State.IsProbing() && s.RespondedAt != nil && s.RespondedAt.After(c.RoundStartedAt) {
		responded := *s.RespondedAt
		d.To = model.CaseStateActive
		d.AttemptsSent = 0
		d.RoundStartedAt = responded
		d.Reason = ReasonResponse
		for _, a := range s.Attempts {
			if a.Outcome == model.OutcomePending {
				d.Withdraw = append(d.Withdraw, a)
			}
		}
		d.NextEvalAt = nil
		if enabled {
			next := latest(s.LastActiveAt, responded).Add(s.Policy.Interval)
			d.NextEvalAt = &next
		}
		return d
	}

	if !enabled {
		d.NextEvalAt = nil
		d.Reason = ReasonPolicyDisabled
		return d
	}
	policy := s.Policy

	if c.State == model.CaseStateActive {
		due := latest(s.LastActiveAt, c.RoundStartedAt).Add(policy.Interval)
		if now.Before(due) {
			d.NextEvalAt = &due
			return d
		}
		d.To = model.CaseStateAwaitingResponse
		d.AttemptsSent = 0
		d.RoundStartedAt = now
		d.Reason = ReasonProbeDue
		d.Probe = &Probe{
			Seq:       nextSeq(c, s.Attempts),
			Channel:   policy.ChannelForProbe(1),
			NotBefore: now,
		}
		next := now.Add(policy.ResponseTimeout)
		d.NextEvalAt = &next
		return d
	}

	// AwaitingResponse or Escalating without a response.
	var wake *time.Time
	for _, a := range s.Attempts {
		switch {
		case a.Outcome == model.OutcomeUnanswered:
			d.Unanswered = append(d.Unanswered, a)
		case a.IsExpired(now):
			d.Expire = append(d.Expire, a)
			d.Unanswered = append(d.Unanswered, a)
		case a.Outcome == model.OutcomePending:
			w := pendingWake(a, policy, now)
			if wake == nil || w.Before(*wake) {
				wake = &w
			}
		}
	}
	d.AttemptsSent = len(d.Unanswered)

	if wake != nil {
		d.NextEvalAt = wake
		d.Reason = ReasonWaiting
		return d
	}

	if Confirmable(d.Unanswered, policy) {
		d.To = model.CaseStateConfirmedInactive
		d.Confirm = true
		d.NextEvalAt = nil
		d.Reason = ReasonConfirmed
		return d
	}

	d.To = model.CaseStateEscalating
	d.Reason = ReasonEscalate
	notBefore := nextProbeTime(d.Unanswered, policy, now)
	d.Probe = &Probe{
		Seq:       nextSeq(c, s.Attempts),
		Channel:   policy.ChannelForProbe(distinctSeqs(s.Attempts) + 1),
		NotBefore: notBefore,
	}
	next := notBefore.Add(policy.ResponseTimeout)
	d.NextEvalAt = &next
	return d
}

// Confirmable reports whether the unanswered attempts of a round are enough
// evidence to declare the user inactive: at least max(threshold, 3)
// attempts, sent on at least 3 distinct UTC days, spread over at least the
// grace period.
func Confirmable(unanswered []*model.CheckInAttempt, policy *model.InactivityPolicy) bool {
	var sent []time.Time
	for _, a := range unanswered {
		if a.SentAt != nil {
			sent = append(sent, *a.SentAt)
		}
	}
	if len(sent) < policy.RequiredUnanswered() {
		return false
	}
	if DistinctDays(sent) < model.MinDistinctDays {
		return false
	}
	first, last := sent[0], sent[0]
	for _, t := range sent[1:] {
		if t.Before(first) {
			first = t
		}
		if t.After(last) {
			last = t
		}
	}
	return last.Sub(first) >= policy.GracePeriod
}

// DistinctDays counts the distinct UTC calendar days among times.
func DistinctDays(times []time.Time) int {
	days := make(map[string]struct{}, len(times))
	for _, t := range times {
		days[t.UTC().Format(time.DateOnly)] = struct{}{}
	}
	return len(days)
}

// nextProbeTime returns the earliest time the next probe of a round may go
// out. A round that still needs more distinct days waits for the next UTC
// midnight when the last unanswered probe went out today. A round that only
// lacks spread waits until the grace period has elapsed since the first probe.
func nextProbeTime(unanswered []*model.CheckInAttempt, policy *model.InactivityPolicy, now time.Time) time.Time {
	var sent []time.Time
	for _, a := range unanswered {
		if a.SentAt != nil {
			sent = append(sent, *a.SentAt)
		}
	}
	if len(sent) == 0 {
		return now
	}

	first, last := sent[0], sent[0]
	for _, t := range sent[1:] {
		if t.Before(first) {
			first = t
		}
		if t.After(last) {
			last = t
		}
	}

	notBefore := now
	if DistinctDays(sent) < model.MinDistinctDays && sameUTCDay(last, now) {
		notBefore = nextUTCMidnight(now)
	}
	if len(sent) >= policy.RequiredUnanswered() && DistinctDays(sent) >= model.MinDistinctDays {
		if earliest := first.Add(policy.GracePeriod); earliest.After(notBefore) {
			notBefore = earliest
		}
	}
	return notBefore
}

// pendingWake is when a pending attempt should next be looked at.
func pendingWake(a *model.CheckInAttempt, policy *model.InactivityPolicy, now time.Time) time.Time {
	if a.DeadlineAt != nil {
		return *a.DeadlineAt
	}
	return latest(a.NotBefore, now).Add(policy.ResponseTimeout)
}

func nextSeq(c *model.InactivityCase, attempts []*model.CheckInAttempt) int {
	seq := c.ProbeSeq
	for _, a := range attempts {
		seq = max(seq, a.ProbeSeq)
	}
	return seq + 1
}

func distinctSeqs(attempts []*model.CheckInAttempt) int {
	seqs := make(map[int]struct{}, len(attempts))
	for _, a := range attempts {
		seqs[a.ProbeSeq] = struct{}{}
	}
	return len(seqs)
}

func sameUTCDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

func nextUTCMidnight(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}

func latest(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
