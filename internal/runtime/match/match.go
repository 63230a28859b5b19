// Package match tracks how many remote endpoints are currently matched with a
// local writer or reader and gates data flow on it.
package match

import (
	"sync/atomic"

	"github.com/drblury/latencyprobe/internal/runtime/logging"
)

// State is the externally visible match state.
type State int

const (
	Unmatched State = iota
	Matched
)

func (s State) String() string {
	if s == Matched {
		return "matched"
	}
	return "unmatched"
}

// MatchedStatus is the notification delivered to endpoint listeners whenever
// a remote endpoint matches or unmatches.
type MatchedStatus struct {
	TotalCount         int32  `json:"total_count"`
	TotalCountChange   int32  `json:"total_count_change"`
	CurrentCount       int32  `json:"current_count"`
	CurrentCountChange int32  `json:"current_count_change"`
	LastPeer           string `json:"last_peer,omitempty"`
}

// TransitionFunc is called after the state changes.
type TransitionFunc func(from, to State, count int64)

// Option configures a Tracker.
type Option func(*Tracker)

// WithTransitionHook registers fn for Unmatched/Matched transitions.
func WithTransitionHook(fn TransitionFunc) Option {
	return func(t *Tracker) { t.onTransition = fn }
}

// Tracker holds current_count. Apply may be called from substrate callbacks
// while Matched is read from the publish loop.
type Tracker struct {
	count        atomic.Int64
	log          logging.ServiceLogger
	onTransition TransitionFunc
}

// NewTracker returns a Tracker in the Unmatched state.
func NewTracker(log logging.ServiceLogger, opts ...Option) *Tracker {
	if log == nil {
		log = logging.NewNopLogger()
	}
	t := &Tracker{log: log}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Apply adds delta to the count. Only +1 and -1 are accepted; anything else
// is logged and ignored. Decrements are clamped at zero. The returned bool
// reports whether the call moved the tracker between states.
func (t *Tracker) Apply(delta int32) (State, bool) {
	if delta != 1 && delta != -1 {
		t.log.Warn("Ignoring anomalous match notification", logging.LogFields{
			"count_delta":   delta,
			"current_count": t.count.Load(),
		})
		return t.State(), false
	}

	for {
		old := t.count.Load()
		next := old + int64(delta)
		if next < 0 {
			t.log.Warn("Unmatch notification with no matched peers", logging.LogFields{"current_count": old})
			return Unmatched, false
		}
		if !t.count.CompareAndSwap(old, next) {
			continue
		}

		from, to := stateOf(old), stateOf(next)
		if from == to {
			return to, false
		}
		if t.onTransition != nil {
			t.onTransition(from, to, next)
		}
		return to, true
	}
}

// Observe applies the current count change carried by st.
func (t *Tracker) Observe(st MatchedStatus) (State, bool) {
	return t.Apply(st.CurrentCountChange)
}

// Count returns current_count.
func (t *Tracker) Count() int64 {
	return t.count.Load()
}

// State returns the current state.
func (t *Tracker) State() State {
	return stateOf(t.count.Load())
}

// Matched reports whether at least one peer is matched.
func (t *Tracker) Matched() bool {
	return t.count.Load() > 0
}

func stateOf(count int64) State {
	if count > 0 {
		return Matched
	}
	return Unmatched
}
