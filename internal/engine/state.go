package engine

import (
	"fmt"
	"time"
)

// Phase is the position of a session in its scheduling loop.
type Phase int

const (
	PhaseIdle      Phase = iota // no timer armed
	PhaseScheduled              // timer armed for the next cycle
	PhaseFetching               // cycle in progress
	PhaseCancelled              // terminal
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseScheduled:
		return "scheduled"
	case PhaseFetching:
		return "fetching"
	case PhaseCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// transitions lists the legal moves out of each phase. A new timer is only
// armed from Idle or after a cycle resolves, so Fetching can never be
// entered twice without passing through Scheduled.
var transitions = map[Phase][]Phase{
	PhaseIdle:      {PhaseScheduled, PhaseCancelled},
	PhaseScheduled: {PhaseFetching, PhaseCancelled},
	PhaseFetching:  {PhaseScheduled, PhaseCancelled},
	PhaseCancelled: nil,
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to Phase) bool {
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// PollState is the scheduling state of one active conversation. It is
// created on activation, dropped on deactivation and never persisted.
type PollState struct {
	Phase    Phase
	Interval time.Duration // steady-state delay, or the failure delay after a failed cycle
	Burst    int           // fast cycles remaining
}

func newPollState(p Policy) PollState {
	return PollState{Phase: PhaseIdle, Interval: p.SteadyInterval}
}

func (s *PollState) transition(to Phase) error {
	if !CanTransition(s.Phase, to) {
		return fmt.Errorf("illegal transition %s -> %s", s.Phase, to)
	}
	s.Phase = to
	return nil
}

// nextDelay returns the delay for the timer about to be armed and consumes
// one burst cycle if any remain.
func (s *PollState) nextDelay(fast time.Duration) time.Duration {
	if s.Burst > 0 {
		s.Burst--
		return fast
	}
	return s.Interval
}

// grantBurst raises the burst allowance to at least n.
func (s *PollState) grantBurst(n int) {
	if s.Burst < n {
		s.Burst = n
	}
}

func (s *PollState) succeeded(p Policy) {
	s.Interval = p.SteadyInterval
}

// failed sets the jittered failure delay. The burst allowance is left alone.
func (s *PollState) failed(p Policy) time.Duration {
	s.Interval = p.failureDelay()
	return s.Interval
}
