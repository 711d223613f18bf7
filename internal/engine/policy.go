package engine

import (
	"math/rand/v2"
	"time"
)

// Policy holds the tunable cadence and cold-start parameters of a session.
// The recency check and backfill sizes are best-effort heuristics for
// transports that under-report recent messages in small pages.
type Policy struct {
	SteadyInterval  time.Duration // delay between cycles when nothing is happening
	FastInterval    time.Duration // delay while burst cycles remain
	BurstCycles     int           // fast cycles granted on activation and on new messages
	FailureInterval time.Duration // base delay after a failed cycle
	FailureJitter   time.Duration // upper bound (exclusive) of the random delay added on failure

	HistoryLimit  int           // cold-start page size
	BackfillLimit int           // wider page fetched when the recency check finds unseen activity
	RecencyWindow   time.Duration // recency check window
	RecencyOnResume bool          // also check recency when a cursor already exists

	CallTimeout     time.Duration // watchdog around every collaborator call
	MaxPayloadBytes int           // drafts with a larger payload are rejected
}

// DefaultPolicy returns the standard cadence: 3 s steady, 1 s for 3 burst
// cycles, 5-6 s after a failure.
func DefaultPolicy() Policy {
	return Policy{
		SteadyInterval:  3 * time.Second,
		FastInterval:    time.Second,
		BurstCycles:     3,
		FailureInterval: 5 * time.Second,
		FailureJitter:   time.Second,
		HistoryLimit:    100,
		BackfillLimit:   150,
		RecencyWindow:     10 * time.Minute,
		CallTimeout:     30 * time.Second,
		MaxPayloadBytes: 8192,
	}
}

// withDefaults fills every zero field from DefaultPolicy.
func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.SteadyInterval <= 0 {
		p.SteadyInterval = d.SteadyInterval
	}
	if p.FastInterval <= 0 {
		p.FastInterval = d.FastInterval
	}
	if p.BurstCycles < 0 {
		p.BurstCycles = 0
	}
	if p.FailureInterval <= 0 {
		p.FailureInterval = d.FailureInterval
	}
	if p.FailureJitter < 0 {
		p.FailureJitter = 0
	}
	if p.HistoryLimit <= 0 {
		p.HistoryLimit = d.HistoryLimit
	}
	if p.BackfillLimit <= 0 {
		p.BackfillLimit = d.BackfillLimit
	}
	if p.RecencyWindow <= 0 {
		p.RecencyWindow = d.RecencyWindow
	}
	if p.CallTimeout <= 0 {
		p.CallTimeout = d.CallTimeout
	}
	if p.MaxPayloadBytes <= 0 {
		p.MaxPayloadBytes = d.MaxPayloadBytes
	}
	return p
}

// MinFailureDelay and MaxFailureDelay bound the delay scheduled after a failed cycle.
func (p Policy) MinFailureDelay() time.Duration { return p.FailureInterval }
func (p Policy) MaxFailureDelay() time.Duration { return p.FailureInterval + p.FailureJitter }

// failureDelay returns FailureInterval plus a uniform jitter in [0, FailureJitter).
// The jitter keeps conversations that failed together from retrying together.
func (p Policy) failureDelay() time.Duration {
	if p.FailureJitter <= 0 {
		return p.FailureInterval
	}
	return p.FailureInterval + time.Duration(rand.Int64N(int64(p.FailureJitter)))
}
