package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/eldtechnologies/dmsync/internal/chatlog"
	"github.com/eldtechnologies/dmsync/internal/metrics"
	"github.com/eldtechnologies/dmsync/internal/models"
)

var tracer = otel.Tracer("github.com/eldtechnologies/dmsync/internal/engine")

// session is the sync loop of one active conversation. The conversation id
// is the counterpart's address.
type session struct {
	id      string
	fetcher Fetcher
	log     chatlog.Log
	cursor  chatlog.Cursor
	policy  Policy
	clock   Clock
	logger  zerolog.Logger
	publish func(Update)

	cancel context.CancelFunc
	done   chan struct{}

	// mu serializes every mutation of the read models with deactivation.
	// Once cancelled is set nothing is merged, advanced or rescheduled.
	mu        sync.Mutex
	state     PollState
	cancelled bool
	position  int64 // cursor passed to the next FetchSince
}

func (s *session) run(ctx context.Context) {
	defer close(s.done)

	s.seed(ctx)

	for {
		delay, ok := s.schedule()
		if !ok {
			return
		}

		timer := s.clock.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.stop()
			return
		case <-timer.C():
		}

		if !s.enter(PhaseFetching) {
			return
		}
		s.cycle(ctx)
	}
}

// stop moves the session to Cancelled. It is safe to call more than once
// and from any goroutine.
func (s *session) stop() {
	s.mu.Lock()
	if !s.cancelled {
		s.cancelled = true
		_ = s.state.transition(PhaseCancelled)
	}
	s.mu.Unlock()
	s.cancel()
}

// schedule arms the next delay: Idle or Fetching → Scheduled.
func (s *session) schedule() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancelled {
		return 0, false
	}
	if err := s.state.transition(PhaseScheduled); err != nil {
		s.logger.Error().Err(err).Msg("scheduler state corrupted")
		return 0, false
	}
	delay := s.state.nextDelay(s.policy.FastInterval)
	s.logger.Debug().
		Dur("delay", delay).
		Int("burst_remaining", s.state.Burst).
		Msg("next cycle scheduled")
	return delay, true
}

func (s *session) enter(to Phase) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancelled {
		return false
	}
	if err := s.state.transition(to); err != nil {
		s.logger.Error().Err(err).Msg("scheduler state corrupted")
		return false
	}
	return true
}

func (s *session) snapshot() PollState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// seed primes the log on cold start, runs the recency check and seeds the
// cursor. A resumed conversation keeps its stored cursor: the log may hold
// records from the send path that no fetch has covered yet. A cold start
// seeds from the newest fetched record, or from the time the history was
// requested when nothing came back.
func (s *session) seed(ctx context.Context) {
	stored, hasCursor, err := s.cursor.Get(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to read cursor, treating as cold start")
		hasCursor = false
	}

	target := stored
	if !hasCursor {
		requested := s.clock.Now().UnixMilli()
		target = max(s.loadHistory(ctx, s.policy.HistoryLimit), s.checkRecency(ctx))
		if target == 0 {
			target = requested
		}
	} else if s.policy.RecencyOnResume {
		// The backfill page may end anywhere past a gap; the next
		// FetchSince from the stored cursor fills it.
		s.checkRecency(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return
	}

	pos, err := s.cursor.Advance(ctx, target)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to store seeded cursor")
		pos = target
	}
	s.position = pos
	s.state.grantBurst(s.policy.BurstCycles)

	s.logger.Info().
		Bool("cold_start", !hasCursor).
		Int64("cursor", pos).
		Msg("conversation seeded")
	s.publish(Update{ConversationID: s.id, Cursor: pos})
}

// loadHistory fetches and merges one page of recent history and returns the
// newest timestamp fetched. Failures are logged and absorbed; they return 0.
func (s *session) loadHistory(ctx context.Context, limit int) int64 {
	msgs, err := call(ctx, s.policy.CallTimeout, func(ctx context.Context) ([]models.Message, error) {
		return s.fetcher.FetchRecentHistory(ctx, s.id, limit)
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return 0
	}
	if err != nil {
		s.logger.Warn().Err(asTransport("fetch history", err)).Int("limit", limit).Msg("history load failed")
		return 0
	}

	added, err := s.log.Merge(ctx, msgs)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to merge history")
		return 0
	}
	metrics.SyncMessagesMerged.Add(float64(len(added)))
	s.logger.Debug().Int("fetched", len(msgs)).Int("added", len(added)).Int("limit", limit).Msg("history loaded")
	if len(added) > 0 {
		s.publish(Update{ConversationID: s.id, Added: added})
	}
	return newest(msgs)
}

// checkRecency asks the transport whether the counterpart wrote recently and
// backfills a wider page when none of those messages made it into the log.
// It returns the newest timestamp the backfill fetched, or 0.
func (s *session) checkRecency(ctx context.Context) int64 {
	window := s.policy.RecencyWindow
	active, err := call(ctx, s.policy.CallTimeout, func(ctx context.Context) (bool, error) {
		return s.fetcher.HasRecentActivity(ctx, s.id, window)
	})
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn().Err(asTransport("check activity", err)).Msg("recency check failed")
		}
		return 0
	}
	if !active {
		return 0
	}

	since := s.clock.Now().Add(-window).UnixMilli()
	present, err := s.log.HasFromSince(ctx, s.id, since)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to check log for recent messages")
	}
	if present {
		return 0
	}

	s.logger.Info().Dur("window", window).Int("limit", s.policy.BackfillLimit).Msg("recent activity missing from log, backfilling")
	metrics.SyncBackfills.Inc()
	return s.loadHistory(ctx, s.policy.BackfillLimit)
}

// cycle runs one fetch-merge-dedup pass.
func (s *session) cycle(ctx context.Context) {
	start := time.Now()
	cursor := s.position

	cctx, span := tracer.Start(ctx, "sync.cycle", trace.WithAttributes(
		attribute.String("conversation", s.id),
		attribute.Int64("cursor", cursor),
	))
	defer span.End()

	batch, fetchErr := call(cctx, s.policy.CallTimeout, func(ctx context.Context) ([]models.Message, error) {
		return s.fetcher.FetchSince(ctx, s.id, cursor)
	})
	added, err := s.apply(ctx, batch, fetchErr)

	metrics.SyncCycleDuration.Observe(time.Since(start).Seconds())
	switch {
	case errors.Is(err, errCancelled):
		metrics.SyncCycles.WithLabelValues("cancelled").Inc()
		span.SetAttributes(attribute.Bool("discarded", true))
		s.logger.Debug().Int("fetched", len(batch)).Msg("cycle resolved after deactivation, result discarded")
	case err != nil:
		metrics.SyncCycles.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "cycle failed")
	default:
		metrics.SyncCycles.WithLabelValues("ok").Inc()
		span.SetAttributes(attribute.Int("added", added))
	}
}

// apply folds a fetch result into the read models and the poll state.
func (s *session) apply(ctx context.Context, batch []models.Message, fetchErr error) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancelled || ctx.Err() != nil {
		return 0, errCancelled
	}

	if fetchErr != nil {
		err := asTransport("fetch since", fetchErr)
		delay := s.state.failed(s.policy)
		s.logger.Warn().Err(err).Dur("retry_in", delay).Msg("fetch cycle failed")
		return 0, err
	}

	added, err := s.log.Merge(ctx, batch)
	if err != nil {
		delay := s.state.failed(s.policy)
		s.logger.Warn().Err(err).Dur("retry_in", delay).Msg("failed to merge fetched messages")
		return 0, fmt.Errorf("merge: %w", err)
	}
	metrics.SyncDuplicatesDropped.Add(float64(len(batch) - len(added)))

	if len(added) > 0 {
		metrics.SyncMessagesMerged.Add(float64(len(added)))
		s.state.grantBurst(s.policy.BurstCycles)
	}

	prev := s.position
	pos, err := s.advance(ctx, newest(batch))
	if err != nil {
		delay := s.state.failed(s.policy)
		s.logger.Warn().Err(err).Dur("retry_in", delay).Msg("failed to advance cursor")
		return len(added), err
	}
	s.state.succeeded(s.policy)

	u := Update{ConversationID: s.id, Added: added}
	if pos != prev {
		u.Cursor = pos
	}
	if len(added) > 0 {
		s.logger.Debug().Int("fetched", len(batch)).Int("added", len(added)).Int64("cursor", pos).Msg("merged new messages")
	}
	if len(u.Added) > 0 || u.Cursor != 0 {
		s.publish(u)
	}
	return len(added), nil
}

// advance moves the cursor past a fetched batch. Only fetched records
// count: a record merged by the send path while FetchSince was in flight
// says nothing about what the counterpart wrote before it.
func (s *session) advance(ctx context.Context, fetched int64) (int64, error) {
	target := max(s.position, fetched)
	if target == s.position {
		return s.position, nil
	}

	pos, err := s.cursor.Advance(ctx, target)
	if err != nil {
		return s.position, err
	}
	s.position = pos
	return pos, nil
}

// newest returns the largest timestamp in msgs, or 0 when it is empty.
func newest(msgs []models.Message) int64 {
	var ts int64
	for _, m := range msgs {
		ts = max(ts, m.Timestamp)
	}
	return ts
}

// call runs fn under a watchdog. It returns when fn does or when ctx is
// done or timeout elapses, whichever comes first, so a collaborator that
// ignores its context cannot hold the loop hostage.
func call[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
