package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/dmsync/internal/models"
)

func TestColdStartSeedsCursorFromHistory(t *testing.T) {
	tr := &fakeTransport{
		history: func(limit int) ([]models.Message, error) {
			return page("h", 40, 1000), nil
		},
	}
	h := newHarness(t, tr, nil)

	tm := h.activate(t)
	p := h.engine.Policy()

	require.Len(t, h.messages(t), 40)
	require.Equal(t, int64(1000), h.cursor(t))
	require.Equal(t, []int{p.HistoryLimit}, tr.historyCalls)
	require.Equal(t, 1, tr.activityCalls)

	// Initial burst: three fast cycles, then steady.
	require.Equal(t, p.FastInterval, tm.d)
	state, err := h.engine.PollState(peer)
	require.NoError(t, err)
	require.Equal(t, PhaseScheduled, state.Phase)
	require.Equal(t, p.BurstCycles-1, state.Burst)

	for i := 0; i < 2; i++ {
		tm.fire()
		tm = h.clock.next(t)
		require.Equal(t, p.FastInterval, tm.d)
	}
	tm.fire()
	tm = h.clock.next(t)
	require.Equal(t, p.SteadyInterval, tm.d)
	require.Equal(t, int64(1000), tr.lastCursor())
}

func TestColdStartWithEmptyLogSeedsNow(t *testing.T) {
	h := newHarness(t, nil, nil)

	h.activate(t)

	require.Empty(t, h.messages(t))
	require.Equal(t, h.clock.Now().UnixMilli(), h.cursor(t))
}

func TestColdStartSurvivesSeedingFailures(t *testing.T) {
	tr := &fakeTransport{
		history: func(int) ([]models.Message, error) {
			return nil, errors.New("connection refused")
		},
		activeErr: errors.New("connection refused"),
	}
	h := newHarness(t, tr, nil)

	tm := h.activate(t)

	require.Equal(t, h.engine.Policy().FastInterval, tm.d)
	require.Equal(t, h.clock.Now().UnixMilli(), h.cursor(t))
}

func TestColdStartBackfillsWhenPeerWasRecentlyActive(t *testing.T) {
	recent := message("fresh", 9_900_000, peer)
	tr := &fakeTransport{
		active: true,
		history: func(limit int) ([]models.Message, error) {
			if limit == DefaultPolicy().BackfillLimit {
				return append(page("h", 10, 1000), recent), nil
			}
			return page("h", 10, 1000), nil
		},
	}
	h := newHarness(t, tr, nil)

	h.activate(t)

	p := h.engine.Policy()
	require.Equal(t, []int{p.HistoryLimit, p.BackfillLimit}, tr.historyCalls)
	msgs := h.messages(t)
	require.Len(t, msgs, 11)
	require.Equal(t, "fresh", msgs[len(msgs)-1].ID)
	require.Equal(t, recent.Timestamp, h.cursor(t))
}

func TestColdStartSkipsBackfillWhenActivityIsLoaded(t *testing.T) {
	tr := &fakeTransport{
		active: true,
		history: func(int) ([]models.Message, error) {
			return []models.Message{message("fresh", 9_900_000, peer)}, nil
		},
	}
	h := newHarness(t, tr, nil)

	h.activate(t)

	require.Equal(t, []int{h.engine.Policy().HistoryLimit}, tr.historyCalls)
}

func TestColdStartBackfillIgnoresOwnRecentMessages(t *testing.T) {
	tr := &fakeTransport{
		active: true,
		history: func(int) ([]models.Message, error) {
			// Only our own message is recent; the counterpart's is not loaded.
			return []models.Message{message("mine", 9_900_000, self)}, nil
		},
	}
	h := newHarness(t, tr, nil)

	h.activate(t)

	p := h.engine.Policy()
	require.Equal(t, []int{p.HistoryLimit, p.BackfillLimit}, tr.historyCalls)
}

func TestResumeKeepsCursorAndSkipsHistory(t *testing.T) {
	tr := &fakeTransport{active: true}
	h := newHarness(t, tr, nil)
	ctx := context.Background()

	// Our own message went out while the conversation was inactive; the
	// counterpart may have written before it.
	_, err := h.store.Log(peer).Merge(ctx, []models.Message{message("mine", 900, self)})
	require.NoError(t, err)
	_, err = h.store.Cursor(peer).Advance(ctx, 500)
	require.NoError(t, err)

	tm := h.activate(t)
	require.Equal(t, h.engine.Policy().FastInterval, tm.d)
	require.Empty(t, tr.historyCalls)
	require.Zero(t, tr.activityCalls)

	require.Equal(t, int64(500), h.cursor(t))
	tm.fire()
	h.clock.next(t)
	require.Equal(t, int64(500), tr.lastCursor())
}

func TestResumeChecksRecencyWhenConfigured(t *testing.T) {
	tr := &fakeTransport{
		active: true,
		history: func(int) ([]models.Message, error) {
			return page("b", 5, 9_900_000), nil
		},
	}
	h := newHarness(t, tr, func(p *Policy) { p.RecencyOnResume = true })
	_, err := h.store.Cursor(peer).Advance(context.Background(), 500)
	require.NoError(t, err)

	h.activate(t)

	require.Equal(t, 1, tr.activityCalls)
	require.Equal(t, []int{h.engine.Policy().BackfillLimit}, tr.historyCalls)
	require.Len(t, h.messages(t), 5)
	// Anything between the cursor and the backfilled page is still fetched.
	require.Equal(t, int64(500), h.cursor(t))
}

func TestColdStartIgnoresUnfetchedSentMessages(t *testing.T) {
	tr := &fakeTransport{
		history: func(int) ([]models.Message, error) {
			return page("h", 3, 1000), nil
		},
	}
	h := newHarness(t, tr, nil)
	_, err := h.store.Log(peer).Merge(context.Background(), []models.Message{message("mine", 5000, self)})
	require.NoError(t, err)

	h.activate(t)

	require.Equal(t, int64(1000), h.cursor(t))
}

func TestSubmitDuringFetchDoesNotMoveCursor(t *testing.T) {
	tr := &fakeTransport{}
	h := newHarness(t, tr, nil)

	tm := h.drainBurst(t, h.activate(t))
	seeded := h.cursor(t)

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	tr.setSince(func(context.Context, int64) ([]models.Message, error) {
		started <- struct{}{}
		<-release
		return nil, nil
	})
	tr.send = func(d models.Draft) (*models.Message, error) {
		m := message("s1", seeded+500, self)
		m.ClientID = d.ClientID
		return &m, nil
	}

	tm.fire()
	<-started
	_, err := h.engine.Submit(context.Background(), models.Draft{To: peer, Payload: "ct"})
	require.NoError(t, err)
	close(release)
	tm = h.clock.next(t)

	// The empty batch predates the send; the cursor must not skip past it.
	require.Equal(t, seeded, h.cursor(t))
	tr.setSince(nil)
	tm.fire()
	h.clock.next(t)
	require.Equal(t, seeded, tr.lastCursor())
}

func TestNewMessageGrantsBurst(t *testing.T) {
	tr := &fakeTransport{}
	h := newHarness(t, tr, nil)
	p := h.engine.Policy()

	tm := h.drainBurst(t, h.activate(t))
	seeded := h.cursor(t)

	incoming := message("m1", seeded+10, peer)
	tr.setSince(func(context.Context, int64) ([]models.Message, error) {
		return []models.Message{incoming}, nil
	})
	tm.fire()
	tm = h.clock.next(t)

	require.Equal(t, p.FastInterval, tm.d)
	require.Equal(t, []models.Message{incoming}, h.messages(t))
	require.Equal(t, incoming.Timestamp, h.cursor(t))
}

func TestDuplicateOnlyFetchAdvancesCursorWithoutBurst(t *testing.T) {
	tr := &fakeTransport{}
	h := newHarness(t, tr, nil)
	p := h.engine.Policy()

	tm := h.drainBurst(t, h.activate(t))
	seeded := h.cursor(t)

	sent := message("s1", seeded+500, self)
	tr.send = func(d models.Draft) (*models.Message, error) {
		m := sent
		m.ClientID = d.ClientID
		return &m, nil
	}
	_, err := h.engine.Submit(context.Background(), models.Draft{To: peer, Payload: "ct"})
	require.NoError(t, err)
	require.Len(t, h.messages(t), 1)
	require.Equal(t, seeded, h.cursor(t))

	tr.setSince(func(context.Context, int64) ([]models.Message, error) {
		return []models.Message{sent}, nil
	})
	tm.fire()
	tm = h.clock.next(t)

	require.Len(t, h.messages(t), 1)
	require.Equal(t, sent.Timestamp, h.cursor(t))
	require.Equal(t, p.SteadyInterval, tm.d)
}

func TestRepeatedFailuresBackOffWithinBounds(t *testing.T) {
	tr := &fakeTransport{}
	h := newHarness(t, tr, nil)
	p := h.engine.Policy()

	tm := h.drainBurst(t, h.activate(t))
	seeded := h.cursor(t)

	tr.setSince(func(context.Context, int64) ([]models.Message, error) {
		return nil, errors.New("503 service unavailable")
	})
	for i := 0; i < 3; i++ {
		tm.fire()
		tm = h.clock.next(t)
		require.GreaterOrEqual(t, tm.d, p.MinFailureDelay())
		require.Less(t, tm.d, p.MaxFailureDelay())
		require.Equal(t, seeded, h.cursor(t))
		require.Equal(t, seeded, tr.lastCursor())
	}
	require.True(t, h.engine.Active(peer))

	// Recovery resets the steady interval.
	tr.setSince(nil)
	tm.fire()
	tm = h.clock.next(t)
	require.Equal(t, p.SteadyInterval, tm.d)
}

func TestFailureKeepsEarnedBurst(t *testing.T) {
	tr := &fakeTransport{}
	tr.setSince(func(context.Context, int64) ([]models.Message, error) {
		return nil, errors.New("timeout")
	})
	h := newHarness(t, tr, nil)
	p := h.engine.Policy()

	tm := h.activate(t)
	for i := 0; i < p.BurstCycles-1; i++ {
		tm.fire()
		tm = h.clock.next(t)
		require.Equal(t, p.FastInterval, tm.d)
	}

	// Once the burst is spent the failure delay applies.
	tm.fire()
	tm = h.clock.next(t)
	require.GreaterOrEqual(t, tm.d, p.MinFailureDelay())
	require.Less(t, tm.d, p.MaxFailureDelay())
}

func TestCyclesNeverOverlap(t *testing.T) {
	tr := &fakeTransport{}
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	tr.setSince(func(ctx context.Context, _ int64) ([]models.Message, error) {
		started <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return nil, nil
	})
	h := newHarness(t, tr, nil)

	tm := h.activate(t)
	for i := 0; i < 4; i++ {
		tm.fire()
		<-started

		// Nothing is armed while the cycle is unresolved.
		h.clock.idle(t)
		state, err := h.engine.PollState(peer)
		require.NoError(t, err)
		require.Equal(t, PhaseFetching, state.Phase)

		release <- struct{}{}
		tm = h.clock.next(t)
	}
	require.Equal(t, 1, tr.maxInflight)
}

func TestDeactivateDiscardsInFlightResult(t *testing.T) {
	tr := &fakeTransport{}
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	tr.setSince(func(context.Context, int64) ([]models.Message, error) {
		started <- struct{}{}
		<-release // ignores cancellation, like a slow transport
		return []models.Message{message("late", 99_999_999, peer)}, nil
	})
	h := newHarness(t, tr, nil)

	tm := h.activate(t)
	seeded := h.cursor(t)
	s := h.session(t)

	tm.fire()
	<-started
	require.True(t, h.engine.Deactivate(peer))
	require.False(t, h.engine.Active(peer))
	close(release)

	select {
	case <-s.done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not exit")
	}
	h.clock.idle(t)
	require.Empty(t, h.messages(t))
	require.Equal(t, seeded, h.cursor(t))
	require.Equal(t, PhaseCancelled, s.snapshot().Phase)

	_, err := h.engine.PollState(peer)
	require.ErrorIs(t, err, ErrNotActive)
	require.False(t, h.engine.Deactivate(peer))
}

func TestDeactivateClearsArmedTimer(t *testing.T) {
	tr := &fakeTransport{}
	h := newHarness(t, tr, nil)

	h.activate(t)
	s := h.session(t)
	require.True(t, h.engine.Deactivate(peer))

	<-s.done
	h.clock.idle(t)
	require.Empty(t, tr.sinceCalls)
}

func TestWatchdogUnblocksHungFetch(t *testing.T) {
	tr := &fakeTransport{}
	hang := make(chan struct{})
	t.Cleanup(func() { close(hang) })
	tr.setSince(func(context.Context, int64) ([]models.Message, error) {
		<-hang
		return nil, nil
	})
	h := newHarness(t, tr, func(p *Policy) { p.CallTimeout = 20 * time.Millisecond })
	p := h.engine.Policy()

	tm := h.drainBurst(t, h.activate(t))
	tm.fire()
	tm = h.clock.next(t)

	require.GreaterOrEqual(t, tm.d, p.MinFailureDelay())
	require.Less(t, tm.d, p.MaxFailureDelay())
}

func TestActivateIsIdempotent(t *testing.T) {
	tr := &fakeTransport{}
	h := newHarness(t, tr, nil)

	h.activate(t)
	require.NoError(t, h.engine.Activate(context.Background(), peer))
	h.clock.idle(t)
	require.Len(t, tr.historyCalls, 1)
}

func TestActivateRejectsBadConversation(t *testing.T) {
	h := newHarness(t, nil, nil)

	require.True(t, IsValidation(h.engine.Activate(context.Background(), "")))
	require.True(t, IsValidation(h.engine.Activate(context.Background(), self)))
}

func TestSubmitValidation(t *testing.T) {
	tr := &fakeTransport{}
	h := newHarness(t, tr, func(p *Policy) { p.MaxPayloadBytes = 8 })
	ctx := context.Background()

	cases := map[string]models.Draft{
		"missing recipient": {Payload: "x"},
		"self recipient":    {To: self, Payload: "x"},
		"foreign sender":    {From: "mallory", To: peer, Payload: "x"},
		"empty payload":     {To: peer},
		"oversized payload": {To: peer, Payload: "123456789"},
	}
	for name, d := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := h.engine.Submit(ctx, d)
			require.Error(t, err)
			require.True(t, IsValidation(err))
		})
	}
	require.Empty(t, tr.sent)
}

func TestSubmitTransportFailureLeavesLogUntouched(t *testing.T) {
	tr := &fakeTransport{
		send: func(models.Draft) (*models.Message, error) {
			return nil, errors.New("dial tcp: connection refused")
		},
	}
	h := newHarness(t, tr, nil)

	_, err := h.engine.Submit(context.Background(), models.Draft{To: peer, Payload: "hello"})
	require.Error(t, err)
	require.True(t, IsTransport(err))
	require.False(t, IsValidation(err))
	require.Empty(t, h.messages(t))
}

func TestSubmitPassesThroughSenderValidation(t *testing.T) {
	tr := &fakeTransport{
		send: func(models.Draft) (*models.Message, error) {
			return nil, &ValidationError{Field: "payload", Reason: "rejected by mailbox"}
		},
	}
	h := newHarness(t, tr, nil)

	_, err := h.engine.Submit(context.Background(), models.Draft{To: peer, Payload: "hello"})
	require.True(t, IsValidation(err))
	require.False(t, IsTransport(err))
}

func TestSubmitMergesAndPublishes(t *testing.T) {
	tr := &fakeTransport{
		send: func(d models.Draft) (*models.Message, error) {
			return &models.Message{ID: "01J", From: d.From, To: d.To, Timestamp: 42, Payload: d.Payload, ClientID: d.ClientID}, nil
		},
	}
	h := newHarness(t, tr, nil)
	updates, unsubscribe := h.engine.Subscribe(4)
	defer unsubscribe()

	msg, err := h.engine.Submit(context.Background(), models.Draft{To: peer, Payload: "hello"})
	require.NoError(t, err)
	require.Equal(t, self, msg.From)
	require.NotEmpty(t, tr.sent[0].ClientID)
	require.Equal(t, tr.sent[0].ClientID, msg.ClientID)
	require.Equal(t, []models.Message{*msg}, h.messages(t))

	select {
	case u := <-updates:
		require.Equal(t, peer, u.ConversationID)
		require.Equal(t, []models.Message{*msg}, u.Added)
	case <-time.After(time.Second):
		t.Fatal("no update published")
	}
}

func TestSubscribeReceivesCycleUpdates(t *testing.T) {
	tr := &fakeTransport{}
	h := newHarness(t, tr, nil)
	updates, unsubscribe := h.engine.Subscribe(16)

	tm := h.activate(t)
	seed := <-updates
	require.Equal(t, peer, seed.ConversationID)
	require.Equal(t, h.cursor(t), seed.Cursor)

	incoming := message("m1", seed.Cursor+1, peer)
	tr.setSince(func(context.Context, int64) ([]models.Message, error) {
		return []models.Message{incoming}, nil
	})
	tm.fire()
	h.clock.next(t)

	u := <-updates
	require.Equal(t, []models.Message{incoming}, u.Added)
	require.Equal(t, incoming.Timestamp, u.Cursor)

	unsubscribe()
	unsubscribe()
	_, open := <-updates
	require.False(t, open)
}

func TestFullSubscriberIsToldToResync(t *testing.T) {
	var n int
	tr := &fakeTransport{
		send: func(d models.Draft) (*models.Message, error) {
			n++
			return &models.Message{ID: fmt.Sprintf("m%d", n), From: d.From, To: d.To, Timestamp: int64(n), Payload: d.Payload, ClientID: d.ClientID}, nil
		},
	}
	h := newHarness(t, tr, nil)
	updates, unsubscribe := h.engine.Subscribe(1)
	defer unsubscribe()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := h.engine.Submit(ctx, models.Draft{To: peer, Payload: "hello"})
		require.NoError(t, err)
	}
	first := <-updates
	require.False(t, first.Resync)
	require.Equal(t, "m1", first.Added[0].ID)

	_, err := h.engine.Submit(ctx, models.Draft{To: peer, Payload: "hello"})
	require.NoError(t, err)
	u := <-updates
	require.True(t, u.Resync)
	require.Equal(t, "m3", u.Added[0].ID)
	require.Len(t, h.messages(t), 3)

	_, err = h.engine.Submit(ctx, models.Draft{To: peer, Payload: "hello"})
	require.NoError(t, err)
	require.False(t, (<-updates).Resync)
}

func TestCloseStopsAllSessions(t *testing.T) {
	tr := &fakeTransport{}
	h := newHarness(t, tr, nil)

	h.activate(t)
	require.NoError(t, h.engine.Activate(context.Background(), "carol"))
	h.clock.next(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.engine.Close(ctx))

	require.False(t, h.engine.Active(peer))
	require.False(t, h.engine.Active("carol"))
	require.Error(t, h.engine.Activate(context.Background(), peer))
}

func TestCallReturnsOnTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	start := time.Now()
	_, err := call(context.Background(), 10*time.Millisecond, func(context.Context) (int, error) {
		<-block
		return 1, nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), time.Second)
}
