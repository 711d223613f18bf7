package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/dmsync/internal/chatlog"
	"github.com/eldtechnologies/dmsync/internal/models"
)

const (
	self = "alice"
	peer = "bob"
)

// fakeClock hands every armed timer to the test, which decides when it fires.
type fakeClock struct {
	now   time.Time
	armed chan *fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{
		now:   time.UnixMilli(10_000_000),
		armed: make(chan *fakeTimer, 64),
	}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) NewTimer(d time.Duration) Timer {
	t := &fakeTimer{d: d, c: make(chan time.Time, 1)}
	c.armed <- t
	return t
}

// next waits for the session to arm its next timer.
func (c *fakeClock) next(t *testing.T) *fakeTimer {
	t.Helper()
	select {
	case tm := <-c.armed:
		return tm
	case <-time.After(2 * time.Second):
		t.Fatal("no timer armed")
		return nil
	}
}

// idle asserts that no timer gets armed within a short grace period.
func (c *fakeClock) idle(t *testing.T) {
	t.Helper()
	select {
	case tm := <-c.armed:
		t.Fatalf("unexpected timer armed with delay %s", tm.d)
	case <-time.After(50 * time.Millisecond):
	}
}

type fakeTimer struct {
	d       time.Duration
	c       chan time.Time
	mu      sync.Mutex
	stopped bool
}

func (t *fakeTimer) C() <-chan time.Time { return t.c }

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

func (t *fakeTimer) fire() { t.c <- time.Now() }

// fakeTransport is a scripted Fetcher and Sender.
type fakeTransport struct {
	mu sync.Mutex

	history   func(limit int) ([]models.Message, error)
	active    bool
	activeErr error
	since     func(ctx context.Context, cursor int64) ([]models.Message, error)
	send      func(d models.Draft) (*models.Message, error)

	historyCalls []int
	activityCalls   int
	sinceCalls   []int64
	sent         []models.Draft
	inflight     int
	maxInflight  int
}

func (f *fakeTransport) FetchSince(ctx context.Context, _ string, cursor int64) ([]models.Message, error) {
	f.mu.Lock()
	f.sinceCalls = append(f.sinceCalls, cursor)
	f.inflight++
	if f.inflight > f.maxInflight {
		f.maxInflight = f.inflight
	}
	fn := f.since
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inflight--
		f.mu.Unlock()
	}()
	if fn == nil {
		return nil, nil
	}
	return fn(ctx, cursor)
}

func (f *fakeTransport) FetchRecentHistory(_ context.Context, _ string, limit int) ([]models.Message, error) {
	f.mu.Lock()
	f.historyCalls = append(f.historyCalls, limit)
	fn := f.history
	f.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(limit)
}

func (f *fakeTransport) HasRecentActivity(_ context.Context, _ string, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activityCalls++
	return f.active, f.activeErr
}

func (f *fakeTransport) Send(_ context.Context, d models.Draft) (*models.Message, error) {
	f.mu.Lock()
	f.sent = append(f.sent, d)
	fn := f.send
	f.mu.Unlock()
	if fn == nil {
		return nil, fmt.Errorf("no send scripted")
	}
	return fn(d)
}

func (f *fakeTransport) setSince(fn func(ctx context.Context, cursor int64) ([]models.Message, error)) {
	f.mu.Lock()
	f.since = fn
	f.mu.Unlock()
}

func (f *fakeTransport) lastCursor() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sinceCalls[len(f.sinceCalls)-1]
}

func message(id string, ts int64, from string) models.Message {
	to := peer
	if from == peer {
		to = self
	}
	return models.Message{ID: id, From: from, To: to, Timestamp: ts, Payload: "ct-" + id}
}

// page returns n messages from peer ending at position end.
func page(prefix string, n int, end int64) []models.Message {
	out := make([]models.Message, n)
	for i := range out {
		ts := end - int64(n-1-i)
		out[i] = message(fmt.Sprintf("%s%03d", prefix, i), ts, peer)
	}
	return out
}

type harness struct {
	engine    *Engine
	clock     *fakeClock
	transport *fakeTransport
	store     *chatlog.MemoryStore
}

func newHarness(t *testing.T, tr *fakeTransport, mutate func(*Policy)) *harness {
	t.Helper()
	if tr == nil {
		tr = &fakeTransport{}
	}
	clock := newFakeClock()
	store := chatlog.NewMemoryStore()

	policy := DefaultPolicy()
	if mutate != nil {
		mutate(&policy)
	}

	e, err := New(Options{
		Self:    self,
		Fetcher: tr,
		Sender:  tr,
		Store:   store,
		Policy:  policy,
		Clock:   clock,
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = e.Close(ctx)
	})

	return &harness{engine: e, clock: clock, transport: tr, store: store}
}

func (h *harness) activate(t *testing.T) *fakeTimer {
	t.Helper()
	require.NoError(t, h.engine.Activate(context.Background(), peer))
	return h.clock.next(t)
}

func (h *harness) messages(t *testing.T) []models.Message {
	t.Helper()
	msgs, err := h.engine.Messages(context.Background(), peer)
	require.NoError(t, err)
	return msgs
}

func (h *harness) cursor(t *testing.T) int64 {
	t.Helper()
	pos, ok, err := h.engine.Cursor(context.Background(), peer)
	require.NoError(t, err)
	require.True(t, ok)
	return pos
}

// drainBurst fires timers until the session falls back to the steady interval
// and returns that steady timer.
func (h *harness) drainBurst(t *testing.T, tm *fakeTimer) *fakeTimer {
	t.Helper()
	for tm.d == h.engine.Policy().FastInterval {
		tm.fire()
		tm = h.clock.next(t)
	}
	require.Equal(t, h.engine.Policy().SteadyInterval, tm.d)
	return tm
}

func (h *harness) session(t *testing.T) *session {
	t.Helper()
	h.engine.mu.Lock()
	defer h.engine.mu.Unlock()
	s, ok := h.engine.sessions[peer]
	require.True(t, ok)
	return s
}
