// Package engine turns a pull-only mailbox into a live conversation.
//
// Each active conversation runs one session: a goroutine that seeds the
// conversation on activation, then loops timer → fetch → merge → advance
// cursor, speeding up after new messages and backing off after failures.
// Sends go straight to the Sender and never touch the loop.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/eldtechnologies/dmsync/internal/chatlog"
	"github.com/eldtechnologies/dmsync/internal/metrics"
	"github.com/eldtechnologies/dmsync/internal/models"
)

// Options configures an Engine. Self, Fetcher, Sender and Store are required.
type Options struct {
	Self    string // local address
	Fetcher Fetcher
	Sender  Sender
	Store   chatlog.Store
	Policy  Policy
	Clock   Clock // defaults to the wall clock
	Logger  zerolog.Logger
}

// Update is published after anything changes the log or cursor of a conversation.
type Update struct {
	ConversationID string
	Added          []models.Message // newly merged messages, in position order
	Cursor         int64            // zero when the cursor did not move

	// Resync is set on the first update delivered after the subscriber
	// missed some. Added is then incomplete and the log must be re-read.
	Resync bool
}

type subscriber struct {
	ch      chan Update
	dropped bool
}

// Engine owns the sync sessions of all active conversations.
type Engine struct {
	self    string
	fetcher Fetcher
	sender  Sender
	store   chatlog.Store
	policy  Policy
	clock   Clock
	logger  zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool

	subsMu  sync.Mutex
	subs    map[int]*subscriber
	nextSub int
}

// New creates an Engine. No conversation is active until Activate is called.
func New(opts Options) (*Engine, error) {
	switch {
	case strings.TrimSpace(opts.Self) == "":
		return nil, errors.New("engine: self address is required")
	case opts.Fetcher == nil:
		return nil, errors.New("engine: fetcher is required")
	case opts.Sender == nil:
		return nil, errors.New("engine: sender is required")
	case opts.Store == nil:
		return nil, errors.New("engine: store is required")
	}

	clock := opts.Clock
	if clock == nil {
		clock = realClock{}
	}
	if opts.Policy == (Policy{}) {
		opts.Policy = DefaultPolicy()
	}

	return &Engine{
		self:     opts.Self,
		fetcher:  opts.Fetcher,
		sender:   opts.Sender,
		store:    opts.Store,
		policy:   opts.Policy.withDefaults(),
		clock:    clock,
		logger:   opts.Logger.With().Str("component", "engine").Str("self", opts.Self).Logger(),
		sessions: make(map[string]*session),
		subs:     make(map[int]*subscriber),
	}, nil
}

// Policy returns the effective policy after defaults were applied.
func (e *Engine) Policy() Policy {
	return e.policy
}

// Activate starts syncing the conversation with the given counterpart.
// Activating an already active conversation is a no-op. The session
// outlives ctx; it runs until Deactivate or Close.
func (e *Engine) Activate(ctx context.Context, conversationID string) error {
	conversationID = strings.TrimSpace(conversationID)
	if !models.ValidAddress(conversationID) {
		return &ValidationError{Field: "conversation", Reason: "is not a valid address"}
	}
	if conversationID == e.self {
		return &ValidationError{Field: "conversation", Reason: "cannot be the local address"}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return errors.New("engine: closed")
	}
	if _, ok := e.sessions[conversationID]; ok {
		return nil
	}

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &session{
		id:      conversationID,
		fetcher: e.fetcher,
		log:     e.store.Log(conversationID),
		cursor:  e.store.Cursor(conversationID),
		policy:  e.policy,
		clock:   e.clock,
		logger:  e.logger.With().Str("conversation", conversationID).Logger(),
		publish: e.publish,
		cancel:  cancel,
		done:    make(chan struct{}),
		state:   newPollState(e.policy),
	}
	e.sessions[conversationID] = s
	metrics.SyncActiveConversations.Inc()

	go func() {
		s.run(sctx)
		metrics.SyncActiveConversations.Dec()
		e.forget(s)
	}()

	s.logger.Info().Msg("conversation activated")
	return nil
}

// Deactivate cancels the conversation's session. It returns false if the
// conversation was not active. It does not wait for an in-flight cycle;
// whatever that cycle fetches is discarded.
func (e *Engine) Deactivate(conversationID string) bool {
	e.mu.Lock()
	s, ok := e.sessions[conversationID]
	if ok {
		delete(e.sessions, conversationID)
	}
	e.mu.Unlock()

	if !ok {
		return false
	}
	s.stop()
	s.logger.Info().Msg("conversation deactivated")
	return true
}

func (e *Engine) forget(s *session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sessions[s.id] == s {
		delete(e.sessions, s.id)
	}
}

// Active reports whether a session is running for the conversation.
func (e *Engine) Active(conversationID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.sessions[conversationID]
	return ok
}

// PollState returns a copy of the conversation's scheduling state.
func (e *Engine) PollState(conversationID string) (PollState, error) {
	e.mu.Lock()
	s, ok := e.sessions[conversationID]
	e.mu.Unlock()
	if !ok {
		return PollState{}, ErrNotActive
	}
	return s.snapshot(), nil
}

// Messages returns the conversation's log in position order. It works for
// inactive conversations too.
func (e *Engine) Messages(ctx context.Context, conversationID string) ([]models.Message, error) {
	return e.store.Log(conversationID).Snapshot(ctx)
}

// Cursor returns the conversation's stored sync position.
func (e *Engine) Cursor(ctx context.Context, conversationID string) (int64, bool, error) {
	return e.store.Cursor(conversationID).Get(ctx)
}

// Submit validates and sends a draft, then merges the stored record into
// the conversation's log. On failure nothing is merged and the error is
// returned as is: a *ValidationError for a malformed draft, a
// *TransportError otherwise. Submit never retries.
func (e *Engine) Submit(ctx context.Context, draft models.Draft) (*models.Message, error) {
	draft, err := e.validate(draft)
	if err != nil {
		metrics.Sends.WithLabelValues("invalid").Inc()
		return nil, err
	}

	logger := e.logger.With().Str("conversation", draft.To).Str("client_id", draft.ClientID).Logger()

	msg, err := call(ctx, e.policy.CallTimeout, func(ctx context.Context) (*models.Message, error) {
		return e.sender.Send(ctx, draft)
	})
	if err != nil {
		err = asTransport("send", err)
		if IsValidation(err) {
			metrics.Sends.WithLabelValues("invalid").Inc()
		} else {
			metrics.Sends.WithLabelValues("error").Inc()
		}
		logger.Warn().Err(err).Msg("send failed")
		return nil, err
	}
	if msg == nil || msg.ID == "" {
		metrics.Sends.WithLabelValues("error").Inc()
		return nil, &TransportError{Op: "send", Err: errors.New("sender returned no message id")}
	}
	metrics.Sends.WithLabelValues("ok").Inc()

	added, err := e.store.Log(draft.To).Merge(ctx, []models.Message{*msg})
	if err != nil {
		// The message is stored remotely; the next cycle will pick it up.
		logger.Warn().Err(err).Str("id", msg.ID).Msg("failed to merge sent message")
		return msg, nil
	}
	if len(added) > 0 {
		e.publish(Update{ConversationID: draft.To, Added: added})
	}
	logger.Debug().Str("id", msg.ID).Int64("ts", msg.Timestamp).Msg("message sent")
	return msg, nil
}

func (e *Engine) validate(d models.Draft) (models.Draft, error) {
	d.To = strings.TrimSpace(d.To)
	if d.From == "" {
		d.From = e.self
	}
	switch {
	case d.To == "":
		return d, &ValidationError{Field: "to", Reason: "is required"}
	case d.To == e.self:
		return d, &ValidationError{Field: "to", Reason: "cannot be the local address"}
	case d.From != e.self:
		return d, &ValidationError{Field: "from", Reason: "must be the local address"}
	case d.Payload == "":
		return d, &ValidationError{Field: "payload", Reason: "is required"}
	case len(d.Payload) > e.policy.MaxPayloadBytes:
		return d, &ValidationError{Field: "payload", Reason: fmt.Sprintf("exceeds %d bytes", e.policy.MaxPayloadBytes)}
	case !utf8.ValidString(d.Payload):
		return d, &ValidationError{Field: "payload", Reason: "is not valid UTF-8"}
	}
	if d.ClientID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return d, fmt.Errorf("generate client id: %w", err)
		}
		d.ClientID = id.String()
	}
	return d, nil
}

// Subscribe returns a channel of updates for all conversations and a
// function that unsubscribes and closes it. Updates are dropped for a
// subscriber whose buffer is full; the next one delivered has Resync set.
func (e *Engine) Subscribe(buffer int) (<-chan Update, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Update, buffer)

	e.subsMu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = &subscriber{ch: ch}
	e.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.subsMu.Lock()
			delete(e.subs, id)
			e.subsMu.Unlock()
			close(ch)
		})
	}
}

func (e *Engine) publish(u Update) {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	for _, sub := range e.subs {
		out := u
		out.Resync = sub.dropped
		select {
		case sub.ch <- out:
			sub.dropped = false
		default:
			sub.dropped = true
			e.logger.Debug().Str("conversation", u.ConversationID).Msg("subscriber full, update dropped")
		}
	}
}

// Close deactivates every conversation and waits for their sessions to
// exit or for ctx to be done.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	sessions := make([]*session, 0, len(e.sessions))
	for id, s := range e.sessions {
		sessions = append(sessions, s)
		delete(e.sessions, id)
	}
	e.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range sessions {
		s.stop()
		g.Go(func() error {
			select {
			case <-s.done:
				return nil
			case <-gctx.Done():
				return fmt.Errorf("waiting for %s: %w", s.id, gctx.Err())
			}
		})
	}
	return g.Wait()
}
