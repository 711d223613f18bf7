package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/eldtechnologies/dmsync/internal/models"
)

// MemoryStore keeps conversations in process memory. It backs the server in
// development when no Redis or PostgreSQL URL is configured.
type MemoryStore struct {
	mu       sync.RWMutex
	convs    map[string][]models.Message // by conversation key, ascending
	byClient map[string]models.Message   // by conversation key + client id
	stamper  *stamper
}

// NewMemoryStore creates an empty in-memory mailbox.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		convs:    make(map[string][]models.Message),
		byClient: make(map[string]models.Message),
		stamper:  newStamper(),
	}
}

func (s *MemoryStore) Close() {}

func (s *MemoryStore) Ping(_ context.Context) error { return nil }

func (s *MemoryStore) Put(_ context.Context, msg models.Message) (*models.Message, bool, error) {
	key := models.ConversationKey(msg.From, msg.To)

	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ClientID != "" {
		if existing, ok := s.byClient[key+"|"+msg.ClientID]; ok {
			return &existing, false, nil
		}
	}

	s.stamper.stamp(&msg)
	s.convs[key] = append(s.convs[key], msg)
	if msg.ClientID != "" {
		s.byClient[key+"|"+msg.ClientID] = msg
	}
	return &msg, true, nil
}

func (s *MemoryStore) Since(_ context.Context, a, b string, since int64, offset, limit int) ([]models.Message, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv := s.convs[models.ConversationKey(a, b)]
	i := sort.Search(len(conv), func(i int) bool { return conv[i].Timestamp >= since })

	rest := conv[min(i+offset, len(conv)):]
	hasMore := len(rest) > limit
	if hasMore {
		rest = rest[:limit]
	}
	return append([]models.Message(nil), rest...), hasMore, nil
}

func (s *MemoryStore) Recent(_ context.Context, a, b string, limit int) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv := s.convs[models.ConversationKey(a, b)]
	if len(conv) > limit {
		conv = conv[len(conv)-limit:]
	}
	return append([]models.Message(nil), conv...), nil
}

func (s *MemoryStore) LatestFrom(_ context.Context, from, to string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv := s.convs[models.ConversationKey(from, to)]
	for i := len(conv) - 1; i >= 0; i-- {
		if conv[i].From == from {
			return conv[i].Timestamp, nil
		}
	}
	return 0, nil
}

// MemoryNonces records request nonces in process memory. It serves the auth
// middleware when no Redis is configured.
type MemoryNonces struct {
	mu        sync.Mutex
	seen      map[string]time.Time // expiry by agent + nonce
	lastSweep time.Time
	now       func() time.Time
}

// NewMemoryNonces creates an empty nonce record.
func NewMemoryNonces() *MemoryNonces {
	return &MemoryNonces{seen: make(map[string]time.Time), now: time.Now}
}

// UseNonce records a request nonce. It returns false if the nonce was
// already recorded within ttl.
func (n *MemoryNonces) UseNonce(_ context.Context, agent, nonce string, ttl time.Duration) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now()
	if now.Sub(n.lastSweep) >= ttl {
		for k, exp := range n.seen {
			if !now.Before(exp) {
				delete(n.seen, k)
			}
		}
		n.lastSweep = now
	}

	key := agent + "|" + nonce
	if exp, ok := n.seen[key]; ok && now.Before(exp) {
		return false, nil
	}
	n.seen[key] = now.Add(ttl)
	return true, nil
}
