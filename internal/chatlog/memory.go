package chatlog

import (
	"context"
	"sync"

	"github.com/eldtechnologies/dmsync/internal/models"
)

// MemoryStore keeps logs and cursors in process memory. Nothing survives a restart.
type MemoryStore struct {
	mu      sync.Mutex
	logs    map[string]*memoryLog
	cursors map[string]*memoryCursor
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		logs:    make(map[string]*memoryLog),
		cursors: make(map[string]*memoryCursor),
	}
}

// Log returns the log handle for a conversation, creating it on first use.
func (s *MemoryStore) Log(conversationID string) Log {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.logs[conversationID]
	if !ok {
		l = &memoryLog{ids: make(map[string]struct{})}
		s.logs[conversationID] = l
	}
	return l
}

// Cursor returns the cursor handle for a conversation, creating it on first use.
func (s *MemoryStore) Cursor(conversationID string) Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cursors[conversationID]
	if !ok {
		c = &memoryCursor{}
		s.cursors[conversationID] = c
	}
	return c
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

type memoryLog struct {
	mu   sync.RWMutex
	msgs []models.Message
	ids  map[string]struct{}
}

func (l *memoryLog) Merge(_ context.Context, batch []models.Message) ([]models.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var added []models.Message
	for _, msg := range batch {
		if msg.ID == "" {
			continue
		}
		if _, dup := l.ids[msg.ID]; dup {
			continue
		}
		l.ids[msg.ID] = struct{}{}
		added = append(added, msg)
	}
	if len(added) == 0 {
		return nil, nil
	}
	models.SortMessages(added)

	// Fast path: the batch lands entirely after the current tail.
	inOrder := len(l.msgs) == 0 || l.msgs[len(l.msgs)-1].Before(added[0])
	l.msgs = append(l.msgs, added...)
	if !inOrder {
		models.SortMessages(l.msgs)
	}

	out := make([]models.Message, len(added))
	copy(out, added)
	return out, nil
}

func (l *memoryLog) Snapshot(_ context.Context) ([]models.Message, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]models.Message, len(l.msgs))
	copy(out, l.msgs)
	return out, nil
}

func (l *memoryLog) Latest(_ context.Context) (*models.Message, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if len(l.msgs) == 0 {
		return nil, nil
	}
	latest := l.msgs[len(l.msgs)-1]
	return &latest, nil
}

func (l *memoryLog) HasFromSince(_ context.Context, from string, since int64) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for i := len(l.msgs) - 1; i >= 0 && l.msgs[i].Timestamp >= since; i-- {
		if l.msgs[i].From == from {
			return true, nil
		}
	}
	return false, nil
}

func (l *memoryLog) Len(_ context.Context) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.msgs), nil
}

type memoryCursor struct {
	mu  sync.RWMutex
	pos int64
	set bool
}

func (c *memoryCursor) Get(_ context.Context) (int64, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pos, c.set, nil
}

func (c *memoryCursor) Advance(_ context.Context, pos int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.set || pos > c.pos {
		c.pos = pos
		c.set = true
	}
	return c.pos, nil
}
