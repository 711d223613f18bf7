package store

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/eldtechnologies/dmsync/internal/models"
)

// Mailbox defines the interface for server-side storage of direct messages.
// MemoryStore, RedisStore and PostgresStore implement this interface.
//
// Messages of a conversation are returned in ascending (ts, id) order.
type Mailbox interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error

	// Put assigns an id and timestamp to msg and stores it. If msg carries a
	// client id already stored for the same pair, the stored message is
	// returned instead and created is false.
	Put(ctx context.Context, msg models.Message) (stored *models.Message, created bool, err error)

	// Since returns up to limit messages between a and b with ts >= since,
	// after skipping the first offset of them. hasMore reports whether
	// further messages follow. Callers paging through equal timestamps keep
	// since fixed and grow offset.
	Since(ctx context.Context, a, b string, since int64, offset, limit int) (msgs []models.Message, hasMore bool, err error)

	// Recent returns the most recent limit messages between a and b.
	Recent(ctx context.Context, a, b string, limit int) ([]models.Message, error)

	// LatestFrom returns the ts of the newest message from sender to recipient, or 0.
	LatestFrom(ctx context.Context, from, to string) (int64, error)
}

// stamper hands out message positions. Positions never go backwards within
// the process and ids sort in the same order as positions.
type stamper struct {
	mu      sync.Mutex
	last    int64
	entropy *ulid.MonotonicEntropy
	now     func() time.Time
}

func newStamper() *stamper {
	return &stamper{entropy: ulid.Monotonic(rand.Reader, 0), now: time.Now}
}

func (s *stamper) stamp(msg *models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.now().UnixMilli()
	if ts < s.last {
		ts = s.last
	}
	s.last = ts

	msg.Timestamp = ts
	msg.ID = ulid.MustNew(uint64(ts), s.entropy).String()
}
