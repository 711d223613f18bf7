// Package chatlog holds the client-side read models of a conversation: its
// message log and its sync cursor.
//
// The sync engine is the only writer of a conversation's log and cursor while
// the conversation is active. Any number of readers may call Snapshot, Latest
// or Get concurrently; implementations return copies, never shared slices.
package chatlog

import (
	"context"

	"github.com/eldtechnologies/dmsync/internal/models"
)

// Store hands out per-conversation handles.
// Both MemoryStore and SQLiteStore implement this interface.
type Store interface {
	Log(conversationID string) Log
	Cursor(conversationID string) Cursor
	Close() error
}

// Log is the ordered, append-only message log of one conversation.
type Log interface {
	// Merge adds every message whose id is not already present and returns
	// the newly added messages in position order. Merging the same batch twice
	// leaves the log unchanged the second time.
	Merge(ctx context.Context, batch []models.Message) ([]models.Message, error)

	// Snapshot returns all messages in position order.
	Snapshot(ctx context.Context) ([]models.Message, error)

	// Latest returns the message with the highest position, or nil if the log is empty.
	Latest(ctx context.Context) (*models.Message, error)

	// HasFromSince reports whether the log holds a message from the given
	// sender at or after position since.
	HasFromSince(ctx context.Context, from string, since int64) (bool, error)

	Len(ctx context.Context) (int, error)
}

// Cursor is the last synchronized position of one conversation.
type Cursor interface {
	// Get returns the stored position. ok is false when no position was ever stored.
	Get(ctx context.Context) (pos int64, ok bool, err error)

	// Advance stores pos if it is greater than the current position and
	// returns the resulting position. The cursor never moves backwards.
	Advance(ctx context.Context, pos int64) (int64, error)
}
