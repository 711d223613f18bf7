package engine

import (
	"context"
	"time"

	"github.com/eldtechnologies/dmsync/internal/models"
)

// Fetcher reads a conversation from the pull-only mailbox.
// The conversation id is the counterpart's address.
type Fetcher interface {
	// FetchSince returns every message with position >= cursor. It may
	// return messages already seen by an earlier call.
	FetchSince(ctx context.Context, conversationID string, cursor int64) ([]models.Message, error)

	// FetchRecentHistory returns up to limit of the most recent messages, ascending.
	FetchRecentHistory(ctx context.Context, conversationID string, limit int) ([]models.Message, error)

	// HasRecentActivity reports whether the counterpart sent anything within window.
	HasRecentActivity(ctx context.Context, conversationID string, window time.Duration) (bool, error)
}

// Sender persists an outbound draft and returns the authoritative record.
type Sender interface {
	Send(ctx context.Context, draft models.Draft) (*models.Message, error)
}

// Transport is a collaborator that can both fetch and send.
type Transport interface {
	Fetcher
	Sender
}
