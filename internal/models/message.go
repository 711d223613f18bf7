package models

import (
	"regexp"
	"sort"
	"strings"
)

// Message is a direct message as persisted by the mailbox.
type Message struct {
	ID        string `json:"id"`      // ULID, assigned by the mailbox
	From      string `json:"from"`    // Sender address
	To        string `json:"to"`      // Recipient address
	Timestamp int64  `json:"ts"`      // Unix ms, the message's position in its conversation
	Payload   string `json:"payload"` // Sealed ciphertext (base64), opaque to the sync engine
	ClientID  string `json:"client_id,omitempty"`
}

// Draft is an outbound message that has not been persisted yet.
type Draft struct {
	ClientID string `json:"client_id,omitempty"` // UUIDv7, correlates retries of the same send
	From     string `json:"from"`
	To       string `json:"to"`
	Payload  string `json:"payload"`
}

// Before reports whether m sorts before other in a conversation log.
// Position ties are broken by id so that ordering is total.
func (m Message) Before(other Message) bool {
	if m.Timestamp != other.Timestamp {
		return m.Timestamp < other.Timestamp
	}
	return m.ID < other.ID
}

// SortMessages orders messages by position, ascending.
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Before(msgs[j])
	})
}

// Counterpart returns the address on the other side of m from self's point of view.
func (m Message) Counterpart(self string) string {
	if m.From == self {
		return m.To
	}
	return m.From
}

// ConversationKey returns the mailbox key for the conversation between a and b.
// The key is symmetric: ConversationKey(a, b) == ConversationKey(b, a).
func ConversationKey(a, b string) string {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

// addressRegex matches mailbox addresses. "|" is excluded so that
// conversation keys stay unambiguous.
var addressRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._@+\-]{0,127}$`)

// ValidAddress reports whether addr can be used as a mailbox address.
func ValidAddress(addr string) bool {
	return addressRegex.MatchString(addr)
}
