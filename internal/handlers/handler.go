package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/eldtechnologies/dmsync/internal/store"
)

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	mailbox store.Mailbox
	backend string            // name of the mailbox backend, reported by /health
	redis   *store.RedisStore // rate limiter connection, may be nil
	now     func() time.Time
}

// NewHandler creates a new Handler over the given mailbox.
func NewHandler(mailbox store.Mailbox, backend string, redis *store.RedisStore) *Handler {
	return &Handler{mailbox: mailbox, backend: backend, redis: redis, now: time.Now}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// queryInt parses an integer query parameter. Missing values yield def;
// values above max are clamped.
func queryInt(r *http.Request, name string, def, max int64) (int64, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, false
	}
	if max > 0 && v > max {
		v = max
	}
	return v, true
}
