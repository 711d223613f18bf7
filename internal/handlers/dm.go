package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"github.com/eldtechnologies/dmsync/internal/api/middleware"
	"github.com/eldtechnologies/dmsync/internal/metrics"
	"github.com/eldtechnologies/dmsync/internal/models"
)

const (
	maxPayloadBytes  = 8192
	maxClientIDLen   = 64
	defaultPageLimit = 500
	maxPageLimit     = 1000
	defaultRecent    = 100
	maxRecent        = 500
	defaultWindow    = 10 * time.Minute
	maxWindow        = 24 * time.Hour
)

// SendDMRequest represents the send DM request body.
type SendDMRequest struct {
	Payload  string `json:"payload"` // Sealed to the recipient's key (base64)
	ClientID string `json:"client_id,omitempty"`
}

// MessagesResponse represents a page of a conversation.
type MessagesResponse struct {
	Messages []models.Message `json:"messages"`
	HasMore  bool             `json:"has_more"`
}

// ActivityResponse represents the recency check response.
type ActivityResponse struct {
	Active   bool  `json:"active"`
	LatestTS int64 `json:"latest_ts"`
}

// peer resolves the caller and the counterpart of a conversation request.
func (h *Handler) peer(w http.ResponseWriter, r *http.Request) (self, peer string, ok bool) {
	self = middleware.GetAgentFromContext(r.Context())
	if self == "" {
		h.Error(w, http.StatusUnauthorized, "agent required")
		return "", "", false
	}

	peer = chi.URLParam(r, "peer")
	if !models.ValidAddress(peer) {
		h.Error(w, http.StatusBadRequest, "invalid peer address")
		return "", "", false
	}
	if peer == self {
		h.Error(w, http.StatusBadRequest, "cannot message yourself")
		return "", "", false
	}
	return self, peer, true
}

// SendDM handles sending a direct message.
func (h *Handler) SendDM(w http.ResponseWriter, r *http.Request) {
	self, peer, ok := h.peer(w, r)
	if !ok {
		return
	}

	var req SendDMRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Payload == "" {
		h.Error(w, http.StatusUnprocessableEntity, "payload is required")
		return
	}
	if len(req.Payload) > maxPayloadBytes {
		h.Error(w, http.StatusUnprocessableEntity, "payload too long (max 8192 bytes)")
		return
	}
	if len(req.ClientID) > maxClientIDLen {
		h.Error(w, http.StatusUnprocessableEntity, "client_id too long (max 64 characters)")
		return
	}

	msg, created, err := h.mailbox.Put(r.Context(), models.Message{
		From:     self,
		To:       peer,
		Payload:  req.Payload,
		ClientID: req.ClientID,
	})
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("to", peer).Msg("failed to store message")
		h.Error(w, http.StatusInternalServerError, "failed to store message")
		return
	}

	if !created {
		h.JSON(w, http.StatusOK, msg)
		return
	}
	metrics.MessagesStored.Inc()
	h.JSON(w, http.StatusCreated, msg)
}

// GetSince handles fetching a conversation from a position onwards.
func (h *Handler) GetSince(w http.ResponseWriter, r *http.Request) {
	self, peer, ok := h.peer(w, r)
	if !ok {
		return
	}

	since, ok := queryInt(r, "since", 0, 0)
	if !ok {
		h.Error(w, http.StatusBadRequest, "invalid since")
		return
	}
	limit, ok := queryInt(r, "limit", defaultPageLimit, maxPageLimit)
	if !ok || limit == 0 {
		h.Error(w, http.StatusBadRequest, "invalid limit")
		return
	}

	// offset pages through a run of messages sharing the since timestamp.
	offset, ok := queryInt(r, "offset", 0, 0)
	if !ok {
		h.Error(w, http.StatusBadRequest, "invalid offset")
		return
	}

	msgs, hasMore, err := h.mailbox.Since(r.Context(), self, peer, since, int(offset), int(limit))
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("failed to read conversation")
		h.Error(w, http.StatusInternalServerError, "failed to fetch messages")
		return
	}
	metrics.MailboxReads.WithLabelValues("since").Inc()

	if msgs == nil {
		msgs = []models.Message{}
	}
	h.JSON(w, http.StatusOK, MessagesResponse{Messages: msgs, HasMore: hasMore})
}

// GetRecent handles fetching the newest messages of a conversation.
func (h *Handler) GetRecent(w http.ResponseWriter, r *http.Request) {
	self, peer, ok := h.peer(w, r)
	if !ok {
		return
	}

	limit, ok := queryInt(r, "limit", defaultRecent, maxRecent)
	if !ok || limit == 0 {
		h.Error(w, http.StatusBadRequest, "invalid limit")
		return
	}

	msgs, err := h.mailbox.Recent(r.Context(), self, peer, int(limit))
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("failed to read conversation")
		h.Error(w, http.StatusInternalServerError, "failed to fetch messages")
		return
	}
	metrics.MailboxReads.WithLabelValues("recent").Inc()

	if msgs == nil {
		msgs = []models.Message{}
	}
	h.JSON(w, http.StatusOK, MessagesResponse{Messages: msgs})
}

// GetActivity reports whether the peer wrote to the caller within a window.
func (h *Handler) GetActivity(w http.ResponseWriter, r *http.Request) {
	self, peer, ok := h.peer(w, r)
	if !ok {
		return
	}

	windowMS, ok := queryInt(r, "window_ms", defaultWindow.Milliseconds(), maxWindow.Milliseconds())
	if !ok || windowMS == 0 {
		h.Error(w, http.StatusBadRequest, "invalid window_ms")
		return
	}

	latest, err := h.mailbox.LatestFrom(r.Context(), peer, self)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("failed to read activity")
		h.Error(w, http.StatusInternalServerError, "failed to fetch activity")
		return
	}
	metrics.MailboxReads.WithLabelValues("activity").Inc()

	cutoff := h.now().UnixMilli() - windowMS
	h.JSON(w, http.StatusOK, ActivityResponse{
		Active:   latest > 0 && latest >= cutoff,
		LatestTS: latest,
	})
}
