package middleware

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/hlog"

	"github.com/eldtechnologies/dmsync/internal/crypto"
)

type contextKey string

const AgentContextKey contextKey = "agent"

// AgentHeader names the caller's own address.
const AgentHeader = crypto.HeaderAgent

// nonceTTL outlives the accepted timestamp window on both sides.
const nonceTTL = 3 * time.Minute

// NonceStore remembers nonces for as long as a request carrying them could
// still pass the timestamp check.
type NonceStore interface {
	// UseNonce records nonce for agent. It returns false if the nonce was
	// already recorded.
	UseNonce(ctx context.Context, agent, nonce string, ttl time.Duration) (bool, error)
}

// AuthMiddleware verifies that each request was signed by the key its
// agent address was derived from.
type AuthMiddleware struct {
	nonces NonceStore
	window time.Duration // how old a timestamp may be
	skew   time.Duration // how far ahead of the server clock a timestamp may be
	now    func() time.Time
}

// NewAuthMiddleware creates a new auth middleware.
func NewAuthMiddleware(nonces NonceStore) *AuthMiddleware {
	return &AuthMiddleware{
		nonces: nonces,
		window: 30 * time.Second,
		skew:   5 * time.Second,
		now:    time.Now,
	}
}

// RequireAuth verifies Ed25519 signatures on requests and stores the
// caller's address in the request context.
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agent := r.Header.Get(crypto.HeaderAgent)
		nonce := r.Header.Get(crypto.HeaderNonce)
		timestamp := r.Header.Get(crypto.HeaderTimestamp)
		signature := r.Header.Get(crypto.HeaderSignature)

		if agent == "" || nonce == "" || timestamp == "" || signature == "" {
			jsonError(w, http.StatusUnauthorized, "missing auth headers")
			return
		}

		ts, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			jsonError(w, http.StatusUnauthorized, "invalid timestamp format")
			return
		}
		if !m.isTimestampValid(ts) {
			jsonError(w, http.StatusUnauthorized, "timestamp expired or too far in future")
			return
		}

		if len(nonce) < crypto.MinNonceLength {
			jsonError(w, http.StatusUnauthorized, "nonce must be at least 24 characters")
			return
		}

		pubkey, err := crypto.PublicKeyFromAddress(agent)
		if err != nil {
			jsonError(w, http.StatusUnauthorized, "agent is not a key address")
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			jsonError(w, http.StatusBadRequest, "failed to read request body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		signedData := crypto.SignaturePayload(r.Method, r.URL.RequestURI(), crypto.BodyHash(body), nonce, ts)
		if err := crypto.VerifySignature(pubkey, signedData, signature); err != nil {
			jsonError(w, http.StatusUnauthorized, "invalid signature")
			return
		}

		// Recorded only once the signature holds, so forged requests cannot
		// burn a legitimate client's nonces.
		fresh, err := m.nonces.UseNonce(r.Context(), agent, nonce, nonceTTL)
		if err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("failed to record nonce")
			jsonError(w, http.StatusServiceUnavailable, "authentication unavailable")
			return
		}
		if !fresh {
			hlog.FromRequest(r).Warn().
				Str("type", "security").
				Str("event", "nonce_replay").
				Str("agent", agent).
				Msg("replayed request rejected")
			jsonError(w, http.StatusUnauthorized, "nonce already used")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithAgent(r.Context(), agent)))
	})
}

func (m *AuthMiddleware) isTimestampValid(ts int64) bool {
	now := m.now().UnixMilli()
	return ts > now-m.window.Milliseconds() && ts <= now+m.skew.Milliseconds()
}

func jsonError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(`{"error":"` + message + `"}`))
}

// WithAgent returns a context carrying an authenticated caller address.
func WithAgent(ctx context.Context, agent string) context.Context {
	return context.WithValue(ctx, AgentContextKey, agent)
}

// GetAgentFromContext retrieves the caller's address from the request context.
func GetAgentFromContext(ctx context.Context) string {
	agent, _ := ctx.Value(AgentContextKey).(string)
	return agent
}
