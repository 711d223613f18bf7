// Package mailbox is the HTTP client of the dmsync mailbox server. A Client
// implements engine.Fetcher and engine.Sender.
package mailbox

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/eldtechnologies/dmsync/internal/crypto"
	"github.com/eldtechnologies/dmsync/internal/engine"
	"github.com/eldtechnologies/dmsync/internal/models"
)

// pageLimit is the page size used by FetchSince. The server caps it at 1000.
const pageLimit = 500

var tracer = otel.Tracer("github.com/eldtechnologies/dmsync/clients/go/mailbox")

// Client is a mailbox API client acting as the address of its key.
type Client struct {
	BaseURL    string
	Address    string
	PrivateKey ed25519.PrivateKey // signs every request; nil only suits Health
	HTTPClient *http.Client
}

// NewClient creates a new mailbox client. key may be nil for a client that
// only checks health.
func NewClient(baseURL string, key ed25519.PrivateKey) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	c := &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		PrivateKey: key,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
	if key != nil {
		c.Address = crypto.Address(key.Public().(ed25519.PublicKey))
	}
	return c
}

// StatusError is a non-2xx response from the mailbox.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("mailbox error %d: %s", e.Code, e.Message)
}

// doRequest performs an HTTP request and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "mailbox "+method, trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.path", path),
		))
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.PrivateKey != nil {
		if err := crypto.SignRequest(req, c.PrivateKey, body, time.Now()); err != nil {
			return nil, err
		}
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return nil, err
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
		return nil, &StatusError{Code: resp.StatusCode, Message: errResp.Error}
	}

	return respBody, nil
}

// classify maps a request error onto the engine's error taxonomy. Rejected
// drafts become validation errors; everything else is a transport error.
func classify(op string, err error, send bool) error {
	var se *StatusError
	if send && errors.As(err, &se) {
		switch se.Code {
		case http.StatusBadRequest, http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
			return &engine.ValidationError{Reason: se.Message}
		}
	}
	return &engine.TransportError{Op: op, Err: err}
}

// MessagesResponse is the response from listing a conversation.
type MessagesResponse struct {
	Messages []models.Message `json:"messages"`
	HasMore  bool             `json:"has_more"`
}

// FetchSince returns every message of the conversation with ts >= cursor,
// following pages until the server reports no more. since stays fixed and
// the offset grows, so a run of messages sharing one timestamp longer than
// a page is never cut short.
func (c *Client) FetchSince(ctx context.Context, peer string, cursor int64) ([]models.Message, error) {
	var out []models.Message
	for {
		path := fmt.Sprintf("/dm/%s?since=%d&offset=%d&limit=%d", url.PathEscape(peer), cursor, len(out), pageLimit)
		resp, err := c.getMessages(ctx, path)
		if err != nil {
			return nil, classify("fetch since", err, false)
		}
		out = append(out, resp.Messages...)

		if !resp.HasMore || len(resp.Messages) == 0 {
			return out, nil
		}
	}
}

// FetchRecentHistory returns the most recent messages of the conversation, ascending.
func (c *Client) FetchRecentHistory(ctx context.Context, peer string, limit int) ([]models.Message, error) {
	path := fmt.Sprintf("/dm/%s/recent?limit=%d", url.PathEscape(peer), limit)
	resp, err := c.getMessages(ctx, path)
	if err != nil {
		return nil, classify("fetch history", err, false)
	}
	return resp.Messages, nil
}

func (c *Client) getMessages(ctx context.Context, path string) (*MessagesResponse, error) {
	respBody, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var resp MessagesResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	models.SortMessages(resp.Messages)
	return &resp, nil
}

// ActivityResponse is the response from the recency check.
type ActivityResponse struct {
	Active   bool  `json:"active"`
	LatestTS int64 `json:"latest_ts"`
}

// HasRecentActivity reports whether peer sent anything to this address within window.
func (c *Client) HasRecentActivity(ctx context.Context, peer string, window time.Duration) (bool, error) {
	path := fmt.Sprintf("/dm/%s/activity?window_ms=%s", url.PathEscape(peer), strconv.FormatInt(window.Milliseconds(), 10))
	respBody, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return false, classify("check activity", err, false)
	}

	var resp ActivityResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return false, classify("check activity", err, false)
	}
	return resp.Active, nil
}

// SendRequest is the request body for posting a message.
type SendRequest struct {
	Payload  string `json:"payload"`
	ClientID string `json:"client_id,omitempty"`
}

// Send posts a draft to its recipient's mailbox and returns the stored message.
func (c *Client) Send(ctx context.Context, draft models.Draft) (*models.Message, error) {
	if draft.From != "" && draft.From != c.Address {
		return nil, &engine.ValidationError{Field: "from", Reason: "does not match client address"}
	}

	reqBody, err := json.Marshal(SendRequest{Payload: draft.Payload, ClientID: draft.ClientID})
	if err != nil {
		return nil, err
	}

	respBody, err := c.doRequest(ctx, http.MethodPost, "/dm/"+url.PathEscape(draft.To), reqBody)
	if err != nil {
		return nil, classify("send", err, true)
	}

	var msg models.Message
	if err := json.Unmarshal(respBody, &msg); err != nil {
		return nil, classify("send", fmt.Errorf("decode message: %w", err), true)
	}
	return &msg, nil
}

// HealthResponse is the response from the health endpoint.
type HealthResponse struct {
	Status    string         `json:"status"`
	Version   string         `json:"version"`
	Checks    map[string]any `json:"checks"`
	Timestamp string         `json:"timestamp"`
}

// Health checks server health.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	respBody, err := c.doRequest(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return nil, err
	}

	var resp HealthResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

var _ engine.Transport = (*Client)(nil)
