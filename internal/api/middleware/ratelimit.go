package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/dmsync/internal/engine"
	"github.com/eldtechnologies/dmsync/internal/metrics"
)

// Rule limits one class of requests to Requests per fixed Window, counted
// separately for every value Key returns.
type Rule struct {
	Name     string
	Requests int
	Window   time.Duration
	Key      func(r *http.Request) string
}

// readHeadroom covers what a live session adds on top of one fetch per
// fast interval: extra pages, history, recency checks and backfill.
const readHeadroom = 4

// ReadRule bounds the reads of one conversation by its owner. The budget
// follows the sync engine's fastest cadence, so a client polling as
// designed never hits it while a runaway loop does.
func ReadRule() Rule {
	p := engine.DefaultPolicy()
	return Rule{
		Name:     "read",
		Requests: int(time.Minute/p.FastInterval) * readHeadroom,
		Window:   time.Minute,
		Key:      conversationKey,
	}
}

// SendRule bounds the messages one address may post across all conversations.
func SendRule() Rule {
	return Rule{Name: "send", Requests: 60, Window: time.Minute, Key: agentKey}
}

// ConnectRule bounds requests per client IP before they are authenticated,
// so unsigned floods are cut off before any signature is checked.
func ConnectRule() Rule {
	return Rule{Name: "connect", Requests: 1200, Window: time.Minute, Key: ipKey}
}

// HealthRule bounds health checks per client IP.
func HealthRule() Rule {
	return Rule{Name: "health", Requests: 60, Window: time.Minute, Key: ipKey}
}

func ipKey(r *http.Request) string {
	return "ip:" + ClientIP(r)
}

// agentKey needs RequireAuth to have run.
func agentKey(r *http.Request) string {
	return "agent:" + GetAgentFromContext(r.Context())
}

// conversationKey needs RequireAuth to have run and a {peer} route param.
func conversationKey(r *http.Request) string {
	return "conv:" + GetAgentFromContext(r.Context()) + "|" + chi.URLParam(r, "peer")
}

// ClientIP returns the caller's IP. Fly-Client-IP wins; otherwise
// RemoteAddr, which chi's RealIP middleware has already resolved from
// X-Forwarded-For or X-Real-IP.
func ClientIP(r *http.Request) string {
	if ip := r.Header.Get("Fly-Client-IP"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimiterConfig holds configuration for the rate limiter.
type RateLimiterConfig struct {
	Whitelist []string // IPs or CIDRs exempt from rate limiting
}

// windowCounter counts hits of a key within its current window.
type windowCounter interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

// redisCounter keeps one counter per window in Redis, expiring with it.
type redisCounter struct {
	client *redis.Client
}

func (c redisCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.PExpire(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// RateLimiter applies fixed-window Rules. A nil *RateLimiter lets every
// request through.
type RateLimiter struct {
	counter   windowCounter
	logger    zerolog.Logger
	whitelist []netip.Prefix
	now       func() time.Time
}

// NewRateLimiter creates a rate limiter counting in Redis.
func NewRateLimiter(client *redis.Client, logger zerolog.Logger, cfg RateLimiterConfig) *RateLimiter {
	return newRateLimiter(redisCounter{client: client}, logger, cfg)
}

func newRateLimiter(counter windowCounter, logger zerolog.Logger, cfg RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{counter: counter, logger: logger, now: time.Now}

	for _, entry := range cfg.Whitelist {
		prefix, err := parsePrefix(entry)
		if err != nil {
			logger.Warn().Str("entry", entry).Err(err).Msg("invalid rate limit whitelist entry")
			continue
		}
		rl.whitelist = append(rl.whitelist, prefix)
	}
	if len(rl.whitelist) > 0 {
		logger.Info().Int("entries", len(rl.whitelist)).Msg("rate limit whitelist configured")
	}
	return rl
}

// parsePrefix accepts a CIDR or a single address.
func parsePrefix(entry string) (netip.Prefix, error) {
	if strings.Contains(entry, "/") {
		return netip.ParsePrefix(entry)
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func (rl *RateLimiter) isWhitelisted(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range rl.whitelist {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Limit returns a middleware enforcing rule.
func (rl *RateLimiter) Limit(rule Rule) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if rl == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIP(r)
			if rl.isWhitelisted(ip) {
				next.ServeHTTP(w, r)
				return
			}

			now := rl.now()
			bucket := now.UnixMilli() / rule.Window.Milliseconds()
			resetAt := time.UnixMilli((bucket + 1) * rule.Window.Milliseconds())
			key := fmt.Sprintf("ratelimit:%s:%s:%d", rule.Name, rule.Key(r), bucket)

			count, err := rl.counter.Incr(r.Context(), key, rule.Window)
			if err != nil {
				// Counting is best effort; an unavailable Redis does not take the mailbox down.
				rl.logger.Warn().Err(err).Str("rule", rule.Name).Msg("rate limit check failed")
				next.ServeHTTP(w, r)
				return
			}

			remaining := max(rule.Requests-int(count), 0)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rule.Requests))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

			if count > int64(rule.Requests) {
				retry := max(int(resetAt.Sub(now).Seconds()+0.999), 1)
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				metrics.RateLimitHits.WithLabelValues(rule.Name).Inc()
				rl.logger.Warn().
					Str("type", "security").
					Str("event", "rate_limit_exceeded").
					Str("rule", rule.Name).
					Str("ip", ip).
					Str("agent", GetAgentFromContext(r.Context())).
					Msg("rate limit exceeded")
				jsonError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
