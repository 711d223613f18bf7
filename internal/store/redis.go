package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eldtechnologies/dmsync/internal/models"
)

// Conversations expire after a week without new messages.
const messageTTL = 7 * 24 * time.Hour

// RedisStore keeps each conversation in a sorted set scored by timestamp.
// Members are the message JSON, which starts with the id, so equal
// timestamps order by id.
type RedisStore struct {
	client  *redis.Client
	stamper *stamper
}

// NewRedisStore creates a new Redis store.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisStore{client: client, stamper: newStamper()}, nil
}

// Client exposes the underlying client for the rate limiter.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Close closes the Redis connection.
func (s *RedisStore) Close() {
	_ = s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// conversationKey returns the key for a conversation's message sorted set.
func conversationKey(a, b string) string {
	return fmt.Sprintf("dm:{%s}:messages", models.ConversationKey(a, b))
}

// clientIDKey returns the key remembering the message stored for a client id.
func clientIDKey(a, b, clientID string) string {
	return fmt.Sprintf("dm:{%s}:client:%s", models.ConversationKey(a, b), clientID)
}

// latestFromKey returns the key holding the newest ts sent by from to to.
func latestFromKey(from, to string) string {
	return fmt.Sprintf("dm:{%s}:latest:%s", models.ConversationKey(from, to), from)
}

// putScript stores a message unless its client id was seen. The client id
// key, the sorted set entry and the sender's latest ts are written together
// or not at all, so a retry after a lost reply finds a complete record.
//
// KEYS: messages, latest, client id (optional). ARGV: member, ts, ttl ms.
var putScript = redis.NewScript(`
if KEYS[3] then
	local prev = redis.call('GET', KEYS[3])
	if prev then
		return {0, prev}
	end
	redis.call('SET', KEYS[3], ARGV[1], 'PX', ARGV[3])
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
return {1, ARGV[1]}
`)

// Put stores a message in its conversation.
func (s *RedisStore) Put(ctx context.Context, msg models.Message) (*models.Message, bool, error) {
	s.stamper.stamp(&msg)

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, false, err
	}

	keys := []string{conversationKey(msg.From, msg.To), latestFromKey(msg.From, msg.To)}
	if msg.ClientID != "" {
		keys = append(keys, clientIDKey(msg.From, msg.To, msg.ClientID))
	}

	res, err := putScript.Run(ctx, s.client, keys, string(data), msg.Timestamp, messageTTL.Milliseconds()).Slice()
	if err != nil {
		return nil, false, err
	}
	if len(res) != 2 {
		return nil, false, fmt.Errorf("put: unexpected reply %v", res)
	}
	created, _ := res[0].(int64)
	stored, _ := res[1].(string)

	var out models.Message
	if err := json.Unmarshal([]byte(stored), &out); err != nil {
		return nil, false, err
	}
	return &out, created == 1, nil
}

// Since retrieves messages at or after a timestamp, skipping offset of them.
// Members with equal scores sort by their JSON, which starts with the id.
func (s *RedisStore) Since(ctx context.Context, a, b string, since int64, offset, limit int) ([]models.Message, bool, error) {
	results, err := s.client.ZRangeByScore(ctx, conversationKey(a, b), &redis.ZRangeBy{
		Min:    strconv.FormatInt(since, 10),
		Max:    "+inf",
		Offset: int64(offset),
		Count:  int64(limit) + 1,
	}).Result()
	if err != nil {
		return nil, false, err
	}

	hasMore := len(results) > limit
	if hasMore {
		results = results[:limit]
	}
	return decodeMembers(results), hasMore, nil
}

// Recent retrieves the newest messages of a conversation.
func (s *RedisStore) Recent(ctx context.Context, a, b string, limit int) ([]models.Message, error) {
	results, err := s.client.ZRevRange(ctx, conversationKey(a, b), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, err
	}

	// Newest first from Redis; callers want ascending.
	for i, j := 0, len(results)-1; i < j; i, j = i+1, j-1 {
		results[i], results[j] = results[j], results[i]
	}
	return decodeMembers(results), nil
}

// LatestFrom returns the newest ts sent by from to to.
func (s *RedisStore) LatestFrom(ctx context.Context, from, to string) (int64, error) {
	ts, err := s.client.Get(ctx, latestFromKey(from, to)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return ts, err
}

// nonceKey returns the key recording a request nonce of an agent.
func nonceKey(agent, nonce string) string {
	return fmt.Sprintf("nonce:%s:%s", agent, nonce)
}

// UseNonce records a request nonce. It returns false if the nonce was
// already recorded within ttl.
func (s *RedisStore) UseNonce(ctx context.Context, agent, nonce string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, nonceKey(agent, nonce), 1, ttl).Result()
}

func decodeMembers(results []string) []models.Message {
	messages := make([]models.Message, 0, len(results))
	for _, data := range results {
		var msg models.Message
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			continue
		}
		messages = append(messages, msg)
	}
	return messages
}
