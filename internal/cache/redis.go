package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/redis/go-redis/v9"

	"github.com/streamweave/backend/internal/models"
)

var log = logging.Logger("cache")

// EventsChannel carries every lifecycle event across server instances.
const EventsChannel = "streamweave:events"

const (
	presenceTTL = 24 * time.Hour
	limiterTTL  = time.Minute
	opTimeout   = 2 * time.Second
)

// tokenBucket refills rate tokens per second up to burst and takes one.
// Returns 1 when a token was available.
var tokenBucket = redis.NewScript(`
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local state = redis.call('HMGET', KEYS[1], 'tokens', 'last')
local tokens = tonumber(state[1]) or burst
local last = tonumber(state[2]) or now
tokens = math.min(burst, tokens + math.max(0, now - last) * rate / 1000)
local allowed = 0
if tokens >= 1 then
	tokens = tokens - 1
	allowed = 1
end
redis.call('HSET', KEYS[1], 'tokens', tokens, 'last', now)
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return allowed
`)

// RedisClient shares presence, events and rate limits between server
// instances.
type RedisClient struct {
	client *redis.Client
}

func NewRedisClient(addr, password string, db int) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisClient{client: client}, nil
}

func (r *RedisClient) Close() error {
	return r.client.Close()
}

// Keys share a hash tag per session so a session's keys land on one slot.
func presenceKey(sessionID uuid.UUID) string {
	return "viewers:{" + sessionID.String() + "}"
}

func limiterKey(identity, action string) string {
	return "rl:{" + identity + "}:" + action
}

// SessionViewers lists the viewers recorded for a session on any instance
func (r *RedisClient) SessionViewers(ctx context.Context, sessionID uuid.UUID) ([]string, error) {
	viewers, err := r.client.SMembers(ctx, presenceKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis SMEMBERS %s: %w", presenceKey(sessionID), err)
	}
	return viewers, nil
}

// PublishEvent sends one lifecycle event to every instance
func (r *RedisClient) PublishEvent(ctx context.Context, e models.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", e.Type, err)
	}
	if err := r.client.Publish(ctx, EventsChannel, data).Err(); err != nil {
		return fmt.Errorf("redis PUBLISH %s: %w", EventsChannel, err)
	}
	return nil
}

func (r *RedisClient) SubscribeToEvents(ctx context.Context) *redis.PubSub {
	return r.client.Subscribe(ctx, EventsChannel)
}

// ForwardEvents publishes every event from in and keeps the viewer presence
// sets in step with joins, leaves and session ends. It returns when ctx is
// done or in is closed.
func (r *RedisClient) ForwardEvents(ctx context.Context, in <-chan models.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-in:
			if !ok {
				return
			}
			opCtx, cancel := context.WithTimeout(ctx, opTimeout)
			if err := r.forward(opCtx, e); err != nil {
				log.Warnw("event forward failed", "event", e.Type, "session", e.SessionID, "err", err)
			}
			cancel()
		}
	}
}

// forward applies the presence change and the publish in one round trip
func (r *RedisClient) forward(ctx context.Context, e models.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", e.Type, err)
	}

	key := presenceKey(e.SessionID)
	pipe := r.client.TxPipeline()
	switch e.Type {
	case models.EventViewerJoined:
		if p, ok := e.Payload.(models.ViewerPayload); ok {
			pipe.SAdd(ctx, key, p.ViewerID)
			pipe.Expire(ctx, key, presenceTTL)
		}
	case models.EventViewerLeft:
		if p, ok := e.Payload.(models.ViewerPayload); ok {
			pipe.SRem(ctx, key, p.ViewerID)
		}
	case models.EventSessionEnded, models.EventSessionError:
		pipe.Del(ctx, key)
	}
	pipe.Publish(ctx, EventsChannel, data)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis forward %s: %w", e.Type, err)
	}
	return nil
}

// AllowAction takes a token from the shared bucket for identity and action.
func (r *RedisClient) AllowAction(identity, action string, rate, burst int) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	res, err := tokenBucket.Run(ctx, r.client,
		[]string{limiterKey(identity, action)},
		rate, burst, time.Now().UnixMilli(), limiterTTL.Milliseconds(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("redis token bucket: %w", err)
	}
	return res == 1, nil
}
