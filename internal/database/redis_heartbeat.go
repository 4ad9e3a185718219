package database

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	heartbeatKeyPrefix = "pipeline:heartbeat:"
	lastCloseKeyPrefix = "pipeline:lastclose:"
	heartbeatTTL       = 2 * time.Minute
)

// RedisState mirrors liveness and stream progress into Redis: a heartbeat
// record per machine and the last published close time per stream, so a
// restarted engine can tell how far behind it is.
type RedisState struct {
	client    *redis.Client
	machineID string
	log       zerolog.Logger
}

// NewRedisState connects to Redis and verifies the connection.
func NewRedisState(addr, machineID string, log zerolog.Logger) (*RedisState, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisState{
		client:    client,
		machineID: machineID,
		log:       log.With().Str("component", "Redis").Logger(),
	}, nil
}

// WriteHeartbeat records the machine's liveness and per-stream last-event
// timestamps. The record expires on its own when the engine stops.
func (r *RedisState) WriteHeartbeat(ctx context.Context, streamsAt map[string]time.Time) error {
	key := heartbeatKeyPrefix + r.machineID

	fields := map[string]interface{}{
		"machine_id": r.machineID,
		"updated_at": time.Now().UTC().Format(time.RFC3339),
	}
	for stream, at := range streamsAt {
		fields["stream:"+stream] = at.UTC().Format(time.RFC3339)
	}

	pipe := r.client.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, heartbeatTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write heartbeat: %w", err)
	}
	return nil
}

// SetLastClose records the newest published close time for a stream.
func (r *RedisState) SetLastClose(ctx context.Context, symbol, interval string, closeTime int64) error {
	key := lastCloseKeyPrefix + r.machineID
	field := symbol + ":" + interval
	if err := r.client.HSet(ctx, key, field, closeTime).Err(); err != nil {
		return fmt.Errorf("set last close: %w", err)
	}
	return nil
}

// LastCloseTimes returns the persisted close times keyed "SYMBOL:interval".
func (r *RedisState) LastCloseTimes(ctx context.Context) (map[string]int64, error) {
	key := lastCloseKeyPrefix + r.machineID
	raw, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("read last close times: %w", err)
	}

	out := make(map[string]int64, len(raw))
	for field, value := range raw {
		ts, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			r.log.Warn().Str("field", field).Str("value", value).Msg("Bad last-close value")
			continue
		}
		out[field] = ts
	}
	return out, nil
}

// Close releases the Redis connection.
func (r *RedisState) Close() {
	if r.client != nil {
		r.client.Close()
	}
}
