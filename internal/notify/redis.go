package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient connects to Redis and verifies the connection
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	if addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return client, nil
}

// Redis publishes events on a channel and keeps the latest ones in a
// capped list for consumers that were not subscribed.
type Redis struct {
	client  redis.UniversalClient
	channel string
	listKey string
	maxLen  int64
	timeout time.Duration
	logger  *slog.Logger
}

// RedisConfig configures the Redis notifier
type RedisConfig struct {
	Channel string
	ListKey string
	MaxLen  int64
	Timeout time.Duration
}

// NewRedis creates a Redis notifier
func NewRedis(client redis.UniversalClient, cfg RedisConfig, logger *slog.Logger) *Redis {
	if cfg.Channel == "" {
		cfg.Channel = "campaignd:events"
	}
	if cfg.ListKey == "" {
		cfg.ListKey = "campaignd:notifications"
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = 1000
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Redis{
		client:  client,
		channel: cfg.Channel,
		listKey: cfg.ListKey,
		maxLen:  cfg.MaxLen,
		timeout: cfg.Timeout,
		logger:  logger.With("component", "notify.redis"),
	}
}

func (r *Redis) Notify(ctx context.Context, e Event) {
	if err := r.publish(ctx, e); err != nil {
		r.logger.Warn("failed to emit notification",
			"kind", e.Kind,
			"campaign_id", e.CampaignID,
			"error", err,
		)
	}
}

func (r *Redis) publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Publish(ctx, r.channel, payload)
		pipe.LPush(ctx, r.listKey, payload)
		pipe.LTrim(ctx, r.listKey, 0, r.maxLen-1)
		return nil
	})
	return err
}

// Recent returns up to n stored events, newest first
func (r *Redis) Recent(ctx context.Context, n int64) ([]Event, error) {
	if n <= 0 {
		n = 50
	}
	items, err := r.client.LRange(ctx, r.listKey, 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read notifications: %w", err)
	}

	events := make([]Event, 0, len(items))
	for _, item := range items {
		var e Event
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			continue
		}
		events = append(events, e)
	}
	return events, nil
}
