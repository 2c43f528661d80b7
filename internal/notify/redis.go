package notify

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/metalagman/tally/internal/assistant"
)

// RedisConfig addresses a Redis server. ListKey, when set, keeps the last
// ListSize notifications for clients that connect late.
type RedisConfig struct {
	Addr     string `json:"addr,omitempty"     mapstructure:"addr"`
	Password string `json:"password,omitempty" mapstructure:"password"`
	DB       int    `json:"db"                 mapstructure:"db"`
	Channel  string `json:"channel"            mapstructure:"channel"`
	ListKey  string `json:"list_key,omitempty" mapstructure:"list_key"`
	ListSize int64  `json:"list_size"          mapstructure:"list_size"`
}

// RedisSink publishes notifications on a pub/sub channel.
type RedisSink struct {
	client *redis.Client
	cfg    RedisConfig
}

// NewRedisSink builds a client for cfg and pings it.
func NewRedisSink(cfg RedisConfig) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisSink{client: client, cfg: cfg}, nil
}

func (s *RedisSink) Name() string { return "redis" }

// Publish sends n on the channel and appends it to the capped list.
func (s *RedisSink) Publish(ctx context.Context, n assistant.Notification) error {
	data, err := encode(n)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Publish(ctx, s.cfg.Channel, data)
		if s.cfg.ListKey != "" && s.cfg.ListSize > 0 {
			p.LPush(ctx, s.cfg.ListKey, data)
			p.LTrim(ctx, s.cfg.ListKey, 0, s.cfg.ListSize-1)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", s.cfg.Channel, err)
	}
	return nil
}

// Close releases the client.
func (s *RedisSink) Close() error {
	return s.client.Close()
}
