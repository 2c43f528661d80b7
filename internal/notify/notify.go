// Package notify fans assistant notifications out to other processes.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/metalagman/tally/internal/assistant"
)

// Sink delivers one notification.
type Sink interface {
	Name() string
	Publish(ctx context.Context, n assistant.Notification) error
	Close() error
}

// Config lists the optional endpoints. Empty addresses disable a sink.
type Config struct {
	NATS  NATSConfig  `json:"nats"  mapstructure:"nats"`
	Redis RedisConfig `json:"redis" mapstructure:"redis"`
}

// DefaultConfig has both sinks disabled.
func DefaultConfig() Config {
	return Config{
		NATS:  NATSConfig{Subject: "tally.notifications"},
		Redis: RedisConfig{Channel: "tally:notifications", ListKey: "tally:notifications:recent", ListSize: 50},
	}
}

// Open connects every configured sink. On failure the sinks opened so far
// are closed.
func Open(cfg Config) ([]Sink, error) {
	var sinks []Sink
	if cfg.NATS.URL != "" {
		s, err := NewNATSSink(cfg.NATS)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if cfg.Redis.Addr != "" {
		s, err := NewRedisSink(cfg.Redis)
		if err != nil {
			_ = CloseAll(sinks)
			return nil, err
		}
		sinks = append(sinks, s)
	}
	return sinks, nil
}

// CloseAll closes sinks and joins their errors.
func CloseAll(sinks []Sink) error {
	var errs []error
	for _, s := range sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s sink: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Forward publishes every notification from notes to all sinks until
// notes closes or ctx is done. Sink errors are logged and skipped.
func Forward(ctx context.Context, notes <-chan assistant.Notification, sinks ...Sink) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notes:
			if !ok {
				return
			}
			for _, s := range sinks {
				if err := s.Publish(ctx, n); err != nil {
					log.Warn().Err(err).Str("sink", s.Name()).Str("kind", string(n.Kind)).Msg("notification not delivered")
				}
			}
		}
	}
}

func encode(n assistant.Notification) ([]byte, error) {
	data, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("marshal notification: %w", err)
	}
	return data, nil
}
