package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/metalagman/tally/internal/assistant"
)

// NATSConfig addresses a NATS server.
type NATSConfig struct {
	URL     string        `json:"url,omitempty" mapstructure:"url"`
	Subject string        `json:"subject"       mapstructure:"subject"`
	Timeout time.Duration `json:"timeout"       mapstructure:"timeout"`
}

// NATSSink publishes notifications as JSON on a subject.
type NATSSink struct {
	conn    *nats.Conn
	subject string
}

// NewNATSSink connects to cfg.URL.
func NewNATSSink(cfg NATSConfig) (*NATSSink, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Name("tally"),
		nats.Timeout(timeout),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	log.Info().Str("url", cfg.URL).Str("subject", cfg.Subject).Msg("nats sink connected")
	return &NATSSink{conn: conn, subject: cfg.Subject}, nil
}

func (s *NATSSink) Name() string { return "nats" }

// Publish sends n. Delivery is fire-and-forget.
func (s *NATSSink) Publish(_ context.Context, n assistant.Notification) error {
	data, err := encode(n)
	if err != nil {
		return err
	}
	if err := s.conn.Publish(s.subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", s.subject, err)
	}
	return nil
}

// Close flushes buffered messages and closes the connection.
func (s *NATSSink) Close() error {
	if s.conn == nil {
		return nil
	}
	if err := s.conn.Drain(); err != nil {
		s.conn.Close()
		return fmt.Errorf("drain nats: %w", err)
	}
	return nil
}
