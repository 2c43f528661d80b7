// Package config provides configuration loading and management for tally.
package config

import (
	"fmt"
	"path/filepath"

	"github.com/metalagman/tally/internal/db"
	"github.com/metalagman/tally/internal/executor"
	"github.com/metalagman/tally/internal/llm"
	"github.com/metalagman/tally/internal/network"
	"github.com/metalagman/tally/internal/notify"
	"github.com/metalagman/tally/internal/queue"
	"github.com/metalagman/tally/internal/router"
	"github.com/metalagman/tally/internal/safety"
)

// Config is the root configuration.
type Config struct {
	DBPath    string            `json:"db_path"   mapstructure:"db_path"`
	LLM       llm.Config        `json:"llm"       mapstructure:"llm"`
	Router    router.Config     `json:"router"    mapstructure:"router"`
	Network   network.Config    `json:"network"   mapstructure:"network"`
	Executor  executor.Config   `json:"executor"  mapstructure:"executor"`
	Safety    safety.Thresholds `json:"safety"    mapstructure:"safety"`
	Queue     queue.Config      `json:"queue"     mapstructure:"queue"`
	Notify    notify.Config     `json:"notify"    mapstructure:"notify"`
	HTTP      HTTPConfig        `json:"http"      mapstructure:"http"`
	Retention RetentionConfig   `json:"retention" mapstructure:"retention"`
}

// RetentionConfig bounds the task journal and the ledger trash.
type RetentionConfig struct {
	KeepLast  int `json:"keep_last"  mapstructure:"keep_last"`
	KeepDays  int `json:"keep_days"  mapstructure:"keep_days"`
	TrashDays int `json:"trash_days" mapstructure:"trash_days"`
}

// Journal is the journal part of the policy.
func (r RetentionConfig) Journal() db.RetentionPolicy {
	return db.RetentionPolicy{KeepLast: r.KeepLast, KeepDays: r.KeepDays}
}

// HTTPConfig configures the serve command.
type HTTPConfig struct {
	Addr string `json:"addr" mapstructure:"addr"`
}

// Dir is the default state directory, relative to the working directory.
const Dir = ".tally"

// DefaultPath is where init writes the config file.
var DefaultPath = filepath.Join(Dir, "config.json")

// Default returns the stock configuration.
func Default() Config {
	return Config{
		DBPath:    filepath.Join(Dir, "tally.db"),
		LLM:       llm.Config{Model: "gemini-2.5-flash", APIKeyEnv: "GEMINI_API_KEY", Temperature: 0.1},
		Router:    router.DefaultConfig(),
		Network:   network.DefaultConfig(),
		Executor:  executor.DefaultConfig(),
		Safety:    safety.DefaultThresholds(),
		Queue:     queue.DefaultConfig(),
		Notify:    notify.DefaultConfig(),
		HTTP:      HTTPConfig{Addr: "127.0.0.1:8080"},
		Retention: RetentionConfig{KeepLast: 200, KeepDays: 30, TrashDays: 30},
	}
}

// Validate checks the cross-field rules the schema cannot express.
func (c Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path must be set")
	}
	if c.Queue.Concurrency <= 0 {
		return fmt.Errorf("queue.concurrency must be > 0")
	}
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("queue.max_retries must be >= 0")
	}
	if c.Executor.PendingTimeout <= 0 || c.Executor.MultiTimeout <= 0 {
		return fmt.Errorf("executor timeouts must be > 0")
	}
	if c.Router.AcceptRule < c.Executor.NewCommandConfidence {
		return fmt.Errorf("router.accept_rule must not be below executor.new_command_confidence")
	}
	return nil
}
