package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// EnvPrefix scopes environment overrides, e.g. TALLY_QUEUE_CONCURRENCY.
const EnvPrefix = "TALLY"

// Load reads the JSON file at path over the defaults and applies TALLY_*
// environment overrides. A missing file is not an error.
func Load(path string) (Config, error) {
	v := viper.New()
	if err := setDefaults(v, Default()); err != nil {
		return Config{}, err
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config: %w", err)
		default:
			var settings map[string]any
			if err := json.Unmarshal(data, &settings); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
			if err := ValidateSettings(settings); err != nil {
				return Config{}, err
			}
			v.SetConfigType("json")
			if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Settings converts cfg into the nested map form of the config file.
// Durations are rendered as strings such as "1m0s".
func Settings(cfg Config) (map[string]any, error) {
	var out map[string]any
	if err := mapstructure.Decode(cfg, &out); err != nil {
		return nil, fmt.Errorf("flatten config: %w", err)
	}
	humanize(out)
	return out, nil
}

func humanize(m map[string]any) {
	for k, val := range m {
		switch x := val.(type) {
		case map[string]any:
			humanize(x)
		case time.Duration:
			m[k] = x.String()
		}
	}
}

func setDefaults(v *viper.Viper, cfg Config) error {
	settings, err := Settings(cfg)
	if err != nil {
		return err
	}
	walk("", settings, v.SetDefault)
	return nil
}

func walk(prefix string, m map[string]any, set func(string, any)) {
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			walk(key, nested, set)
			continue
		}
		set(key, val)
	}
}
