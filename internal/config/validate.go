package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schema.json
var schemaJSON string

var schemaLoader = gojsonschema.NewStringLoader(schemaJSON)

// ValidateSettings checks raw settings, as decoded from the config file,
// against the embedded JSON schema. Every violation is reported as
// "field: description", sorted.
func ValidateSettings(settings map[string]any) error {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewGoLoader(settings))
	if err != nil {
		return fmt.Errorf("validate config schema: %w", err)
	}
	if result.Valid() {
		return nil
	}
	errs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		errs = append(errs, fmt.Sprintf("%s: %s", e.Field(), e.Description()))
	}
	sort.Strings(errs)
	return fmt.Errorf("config schema validation failed: %s", strings.Join(errs, "; "))
}

// ValidateFile reads a config file and checks it against the schema.
func ValidateFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	var settings map[string]any
	if err := json.Unmarshal(data, &settings); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return ValidateSettings(settings)
}
