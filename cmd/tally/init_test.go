package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metalagman/tally/internal/config"
)

func TestDefaultConfigIsLoadable(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".tally", "config.json")
	require.NoError(t, writeDefaultConfig(path))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestWriteDefaultConfigKeepsExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"queue": {"concurrency": 4}}`), 0o644))
	require.NoError(t, writeDefaultConfig(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"queue": {"concurrency": 4}}`, string(data))
}
