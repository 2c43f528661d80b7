package logging

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
)

func TestInitSetsLevel(t *testing.T) {
	var buf bytes.Buffer
	InitTo(&buf, true)
	assert.True(t, DebugEnabled())
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())

	InitTo(&buf, false)
	assert.False(t, DebugEnabled())
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}

func TestComponentAddsField(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	t.Cleanup(func() { log.Logger = prev })
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = zerolog.New(&buf)

	l := Component("router")
	l.Info().Msg("hello")

	assert.Contains(t, buf.String(), `"component":"router"`)
	assert.Contains(t, buf.String(), `"message":"hello"`)
}
