package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesJSONWithComponent(t *testing.T) {
	var buf bytes.Buffer
	log := ForComponent(New(&buf, "debug", false), "ledger")
	log.Info().Str(UserID, "u1").Msg("credited")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "ledger", line[Component])
	assert.Equal(t, "u1", line[UserID])
	assert.Equal(t, "credited", line["message"])
	assert.Equal(t, "info", line["level"])
}

func TestNewFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "nonsense", false)
	log.Debug().Msg("hidden")
	assert.Zero(t, buf.Len())
	log.Info().Msg("shown")
	assert.NotZero(t, buf.Len())
}
