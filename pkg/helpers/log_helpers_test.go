package helpers

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	var ret []map[string]interface{}
	dec := json.NewDecoder(buf)
	for dec.More() {
		var line map[string]interface{}
		require.NoError(t, dec.Decode(&line))
		ret = append(ret, line)
	}
	return ret
}

func TestWatermillInfoIsDemotedToDebug(t *testing.T) {
	buf := &bytes.Buffer{}
	adapter := NewWatermill(zerolog.New(buf).Level(zerolog.InfoLevel))

	adapter.Info("subscriber started", watermill.LogFields{"topic": "chat"})
	assert.Empty(t, buf.String())

	adapter = NewWatermill(zerolog.New(buf).Level(zerolog.DebugLevel))
	adapter.Info("subscriber started", watermill.LogFields{"topic": "chat"})

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "debug", lines[0]["level"])
	assert.Equal(t, "chat", lines[0]["topic"])
	assert.Equal(t, "watermill", lines[0]["component"])
}

func TestWatermillWithCarriesFields(t *testing.T) {
	buf := &bytes.Buffer{}
	adapter := NewWatermill(zerolog.New(buf)).With(watermill.LogFields{"handler": "printer"})

	adapter.Error("handler failed", errors.New("boom"), watermill.LogFields{"topic": "chat"})

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "error", lines[0]["level"])
	assert.Equal(t, "printer", lines[0]["handler"])
	assert.Equal(t, "chat", lines[0]["topic"])
	assert.Equal(t, "boom", lines[0]["error"])
	assert.Equal(t, "handler failed", lines[0]["message"])
}
