package logger

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHarvest_Logger_FormatRFC3339Millis(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 3, 4, 5, 6, 7, 891_000_000, time.FixedZone("x", 3600))
	require.Equal(t, "2026-03-04T04:06:07.891Z", formatRFC3339Millis(ts))
}

func TestHarvest_Logger_JSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWithFormat(&buf, FormatJSON, false)
	log.Debug("hidden")
	log.Info("scheduler: cycle completed", "epoch", "2026-03-04", "empty", "")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "scheduler: cycle completed", line["msg"])
	require.Equal(t, "2026-03-04", line["epoch"])
	require.NotContains(t, line, "empty")
}
