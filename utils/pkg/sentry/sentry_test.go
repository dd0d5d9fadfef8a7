package sentry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHarvest_Sentry_Disabled(t *testing.T) {
	t.Parallel()

	require.NoError(t, Init(Options{}))
	require.False(t, Enabled())

	// All of these are no-ops without a client.
	CaptureException(errors.New("boom"), map[string]string{"epoch": "2026-10-17"})
	Flush(context.Background(), time.Second)
	func() {
		defer RecoverAndFlush()
	}()
}
