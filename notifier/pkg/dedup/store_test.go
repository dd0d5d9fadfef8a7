package dedup

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHarvest_Dedup_DocumentStore(t *testing.T) {
	t.Parallel()

	t.Run("missing file loads empty", func(t *testing.T) {
		t.Parallel()
		s, err := NewFileStore(filepath.Join(t.TempDir(), "nested", "fp.json"))
		require.NoError(t, err)
		mark, err := s.Load(t.Context(), "slack")
		require.NoError(t, err)
		require.Empty(t, mark.Fingerprint)
	})

	t.Run("channels are independent", func(t *testing.T) {
		t.Parallel()
		s, err := NewFileStore(filepath.Join(t.TempDir(), "fp.json"))
		require.NoError(t, err)
		at := time.Date(2026, 10, 17, 0, 10, 0, 0, time.UTC)

		require.NoError(t, s.Save(t.Context(), "slack", Mark{Fingerprint: "a", DistributionCount: 1, NotifiedAt: at}))
		require.NoError(t, s.Save(t.Context(), "webhook", Mark{Fingerprint: "b", DistributionCount: 2, NotifiedAt: at}))

		slack, err := s.Load(t.Context(), "slack")
		require.NoError(t, err)
		require.Equal(t, Mark{Fingerprint: "a", DistributionCount: 1, NotifiedAt: at}, slack)
		webhook, err := s.Load(t.Context(), "webhook")
		require.NoError(t, err)
		require.Equal(t, "b", webhook.Fingerprint)
	})

	t.Run("unknown sections survive", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "fp.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"operator":{"note":"keep"},"channels":null}`), 0o644))
		s, err := NewFileStore(path)
		require.NoError(t, err)

		require.NoError(t, s.Save(t.Context(), "slack", Mark{Fingerprint: "a"}))
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		require.Contains(t, string(data), `"note": "keep"`)
	})

	t.Run("corrupt file is an error", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "fp.json")
		require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0o644))
		s, err := NewFileStore(path)
		require.NoError(t, err)
		_, err = s.Load(t.Context(), "slack")
		require.Error(t, err)
	})
}
