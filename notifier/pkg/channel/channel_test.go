package channel

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/malbeclabs/harvest/notifier/pkg/dedup"
	"github.com/malbeclabs/harvest/utils/pkg/retry"
	harvesttesting "github.com/malbeclabs/harvest/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func notification() dedup.Notification {
	return dedup.Notification{
		Fingerprint:       "3f2a9c1d7e6b5a4f00112233",
		DistributionCount: 4,
		PaidToHolders:     1_500_000_000,
		PaidToTreasury:    500_000_000,
		Harvested:         25_000,
		SettlementRef:     "5sig",
		Epoch:             "2026-10-17",
		Slot:              2,
	}
}

type slackRequest struct {
	channel string
	text    string
	blocks  string
}

func newSlackServer(t *testing.T, respond func(call int32, w http.ResponseWriter)) (*httptest.Server, *[]slackRequest) {
	t.Helper()
	var (
		mu    sync.Mutex
		reqs  []slackRequest
		calls atomic.Int32
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat.postMessage" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = r.ParseForm()
		mu.Lock()
		reqs = append(reqs, slackRequest{
			channel: r.FormValue("channel"),
			text:    r.FormValue("text"),
			blocks:  r.FormValue("blocks"),
		})
		mu.Unlock()
		respond(calls.Add(1), w)
	}))
	t.Cleanup(srv.Close)
	return srv, &reqs
}

func okSlack(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"ok":true,"channel":"C123","ts":"1792195620.000100"}`))
}

func newTestSlack(t *testing.T, url string) *Slack {
	t.Helper()
	s, err := NewSlack(SlackConfig{
		Logger:    harvesttesting.NewLogger(),
		Token:     "xoxb-test",
		ChannelID: "C123",
		APIURL:    url + "/",
		Retry:     fastRetry(),
	})
	require.NoError(t, err)
	return s
}

func TestHarvest_Channel_Slack(t *testing.T) {
	t.Parallel()

	t.Run("posts blocks", func(t *testing.T) {
		t.Parallel()
		srv, reqs := newSlackServer(t, func(_ int32, w http.ResponseWriter) { okSlack(w) })
		s := newTestSlack(t, srv.URL)

		require.NoError(t, s.Notify(t.Context(), notification()))
		require.Len(t, *reqs, 1)
		req := (*reqs)[0]
		require.Equal(t, "C123", req.channel)
		require.Equal(t, "Distribution #4: 1.5 SOL to holders, 0.5 SOL to treasury (total)", req.text)

		var blocks []map[string]any
		require.NoError(t, json.Unmarshal([]byte(req.blocks), &blocks))
		require.Len(t, blocks, 3)
		require.Equal(t, "header", blocks[0]["type"])
		require.Contains(t, req.blocks, "https://solscan.io/tx/5sig")
		require.Contains(t, req.blocks, "2026-10-17 slot 2")
		require.Contains(t, req.blocks, "3f2a9c1d7e6b")
	})

	t.Run("retries server errors", func(t *testing.T) {
		t.Parallel()
		srv, reqs := newSlackServer(t, func(call int32, w http.ResponseWriter) {
			if call == 1 {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			okSlack(w)
		})
		s := newTestSlack(t, srv.URL)

		require.NoError(t, s.Notify(t.Context(), notification()))
		require.Len(t, *reqs, 2)
	})

	t.Run("api errors are not retried", func(t *testing.T) {
		t.Parallel()
		srv, reqs := newSlackServer(t, func(_ int32, w http.ResponseWriter) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"ok":false,"error":"channel_not_found"}`))
		})
		s := newTestSlack(t, srv.URL)

		err := s.Notify(t.Context(), notification())
		require.ErrorContains(t, err, "channel_not_found")
		require.Len(t, *reqs, 1)
	})

	t.Run("config", func(t *testing.T) {
		t.Parallel()
		_, err := NewSlack(SlackConfig{Logger: harvesttesting.NewLogger(), ChannelID: "C1"})
		require.Error(t, err)
		_, err = NewSlack(SlackConfig{Logger: harvesttesting.NewLogger(), Token: "xoxb"})
		require.Error(t, err)
	})
}

func TestHarvest_Channel_Webhook(t *testing.T) {
	t.Parallel()

	t.Run("posts payload", func(t *testing.T) {
		t.Parallel()
		var (
			got     WebhookPayload
			headers http.Header
		)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			headers = r.Header.Clone()
			_ = json.NewDecoder(r.Body).Decode(&got)
			w.WriteHeader(http.StatusNoContent)
		}))
		t.Cleanup(srv.Close)

		wh, err := NewWebhook(WebhookConfig{
			Logger:  harvesttesting.NewLogger(),
			URL:     srv.URL,
			Headers: map[string]string{"Authorization": "Bearer t"},
			Retry:   fastRetry(),
		})
		require.NoError(t, err)
		require.Equal(t, "webhook", wh.Name())
		require.NoError(t, wh.Notify(t.Context(), notification()))

		require.Equal(t, "distribution", got.Event)
		require.Equal(t, uint64(4), got.DistributionCount)
		require.Equal(t, "1.5", got.PaidToHoldersSOL)
		require.Equal(t, "0.5", got.PaidToTreasurySOL)
		require.Equal(t, "5sig", got.SettlementRef)
		require.Equal(t, "application/json", headers.Get("Content-Type"))
		require.Equal(t, "Bearer t", headers.Get("Authorization"))
		require.Equal(t, notification().Fingerprint, headers.Get("Idempotency-Key"))
	})

	t.Run("retries 5xx then succeeds", func(t *testing.T) {
		t.Parallel()
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))
		t.Cleanup(srv.Close)

		wh, err := NewWebhook(WebhookConfig{Logger: harvesttesting.NewLogger(), URL: srv.URL, Retry: fastRetry()})
		require.NoError(t, err)
		require.NoError(t, wh.Notify(t.Context(), notification()))
		require.Equal(t, int32(3), calls.Load())
	})

	t.Run("4xx fails without retry", func(t *testing.T) {
		t.Parallel()
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte("bad token"))
		}))
		t.Cleanup(srv.Close)

		wh, err := NewWebhook(WebhookConfig{Logger: harvesttesting.NewLogger(), URL: srv.URL, Retry: fastRetry()})
		require.NoError(t, err)
		err = wh.Notify(t.Context(), notification())
		require.Error(t, err)
		require.True(t, strings.Contains(err.Error(), "401"))
		require.Equal(t, int32(1), calls.Load())
	})

	t.Run("rejects non-http url", func(t *testing.T) {
		t.Parallel()
		_, err := NewWebhook(WebhookConfig{Logger: harvesttesting.NewLogger(), URL: "ftp://x"})
		require.Error(t, err)
	})
}
