package scheduler

import (
	"context"
	"strconv"

	"github.com/malbeclabs/harvest/harvester/pkg/ledger"
	"github.com/malbeclabs/harvest/utils/pkg/sentry"
)

// SentryReporter forwards failed cycles to Sentry when it is enabled.
type SentryReporter struct{}

func (SentryReporter) ReportCycleFailure(_ context.Context, c ledger.Cycle, err error) {
	sentry.CaptureException(err, map[string]string{
		"epoch":  c.Epoch,
		"slot":   strconv.Itoa(c.Slot),
		"run_id": c.RunID,
		"state":  string(c.State),
	})
}
