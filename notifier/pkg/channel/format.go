package channel

import (
	"fmt"

	"github.com/malbeclabs/harvest/harvester/pkg/ledger"
	"github.com/malbeclabs/harvest/notifier/pkg/dedup"
)

// DefaultExplorerURL prefixes a transaction signature to link it.
const DefaultExplorerURL = "https://solscan.io/tx/"

func summary(n dedup.Notification) string {
	return fmt.Sprintf("Distribution #%d: %s SOL to holders, %s SOL to treasury (total)",
		n.DistributionCount, ledger.FormatSOL(n.PaidToHolders), ledger.FormatSOL(n.PaidToTreasury))
}

func label(n dedup.Notification) string {
	if n.Epoch == "" {
		return "unknown slot"
	}
	return fmt.Sprintf("%s slot %d", n.Epoch, n.Slot)
}
