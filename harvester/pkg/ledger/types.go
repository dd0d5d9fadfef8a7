package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// CycleState is the terminal state of one scheduler run.
type CycleState string

const (
	CycleStateDistributed CycleState = "distributed"
	CycleStateRolledOver  CycleState = "rolled_over"
	CycleStateFailed      CycleState = "failed"
)

// Outcome of the most recent distribution written to the ledger.
const (
	OutcomeComplete = "complete"
	// OutcomePartial means holders were paid but the treasury transfer failed.
	OutcomePartial = "partial"
)

// CycleResult is the harvest/swap/distribution payload of a cycle. Amounts
// are base units: fee-token units for Harvested, lamports for the rest.
type CycleResult struct {
	Harvested     uint64 `json:"harvested"`
	Batches       int    `json:"batches,omitempty"`
	Settlement    uint64 `json:"settlement"`
	ToHolders     uint64 `json:"to_holders"`
	ToTreasury    uint64 `json:"to_treasury"`
	HoldersPaid   int    `json:"holders_paid"`
	CarriedOver   uint64 `json:"carried_over"`
	SettlementRef string `json:"settlement_ref,omitempty"`
}

// Cycle is one completed scheduler run. Immutable once appended.
type Cycle struct {
	Epoch     string       `json:"epoch"`
	Slot      int          `json:"slot"`
	Timestamp time.Time    `json:"timestamp"`
	State     CycleState   `json:"state"`
	RunID     string       `json:"run_id,omitempty"`
	Error     string       `json:"error,omitempty"`
	Result    *CycleResult `json:"result,omitempty"`
}

// Epoch is a UTC calendar day and the cycles that completed on it.
type Epoch struct {
	Date   string  `json:"date"`
	Cycles []Cycle `json:"cycles"`
}

// Ledger is the cumulative distribution ledger of a deployment.
type Ledger struct {
	Harvested               uint64    `json:"harvested"`
	PaidToHolders           uint64    `json:"paid_to_holders"`
	PaidToTreasury          uint64    `json:"paid_to_treasury"`
	DistributionCount       uint64    `json:"distribution_count"`
	LastSettlementRef       string    `json:"last_settlement_ref"`
	LastDistributionEpoch   string    `json:"last_distribution_epoch"`
	LastDistributionSlot    int       `json:"last_distribution_slot"`
	LastDistributionOutcome string    `json:"last_distribution_outcome"`
	UpdatedAt               time.Time `json:"updated_at"`
}

// Fingerprint hashes the cumulative content of the ledger. References and
// timestamps are left out so that one distribution settled in several
// transactions yields a single fingerprint.
func (l Ledger) Fingerprint() string {
	return Fingerprint(l.PaidToHolders, l.PaidToTreasury, l.DistributionCount)
}

// Fingerprint returns the hex SHA-256 of "holders|treasury|count".
func Fingerprint(paidToHolders, paidToTreasury, distributionCount uint64) string {
	input := strings.Join([]string{
		strconv.FormatUint(paidToHolders, 10),
		strconv.FormatUint(paidToTreasury, 10),
		strconv.FormatUint(distributionCount, 10),
	}, "|")
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// Patch is a partial ledger update. Numeric fields are deltas added to the
// stored totals; pointer fields overwrite only when set.
type Patch struct {
	Harvested         uint64
	PaidToHolders     uint64
	PaidToTreasury    uint64
	DistributionCount uint64

	LastSettlementRef       *string
	LastDistributionEpoch   *string
	LastDistributionSlot    *int
	LastDistributionOutcome *string
}

// IsZero reports whether applying the patch would change nothing.
func (p Patch) IsZero() bool {
	return p.Harvested == 0 && p.PaidToHolders == 0 && p.PaidToTreasury == 0 && p.DistributionCount == 0 &&
		p.LastSettlementRef == nil && p.LastDistributionEpoch == nil && p.LastDistributionSlot == nil &&
		p.LastDistributionOutcome == nil
}

// Apply returns l with the patch merged in.
func (p Patch) Apply(l Ledger, now time.Time) Ledger {
	l.Harvested += p.Harvested
	l.PaidToHolders += p.PaidToHolders
	l.PaidToTreasury += p.PaidToTreasury
	l.DistributionCount += p.DistributionCount
	if p.LastSettlementRef != nil {
		l.LastSettlementRef = *p.LastSettlementRef
	}
	if p.LastDistributionEpoch != nil {
		l.LastDistributionEpoch = *p.LastDistributionEpoch
	}
	if p.LastDistributionSlot != nil {
		l.LastDistributionSlot = *p.LastDistributionSlot
	}
	if p.LastDistributionOutcome != nil {
		l.LastDistributionOutcome = *p.LastDistributionOutcome
	}
	l.UpdatedAt = now.UTC()
	return l
}

// Ptr returns a pointer to v, for Patch setters.
func Ptr[T any](v T) *T {
	return &v
}
