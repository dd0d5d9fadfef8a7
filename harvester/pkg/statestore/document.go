package statestore

import (
	"encoding/json"
	"log/slog"
	"slices"

	"github.com/malbeclabs/harvest/harvester/pkg/ledger"
)

// Top-level sections of the state document. Any other section belongs to a
// sibling writer and is carried through untouched.
const (
	sectionEpochs        = "epochs"
	sectionCumulative    = "cumulative"
	sectionEvictedEpochs = "evicted_epochs"
	sectionCarryOver     = "carry_over"
)

// document is the raw state document. Sections and the fields inside them
// are kept as raw JSON so a write only re-encodes what it changed.
type document map[string]json.RawMessage

func decodeDocument(log *slog.Logger, raw []byte) document {
	doc := document{}
	if len(raw) == 0 {
		return doc
	}
	if err := json.Unmarshal(raw, &doc); err != nil || doc == nil {
		log.Error("statestore: state document is not a JSON object, starting from defaults", "error", err)
		return document{}
	}
	return doc
}

func (d document) encode() ([]byte, error) {
	return json.Marshal(d)
}

// object decodes a section as a JSON object of raw fields.
func (d document) object(log *slog.Logger, section string) map[string]json.RawMessage {
	fields := map[string]json.RawMessage{}
	raw, ok := d[section]
	if !ok || len(raw) == 0 || string(raw) == "null" {
		return fields
	}
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		log.Warn("statestore: ignoring malformed section", "section", section, "error", err)
		return map[string]json.RawMessage{}
	}
	return fields
}

func (d document) setObject(section string, fields map[string]json.RawMessage) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	d[section] = raw
	return nil
}

func (d document) intValue(log *slog.Logger, section string) int {
	var v int
	decodeField(log, map[string]json.RawMessage(d), section, &v)
	return v
}

// decodeField decodes fields[key] into dst, leaving dst at its default when
// the field is missing or malformed.
func decodeField[T any](log *slog.Logger, fields map[string]json.RawMessage, key string, dst *T) {
	raw, ok := fields[key]
	if !ok || len(raw) == 0 || string(raw) == "null" {
		return
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		log.Warn("statestore: ignoring malformed field", "field", key, "error", err)
		return
	}
	*dst = v
}

func encodeField(fields map[string]json.RawMessage, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	fields[key] = raw
	return nil
}

// ledgerFromFields builds a ledger field by field.
func ledgerFromFields(log *slog.Logger, fields map[string]json.RawMessage) ledger.Ledger {
	var l ledger.Ledger
	decodeField(log, fields, "harvested", &l.Harvested)
	decodeField(log, fields, "paid_to_holders", &l.PaidToHolders)
	decodeField(log, fields, "paid_to_treasury", &l.PaidToTreasury)
	decodeField(log, fields, "distribution_count", &l.DistributionCount)
	decodeField(log, fields, "last_settlement_ref", &l.LastSettlementRef)
	decodeField(log, fields, "last_distribution_epoch", &l.LastDistributionEpoch)
	decodeField(log, fields, "last_distribution_slot", &l.LastDistributionSlot)
	decodeField(log, fields, "last_distribution_outcome", &l.LastDistributionOutcome)
	decodeField(log, fields, "updated_at", &l.UpdatedAt)
	return l
}

// ledgerIntoFields writes every ledger field into fields, keeping keys it
// does not know about.
func ledgerIntoFields(fields map[string]json.RawMessage, l ledger.Ledger) error {
	for key, v := range map[string]any{
		"harvested":                 l.Harvested,
		"paid_to_holders":           l.PaidToHolders,
		"paid_to_treasury":          l.PaidToTreasury,
		"distribution_count":        l.DistributionCount,
		"last_settlement_ref":       l.LastSettlementRef,
		"last_distribution_epoch":   l.LastDistributionEpoch,
		"last_distribution_slot":    l.LastDistributionSlot,
		"last_distribution_outcome": l.LastDistributionOutcome,
		"updated_at":                l.UpdatedAt,
	} {
		if err := encodeField(fields, key, v); err != nil {
			return err
		}
	}
	return nil
}

// epochRecord is one entry of the epochs section. Extra keys on the record
// are preserved.
type epochRecord struct {
	fields map[string]json.RawMessage
	cycles []ledger.Cycle
}

func decodeEpochRecord(log *slog.Logger, date string, raw json.RawMessage) epochRecord {
	rec := epochRecord{fields: map[string]json.RawMessage{}}
	if err := json.Unmarshal(raw, &rec.fields); err != nil || rec.fields == nil {
		log.Warn("statestore: ignoring malformed epoch", "epoch", date, "error", err)
		rec.fields = map[string]json.RawMessage{}
		return rec
	}

	var rawCycles []json.RawMessage
	decodeField(log, rec.fields, "cycles", &rawCycles)
	for i, rc := range rawCycles {
		var c ledger.Cycle
		if err := json.Unmarshal(rc, &c); err != nil {
			log.Warn("statestore: dropping malformed cycle", "epoch", date, "index", i, "error", err)
			continue
		}
		if c.Epoch == "" {
			c.Epoch = date
		}
		rec.cycles = append(rec.cycles, c)
	}
	return rec
}

func (r epochRecord) encode() (json.RawMessage, error) {
	cycles := r.cycles
	if cycles == nil {
		cycles = []ledger.Cycle{}
	}
	if err := encodeField(r.fields, "cycles", cycles); err != nil {
		return nil, err
	}
	return json.Marshal(r.fields)
}

func sortedKeys(m map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
