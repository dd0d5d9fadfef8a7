package epoch

import (
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
)

// DateLayout is the epoch identifier format.
const DateLayout = "2006-01-02"

const DefaultSlotDuration = 5 * time.Minute

// SlotsPerDay returns N, the number of slots in a UTC day.
func SlotsPerDay(slotDuration time.Duration) int {
	if slotDuration <= 0 {
		slotDuration = DefaultSlotDuration
	}
	n := int((24 * time.Hour) / slotDuration)
	return max(n, 1)
}

// SlotAt returns the 1-based slot containing t:
// floor(minutesSinceMidnightUTC / slotMinutes) + 1, capped at SlotsPerDay.
func SlotAt(t time.Time, slotDuration time.Duration) int {
	if slotDuration <= 0 {
		slotDuration = DefaultSlotDuration
	}
	t = t.UTC()
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	slot := int(t.Sub(midnight)/slotDuration) + 1
	return min(slot, SlotsPerDay(slotDuration))
}

// EpochAt returns the UTC date of t.
func EpochAt(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// ParseEpoch validates an epoch identifier.
func ParseEpoch(s string) (time.Time, error) {
	d, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, errors.New("epoch must be a YYYY-MM-DD date")
	}
	return d, nil
}

type Config struct {
	Clock        clockwork.Clock
	SlotDuration time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.SlotDuration == 0 {
		cfg.SlotDuration = DefaultSlotDuration
	}
	if cfg.SlotDuration < time.Minute || cfg.SlotDuration > 24*time.Hour {
		return errors.New("slot duration must be between 1m and 24h")
	}
	if (24*time.Hour)%cfg.SlotDuration != 0 {
		return errors.New("slot duration must divide a day evenly")
	}
	return nil
}

// Clock labels instants with their epoch and slot. It holds no state beyond
// its configuration; every read is recomputed from the wall clock.
type Clock struct {
	clock        clockwork.Clock
	slotDuration time.Duration
}

func NewClock(cfg Config) (*Clock, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Clock{clock: cfg.Clock, slotDuration: cfg.SlotDuration}, nil
}

func (c *Clock) Now() time.Time {
	return c.clock.Now().UTC()
}

func (c *Clock) CurrentEpoch() string {
	return EpochAt(c.Now())
}

func (c *Clock) CurrentSlot() int {
	return SlotAt(c.Now(), c.slotDuration)
}

// Label returns the epoch and slot of t.
func (c *Clock) Label(t time.Time) (string, int) {
	return EpochAt(t), SlotAt(t, c.slotDuration)
}

func (c *Clock) SlotsPerDay() int {
	return SlotsPerDay(c.slotDuration)
}

func (c *Clock) SlotDuration() time.Duration {
	return c.slotDuration
}

// Reconcile compares a cached slot number against the live one. The live
// value always wins; stale reports whether the cache disagreed.
func (c *Clock) Reconcile(cached int) (slot int, stale bool) {
	slot = c.CurrentSlot()
	return slot, cached != slot
}
