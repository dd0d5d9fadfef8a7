package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/malbeclabs/harvest/harvester/pkg/archive"
	"github.com/malbeclabs/harvest/harvester/pkg/epoch"
	"github.com/malbeclabs/harvest/harvester/pkg/ledger"
	"github.com/malbeclabs/harvest/harvester/pkg/scheduler"
	"github.com/malbeclabs/harvest/harvester/pkg/statestore"
)

type StatusResponse struct {
	Epoch          string          `json:"epoch"`
	Slot           int             `json:"slot"`
	SlotsPerDay    int             `json:"slots_per_day"`
	NextSlotAt     time.Time       `json:"next_slot_at"`
	EpochOrdinal   int             `json:"epoch_ordinal,omitempty"`
	SchedulerState scheduler.State `json:"scheduler_state"`
	StoreBackend   string          `json:"store_backend"`
	Degraded       bool            `json:"degraded"`
	LastCycle      *ledger.Cycle   `json:"last_cycle,omitempty"`
}

// LedgerResponse is the cumulative ledger with its content fingerprint and
// SOL renderings of the lamport totals.
type LedgerResponse struct {
	ledger.Ledger
	Fingerprint       string `json:"fingerprint"`
	PaidToHoldersSOL  string `json:"paid_to_holders_sol"`
	PaidToTreasurySOL string `json:"paid_to_treasury_sol"`
}

type EpochSummary struct {
	Date        string `json:"date"`
	Ordinal     int    `json:"ordinal"`
	Cycles      int    `json:"cycles"`
	Distributed int    `json:"distributed"`
	ToHolders   uint64 `json:"to_holders"`
	ToTreasury  uint64 `json:"to_treasury"`
}

type EpochResponse struct {
	Date    string         `json:"date"`
	Ordinal int            `json:"ordinal"`
	Cycles  []ledger.Cycle `json:"cycles"`
}

type RunCycleResponse struct {
	RunID string `json:"run_id"`
}

// handleStatus reports the live epoch and slot. Both come from the clock on
// every request; the ordinal is only present once the epoch has a cycle.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := s.cfg.Epochs.Now()
	date, slot := s.cfg.Epochs.Label(now)

	resp := StatusResponse{
		Epoch:          date,
		Slot:           slot,
		SlotsPerDay:    s.cfg.Epochs.SlotsPerDay(),
		NextSlotAt:     now.Truncate(s.cfg.Epochs.SlotDuration()).Add(s.cfg.Epochs.SlotDuration()),
		SchedulerState: s.cfg.Scheduler.State(),
		StoreBackend:   s.cfg.Store.BackendName(),
		Degraded:       s.cfg.Store.Degraded(),
	}

	ordinal, err := s.cfg.Store.EpochOrdinal(ctx, date)
	switch {
	case err == nil:
		resp.EpochOrdinal = ordinal
	case !errors.Is(err, statestore.ErrNotFound):
		s.log.Warn("server: failed to compute epoch ordinal", "epoch", date, "error", err)
	}

	last, err := s.cfg.Scheduler.LastCycle(ctx)
	switch {
	case err == nil:
		resp.LastCycle = &last
	case !errors.Is(err, statestore.ErrNotFound):
		s.log.Warn("server: failed to load last cycle", "error", err)
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	l, err := s.cfg.Store.LoadLedger(r.Context())
	if err != nil {
		s.log.Error("server: failed to load ledger", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load ledger")
		return
	}
	s.writeJSON(w, http.StatusOK, LedgerResponse{
		Ledger:            l,
		Fingerprint:       l.Fingerprint(),
		PaidToHoldersSOL:  ledger.FormatSOL(l.PaidToHolders),
		PaidToTreasurySOL: ledger.FormatSOL(l.PaidToTreasury),
	})
}

func (s *Server) handleEpochs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	epochs, err := s.cfg.Store.ListEpochsOldestFirst(ctx)
	if err != nil {
		s.log.Error("server: failed to list epochs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list epochs")
		return
	}

	summaries := make([]EpochSummary, 0, len(epochs))
	if len(epochs) == 0 {
		s.writeJSON(w, http.StatusOK, summaries)
		return
	}

	// Ordinals are contiguous oldest-first, so only the first needs the store.
	first, err := s.cfg.Store.EpochOrdinal(ctx, epochs[0].Date)
	if err != nil {
		s.log.Error("server: failed to compute epoch ordinal", "epoch", epochs[0].Date, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list epochs")
		return
	}
	for i, e := range epochs {
		sum := EpochSummary{Date: e.Date, Ordinal: first + i, Cycles: len(e.Cycles)}
		for _, c := range e.Cycles {
			if c.State != ledger.CycleStateDistributed || c.Result == nil {
				continue
			}
			sum.Distributed++
			sum.ToHolders += c.Result.ToHolders
			sum.ToTreasury += c.Result.ToTreasury
		}
		summaries = append(summaries, sum)
	}
	s.writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleEpoch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	date := chi.URLParam(r, "date")
	if _, err := epoch.ParseEpoch(date); err != nil {
		s.writeError(w, http.StatusBadRequest, "epoch must be a YYYY-MM-DD date")
		return
	}

	e, err := s.cfg.Store.Epoch(ctx, date)
	if errors.Is(err, statestore.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "epoch not found")
		return
	}
	if err != nil {
		s.log.Error("server: failed to load epoch", "epoch", date, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load epoch")
		return
	}
	ordinal, err := s.cfg.Store.EpochOrdinal(ctx, date)
	if err != nil {
		s.log.Error("server: failed to compute epoch ordinal", "epoch", date, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load epoch")
		return
	}
	cycles := e.Cycles
	if cycles == nil {
		cycles = []ledger.Cycle{}
	}
	s.writeJSON(w, http.StatusOK, EpochResponse{Date: e.Date, Ordinal: ordinal, Cycles: cycles})
}

func (s *Server) handleCycles(w http.ResponseWriter, r *http.Request) {
	limit := archive.DefaultRecentLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > archive.MaxRecentLimit {
			s.writeError(w, http.StatusBadRequest, "limit must be between 1 and "+strconv.Itoa(archive.MaxRecentLimit))
			return
		}
		limit = n
	}
	cycles, err := s.cfg.Archive.RecentCycles(r.Context(), limit)
	if err != nil {
		s.log.Error("server: failed to query cycle archive", "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "cycle archive unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, cycles)
}

func (s *Server) handleRunCycle(w http.ResponseWriter, r *http.Request) {
	runID, err := s.cfg.Scheduler.Trigger(s.runCtx)
	if errors.Is(err, scheduler.ErrCycleInProgress) {
		s.writeError(w, http.StatusConflict, "cycle already in progress")
		return
	}
	if err != nil {
		s.log.Error("server: failed to trigger cycle", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to trigger cycle")
		return
	}
	s.log.Info("server: manual cycle triggered", "run_id", runID)
	s.writeJSON(w, http.StatusAccepted, RunCycleResponse{RunID: runID})
}
