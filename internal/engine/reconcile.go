package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/eddiefleurent/dunder_scalper/internal/broker"
	"github.com/eddiefleurent/dunder_scalper/internal/models"
)

// FundMismatch records a corrected allocated-funds discrepancy.
type FundMismatch struct {
	Stored   float64 `json:"stored"`
	Computed float64 `json:"computed"`
}

// ReconciliationReport is the full audit result of one reconciliation run.
// It is returned even when every class is empty.
type ReconciliationReport struct {
	ConfigID string    `json:"config_id"`
	RanAt    time.Time `json:"ran_at"`

	// OrphanedOrders lists local position ids whose order ids do not exist
	// in the broker's order book.
	OrphanedOrders []string `json:"orphaned_orders"`
	// MissingPositions lists instrument tokens the broker holds with no
	// matching local open position.
	MissingPositions []uint32 `json:"missing_positions"`
	// FundMismatch is set when allocated_funds needed correction beyond
	// the rupee tolerance.
	FundMismatch *FundMismatch `json:"fund_mismatch,omitempty"`

	Clean bool `json:"clean"`
}

// Reconcile compares the local book against the broker's and corrects what
// it safely can. Any discrepancy forces paused plus a critical alert; the
// full report is always returned.
func (e *Engine) Reconcile(ctx context.Context) (*ReconciliationReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return nil, ErrNotRunning
	}
	return e.reconcileLocked(ctx)
}

func (e *Engine) reconcileLocked(ctx context.Context) (*ReconciliationReport, error) {
	report := &ReconciliationReport{
		ConfigID:         e.configID,
		RanAt:            time.Now().UTC(),
		OrphanedOrders:   []string{},
		MissingPositions: []uint32{},
	}

	brokerPositions, err := e.broker.GetPositions(ctx)
	if err != nil {
		if broker.IsCredentialsExpired(err) {
			e.pauseForCredentialsLocked(err)
		}
		return nil, fmt.Errorf("fetching broker positions: %w", err)
	}
	brokerOrders, err := e.broker.GetOrders(ctx)
	if err != nil {
		if broker.IsCredentialsExpired(err) {
			e.pauseForCredentialsLocked(err)
		}
		return nil, fmt.Errorf("fetching broker orders: %w", err)
	}

	knownOrders := make(map[string]bool, len(brokerOrders))
	for _, o := range brokerOrders {
		knownOrders[o.OrderID] = true
	}

	// Orphaned orders: local order ids the broker has never heard of.
	for _, p := range e.positions {
		orphaned := false
		if p.EntryOrderID != "" && !knownOrders[p.EntryOrderID] {
			orphaned = true
		}
		if p.ExitOrderID != "" && !knownOrders[p.ExitOrderID] {
			orphaned = true
		}
		if orphaned {
			report.OrphanedOrders = append(report.OrphanedOrders, p.ID)
		}
	}

	// Missing positions: broker holdings with no local open counterpart.
	held := make(map[uint32]bool)
	for _, p := range e.positions {
		if p.Status == models.PositionOpen {
			held[p.InstrumentToken] = true
		}
	}
	for _, bp := range brokerPositions {
		if bp.Quantity != 0 && !held[bp.InstrumentToken] {
			report.MissingPositions = append(report.MissingPositions, bp.InstrumentToken)
		}
	}

	// Fund invariant: recompute allocated_funds and auto-correct beyond
	// tolerance. The correction is applied either way; only the mismatch
	// is reported.
	var computed float64
	for _, p := range e.positions {
		computed += p.AllocatedCapital
	}
	diff := e.state.AllocatedFunds - computed
	if diff < 0 {
		diff = -diff
	}
	if diff > fundTolerance {
		report.FundMismatch = &FundMismatch{Stored: e.state.AllocatedFunds, Computed: computed}
		e.logger.Printf("engine %s: allocated funds corrected %.2f -> %.2f",
			e.configID, e.state.AllocatedFunds, computed)
		e.state.AllocatedFunds = computed
	}

	report.Clean = len(report.OrphanedOrders) == 0 &&
		len(report.MissingPositions) == 0 &&
		report.FundMismatch == nil

	if !report.Clean {
		discrepancy := &broker.DiscrepancyError{
			Orphaned: len(report.OrphanedOrders),
			Missing:  len(report.MissingPositions),
		}
		if e.state.Status == models.EngineRunning {
			if err := e.state.Transition(models.EnginePaused, "discrepancy_found"); err != nil {
				e.logger.Printf("engine %s: %v", e.configID, err)
			}
		}
		e.alertLocked(ctx, models.AlertCritical,
			fmt.Sprintf("reconciliation found discrepancies, operator review required: %v", discrepancy), "")
		e.logger.Printf("engine %s: %v", e.configID, discrepancy)
	} else {
		e.logger.Printf("engine %s: reconciliation clean", e.configID)
	}

	if err := e.storage.SaveEngineState(ctx, e.state); err != nil {
		e.logger.Printf("engine %s: persisting reconciled state failed: %v", e.configID, err)
	}
	return report, nil
}
