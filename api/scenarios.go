/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the ledger with realistic
	data for demos. Each scenario owns a dedicated client id, registers its
	units, records bills and optionally applies payments.

AVAILABLE SCENARIOS:

	oldest-first:  Two unpaid bills (310.27 and 650.00), ready for a 914.30 payment
	overpayment:   A paid bill plus an overpayment held as credit
	overdue:       A quarter of unpaid bills well past grace, penalties applied
	partial:       Three bills and a payment that stops midway through the second

HOW SCENARIOS WORK:
 1. Register the scenario's units under its client id
 2. Record bills (existing bills are kept)
 3. Apply payments (already-applied transactions are kept)
 4. Track the client in the nightly batch

Loading a scenario twice is harmless: nothing is reset, and the steps above
skip what already exists.

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "oldest-first"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description, client
 2. Add a scenarioData entry in scenarioSeeds

SEE ALSO:
  - handlers.go: Handler
  - service/service.go: RegisterUnit, RecordBill, ApplyPayment
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/warp/utility-ledger/billing"
	"github.com/warp/utility-ledger/penalty"
	"github.com/warp/utility-ledger/service"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "oldest-first",
		Name:        "Oldest First",
		Description: "Two unpaid bills; a payment settles the oldest before the newer one",
		ClientID:    "demo-cascade",
	},
	{
		ID:          "overpayment",
		Name:        "Overpayment",
		Description: "A bill paid in full with the excess held as credit for the fiscal year",
		ClientID:    "demo-credit",
	},
	{
		ID:          "overdue",
		Name:        "Overdue Quarter",
		Description: "Three bills left unpaid past the grace period, with penalties",
		ClientID:    "demo-overdue",
	},
	{
		ID:          "partial",
		Name:        "Partial Payment",
		Description: "A payment that settles one bill and part of the next",
		ClientID:    "demo-partial",
	},
}

type seedBill struct {
	unit   billing.UnitID
	period billing.BillingPeriod
	charge billing.Money
}

type seedPayment struct {
	id     billing.TransactionID
	unit   billing.UnitID
	amount billing.Money
}

type scenarioData struct {
	units          []billing.Unit
	bills          []seedBill
	payments       []seedPayment
	applyPenalties bool
}

var scenarioSeeds = map[string]scenarioData{
	"oldest-first": {
		units: []billing.Unit{{ID: "A-101", Name: "Apartment 101"}},
		bills: []seedBill{
			{unit: "A-101", period: "2025-01", charge: 31027},
			{unit: "A-101", period: "2025-02", charge: 65000},
		},
	},
	"overpayment": {
		units:    []billing.Unit{{ID: "B-201", Name: "Apartment 201"}},
		bills:    []seedBill{{unit: "B-201", period: "2025-01", charge: 20000}},
		payments: []seedPayment{{id: "DEMO-OVERPAY-1", unit: "B-201", amount: 25000}},
	},
	"overdue": {
		units: []billing.Unit{
			{ID: "C-301", Name: "Apartment 301"},
			{ID: "C-302", Name: "Apartment 302"},
		},
		bills: []seedBill{
			{unit: "C-301", period: "2024-10", charge: 40000},
			{unit: "C-301", period: "2024-11", charge: 40000},
			{unit: "C-301", period: "2024-12", charge: 40000},
			{unit: "C-302", period: "2024-12", charge: 18000},
		},
		applyPenalties: true,
	},
	"partial": {
		units: []billing.Unit{{ID: "D-401", Name: "Apartment 401"}},
		bills: []seedBill{
			{unit: "D-401", period: "2025-01", charge: 30000},
			{unit: "D-401", period: "2025-02", charge: 30000},
			{unit: "D-401", period: "2025-03", charge: 30000},
		},
		payments: []seedPayment{{id: "DEMO-PARTIAL-1", unit: "D-401", amount: 45000}},
	},
}

// =============================================================================
// HANDLERS
// =============================================================================

// ListScenarios returns all available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the most recently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	if s, ok := findScenario(current); ok {
		writeJSON(w, http.StatusOK, s)
		return
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}
	s, ok := findScenario(req.ScenarioID)
	if !ok {
		writeErrorCode(w, http.StatusBadRequest, "VALIDATION_FAILED", "Unknown scenario", nil)
		return
	}

	if err := h.loadScenario(r.Context(), s); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	h.mu.Lock()
	h.currentScenario = s.ID
	h.mu.Unlock()
	h.logger.Info("scenario loaded", zap.String("scenario", s.ID), zap.String("client_id", s.ClientID))

	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "loaded",
		"scenario": s,
	})
}

func findScenario(id string) (ScenarioDTO, bool) {
	for _, s := range scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return ScenarioDTO{}, false
}

// =============================================================================
// LOADER
// =============================================================================

func (h *Handler) loadScenario(ctx context.Context, s ScenarioDTO) error {
	data := scenarioSeeds[s.ID]
	clientID := billing.ClientID(s.ClientID)
	now := h.now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	for _, u := range data.units {
		u.ClientID = clientID
		if _, err := h.Service.RegisterUnit(ctx, u); err != nil {
			return fmt.Errorf("register unit %s: %w", u.ID, err)
		}
	}

	for _, b := range data.bills {
		_, err := h.Service.RecordBill(ctx, service.NewBill{
			ClientID:   clientID,
			UnitID:     b.unit,
			Period:     b.period,
			BaseCharge: b.charge,
		})
		if err != nil && !errors.Is(err, billing.ErrBillExists) {
			return fmt.Errorf("record bill %s/%s: %w", b.unit, b.period, err)
		}
	}

	for _, p := range data.payments {
		_, err := h.Service.ApplyPayment(ctx, billing.Transaction{
			ID:       p.id,
			ClientID: clientID,
			UnitID:   p.unit,
			Amount:   p.amount,
			Date:     today,
		})
		if err != nil && !errors.Is(err, billing.ErrDuplicateTransaction) {
			return fmt.Errorf("apply payment %s: %w", p.id, err)
		}
	}

	if data.applyPenalties {
		if _, err := h.Service.RecalculatePenalties(ctx, clientID, penalty.AllUnits(), today); err != nil {
			return fmt.Errorf("recalculate penalties: %w", err)
		}
	}

	h.Nightly.Track(clientID)
	return nil
}
