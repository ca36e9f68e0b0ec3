/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Provides pre-built data sets for demos and manual testing of the
  customer portal. Each scenario goes through the real services, so the
  ledger, invoices and requests it leaves behind obey the same rules as
  production data.

AVAILABLE SCENARIOS:
  wallet-basics:    Funded wallet, one invoice paid from saldo, one unpaid
  review-queue:     Transfer proof, manual top-up and withdrawal awaiting an operator
  gateway-pending:  Invoice and top-up with open gateway payments
  low-balance:      Wallet too small for its invoice (insufficient balance demo)

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Reseed the channel catalog and the bank accounts
 3. Create invoices, ledger entries and requests through the services

USAGE VIA API:
  POST /api/scenarios/load
  {"scenario_id": "review-queue"}

NOTE:
  Scenarios reset the database. gateway-pending calls the configured
  gateway, so load it against the simulator only.

SEE ALSO:
  - factory/channel.go: DefaultChannelsJSON
  - server.go: mounted only in dev mode
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/warp/settlement-engine/billing"
	"github.com/warp/settlement-engine/core"
	"github.com/warp/settlement-engine/factory"
	"github.com/warp/settlement-engine/reconcile"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "wallet-basics",
		Name:        "Wallet Basics",
		Description: "Opening balance, one invoice paid from saldo, one still unpaid",
		Category:    "wallet",
	},
	{
		ID:          "review-queue",
		Name:        "Review Queue",
		Description: "Invoice with a transfer proof, manual top-up and withdrawal waiting for an operator",
		Category:    "operations",
	},
	{
		ID:          "gateway-pending",
		Name:        "Gateway Pending",
		Description: "Invoice and automatic top-up with unpaid BRIVA payments",
		Category:    "gateway",
	},
	{
		ID:          "low-balance",
		Name:        "Low Balance",
		Description: "Wallet smaller than the open invoice",
		Category:    "wallet",
	},
}

// Demo fixtures shared by the loaders.
const (
	demoCustomer = "cust-001"
	demoBank     = "bca-001"
)

var demoBankAccounts = []core.BankAccount{
	{ID: demoBank, BankName: "BCA", HolderName: "PT Warp Nusantara", AccountNumber: "8720012345", Active: true},
	{ID: "mandiri-001", BankName: "Mandiri", HolderName: "PT Warp Nusantara", AccountNumber: "1370009876543", Active: true},
	{ID: "bni-001", BankName: "BNI", HolderName: "PT Warp Nusantara", AccountNumber: "0098765432", Active: false},
}

type resetter interface {
	Reset(ctx context.Context) error
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the database and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	loaders := map[string]func(context.Context) error{
		"wallet-basics":   h.loadWalletBasics,
		"review-queue":    h.loadReviewQueue,
		"gateway-pending": h.loadGatewayPending,
		"low-balance":     h.loadLowBalance,
	}
	load, ok := loaders[req.ScenarioID]
	if !ok {
		h.fail(w, r, core.Invalid("scenario_id", "unknown scenario %q", req.ScenarioID))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	h.currentScenario = ""
	if err := h.resetData(ctx); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := load(ctx); err != nil {
		h.fail(w, r, fmt.Errorf("load scenario %s: %w", req.ScenarioID, err))
		return
	}
	h.currentScenario = req.ScenarioID

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// ResetDatabase clears all data and reseeds the catalog.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.resetData(r.Context()); err != nil {
		h.fail(w, r, err)
		return
	}
	h.currentScenario = ""
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (h *Handler) resetData(ctx context.Context) error {
	rs, ok := h.store.(resetter)
	if !ok {
		return errors.New("store does not support reset")
	}
	if err := rs.Reset(ctx); err != nil {
		return fmt.Errorf("reset: %w", err)
	}

	methods, err := h.channels.ParseChannels([]byte(factory.DefaultChannelsJSON))
	if err != nil {
		return err
	}
	if err := h.catalog.Seed(ctx, methods); err != nil {
		return fmt.Errorf("seed channels: %w", err)
	}

	now := time.Now().UTC()
	for _, a := range demoBankAccounts {
		a.CreatedAt = now
		if err := h.store.SaveBankAccount(ctx, a); err != nil {
			return fmt.Errorf("seed bank account %s: %w", a.ID, err)
		}
	}
	return nil
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadWalletBasics(ctx context.Context) error {
	if err := h.openingBalance(ctx, 500000); err != nil {
		return err
	}

	paid, err := h.demoInvoice(ctx, "2026-08", 150000, 0, 16500)
	if err != nil {
		return err
	}
	if _, err := h.billing.Pay(ctx, demoCustomer, paid.ID, billing.UseSaldo()); err != nil {
		return fmt.Errorf("pay %s: %w", paid.Number, err)
	}

	_, err = h.demoInvoice(ctx, "2026-09", 150000, 10000, 15400)
	return err
}

func (h *Handler) loadReviewQueue(ctx context.Context) error {
	if err := h.openingBalance(ctx, 300000); err != nil {
		return err
	}

	inv, err := h.demoInvoice(ctx, "2026-09", 200000, 0, 0)
	if err != nil {
		return err
	}
	if _, err := h.billing.SubmitTransferProof(ctx, demoCustomer, inv.ID, billing.TransferProof{
		BankAccountID: demoBank,
		AttachmentRef: "uploads/demo/transfer-2026-09.jpg",
	}); err != nil {
		return fmt.Errorf("transfer proof: %w", err)
	}

	if _, err := h.requests.CreateManualTopup(ctx, demoCustomer, reconcile.ManualTopup{
		Nominal:       core.Rupiah(250000),
		BankAccountID: demoBank,
		AttachmentRef: "uploads/demo/topup.jpg",
	}); err != nil {
		return fmt.Errorf("manual top-up: %w", err)
	}

	_, err = h.requests.CreateWithdraw(ctx, demoCustomer, reconcile.WithdrawInput{Nominal: core.Rupiah(100000)})
	if err != nil {
		return fmt.Errorf("withdrawal: %w", err)
	}
	return nil
}

func (h *Handler) loadGatewayPending(ctx context.Context) error {
	inv, err := h.demoInvoice(ctx, "2026-09", 100000, 0, 0)
	if err != nil {
		return err
	}
	if _, err := h.billing.Pay(ctx, demoCustomer, inv.ID, billing.UseMethod("BRIVA")); err != nil {
		return fmt.Errorf("open invoice payment: %w", err)
	}

	_, err = h.requests.CreateAutomaticTopup(ctx, demoCustomer, reconcile.AutomaticTopup{
		Nominal:    core.Rupiah(200000),
		MethodCode: "BRIVA",
	})
	if err != nil {
		return fmt.Errorf("open top-up payment: %w", err)
	}
	return nil
}

func (h *Handler) loadLowBalance(ctx context.Context) error {
	if err := h.openingBalance(ctx, 40000); err != nil {
		return err
	}
	_, err := h.demoInvoice(ctx, "2026-09", 150000, 0, 16500)
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) openingBalance(ctx context.Context, amount int64) error {
	_, err := h.ledger.Append(ctx, core.AppendRequest{
		CustomerID:     demoCustomer,
		Kind:           core.EntryCredit,
		Amount:         core.Rupiah(amount),
		Reason:         "opening balance",
		IdempotencyKey: "scenario:" + demoCustomer + ":opening",
	})
	if err != nil {
		return fmt.Errorf("opening balance: %w", err)
	}
	return nil
}

func (h *Handler) demoInvoice(ctx context.Context, period string, nominal, discount, tax int64) (core.Invoice, error) {
	inv, err := h.billing.CreateInvoice(ctx, core.NewInvoice{
		CustomerID: demoCustomer,
		Period:     period,
		Nominal:    core.Rupiah(nominal),
		Discount:   core.Rupiah(discount),
		TaxApplied: tax > 0,
		TaxAmount:  core.Rupiah(tax),
	})
	if err != nil {
		return core.Invoice{}, fmt.Errorf("invoice %s: %w", period, err)
	}
	return inv, nil
}
