/*
Package billing settles invoices.

PURPOSE:
  The settlement orchestrator. An invoice is paid either from the wallet
  (one ledger debit and one invoice transition in a single DB transaction)
  or through the payment gateway (a gateway transaction is opened and the
  invoice settles when the gateway's callback arrives). A third, manual
  path takes a bank-transfer proof and parks the invoice for review.

FLOWS:
  Pay(UseSaldo)      unpaid --(debit totalDue, key invoice:<id>:saldo)--> paid
  Pay(UseMethod)     unpaid --(gateway tx opened)--> unpaid
  callback PAID      unpaid --> paid | waiting_review (method requires review)
  SubmitTransfer     unpaid --> waiting_review
  Review             waiting_review --> paid | unpaid

INVARIANTS:
  - An invoice is debited from the wallet at most once
  - A gateway callback never debits the wallet
  - A callback that does not match the invoice leaves it unchanged and is
    recorded as an incident

SEE ALSO:
  - core/invoice.go: State machine
  - payment/router.go: Delivers gateway events to HandleGatewayEvent
*/
package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/settlement-engine/core"
	"github.com/warp/settlement-engine/events"
	"github.com/warp/settlement-engine/payment"
	"go.uber.org/zap"
)

// Config tunes the gateway flow.
type Config struct {
	CallbackURL    string
	ReturnURL      string
	GatewayTimeout time.Duration
	// TransactionTTL is how long an opened gateway payment stays payable.
	TransactionTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.GatewayTimeout <= 0 {
		c.GatewayTimeout = 10 * time.Second
	}
	if c.TransactionTTL <= 0 {
		c.TransactionTTL = 24 * time.Hour
	}
	return c
}

// Deps are the collaborators of the Service.
type Deps struct {
	Store     core.Store
	Ledger    *core.Ledger
	Methods   *payment.Catalog
	Gateway   payment.Gateway
	Incidents *payment.IncidentRecorder
	Publisher events.Publisher
	Logger    *zap.Logger
}

// Service is the settlement orchestrator for invoices.
type Service struct {
	store     core.Store
	ledger    *core.Ledger
	methods   *payment.Catalog
	resolver  *payment.Resolver
	gateway   payment.Gateway
	incidents *payment.IncidentRecorder
	publisher events.Publisher
	logger    *zap.Logger
	cfg       Config
	now       func() time.Time
}

func NewService(deps Deps, cfg Config) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ledger := deps.Ledger
	if ledger == nil {
		ledger = core.NewLedger(deps.Store, nil)
	}
	incidents := deps.Incidents
	if incidents == nil {
		incidents = payment.NewIncidentRecorder(deps.Store, deps.Publisher, logger)
	}
	return &Service{
		store:     deps.Store,
		ledger:    ledger,
		methods:   deps.Methods,
		resolver:  payment.NewResolver(deps.Methods),
		gateway:   deps.Gateway,
		incidents: incidents,
		publisher: deps.Publisher,
		logger:    logger.Named("billing"),
		cfg:       cfg.withDefaults(),
		now:       time.Now,
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// =============================================================================
// INVOICES
// =============================================================================

// CreateInvoice issues an invoice. Called by the billing-cycle job.
func (s *Service) CreateInvoice(ctx context.Context, in core.NewInvoice) (core.Invoice, error) {
	inv, err := core.BuildInvoice(in, s.now().UTC())
	if err != nil {
		return core.Invoice{}, err
	}
	if err := s.store.SaveInvoice(ctx, inv); err != nil {
		return core.Invoice{}, err
	}

	s.logger.Info("invoice created",
		zap.String("invoice_id", inv.ID),
		zap.String("number", inv.Number),
		zap.String("customer_id", string(inv.CustomerID)),
		zap.String("total_due", inv.TotalDue.String()),
	)
	return inv, nil
}

// GetInvoice returns the customer's invoice. Another customer's invoice is
// reported as not found.
func (s *Service) GetInvoice(ctx context.Context, customerID core.CustomerID, id string) (core.Invoice, error) {
	inv, err := s.store.GetInvoice(ctx, id)
	if err != nil {
		return core.Invoice{}, err
	}
	if inv.CustomerID != customerID {
		return core.Invoice{}, fmt.Errorf("invoice %s: %w", id, core.ErrNotFound)
	}
	return *inv, nil
}

// ListInvoices returns the customer's invoices, newest first.
func (s *Service) ListInvoices(ctx context.Context, customerID core.CustomerID, f core.InvoiceFilter, p core.PageRequest) (core.Page[core.Invoice], error) {
	if f.Status != "" && !f.Status.Valid() {
		return core.Page[core.Invoice]{}, core.Invalid("status", "unknown invoice status %q", f.Status)
	}
	return s.store.ListInvoices(ctx, customerID, f, p.Normalize())
}

// Transactions returns the gateway payments opened for an invoice.
func (s *Service) Transactions(ctx context.Context, invoiceID string) ([]core.GatewayTransaction, error) {
	return s.store.OpenGatewayTxs(ctx, core.PurposeInvoice, invoiceID)
}

func (s *Service) emit(ctx context.Context, t events.Type, inv core.Invoice) {
	e := events.New(t, inv.CustomerID, inv.ID, inv.TotalDue, s.now())
	e.Method = inv.PaymentMethod
	events.Emit(ctx, s.publisher, s.logger, e)
}
