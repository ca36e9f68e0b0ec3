/*
Package reconcile completes top-up and withdrawal requests.

PURPOSE:
  The reconciliation worker owns every status change of a money-in or
  money-out request. Two producers feed it the same Transition value:
  operators (approve / reject) and the payment gateway (success / failed /
  expired, via the callback router). The wallet is credited or debited in
  the same DB transaction as the status change.

STATE MACHINES:
  manual top-up     pending --> approved (credit) | rejected
  automatic top-up  pending --> success (credit) | failed | expired
  withdrawal        pending --> approved (debit) | rejected

INVARIANTS:
  - A request is credited or debited at most once (idempotency keys
    topup:<id>:credit and withdraw:<id>:debit)
  - Repeating a transition to the state a request is already in is a no-op
  - Any other transition out of a finished request is refused
  - A withdrawal that would overdraw the wallet stays pending

SEE ALSO:
  - topup.go / withdraw.go: Customer-facing request operations
  - sweeper.go: Expires stale gateway payments
  - core/ledger.go: Append semantics
*/
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/core"
	"github.com/warp/settlement-engine/events"
	"github.com/warp/settlement-engine/payment"
	"go.uber.org/zap"
)

// DefaultMinNominal is the smallest top-up or withdrawal accepted.
var DefaultMinNominal = decimal.NewFromInt(10000)

// Kind says which request a Transition targets.
type Kind string

const (
	KindTopup    Kind = "topup"
	KindWithdraw Kind = "withdraw"
)

// Sources of a transition.
const (
	SourceAdmin   = "admin"
	SourceGateway = "gateway"
)

// Transition asks for one request to move to status To.
type Transition struct {
	Kind      Kind
	RequestID string
	To        string
	Actor     string
	Note      string
	Source    string
}

// Result is what Apply did. Replayed is true when the request was already
// in the target state.
type Result struct {
	Topup    *core.TopupRequest
	Withdraw *core.WithdrawRequest
	Entry    *core.LedgerEntry
	Replayed bool
}

func TopupKey(id string) string    { return "topup:" + id + ":credit" }
func WithdrawKey(id string) string { return "withdraw:" + id + ":debit" }

type Config struct {
	MinNominal     decimal.Decimal
	CallbackURL    string
	ReturnURL      string
	GatewayTimeout time.Duration
	TransactionTTL time.Duration
}

func (c Config) withDefaults() Config {
	if !c.MinNominal.IsPositive() {
		c.MinNominal = DefaultMinNominal
	}
	if c.GatewayTimeout <= 0 {
		c.GatewayTimeout = 10 * time.Second
	}
	if c.TransactionTTL <= 0 {
		c.TransactionTTL = 24 * time.Hour
	}
	return c
}

type Deps struct {
	Store     core.Store
	Ledger    *core.Ledger
	Methods   *payment.Catalog
	Gateway   payment.Gateway
	Incidents *payment.IncidentRecorder
	Publisher events.Publisher
	Logger    *zap.Logger
}

// Worker applies request transitions and serves the request operations.
type Worker struct {
	store     core.Store
	ledger    *core.Ledger
	resolver  *payment.Resolver
	gateway   payment.Gateway
	incidents *payment.IncidentRecorder
	publisher events.Publisher
	logger    *zap.Logger
	cfg       Config
	now       func() time.Time
}

func NewWorker(deps Deps, cfg Config) *Worker {
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
	w := &Worker{
		store:     deps.Store,
		ledger:    ledger,
		gateway:   deps.Gateway,
		incidents: incidents,
		publisher: deps.Publisher,
		logger:    logger.Named("reconcile"),
		cfg:       cfg.withDefaults(),
		now:       time.Now,
	}
	if deps.Methods != nil {
		w.resolver = payment.NewResolver(deps.Methods)
	}
	return w
}

// WithClock overrides the time source.
func (w *Worker) WithClock(now func() time.Time) *Worker {
	w.now = now
	return w
}

// =============================================================================
// APPLY
// =============================================================================

// Apply moves one request to tr.To.
func (w *Worker) Apply(ctx context.Context, tr Transition) (Result, error) {
	if tr.RequestID == "" {
		return Result{}, core.Invalid("request_id", "required")
	}
	if tr.Actor == "" {
		return Result{}, core.Invalid("actor", "required")
	}

	switch tr.Kind {
	case KindTopup:
		return w.applyTopup(ctx, tr, nil)
	case KindWithdraw:
		return w.applyWithdraw(ctx, tr)
	default:
		return Result{}, core.Invalid("kind", "unknown request kind %q", tr.Kind)
	}
}

func topupTargets(m core.TopupMethod) []core.TopupStatus {
	if m == core.TopupAutomatic {
		return []core.TopupStatus{core.TopupSuccess, core.TopupFailed, core.TopupExpired}
	}
	return []core.TopupStatus{core.TopupApproved, core.TopupRejected}
}

func allowed[T comparable](v T, set []T) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// applyTopup runs the transition; extra, when set, runs in the same DB
// transaction (the gateway flow uses it to close its transaction row).
func (w *Worker) applyTopup(ctx context.Context, tr Transition, extra func(tx core.Store) error) (Result, error) {
	t, err := w.store.GetTopup(ctx, tr.RequestID)
	if err != nil {
		return Result{}, err
	}
	to := core.TopupStatus(tr.To)
	if !allowed(to, topupTargets(t.Method)) {
		return Result{}, core.Invalid("status", "%s top-up cannot move to %q", t.Method, tr.To)
	}

	var result Result
	err = w.ledger.Atomic(ctx, t.CustomerID, func(tx core.Store) error {
		result = Result{}

		cur, err := tx.GetTopup(ctx, t.ID)
		if err != nil {
			return err
		}
		if cur.Status == to {
			result = Result{Topup: cur, Replayed: true}
			return runExtra(extra, tx)
		}
		if cur.Status != core.TopupPending {
			return &core.RequestNotPendingError{Kind: "topup", ID: cur.ID, Status: string(cur.Status)}
		}

		now := w.now().UTC()
		next := *cur
		next.Status = to
		next.ReviewedBy = tr.Actor
		next.Note = tr.Note
		next.CompletedAt = &now
		next.UpdatedAt = now

		if to.Credits() {
			entry, err := core.AppendEntry(ctx, tx, core.AppendRequest{
				CustomerID:     cur.CustomerID,
				Kind:           core.EntryCredit,
				Amount:         cur.Nominal,
				Reason:         "topup " + cur.Number,
				ReferenceID:    cur.ID,
				IdempotencyKey: TopupKey(cur.ID),
			}, now)
			if err != nil {
				return err
			}
			result.Entry = &entry
		}

		if err := tx.UpdateTopup(ctx, next, core.TopupPending); err != nil {
			return err
		}
		result.Topup = &next
		return runExtra(extra, tx)
	})
	if err != nil {
		return Result{}, err
	}

	if !result.Replayed {
		w.logger.Info("topup transition",
			zap.String("topup_id", t.ID),
			zap.String("customer_id", string(t.CustomerID)),
			zap.String("to", tr.To),
			zap.String("actor", tr.Actor),
			zap.String("source", tr.Source),
		)
		if result.Entry != nil {
			e := events.New(events.TopupCredited, t.CustomerID, t.ID, t.Nominal, w.now())
			e.Method = string(t.Method)
			events.Emit(ctx, w.publisher, w.logger, e)
		}
	}
	return result, nil
}

func (w *Worker) applyWithdraw(ctx context.Context, tr Transition) (Result, error) {
	to := core.WithdrawStatus(tr.To)
	if to != core.WithdrawApproved && to != core.WithdrawRejected {
		return Result{}, core.Invalid("status", "withdrawal cannot move to %q", tr.To)
	}
	wd, err := w.store.GetWithdraw(ctx, tr.RequestID)
	if err != nil {
		return Result{}, err
	}

	var result Result
	err = w.ledger.Atomic(ctx, wd.CustomerID, func(tx core.Store) error {
		result = Result{}

		cur, err := tx.GetWithdraw(ctx, wd.ID)
		if err != nil {
			return err
		}
		if cur.Status == to {
			result = Result{Withdraw: cur, Replayed: true}
			return nil
		}
		if cur.Status != core.WithdrawPending {
			return &core.RequestNotPendingError{Kind: "withdrawal", ID: cur.ID, Status: string(cur.Status)}
		}

		now := w.now().UTC()
		next := *cur
		next.Status = to
		next.ReviewedBy = tr.Actor
		next.Note = tr.Note
		next.CompletedAt = &now
		next.UpdatedAt = now

		if to == core.WithdrawApproved {
			entry, err := core.AppendEntry(ctx, tx, core.AppendRequest{
				CustomerID:     cur.CustomerID,
				Kind:           core.EntryDebit,
				Amount:         cur.Nominal,
				Reason:         "withdrawal " + cur.Number,
				ReferenceID:    cur.ID,
				IdempotencyKey: WithdrawKey(cur.ID),
			}, now)
			if err != nil {
				return err
			}
			result.Entry = &entry
		}

		if err := tx.UpdateWithdraw(ctx, next, core.WithdrawPending); err != nil {
			return err
		}
		result.Withdraw = &next
		return nil
	})
	if err != nil {
		var short *core.InsufficientBalanceError
		if errors.As(err, &short) {
			w.logger.Warn("withdrawal left pending",
				zap.String("withdraw_id", wd.ID),
				zap.String("shortfall", short.Shortfall().String()),
			)
		}
		return Result{}, err
	}

	if !result.Replayed {
		w.logger.Info("withdrawal transition",
			zap.String("withdraw_id", wd.ID),
			zap.String("customer_id", string(wd.CustomerID)),
			zap.String("to", tr.To),
			zap.String("actor", tr.Actor),
		)
		if result.Entry != nil {
			events.Emit(ctx, w.publisher, w.logger,
				events.New(events.WithdrawApproved, wd.CustomerID, wd.ID, wd.Nominal, w.now()))
		}
	}
	return result, nil
}

func runExtra(extra func(tx core.Store) error, tx core.Store) error {
	if extra == nil {
		return nil
	}
	return extra(tx)
}

// =============================================================================
// GATEWAY EVENTS
// =============================================================================

// HandleGatewayEvent applies a gateway event to an automatic top-up.
func (w *Worker) HandleGatewayEvent(ctx context.Context, gtx core.GatewayTransaction, ev payment.CallbackEvent) error {
	var to core.TopupStatus
	switch ev.Status {
	case core.GatewayPaid:
		to = core.TopupSuccess
	case core.GatewayExpired:
		to = core.TopupExpired
	case core.GatewayFailed:
		to = core.TopupFailed
	default:
		return w.store.WithTx(ctx, func(tx core.Store) error {
			return closeGatewayTx(ctx, tx, gtx.MerchantRef, ev, w.now().UTC())
		})
	}

	closeTx := func(tx core.Store) error {
		return closeGatewayTx(ctx, tx, gtx.MerchantRef, ev, w.now().UTC())
	}

	topup, err := w.store.GetTopup(ctx, gtx.SubjectID)
	if core.IsNotFound(err) {
		if ev.Status != core.GatewayPaid {
			return w.store.WithTx(ctx, closeTx)
		}
		return w.closeWithIncident(ctx, gtx, ev, &core.ReconciliationError{
			Reference:   ev.Reference,
			MerchantRef: gtx.MerchantRef,
			SubjectID:   gtx.SubjectID,
			Reason:      "payment received for unknown top-up",
			Expected:    gtx.Amount,
			Got:         ev.Amount(),
		})
	}
	if err != nil {
		return err
	}

	if ev.Status == core.GatewayPaid && !ev.Amount().Equal(topup.Nominal) {
		return w.closeWithIncident(ctx, gtx, ev, &core.ReconciliationError{
			Reference:   ev.Reference,
			MerchantRef: gtx.MerchantRef,
			SubjectID:   topup.ID,
			Reason:      "amount does not match top-up nominal",
			Expected:    topup.Nominal,
			Got:         ev.Amount(),
		})
	}

	_, err = w.applyTopup(ctx, Transition{
		Kind:      KindTopup,
		RequestID: topup.ID,
		To:        string(to),
		Actor:     SourceGateway,
		Note:      ev.Note,
		Source:    SourceGateway,
	}, closeTx)

	var notPending *core.RequestNotPendingError
	if errors.As(err, &notPending) {
		if ev.Status != core.GatewayPaid {
			return nil
		}
		// Money arrived for a top-up that was already closed.
		return w.closeWithIncident(ctx, gtx, ev, &core.ReconciliationError{
			Reference:   ev.Reference,
			MerchantRef: gtx.MerchantRef,
			SubjectID:   topup.ID,
			Reason:      fmt.Sprintf("payment received for %s top-up", notPending.Status),
			Expected:    topup.Nominal,
			Got:         ev.Amount(),
		})
	}
	return err
}

// closeWithIncident marks the gateway row paid and records rec. A row that
// was already paid means rec was recorded by an earlier delivery of the
// same payment, so redeliveries return nil.
func (w *Worker) closeWithIncident(ctx context.Context, gtx core.GatewayTransaction, ev payment.CallbackEvent, rec *core.ReconciliationError) error {
	replay := false
	err := w.store.WithTx(ctx, func(tx core.Store) error {
		cur, err := tx.GetGatewayTx(ctx, gtx.MerchantRef)
		if err != nil {
			return err
		}
		if cur.Status == core.GatewayPaid {
			replay = true
			return nil
		}
		return closeGatewayTx(ctx, tx, gtx.MerchantRef, ev, w.now().UTC())
	})
	if err != nil || replay {
		return err
	}
	return w.incidents.Record(ctx, SourceGateway, rec)
}

// closeGatewayTx records ev on the gateway transaction row. A paid row is
// never changed; a failed or expired one only moves to paid.
func closeGatewayTx(ctx context.Context, tx core.Store, merchantRef string, ev payment.CallbackEvent, now time.Time) error {
	cur, err := tx.GetGatewayTx(ctx, merchantRef)
	if err != nil {
		return err
	}
	if cur.Status == core.GatewayPaid {
		return nil
	}
	if cur.Status != core.GatewayUnpaid && ev.Status != core.GatewayPaid {
		return nil
	}

	next := *cur
	if next.Reference == "" {
		next.Reference = ev.Reference
	}
	next.Status = ev.Status
	next.UpdatedAt = now
	if ev.Status == core.GatewayPaid {
		paidAt := now
		if ev.PaidAt != nil {
			paidAt = ev.PaidAt.UTC()
		}
		next.PaidAt = &paidAt
		next.AmountReceived = ev.AmountReceived
	}
	if next.Status == cur.Status && next.Reference == cur.Reference {
		return nil
	}
	return tx.UpdateGatewayTx(ctx, next, cur.Status)
}
