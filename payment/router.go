package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/settlement-engine/core"
	"github.com/warp/settlement-engine/events"
	"go.uber.org/zap"
)

// =============================================================================
// INCIDENTS
// =============================================================================

// IncidentRecorder parks reconciliation failures for an operator.
type IncidentRecorder struct {
	store     core.IncidentStore
	publisher events.Publisher
	logger    *zap.Logger
	now       func() time.Time
}

func NewIncidentRecorder(store core.IncidentStore, publisher events.Publisher, logger *zap.Logger) *IncidentRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IncidentRecorder{store: store, publisher: publisher, logger: logger.Named("incidents"), now: time.Now}
}

// Record stores rec and returns it, so callers can `return r.Record(...)`.
// A failure to store is logged; rec is still returned.
func (r *IncidentRecorder) Record(ctx context.Context, source string, rec *core.ReconciliationError) error {
	now := r.now()
	incident := core.NewIncident(rec, source, now)

	r.logger.Warn("reconciliation incident",
		zap.String("source", source),
		zap.String("reference", rec.Reference),
		zap.String("merchant_ref", rec.MerchantRef),
		zap.String("subject_id", rec.SubjectID),
		zap.String("reason", rec.Reason),
		zap.String("expected", rec.Expected.String()),
		zap.String("got", rec.Got.String()),
	)
	if err := r.store.SaveIncident(ctx, incident); err != nil {
		r.logger.Error("incident not stored", zap.String("incident_id", incident.ID), zap.Error(err))
	}

	e := events.New(events.ReconciliationFailure, "", rec.SubjectID, rec.Got, now)
	e.Reason = rec.Reason
	events.Emit(ctx, r.publisher, r.logger, e)
	return rec
}

// =============================================================================
// CALLBACK ROUTER
// =============================================================================

// CallbackHandler applies a gateway event to the subject of a transaction.
// Handlers must be idempotent: the gateway redelivers.
type CallbackHandler interface {
	HandleGatewayEvent(ctx context.Context, tx core.GatewayTransaction, ev CallbackEvent) error
}

// CallbackHandlerFunc adapts a function to CallbackHandler.
type CallbackHandlerFunc func(ctx context.Context, tx core.GatewayTransaction, ev CallbackEvent) error

func (f CallbackHandlerFunc) HandleGatewayEvent(ctx context.Context, tx core.GatewayTransaction, ev CallbackEvent) error {
	return f(ctx, tx, ev)
}

// CallbackRouter finds the transaction an event belongs to and hands it to
// the handler registered for the transaction's purpose.
type CallbackRouter struct {
	store     core.GatewayTxStore
	incidents *IncidentRecorder
	handlers  map[core.Purpose]CallbackHandler
	logger    *zap.Logger
}

func NewCallbackRouter(store core.GatewayTxStore, incidents *IncidentRecorder, logger *zap.Logger) *CallbackRouter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CallbackRouter{
		store:     store,
		incidents: incidents,
		handlers:  make(map[core.Purpose]CallbackHandler),
		logger:    logger.Named("callbacks"),
	}
}

// Handle registers h for purpose. Not safe to call after dispatching starts.
func (r *CallbackRouter) Handle(purpose core.Purpose, h CallbackHandler) {
	r.handlers[purpose] = h
}

// Dispatch applies ev. An event for an unknown transaction is recorded as
// an incident and returned as *core.ReconciliationError.
func (r *CallbackRouter) Dispatch(ctx context.Context, source string, ev CallbackEvent) error {
	tx, err := r.lookup(ctx, ev)
	if core.IsNotFound(err) {
		return r.incidents.Record(ctx, source, &core.ReconciliationError{
			Reference:   ev.Reference,
			MerchantRef: ev.MerchantRef,
			Reason:      "unknown gateway transaction",
			Got:         ev.Amount(),
		})
	}
	if err != nil {
		return err
	}

	h, ok := r.handlers[tx.Purpose]
	if !ok {
		return fmt.Errorf("no callback handler for purpose %q", tx.Purpose)
	}

	r.logger.Info("gateway event",
		zap.String("source", source),
		zap.String("reference", ev.Reference),
		zap.String("merchant_ref", tx.MerchantRef),
		zap.String("purpose", string(tx.Purpose)),
		zap.String("status", string(ev.Status)),
	)
	return h.HandleGatewayEvent(ctx, *tx, ev)
}

// Park gives up on an unpaid transaction nobody can settle: the row is
// marked failed and cause is recorded as an incident, returned as
// *core.ReconciliationError. A paid event arriving later is still applied.
func (r *CallbackRouter) Park(ctx context.Context, source string, tx core.GatewayTransaction, cause error, now time.Time) error {
	failed := tx
	failed.Status = core.GatewayFailed
	failed.UpdatedAt = now.UTC()
	if err := r.store.UpdateGatewayTx(ctx, failed, core.GatewayUnpaid); err != nil {
		return err
	}
	return r.incidents.Record(ctx, source, &core.ReconciliationError{
		Reference:   tx.Reference,
		MerchantRef: tx.MerchantRef,
		SubjectID:   tx.SubjectID,
		Reason:      fmt.Sprintf("unsettled after repeated polling: %v", cause),
		Expected:    tx.Amount,
	})
}

func (r *CallbackRouter) lookup(ctx context.Context, ev CallbackEvent) (*core.GatewayTransaction, error) {
	if ev.Reference != "" {
		tx, err := r.store.GetGatewayTxByReference(ctx, ev.Reference)
		if err == nil || !core.IsNotFound(err) || ev.MerchantRef == "" {
			return tx, err
		}
	}
	if ev.MerchantRef == "" {
		return nil, fmt.Errorf("event without reference: %w", core.ErrNotFound)
	}
	return r.store.GetGatewayTx(ctx, ev.MerchantRef)
}
