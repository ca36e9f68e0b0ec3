/*
sweeper.go - Background reconciliation of gateway payments

PURPOSE:
  Callbacks get lost and gateway calls time out. The sweeper periodically
  walks unpaid gateway transactions older than a grace period, asks the
  gateway for their status, and feeds the answer through the same callback
  router the webhook uses. A transaction the gateway never acknowledged
  is expired locally once its deadline passes.

DESIGN:
  - Runs until its context is cancelled (one sweep immediately on start)
  - Each sweep handles at most BatchSize transactions, least recently
    polled first; every polled row has its updated_at bumped so a row that
    keeps failing cannot starve the rest of the backlog
  - Per-transaction failures are collected and logged; the sweep goes on
  - A transaction still failing GiveUp after its deadline is marked failed
    and parked as an incident

CONFIGURATION:
  - Interval: How often to sweep (default: 1 minute)
  - Grace: Minimum age before a transaction is polled (default: 2 minutes)
  - GiveUp: Time past the deadline before a failing transaction is parked
    (default: 24 hours)

SEE ALSO:
  - payment/router.go: CallbackRouter.Dispatch
  - api/handlers.go: Refresh endpoint (manual poll)
*/
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/warp/settlement-engine/core"
	"github.com/warp/settlement-engine/payment"
	"go.uber.org/zap"
)

const SourceSweeper = "sweeper"

type SweeperConfig struct {
	Interval  time.Duration
	Grace     time.Duration
	GiveUp    time.Duration
	BatchSize int
}

func (c SweeperConfig) withDefaults() SweeperConfig {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.Grace <= 0 {
		c.Grace = 2 * time.Minute
	}
	if c.GiveUp <= 0 {
		c.GiveUp = 24 * time.Hour
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	return c
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	Checked    int
	Dispatched int
	Expired    int
	Parked     int
}

// Sweeper polls stale gateway transactions.
type Sweeper struct {
	store   core.GatewayTxStore
	gateway payment.Gateway
	router  *payment.CallbackRouter
	logger  *zap.Logger
	cfg     SweeperConfig
	now     func() time.Time
}

func NewSweeper(store core.GatewayTxStore, gateway payment.Gateway, router *payment.CallbackRouter, logger *zap.Logger, cfg SweeperConfig) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		store:   store,
		gateway: gateway,
		router:  router,
		logger:  logger.Named("sweeper"),
		cfg:     cfg.withDefaults(),
		now:     time.Now,
	}
}

// WithClock overrides the time source.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Run sweeps every Interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("sweeper started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Duration("grace", s.cfg.Grace),
	)

	s.sweepAndLog(ctx)
	for {
		select {
		case <-ticker.C:
			s.sweepAndLog(ctx)
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return nil
		}
	}
}

func (s *Sweeper) sweepAndLog(ctx context.Context) {
	report, err := s.SweepOnce(ctx)
	if err != nil {
		s.logger.Warn("sweep finished with errors", zap.Error(err))
	}
	if report.Checked > 0 {
		s.logger.Info("sweep done",
			zap.Int("checked", report.Checked),
			zap.Int("dispatched", report.Dispatched),
			zap.Int("expired", report.Expired),
			zap.Int("parked", report.Parked),
		)
	}
}

// SweepOnce polls one batch of stale transactions.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepReport, error) {
	now := s.now().UTC()
	stale, err := s.store.StaleGatewayTxs(ctx, now.Add(-s.cfg.Grace), s.cfg.BatchSize)
	if err != nil {
		return SweepReport{}, fmt.Errorf("list stale transactions: %w", err)
	}

	var (
		report SweepReport
		errs   *multierror.Error
	)
	for _, tx := range stale {
		if ctx.Err() != nil {
			errs = multierror.Append(errs, ctx.Err())
			break
		}
		report.Checked++

		if err := s.sweepOne(ctx, tx, now, &report); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", tx.MerchantRef, err))
		}
		if err := s.store.TouchGatewayTx(ctx, tx.MerchantRef, now); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return report, errs.ErrorOrNil()
}

func (s *Sweeper) sweepOne(ctx context.Context, tx core.GatewayTransaction, now time.Time, report *SweepReport) error {
	ev, ok, err := s.poll(ctx, tx, now)
	if err == nil && !ok {
		return nil
	}
	if err == nil {
		if err = s.router.Dispatch(ctx, SourceSweeper, ev); err == nil {
			report.Dispatched++
			if ev.Status == core.GatewayExpired {
				report.Expired++
			}
			return nil
		}
	}
	if !now.After(tx.ExpiresAt.Add(s.cfg.GiveUp)) {
		return err
	}

	s.logger.Warn("giving up on gateway transaction",
		zap.String("merchant_ref", tx.MerchantRef),
		zap.Time("expires_at", tx.ExpiresAt),
		zap.Error(err),
	)
	var rec *core.ReconciliationError
	if perr := s.router.Park(ctx, SourceSweeper, tx, err, now); !errors.As(perr, &rec) {
		if errors.Is(perr, core.ErrConcurrentModification) {
			// Settled while we were polling.
			return nil
		}
		return perr
	}
	report.Parked++
	return nil
}

// poll returns the event to apply for tx; ok is false when nothing changed.
func (s *Sweeper) poll(ctx context.Context, tx core.GatewayTransaction, now time.Time) (payment.CallbackEvent, bool, error) {
	if tx.Reference == "" {
		if now.Before(tx.ExpiresAt) {
			return payment.CallbackEvent{}, false, nil
		}
		return expiredEvent(tx), true, nil
	}

	detail, err := s.gateway.TransactionDetail(ctx, tx.Reference)
	if err != nil {
		return payment.CallbackEvent{}, false, err
	}
	ev := detail.Event()
	if ev.MerchantRef == "" {
		ev.MerchantRef = tx.MerchantRef
	}
	if ev.Status == core.GatewayUnpaid {
		if now.Before(tx.ExpiresAt) {
			return payment.CallbackEvent{}, false, nil
		}
		ev.Status = core.GatewayExpired
	}
	return ev, true, nil
}

func expiredEvent(tx core.GatewayTransaction) payment.CallbackEvent {
	return payment.CallbackEvent{
		Reference:   tx.Reference,
		MerchantRef: tx.MerchantRef,
		MethodCode:  tx.MethodCode,
		Status:      core.GatewayExpired,
		TotalAmount: tx.TotalCharged(),
		FeeCustomer: tx.FeeTotal,
		Note:        "expired without gateway acknowledgement",
	}
}

// Refresh polls one transaction now, by gateway reference or merchant ref,
// and returns its stored state afterwards.
func (s *Sweeper) Refresh(ctx context.Context, ref string) (core.GatewayTransaction, error) {
	tx, err := s.store.GetGatewayTxByReference(ctx, ref)
	if core.IsNotFound(err) {
		tx, err = s.store.GetGatewayTx(ctx, ref)
	}
	if err != nil {
		return core.GatewayTransaction{}, err
	}
	if tx.Status != core.GatewayUnpaid {
		return *tx, nil
	}

	ev, ok, err := s.poll(ctx, *tx, s.now().UTC())
	if err != nil {
		return core.GatewayTransaction{}, err
	}
	if ok {
		if err := s.router.Dispatch(ctx, SourceSweeper, ev); err != nil {
			return core.GatewayTransaction{}, err
		}
	}

	cur, err := s.store.GetGatewayTx(ctx, tx.MerchantRef)
	if err != nil {
		return core.GatewayTransaction{}, err
	}
	return *cur, nil
}
