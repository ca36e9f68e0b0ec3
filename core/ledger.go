/*
ledger.go - Append-only wallet ledger

PURPOSE:
  The Ledger is the immutable source of truth for every wallet balance
  change: saldo payments, top-up credits, withdrawal debits and operator
  adjustments. The current balance is the balanceAfter of the customer's
  latest entry; there is no separate balance column to drift.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER.
  2. NON-NEGATIVE: balanceAfter >= 0 for every entry
  3. CHAINED: entry n+1 has balanceBefore = entry n balanceAfter
  4. IDEMPOTENT: Same idempotency key = no second entry

ATOMICITY:
  Append runs "read latest, validate, insert" under the customer's lock and
  inside one database transaction. The store also refuses a second entry
  with the same (customer, seq), so two writers that somehow read the same
  latest entry cannot both commit.

CORRECTIONS:
  Mistakes are fixed with a compensating entry of the opposite kind.
  Both entries stay in the history.

SEE ALSO:
  - store.go: LedgerStore interface
  - billing/settlement.go: Saldo payments via Atomic
  - reconcile/worker.go: Top-up / withdrawal ledger effects
*/
package core

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Ledger wraps a Store with per-customer serialization.
type Ledger struct {
	store  Store
	locker Locker
	now    func() time.Time
}

// NewLedger creates a ledger. A nil locker uses an in-process KeyedMutex.
func NewLedger(store Store, locker Locker) *Ledger {
	if locker == nil {
		locker = NewKeyedMutex()
	}
	return &Ledger{store: store, locker: locker, now: time.Now}
}

// WithClock overrides the time source.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// CurrentBalance returns the balanceAfter of the customer's latest entry.
func (l *Ledger) CurrentBalance(ctx context.Context, customerID CustomerID) (decimal.Decimal, error) {
	return currentBalance(ctx, l.store, customerID)
}

// Append writes one entry atomically with respect to the customer.
func (l *Ledger) Append(ctx context.Context, req AppendRequest) (LedgerEntry, error) {
	var entry LedgerEntry
	err := l.Atomic(ctx, req.CustomerID, func(tx Store) error {
		var err error
		entry, err = AppendEntry(ctx, tx, req, l.now())
		return err
	})
	return entry, err
}

// Atomic holds the customer's lock and runs fn in one database transaction.
// Services use it when a ledger write must commit together with another
// state change (invoice paid, request approved).
func (l *Ledger) Atomic(ctx context.Context, customerID CustomerID, fn func(tx Store) error) error {
	unlock, err := l.locker.Lock(ctx, string(customerID))
	if err != nil {
		return fmt.Errorf("lock customer %s: %w", customerID, err)
	}
	defer unlock()

	return l.store.WithTx(ctx, fn)
}

// History returns the customer's entries, newest first.
func (l *Ledger) History(ctx context.Context, customerID CustomerID, f LedgerFilter, p PageRequest) (Page[LedgerEntry], error) {
	return l.store.ListEntries(ctx, customerID, f, p.Normalize())
}

// AppendEntry validates and inserts one entry through tx. Callers must hold
// the customer's lock (see Ledger.Atomic).
func AppendEntry(ctx context.Context, tx Store, req AppendRequest, now time.Time) (LedgerEntry, error) {
	if req.CustomerID == "" {
		return LedgerEntry{}, Invalid("customer_id", "required")
	}
	if !req.Kind.Valid() {
		return LedgerEntry{}, Invalid("kind", "must be credit or debit")
	}
	if !req.Amount.IsPositive() {
		return LedgerEntry{}, Invalid("amount", "must be positive")
	}

	if req.IdempotencyKey != "" {
		existing, err := tx.EntryByIdempotencyKey(ctx, req.IdempotencyKey)
		if err != nil {
			return LedgerEntry{}, err
		}
		if existing != nil {
			return LedgerEntry{}, ErrDuplicateIdempotencyKey
		}
	}

	latest, err := tx.LatestEntry(ctx, req.CustomerID)
	if err != nil {
		return LedgerEntry{}, err
	}

	before := decimal.Zero
	seq := int64(1)
	createdAt := now.UTC()
	if latest != nil {
		before = latest.BalanceAfter
		seq = latest.Seq + 1
		if createdAt.Before(latest.CreatedAt) {
			createdAt = latest.CreatedAt
		}
	}

	after := before.Add(req.Amount)
	if req.Kind == EntryDebit {
		after = before.Sub(req.Amount)
		if after.IsNegative() {
			return LedgerEntry{}, &InsufficientBalanceError{
				CustomerID: req.CustomerID,
				Available:  before,
				Requested:  req.Amount,
			}
		}
	}

	entry := LedgerEntry{
		ID:             NewID(),
		CustomerID:     req.CustomerID,
		Seq:            seq,
		Kind:           req.Kind,
		Amount:         req.Amount,
		BalanceBefore:  before,
		BalanceAfter:   after,
		Reason:         req.Reason,
		ReferenceID:    req.ReferenceID,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      createdAt,
	}
	if err := tx.InsertEntry(ctx, entry); err != nil {
		return LedgerEntry{}, err
	}
	return entry, nil
}

// CurrentBalanceTx reads the balance through a transaction store.
func CurrentBalanceTx(ctx context.Context, tx Store, customerID CustomerID) (decimal.Decimal, error) {
	return currentBalance(ctx, tx, customerID)
}

func currentBalance(ctx context.Context, s LedgerStore, customerID CustomerID) (decimal.Decimal, error) {
	latest, err := s.LatestEntry(ctx, customerID)
	if err != nil {
		return decimal.Zero, err
	}
	if latest == nil {
		return decimal.Zero, nil
	}
	return latest.BalanceAfter, nil
}
