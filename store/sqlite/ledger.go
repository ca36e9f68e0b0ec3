package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/warp/settlement-engine/core"
)

// =============================================================================
// LEDGER STORE (core.LedgerStore)
// =============================================================================

const ledgerColumns = `id, customer_id, seq, kind, amount, balance_before, balance_after,
	reason, reference_id, idempotency_key, created_at`

// InsertEntry appends an entry to the ledger.
func (s *Store) InsertEntry(ctx context.Context, e core.LedgerEntry) error {
	query := `
		INSERT INTO ledger_entries (` + ledgerColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.q.ExecContext(ctx, query,
		e.ID,
		string(e.CustomerID),
		e.Seq,
		string(e.Kind),
		e.Amount.String(),
		e.BalanceBefore.String(),
		e.BalanceAfter.String(),
		nullString(e.Reason),
		nullString(e.ReferenceID),
		nullString(e.IdempotencyKey),
		formatTime(e.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			// Distinguish idempotency replays from a lost race on seq
			if strings.Contains(err.Error(), "idempotency_key") {
				return core.ErrDuplicateIdempotencyKey
			}
			return core.ErrConcurrentModification
		}
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

// LatestEntry returns the customer's most recent entry.
func (s *Store) LatestEntry(ctx context.Context, customerID core.CustomerID) (*core.LedgerEntry, error) {
	query := `SELECT ` + ledgerColumns + ` FROM ledger_entries
		WHERE customer_id = ? ORDER BY seq DESC LIMIT 1`

	e, err := queryOne(ctx, s.q, query, scanLedgerEntry, string(customerID))
	if err != nil {
		return nil, fmt.Errorf("failed to load latest entry: %w", err)
	}
	return e, nil
}

// EntryByIdempotencyKey finds the entry written under key.
func (s *Store) EntryByIdempotencyKey(ctx context.Context, key string) (*core.LedgerEntry, error) {
	query := `SELECT ` + ledgerColumns + ` FROM ledger_entries WHERE idempotency_key = ?`

	e, err := queryOne(ctx, s.q, query, scanLedgerEntry, key)
	if err != nil {
		return nil, fmt.Errorf("failed to load entry by idempotency key: %w", err)
	}
	return e, nil
}

// ListEntries returns a page of the customer's balance history, newest first.
func (s *Store) ListEntries(ctx context.Context, customerID core.CustomerID, lf core.LedgerFilter, p core.PageRequest) (core.Page[core.LedgerEntry], error) {
	var f filter
	f.add("customer_id = ?", string(customerID))
	if lf.Kind != "" {
		f.add("kind = ?", string(lf.Kind))
	}
	f.dateRange("created_at", lf.DateRange)

	return listPage(ctx, s.q, ledgerColumns, "ledger_entries", f, "seq DESC", p, scanLedgerEntry)
}

func scanLedgerEntry(row scanner) (core.LedgerEntry, error) {
	var (
		e                                   core.LedgerEntry
		customerID, kind                    string
		amount, before, after               string
		reason, referenceID, idempotencyKey sql.NullString
		createdAt                           string
	)

	err := row.Scan(
		&e.ID, &customerID, &e.Seq, &kind, &amount, &before, &after,
		&reason, &referenceID, &idempotencyKey, &createdAt,
	)
	if err != nil {
		return e, err
	}

	e.CustomerID = core.CustomerID(customerID)
	e.Kind = core.EntryKind(kind)
	e.Amount = core.MustParseDecimal(amount)
	e.BalanceBefore = core.MustParseDecimal(before)
	e.BalanceAfter = core.MustParseDecimal(after)
	e.Reason = reason.String
	e.ReferenceID = referenceID.String
	e.IdempotencyKey = idempotencyKey.String
	e.CreatedAt = parseTime(createdAt)
	return e, nil
}
