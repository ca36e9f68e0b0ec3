/*
Package sqlite provides a SQLite-backed implementation of core.Store.

PURPOSE:
  Implements every persistence interface of the settlement engine using
  SQLite through database/sql. In production the same patterns apply to
  PostgreSQL with minor SQL dialect differences.

APPEND-ONLY ENFORCEMENT:
  ledger_entries has no UPDATE or DELETE path in this package, and two
  triggers abort any UPDATE or DELETE issued by hand.

KEY TABLES:
  ledger_entries:           Immutable wallet ledger
  invoices:                 Invoices (tagihan)
  payment_methods:          Gateway channel catalog
  gateway_transactions:     Payment attempts at the gateway
  topups / withdrawals:     Money-in / money-out requests
  bank_accounts:            Manual transfer destinations
  reconciliation_incidents: Events parked for operator review

CRITICAL CONSTRAINTS:
  - ledger_entries.idempotency_key UNIQUE: at-most-once effects
  - ledger_entries UNIQUE(customer_id, seq): compare-and-swap on the
    latest entry, so two concurrent appends cannot both commit
  - gateway_transactions.reference UNIQUE: one local row per gateway id

CONCURRENCY:
  The pool is limited to one connection. SQLite allows a single writer
  anyway, and ":memory:" databases are per connection. Inside WithTx the
  callback must only use the Store it receives.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better crash recovery.

USAGE:
  store, err := sqlite.New("./data/settlement.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := core.NewLedger(store, nil)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - core/store.go: Interface definitions
  - core/ledger.go: Higher-level ledger using Store
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/core"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// Store implements core.Store using SQLite.
type Store struct {
	db *sql.DB
	q  querier
	tx *sql.Tx
}

var _ core.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db, q: db}
	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

const schema = `
	-- Wallet ledger (append-only)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		kind TEXT NOT NULL CHECK (kind IN ('credit', 'debit')),
		amount TEXT NOT NULL,
		balance_before TEXT NOT NULL,
		balance_after TEXT NOT NULL,
		reason TEXT,
		reference_id TEXT,
		idempotency_key TEXT UNIQUE,
		created_at TEXT NOT NULL,
		UNIQUE(customer_id, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_customer_created
		ON ledger_entries(customer_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_ledger_reference
		ON ledger_entries(reference_id) WHERE reference_id IS NOT NULL;

	CREATE TRIGGER IF NOT EXISTS trg_ledger_no_update
		BEFORE UPDATE ON ledger_entries
		BEGIN SELECT RAISE(ABORT, 'ledger entries are append-only'); END;
	CREATE TRIGGER IF NOT EXISTS trg_ledger_no_delete
		BEFORE DELETE ON ledger_entries
		BEGIN SELECT RAISE(ABORT, 'ledger entries are append-only'); END;

	-- Invoices
	CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		number TEXT NOT NULL UNIQUE,
		customer_id TEXT NOT NULL,
		period TEXT NOT NULL,
		nominal TEXT NOT NULL,
		discount TEXT NOT NULL,
		tax_applied BOOLEAN NOT NULL DEFAULT FALSE,
		tax_amount TEXT NOT NULL,
		total_due TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'unpaid',
		payment_method TEXT,
		bank_account_id TEXT,
		attachment_ref TEXT,
		review_note TEXT,
		paid_at TEXT,
		reviewed_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_invoices_customer_created
		ON invoices(customer_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_invoices_status
		ON invoices(status);

	-- Payment channel catalog
	CREATE TABLE IF NOT EXISTS payment_methods (
		code TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		grp TEXT NOT NULL,
		flat_merchant TEXT NOT NULL,
		percent_merchant TEXT NOT NULL,
		flat_customer TEXT NOT NULL,
		percent_customer TEXT NOT NULL,
		minimum_fee TEXT,
		maximum_fee TEXT,
		min_amount TEXT NOT NULL,
		max_amount TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		requires_review BOOLEAN NOT NULL DEFAULT FALSE,
		icon_url TEXT,
		updated_at TEXT NOT NULL
	);

	-- Gateway transactions
	CREATE TABLE IF NOT EXISTS gateway_transactions (
		merchant_ref TEXT PRIMARY KEY,
		reference TEXT,
		purpose TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		method_code TEXT NOT NULL,
		amount TEXT NOT NULL,
		fee_total TEXT NOT NULL,
		amount_received TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'unpaid',
		pay_code TEXT,
		checkout_url TEXT,
		instructions_json TEXT,
		expires_at TEXT NOT NULL,
		paid_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_gateway_reference
		ON gateway_transactions(reference) WHERE reference IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_gateway_subject
		ON gateway_transactions(purpose, subject_id);
	CREATE INDEX IF NOT EXISTS idx_gateway_status_updated
		ON gateway_transactions(status, updated_at);

	-- Top-up requests
	CREATE TABLE IF NOT EXISTS topups (
		id TEXT PRIMARY KEY,
		number TEXT NOT NULL UNIQUE,
		customer_id TEXT NOT NULL,
		nominal TEXT NOT NULL,
		method TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		bank_account_id TEXT,
		attachment_ref TEXT,
		method_code TEXT,
		merchant_ref TEXT,
		reviewed_by TEXT,
		note TEXT,
		completed_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_topups_customer_created
		ON topups(customer_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_topups_status
		ON topups(status);

	-- Withdrawal requests
	CREATE TABLE IF NOT EXISTS withdrawals (
		id TEXT PRIMARY KEY,
		number TEXT NOT NULL UNIQUE,
		customer_id TEXT NOT NULL,
		nominal TEXT NOT NULL,
		requested_at TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		reviewed_by TEXT,
		note TEXT,
		completed_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_withdrawals_customer_created
		ON withdrawals(customer_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_withdrawals_status
		ON withdrawals(status);

	-- Bank accounts for manual transfers
	CREATE TABLE IF NOT EXISTS bank_accounts (
		id TEXT PRIMARY KEY,
		bank_name TEXT NOT NULL,
		holder_name TEXT NOT NULL,
		account_number TEXT NOT NULL,
		logo_url TEXT,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL
	);

	-- Reconciliation incidents
	CREATE TABLE IF NOT EXISTS reconciliation_incidents (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		reference TEXT,
		merchant_ref TEXT,
		subject_id TEXT,
		reason TEXT NOT NULL,
		expected TEXT NOT NULL,
		got TEXT NOT NULL,
		resolved BOOLEAN NOT NULL DEFAULT FALSE,
		resolved_by TEXT,
		resolved_at TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_incidents_resolved
		ON reconciliation_incidents(resolved, created_at);
`

var tables = []string{
	"ledger_entries",
	"invoices",
	"payment_methods",
	"gateway_transactions",
	"topups",
	"withdrawals",
	"bank_accounts",
	"reconciliation_incidents",
}

// migrate creates the database schema.
func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Reset drops every table and recreates the schema (dev / demo only).
func (s *Store) Reset(ctx context.Context) error {
	if s.tx != nil {
		return errors.New("reset inside a transaction")
	}
	for _, t := range tables {
		if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+t); err != nil {
			return fmt.Errorf("drop %s: %w", t, err)
		}
	}
	return s.migrate(ctx)
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx executes fn within a database transaction. Nested calls reuse the
// outer transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx core.Store) error) error {
	if s.tx != nil {
		return fn(s)
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&Store{db: s.db, q: sqlTx, tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// =============================================================================
// QUERY HELPERS
// =============================================================================

type filter struct {
	clauses []string
	args    []any
}

func (f *filter) add(clause string, args ...any) {
	f.clauses = append(f.clauses, clause)
	f.args = append(f.args, args...)
}

func (f *filter) dateRange(column string, r core.DateRange) {
	if !r.From.IsZero() {
		f.add(column+" >= ?", formatTime(r.From))
	}
	if !r.To.IsZero() {
		f.add(column+" <= ?", formatTime(r.To))
	}
}

func (f *filter) where() string {
	if len(f.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(f.clauses, " AND ")
}

// listPage runs a COUNT and a LIMIT/OFFSET query with the same filter.
func listPage[T any](ctx context.Context, q querier, columns, table string, f filter, order string,
	p core.PageRequest, scan func(scanner) (T, error)) (core.Page[T], error) {
	p = p.Normalize()
	page := core.Page[T]{Items: []T{}, Page: p.Page, Limit: p.Limit}

	if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table+f.where(), f.args...).Scan(&page.Total); err != nil {
		return page, fmt.Errorf("failed to count %s: %w", table, err)
	}

	query := "SELECT " + columns + " FROM " + table + f.where() + " ORDER BY " + order + " LIMIT ? OFFSET ?"
	args := append(append([]any{}, f.args...), p.Limit, p.Offset())
	items, err := queryAll(ctx, q, query, scan, args...)
	if err != nil {
		return page, fmt.Errorf("failed to list %s: %w", table, err)
	}
	page.Items = items
	return page, nil
}

func queryAll[T any](ctx context.Context, q querier, query string, scan func(scanner) (T, error), args ...any) ([]T, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []T{}
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// queryOne returns nil, nil when no row matches.
func queryOne[T any](ctx context.Context, q querier, query string, scan func(scanner) (T, error), args ...any) (*T, error) {
	item, err := scan(q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// execCAS runs an UPDATE guarded by a status check and reports a lost race.
func execCAS(ctx context.Context, q querier, query string, args ...any) error {
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return core.ErrConcurrentModification
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullDecimal(d decimal.NullDecimal) sql.NullString {
	if !d.Valid {
		return sql.NullString{}
	}
	return sql.NullString{String: d.Decimal.String(), Valid: true}
}

func parseNullDecimal(s sql.NullString) decimal.NullDecimal {
	if !s.Valid || s.String == "" {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(core.MustParseDecimal(s.String))
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
