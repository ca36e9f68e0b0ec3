/*
store.go - Persistence interfaces for the settlement engine

PURPOSE:
  Defines the interface between the domain logic and the database.
  Different implementations can use SQLite or PostgreSQL; the services
  only see these interfaces.

KEY INTERFACES:
  LedgerStore:        Append-only ledger entries (no update, no delete)
  InvoiceStore:       Invoices with compare-and-swap status updates
  PaymentMethodStore: Gateway channel catalog
  GatewayTxStore:     Gateway payment attempts
  TopupStore:         Top-up requests
  WithdrawStore:      Withdrawal requests
  BankAccountStore:   Destination accounts for manual transfers
  IncidentStore:      Reconciliation incidents
  Store:              All of the above plus WithTx

COMPARE-AND-SWAP:
  Every Update* method takes the status the caller read. The write only
  happens if the row still has that status; otherwise it returns
  ErrConcurrentModification. Combined with the per-customer lock this
  makes duplicate callbacks and double clicks harmless.

PAGINATION:
  Every List* method returns Page[T] so the balance, invoice, top-up and
  withdrawal histories share one filter/page/limit contract.

IMPLEMENTATIONS:
  - store/sqlite: SQLite via database/sql

SEE ALSO:
  - ledger.go: Higher-level ledger using LedgerStore
*/
package core

import (
	"context"
	"time"
)

// =============================================================================
// PAGINATION
// =============================================================================

const (
	DefaultPageLimit = 10
	MaxPageLimit     = 100
)

// PageRequest selects one page of a list. Page is 1-based.
type PageRequest struct {
	Page  int
	Limit int
}

// Normalize clamps the request to sane defaults.
func (p PageRequest) Normalize() PageRequest {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit < 1 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	return p
}

func (p PageRequest) Offset() int {
	return (p.Page - 1) * p.Limit
}

// Page is one page of results plus the total count across all pages.
type Page[T any] struct {
	Items []T
	Total int
	Page  int
	Limit int
}

func (p Page[T]) TotalPages() int {
	if p.Limit == 0 {
		return 0
	}
	return (p.Total + p.Limit - 1) / p.Limit
}

// DateRange bounds a list by creation time. Zero values are open ends.
type DateRange struct {
	From time.Time
	To   time.Time
}

type LedgerFilter struct {
	Kind EntryKind
	DateRange
}

type InvoiceFilter struct {
	Status        InvoiceStatus
	PaymentMethod string
	Query         string
	DateRange
}

type TopupFilter struct {
	Status TopupStatus
	Method TopupMethod
	DateRange
}

type WithdrawFilter struct {
	Status WithdrawStatus
	DateRange
}

// =============================================================================
// STORES
// =============================================================================

// LedgerStore persists ledger entries.
// IMPORTANT: append-only. No Update, No Delete. Ever.
type LedgerStore interface {
	// InsertEntry persists an entry. Returns ErrDuplicateIdempotencyKey if
	// the key exists, ErrConcurrentModification if (customer, seq) exists.
	InsertEntry(ctx context.Context, e LedgerEntry) error

	// LatestEntry returns the customer's highest-Seq entry, or nil.
	LatestEntry(ctx context.Context, customerID CustomerID) (*LedgerEntry, error)

	// EntryByIdempotencyKey returns the entry with that key, or nil.
	EntryByIdempotencyKey(ctx context.Context, key string) (*LedgerEntry, error)

	// ListEntries returns entries newest first.
	ListEntries(ctx context.Context, customerID CustomerID, f LedgerFilter, p PageRequest) (Page[LedgerEntry], error)
}

type InvoiceStore interface {
	SaveInvoice(ctx context.Context, inv Invoice) error
	GetInvoice(ctx context.Context, id string) (*Invoice, error)
	UpdateInvoice(ctx context.Context, inv Invoice, from InvoiceStatus) error
	ListInvoices(ctx context.Context, customerID CustomerID, f InvoiceFilter, p PageRequest) (Page[Invoice], error)
}

type PaymentMethodStore interface {
	UpsertPaymentMethod(ctx context.Context, m PaymentMethod) error
	GetPaymentMethod(ctx context.Context, code string) (*PaymentMethod, error)
	ListPaymentMethods(ctx context.Context) ([]PaymentMethod, error)
}

type GatewayTxStore interface {
	SaveGatewayTx(ctx context.Context, tx GatewayTransaction) error
	UpdateGatewayTx(ctx context.Context, tx GatewayTransaction, from GatewayStatus) error
	GetGatewayTx(ctx context.Context, merchantRef string) (*GatewayTransaction, error)
	GetGatewayTxByReference(ctx context.Context, reference string) (*GatewayTransaction, error)
	// OpenGatewayTxs returns the unpaid transactions of one subject.
	OpenGatewayTxs(ctx context.Context, purpose Purpose, subjectID string) ([]GatewayTransaction, error)
	// StaleGatewayTxs returns unpaid transactions created at or before cutoff,
	// least recently updated first.
	StaleGatewayTxs(ctx context.Context, cutoff time.Time, limit int) ([]GatewayTransaction, error)
	// TouchGatewayTx bumps updated_at of an unpaid transaction.
	TouchGatewayTx(ctx context.Context, merchantRef string, at time.Time) error
}

type TopupStore interface {
	SaveTopup(ctx context.Context, t TopupRequest) error
	UpdateTopup(ctx context.Context, t TopupRequest, from TopupStatus) error
	GetTopup(ctx context.Context, id string) (*TopupRequest, error)
	// DeleteTopup removes a pending request. Returns ErrRequestNotPending otherwise.
	DeleteTopup(ctx context.Context, id string) error
	ListTopups(ctx context.Context, customerID CustomerID, f TopupFilter, p PageRequest) (Page[TopupRequest], error)
	PendingTopups(ctx context.Context) ([]TopupRequest, error)
}

type WithdrawStore interface {
	SaveWithdraw(ctx context.Context, w WithdrawRequest) error
	UpdateWithdraw(ctx context.Context, w WithdrawRequest, from WithdrawStatus) error
	GetWithdraw(ctx context.Context, id string) (*WithdrawRequest, error)
	// DeleteWithdraw removes a pending request. Returns ErrRequestNotPending otherwise.
	DeleteWithdraw(ctx context.Context, id string) error
	ListWithdraws(ctx context.Context, customerID CustomerID, f WithdrawFilter, p PageRequest) (Page[WithdrawRequest], error)
	PendingWithdraws(ctx context.Context) ([]WithdrawRequest, error)
}

type BankAccountStore interface {
	SaveBankAccount(ctx context.Context, a BankAccount) error
	GetBankAccount(ctx context.Context, id string) (*BankAccount, error)
	ListBankAccounts(ctx context.Context) ([]BankAccount, error)
}

type IncidentStore interface {
	SaveIncident(ctx context.Context, i Incident) error
	ListIncidents(ctx context.Context, includeResolved bool) ([]Incident, error)
	ResolveIncident(ctx context.Context, id, resolvedBy string, at time.Time) error
}

// Store is the full persistence surface.
type Store interface {
	LedgerStore
	InvoiceStore
	PaymentMethodStore
	GatewayTxStore
	TopupStore
	WithdrawStore
	BankAccountStore
	IncidentStore

	// WithTx runs fn inside one database transaction. fn must only use the
	// Store it is given. Calling WithTx on that Store reuses the transaction.
	WithTx(ctx context.Context, fn func(tx Store) error) error
}
