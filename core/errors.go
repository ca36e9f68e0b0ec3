/*
errors.go - Centralized error types for the settlement engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Services wrap these errors with context; the HTTP layer maps them
  to status codes with the helpers at the bottom of this file.

ERROR CATEGORIES:
  1. Validation errors - bad amount, inactive method, out-of-range amount
  2. Balance errors - debit larger than the current balance
  3. Conflict errors - already settled, not pending, illegal transition
  4. Gateway errors - timeout, unavailable
  5. Reconciliation errors - amount mismatch, unknown reference
  6. Store errors - not found, duplicate idempotency key, lost CAS

USAGE:
  if errors.Is(err, core.ErrInsufficientBalance) {
      var ib *core.InsufficientBalanceError
      errors.As(err, &ib)
      ...
  }

SEE ALSO:
  - ledger.go: Raises InsufficientBalanceError
  - invoice.go: Raises InvalidTransitionError
  - api/handlers.go: Maps errors to HTTP status codes
*/
package core

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is the parent of every input validation failure.
	ErrValidation = errors.New("validation failed")

	// ErrMethodInactive is returned when the chosen payment method is disabled.
	ErrMethodInactive = fmt.Errorf("%w: payment method inactive", ErrValidation)

	// ErrAmountOutOfRange is returned when an amount is outside a method's limits.
	ErrAmountOutOfRange = fmt.Errorf("%w: amount out of range", ErrValidation)

	// ErrInsufficientBalance is returned when a debit exceeds the current balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInvoiceAlreadySettled is returned when paying an invoice that is paid.
	ErrInvoiceAlreadySettled = errors.New("invoice already settled")

	// ErrInvoiceUnderReview is returned when paying an invoice awaiting review.
	ErrInvoiceUnderReview = errors.New("invoice is waiting for review")

	// ErrRequestNotPending is returned when acting on a finished request.
	ErrRequestNotPending = errors.New("request is not pending")

	// ErrInvalidTransition is returned for a state change the machine forbids.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrGatewayTimeout is returned when the gateway did not answer in time.
	// The local transaction stays unpaid for later reconciliation.
	ErrGatewayTimeout = errors.New("payment gateway timeout")

	// ErrGatewayUnavailable is returned when the gateway refused the call.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")

	// ErrReconciliation is the parent of every reconciliation failure.
	ErrReconciliation = errors.New("reconciliation failed")

	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateIdempotencyKey is returned when a ledger entry with the
	// same idempotency key already exists. Nothing is written.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrConcurrentModification is returned when a compare-and-swap lost.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// Invalid is shorthand for a *ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// AmountOutOfRangeError reports the limits a method accepts.
type AmountOutOfRangeError struct {
	MethodCode string
	Amount     decimal.Decimal
	Min        decimal.Decimal
	Max        decimal.Decimal
}

func (e *AmountOutOfRangeError) Error() string {
	return fmt.Sprintf("amount %s out of range for %s: min %s, max %s",
		e.Amount, e.MethodCode, e.Min, e.Max)
}

func (e *AmountOutOfRangeError) Unwrap() error {
	return ErrAmountOutOfRange
}

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	CustomerID CustomerID
	Available  decimal.Decimal
	Requested  decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: available %s, requested %s, shortfall %s",
		e.Available, e.Requested, e.Shortfall())
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

func (e *InsufficientBalanceError) Shortfall() decimal.Decimal {
	return e.Requested.Sub(e.Available)
}

// InvalidTransitionError names the rejected transition.
type InvalidTransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s %s: cannot move from %s to %s", e.Entity, e.ID, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// RequestNotPendingError names the request and its current status.
type RequestNotPendingError struct {
	Kind   string
	ID     string
	Status string
}

func (e *RequestNotPendingError) Error() string {
	return fmt.Sprintf("%s %s is %s, not pending", e.Kind, e.ID, e.Status)
}

func (e *RequestNotPendingError) Unwrap() error {
	return ErrRequestNotPending
}

// ReconciliationError is raised when a gateway event cannot be applied.
// The ledger and the subject are left unchanged; an incident is recorded.
type ReconciliationError struct {
	Reference   string
	MerchantRef string
	SubjectID   string
	Reason      string
	Expected    decimal.Decimal
	Got         decimal.Decimal
}

func (e *ReconciliationError) Error() string {
	if e.Expected.IsZero() && e.Got.IsZero() {
		return fmt.Sprintf("reconciliation failed for %s: %s", e.ref(), e.Reason)
	}
	return fmt.Sprintf("reconciliation failed for %s: %s (expected %s, got %s)",
		e.ref(), e.Reason, e.Expected, e.Got)
}

func (e *ReconciliationError) Unwrap() error {
	return ErrReconciliation
}

func (e *ReconciliationError) ref() string {
	if e.Reference != "" {
		return e.Reference
	}
	return e.MerchantRef
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrGatewayTimeout)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsConflict returns true if the error guards against a duplicate or late action.
func IsConflict(err error) bool {
	return errors.Is(err, ErrInvoiceAlreadySettled) ||
		errors.Is(err, ErrInvoiceUnderReview) ||
		errors.Is(err, ErrRequestNotPending) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrDuplicateIdempotencyKey) ||
		errors.Is(err, ErrConcurrentModification)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
