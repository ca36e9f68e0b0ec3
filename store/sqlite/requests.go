package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/warp/settlement-engine/core"
)

// =============================================================================
// TOP-UP STORE (core.TopupStore)
// =============================================================================

const topupColumns = `id, number, customer_id, nominal, method, status, bank_account_id,
	attachment_ref, method_code, merchant_ref, reviewed_by, note, completed_at,
	created_at, updated_at`

// SaveTopup inserts a new top-up request.
func (s *Store) SaveTopup(ctx context.Context, t core.TopupRequest) error {
	query := `
		INSERT INTO topups (` + topupColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.q.ExecContext(ctx, query,
		t.ID, t.Number, string(t.CustomerID), t.Nominal.String(), string(t.Method),
		string(t.Status), nullString(t.BankAccountID), nullString(t.AttachmentRef),
		nullString(t.MethodCode), nullString(t.MerchantRef), nullString(t.ReviewedBy),
		nullString(t.Note), nullTime(t.CompletedAt),
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save topup: %w", err)
	}
	return nil
}

// UpdateTopup writes the request if it is still in status from.
func (s *Store) UpdateTopup(ctx context.Context, t core.TopupRequest, from core.TopupStatus) error {
	query := `
		UPDATE topups SET
			nominal = ?,
			status = ?,
			bank_account_id = ?,
			attachment_ref = ?,
			method_code = ?,
			merchant_ref = ?,
			reviewed_by = ?,
			note = ?,
			completed_at = ?,
			updated_at = ?
		WHERE id = ? AND status = ?
	`

	err := execCAS(ctx, s.q, query,
		t.Nominal.String(), string(t.Status), nullString(t.BankAccountID),
		nullString(t.AttachmentRef), nullString(t.MethodCode), nullString(t.MerchantRef),
		nullString(t.ReviewedBy), nullString(t.Note), nullTime(t.CompletedAt),
		formatTime(t.UpdatedAt), t.ID, string(from),
	)
	if err != nil {
		return fmt.Errorf("failed to update topup %s: %w", t.ID, err)
	}
	return nil
}

// GetTopup retrieves a top-up request by ID.
func (s *Store) GetTopup(ctx context.Context, id string) (*core.TopupRequest, error) {
	t, err := queryOne(ctx, s.q, `SELECT `+topupColumns+` FROM topups WHERE id = ?`, scanTopup, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get topup: %w", err)
	}
	if t == nil {
		return nil, fmt.Errorf("topup %s: %w", id, core.ErrNotFound)
	}
	return t, nil
}

// DeleteTopup removes a pending top-up request.
func (s *Store) DeleteTopup(ctx context.Context, id string) error {
	return s.deletePending(ctx, "topups", "topup", id)
}

// ListTopups returns a page of the customer's top-ups, newest first.
func (s *Store) ListTopups(ctx context.Context, customerID core.CustomerID, tf core.TopupFilter, p core.PageRequest) (core.Page[core.TopupRequest], error) {
	var f filter
	f.add("customer_id = ?", string(customerID))
	if tf.Status != "" {
		f.add("status = ?", string(tf.Status))
	}
	if tf.Method != "" {
		f.add("method = ?", string(tf.Method))
	}
	f.dateRange("created_at", tf.DateRange)

	return listPage(ctx, s.q, topupColumns, "topups", f, "created_at DESC, id DESC", p, scanTopup)
}

// PendingTopups returns all pending top-ups, oldest first.
func (s *Store) PendingTopups(ctx context.Context) ([]core.TopupRequest, error) {
	query := `SELECT ` + topupColumns + ` FROM topups WHERE status = 'pending' ORDER BY created_at ASC`
	return queryAll(ctx, s.q, query, scanTopup)
}

func scanTopup(row scanner) (core.TopupRequest, error) {
	var (
		t                                          core.TopupRequest
		customerID, nominal, method, status        string
		bankAccountID, attachmentRef, methodCode   sql.NullString
		merchantRef, reviewedBy, note, completedAt sql.NullString
		createdAt, updatedAt                       string
	)

	err := row.Scan(
		&t.ID, &t.Number, &customerID, &nominal, &method, &status, &bankAccountID,
		&attachmentRef, &methodCode, &merchantRef, &reviewedBy, &note, &completedAt,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return t, err
	}

	t.CustomerID = core.CustomerID(customerID)
	t.Nominal = core.MustParseDecimal(nominal)
	t.Method = core.TopupMethod(method)
	t.Status = core.TopupStatus(status)
	t.BankAccountID = bankAccountID.String
	t.AttachmentRef = attachmentRef.String
	t.MethodCode = methodCode.String
	t.MerchantRef = merchantRef.String
	t.ReviewedBy = reviewedBy.String
	t.Note = note.String
	t.CompletedAt = parseNullTime(completedAt)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return t, nil
}

// =============================================================================
// WITHDRAW STORE (core.WithdrawStore)
// =============================================================================

const withdrawColumns = `id, number, customer_id, nominal, requested_at, status, reviewed_by,
	note, completed_at, created_at, updated_at`

// SaveWithdraw inserts a new withdrawal request.
func (s *Store) SaveWithdraw(ctx context.Context, w core.WithdrawRequest) error {
	query := `
		INSERT INTO withdrawals (` + withdrawColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.q.ExecContext(ctx, query,
		w.ID, w.Number, string(w.CustomerID), w.Nominal.String(), formatTime(w.RequestedAt),
		string(w.Status), nullString(w.ReviewedBy), nullString(w.Note),
		nullTime(w.CompletedAt), formatTime(w.CreatedAt), formatTime(w.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save withdrawal: %w", err)
	}
	return nil
}

// UpdateWithdraw writes the request if it is still in status from.
func (s *Store) UpdateWithdraw(ctx context.Context, w core.WithdrawRequest, from core.WithdrawStatus) error {
	query := `
		UPDATE withdrawals SET
			nominal = ?,
			requested_at = ?,
			status = ?,
			reviewed_by = ?,
			note = ?,
			completed_at = ?,
			updated_at = ?
		WHERE id = ? AND status = ?
	`

	err := execCAS(ctx, s.q, query,
		w.Nominal.String(), formatTime(w.RequestedAt), string(w.Status),
		nullString(w.ReviewedBy), nullString(w.Note), nullTime(w.CompletedAt),
		formatTime(w.UpdatedAt), w.ID, string(from),
	)
	if err != nil {
		return fmt.Errorf("failed to update withdrawal %s: %w", w.ID, err)
	}
	return nil
}

// GetWithdraw retrieves a withdrawal request by ID.
func (s *Store) GetWithdraw(ctx context.Context, id string) (*core.WithdrawRequest, error) {
	w, err := queryOne(ctx, s.q, `SELECT `+withdrawColumns+` FROM withdrawals WHERE id = ?`, scanWithdraw, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get withdrawal: %w", err)
	}
	if w == nil {
		return nil, fmt.Errorf("withdrawal %s: %w", id, core.ErrNotFound)
	}
	return w, nil
}

// DeleteWithdraw removes a pending withdrawal request.
func (s *Store) DeleteWithdraw(ctx context.Context, id string) error {
	return s.deletePending(ctx, "withdrawals", "withdrawal", id)
}

// ListWithdraws returns a page of the customer's withdrawals, newest first.
func (s *Store) ListWithdraws(ctx context.Context, customerID core.CustomerID, wf core.WithdrawFilter, p core.PageRequest) (core.Page[core.WithdrawRequest], error) {
	var f filter
	f.add("customer_id = ?", string(customerID))
	if wf.Status != "" {
		f.add("status = ?", string(wf.Status))
	}
	f.dateRange("created_at", wf.DateRange)

	return listPage(ctx, s.q, withdrawColumns, "withdrawals", f, "created_at DESC, id DESC", p, scanWithdraw)
}

// PendingWithdraws returns all pending withdrawals, oldest first.
func (s *Store) PendingWithdraws(ctx context.Context) ([]core.WithdrawRequest, error) {
	query := `SELECT ` + withdrawColumns + ` FROM withdrawals WHERE status = 'pending' ORDER BY created_at ASC`
	return queryAll(ctx, s.q, query, scanWithdraw)
}

func scanWithdraw(row scanner) (core.WithdrawRequest, error) {
	var (
		w                               core.WithdrawRequest
		customerID, nominal, status     string
		requestedAt, createdAt, updated string
		reviewedBy, note, completedAt   sql.NullString
	)

	err := row.Scan(
		&w.ID, &w.Number, &customerID, &nominal, &requestedAt, &status,
		&reviewedBy, &note, &completedAt, &createdAt, &updated,
	)
	if err != nil {
		return w, err
	}

	w.CustomerID = core.CustomerID(customerID)
	w.Nominal = core.MustParseDecimal(nominal)
	w.RequestedAt = parseTime(requestedAt)
	w.Status = core.WithdrawStatus(status)
	w.ReviewedBy = reviewedBy.String
	w.Note = note.String
	w.CompletedAt = parseNullTime(completedAt)
	w.CreatedAt = parseTime(createdAt)
	w.UpdatedAt = parseTime(updated)
	return w, nil
}

// deletePending deletes a row only while it is pending.
func (s *Store) deletePending(ctx context.Context, table, kind, id string) error {
	res, err := s.q.ExecContext(ctx, "DELETE FROM "+table+" WHERE id = ? AND status = 'pending'", id)
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", kind, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var status string
	err = s.q.QueryRowContext(ctx, "SELECT status FROM "+table+" WHERE id = ?", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", kind, id, core.ErrNotFound)
	}
	if err != nil {
		return err
	}
	return &core.RequestNotPendingError{Kind: kind, ID: id, Status: status}
}
