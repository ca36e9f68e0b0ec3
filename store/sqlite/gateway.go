package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/warp/settlement-engine/core"
)

// =============================================================================
// GATEWAY TRANSACTION STORE (core.GatewayTxStore)
// =============================================================================

const gatewayColumns = `merchant_ref, reference, purpose, subject_id, customer_id, method_code,
	amount, fee_total, amount_received, status, pay_code, checkout_url, instructions_json,
	expires_at, paid_at, created_at, updated_at`

// SaveGatewayTx inserts a new gateway transaction.
func (s *Store) SaveGatewayTx(ctx context.Context, tx core.GatewayTransaction) error {
	instructions, err := json.Marshal(tx.Instructions)
	if err != nil {
		return fmt.Errorf("failed to encode instructions: %w", err)
	}

	query := `
		INSERT INTO gateway_transactions (` + gatewayColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.q.ExecContext(ctx, query,
		tx.MerchantRef, nullString(tx.Reference), string(tx.Purpose), tx.SubjectID,
		string(tx.CustomerID), tx.MethodCode, tx.Amount.String(), tx.FeeTotal.String(),
		tx.AmountReceived.String(), string(tx.Status), nullString(tx.PayCode),
		nullString(tx.CheckoutURL), string(instructions), formatTime(tx.ExpiresAt),
		nullTime(tx.PaidAt), formatTime(tx.CreatedAt), formatTime(tx.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("gateway transaction %s: %w", tx.MerchantRef, core.ErrConcurrentModification)
		}
		return fmt.Errorf("failed to save gateway transaction: %w", err)
	}
	return nil
}

// UpdateGatewayTx writes gateway answers and status if the row is still in from.
func (s *Store) UpdateGatewayTx(ctx context.Context, tx core.GatewayTransaction, from core.GatewayStatus) error {
	instructions, err := json.Marshal(tx.Instructions)
	if err != nil {
		return fmt.Errorf("failed to encode instructions: %w", err)
	}

	query := `
		UPDATE gateway_transactions SET
			reference = ?,
			fee_total = ?,
			amount_received = ?,
			status = ?,
			pay_code = ?,
			checkout_url = ?,
			instructions_json = ?,
			expires_at = ?,
			paid_at = ?,
			updated_at = ?
		WHERE merchant_ref = ? AND status = ?
	`

	err = execCAS(ctx, s.q, query,
		nullString(tx.Reference), tx.FeeTotal.String(), tx.AmountReceived.String(),
		string(tx.Status), nullString(tx.PayCode), nullString(tx.CheckoutURL),
		string(instructions), formatTime(tx.ExpiresAt), nullTime(tx.PaidAt),
		formatTime(tx.UpdatedAt), tx.MerchantRef, string(from),
	)
	if err != nil {
		return fmt.Errorf("failed to update gateway transaction %s: %w", tx.MerchantRef, err)
	}
	return nil
}

// GetGatewayTx retrieves a transaction by merchant ref.
func (s *Store) GetGatewayTx(ctx context.Context, merchantRef string) (*core.GatewayTransaction, error) {
	tx, err := queryOne(ctx, s.q, `SELECT `+gatewayColumns+` FROM gateway_transactions WHERE merchant_ref = ?`,
		scanGatewayTx, merchantRef)
	if err != nil {
		return nil, fmt.Errorf("failed to get gateway transaction: %w", err)
	}
	if tx == nil {
		return nil, fmt.Errorf("gateway transaction %s: %w", merchantRef, core.ErrNotFound)
	}
	return tx, nil
}

// GetGatewayTxByReference retrieves a transaction by the gateway's reference.
func (s *Store) GetGatewayTxByReference(ctx context.Context, reference string) (*core.GatewayTransaction, error) {
	tx, err := queryOne(ctx, s.q, `SELECT `+gatewayColumns+` FROM gateway_transactions WHERE reference = ?`,
		scanGatewayTx, reference)
	if err != nil {
		return nil, fmt.Errorf("failed to get gateway transaction: %w", err)
	}
	if tx == nil {
		return nil, fmt.Errorf("gateway reference %s: %w", reference, core.ErrNotFound)
	}
	return tx, nil
}

// OpenGatewayTxs returns unpaid transactions for a subject, newest first.
func (s *Store) OpenGatewayTxs(ctx context.Context, purpose core.Purpose, subjectID string) ([]core.GatewayTransaction, error) {
	query := `SELECT ` + gatewayColumns + ` FROM gateway_transactions
		WHERE purpose = ? AND subject_id = ? AND status = 'unpaid'
		ORDER BY created_at DESC`

	txs, err := queryAll(ctx, s.q, query, scanGatewayTx, string(purpose), subjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list open gateway transactions: %w", err)
	}
	return txs, nil
}

// StaleGatewayTxs returns unpaid transactions created at or before cutoff,
// least recently touched first.
func (s *Store) StaleGatewayTxs(ctx context.Context, cutoff time.Time, limit int) ([]core.GatewayTransaction, error) {
	query := `SELECT ` + gatewayColumns + ` FROM gateway_transactions
		WHERE status = 'unpaid' AND created_at <= ?
		ORDER BY updated_at ASC, created_at ASC, merchant_ref ASC
		LIMIT ?`

	txs, err := queryAll(ctx, s.q, query, scanGatewayTx, formatTime(cutoff), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale gateway transactions: %w", err)
	}
	return txs, nil
}

// TouchGatewayTx sets updated_at on an unpaid transaction. Rows in any
// other status are left alone and no error is returned for them.
func (s *Store) TouchGatewayTx(ctx context.Context, merchantRef string, at time.Time) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE gateway_transactions SET updated_at = ? WHERE merchant_ref = ? AND status = 'unpaid'`,
		formatTime(at), merchantRef)
	if err != nil {
		return fmt.Errorf("failed to touch gateway transaction %s: %w", merchantRef, err)
	}
	return nil
}

func scanGatewayTx(row scanner) (core.GatewayTransaction, error) {
	var (
		tx                               core.GatewayTransaction
		reference, payCode, checkoutURL  sql.NullString
		instructions, paidAt             sql.NullString
		purpose, customerID, status      string
		amount, feeTotal, amountReceived string
		expiresAt, createdAt, updatedAt  string
	)

	err := row.Scan(
		&tx.MerchantRef, &reference, &purpose, &tx.SubjectID, &customerID, &tx.MethodCode,
		&amount, &feeTotal, &amountReceived, &status, &payCode, &checkoutURL,
		&instructions, &expiresAt, &paidAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return tx, err
	}

	tx.Reference = reference.String
	tx.Purpose = core.Purpose(purpose)
	tx.CustomerID = core.CustomerID(customerID)
	tx.Amount = core.MustParseDecimal(amount)
	tx.FeeTotal = core.MustParseDecimal(feeTotal)
	tx.AmountReceived = core.MustParseDecimal(amountReceived)
	tx.Status = core.GatewayStatus(status)
	tx.PayCode = payCode.String
	tx.CheckoutURL = checkoutURL.String
	if instructions.Valid && instructions.String != "" {
		json.Unmarshal([]byte(instructions.String), &tx.Instructions)
	}
	tx.ExpiresAt = parseTime(expiresAt)
	tx.PaidAt = parseNullTime(paidAt)
	tx.CreatedAt = parseTime(createdAt)
	tx.UpdatedAt = parseTime(updatedAt)
	return tx, nil
}
