package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/warp/settlement-engine/core"
)

// =============================================================================
// PAYMENT METHOD STORE (core.PaymentMethodStore)
// =============================================================================

const methodColumns = `code, name, grp, flat_merchant, percent_merchant, flat_customer,
	percent_customer, minimum_fee, maximum_fee, min_amount, max_amount, active,
	requires_review, icon_url`

// UpsertPaymentMethod saves a channel, replacing an existing one with the same code.
func (s *Store) UpsertPaymentMethod(ctx context.Context, m core.PaymentMethod) error {
	query := `
		INSERT INTO payment_methods (` + methodColumns + `, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(code) DO UPDATE SET
			name = excluded.name,
			grp = excluded.grp,
			flat_merchant = excluded.flat_merchant,
			percent_merchant = excluded.percent_merchant,
			flat_customer = excluded.flat_customer,
			percent_customer = excluded.percent_customer,
			minimum_fee = excluded.minimum_fee,
			maximum_fee = excluded.maximum_fee,
			min_amount = excluded.min_amount,
			max_amount = excluded.max_amount,
			active = excluded.active,
			requires_review = excluded.requires_review,
			icon_url = excluded.icon_url,
			updated_at = excluded.updated_at
	`

	_, err := s.q.ExecContext(ctx, query,
		m.Code, m.Name, m.Group, m.FlatMerchant.String(), m.PercentMerchant.String(),
		m.FlatCustomer.String(), m.PercentCustomer.String(), nullDecimal(m.MinimumFee),
		nullDecimal(m.MaximumFee), m.MinAmount.String(), m.MaxAmount.String(), m.Active,
		m.RequiresReview, nullString(m.IconURL), formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to save payment method %s: %w", m.Code, err)
	}
	return nil
}

// GetPaymentMethod retrieves a channel by code.
func (s *Store) GetPaymentMethod(ctx context.Context, code string) (*core.PaymentMethod, error) {
	m, err := queryOne(ctx, s.q, `SELECT `+methodColumns+` FROM payment_methods WHERE code = ?`, scanMethod, code)
	if err != nil {
		return nil, fmt.Errorf("failed to get payment method: %w", err)
	}
	if m == nil {
		return nil, fmt.Errorf("payment method %s: %w", code, core.ErrNotFound)
	}
	return m, nil
}

// ListPaymentMethods returns every channel grouped by group then name.
func (s *Store) ListPaymentMethods(ctx context.Context) ([]core.PaymentMethod, error) {
	methods, err := queryAll(ctx, s.q, `SELECT `+methodColumns+` FROM payment_methods ORDER BY grp, name`, scanMethod)
	if err != nil {
		return nil, fmt.Errorf("failed to list payment methods: %w", err)
	}
	return methods, nil
}

func scanMethod(row scanner) (core.PaymentMethod, error) {
	var (
		m                               core.PaymentMethod
		flatMerchant, percentMerchant   string
		flatCustomer, percentCustomer   string
		minimumFee, maximumFee, iconURL sql.NullString
		minAmount, maxAmount            string
	)

	err := row.Scan(
		&m.Code, &m.Name, &m.Group, &flatMerchant, &percentMerchant, &flatCustomer,
		&percentCustomer, &minimumFee, &maximumFee, &minAmount, &maxAmount, &m.Active,
		&m.RequiresReview, &iconURL,
	)
	if err != nil {
		return m, err
	}

	m.FlatMerchant = core.MustParseDecimal(flatMerchant)
	m.PercentMerchant = core.MustParseDecimal(percentMerchant)
	m.FlatCustomer = core.MustParseDecimal(flatCustomer)
	m.PercentCustomer = core.MustParseDecimal(percentCustomer)
	m.MinimumFee = parseNullDecimal(minimumFee)
	m.MaximumFee = parseNullDecimal(maximumFee)
	m.MinAmount = core.MustParseDecimal(minAmount)
	m.MaxAmount = core.MustParseDecimal(maxAmount)
	m.IconURL = iconURL.String
	return m, nil
}

// =============================================================================
// BANK ACCOUNT STORE (core.BankAccountStore)
// =============================================================================

const bankAccountColumns = `id, bank_name, holder_name, account_number, logo_url, active, created_at`

// SaveBankAccount saves a bank account, replacing an existing one with the same ID.
func (s *Store) SaveBankAccount(ctx context.Context, a core.BankAccount) error {
	query := `
		INSERT INTO bank_accounts (` + bankAccountColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			bank_name = excluded.bank_name,
			holder_name = excluded.holder_name,
			account_number = excluded.account_number,
			logo_url = excluded.logo_url,
			active = excluded.active
	`

	_, err := s.q.ExecContext(ctx, query,
		a.ID, a.BankName, a.HolderName, a.AccountNumber, nullString(a.LogoURL),
		a.Active, formatTime(a.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save bank account: %w", err)
	}
	return nil
}

// GetBankAccount retrieves a bank account by ID.
func (s *Store) GetBankAccount(ctx context.Context, id string) (*core.BankAccount, error) {
	a, err := queryOne(ctx, s.q, `SELECT `+bankAccountColumns+` FROM bank_accounts WHERE id = ?`, scanBankAccount, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get bank account: %w", err)
	}
	if a == nil {
		return nil, fmt.Errorf("bank account %s: %w", id, core.ErrNotFound)
	}
	return a, nil
}

// ListBankAccounts returns every bank account ordered by bank name.
func (s *Store) ListBankAccounts(ctx context.Context) ([]core.BankAccount, error) {
	return queryAll(ctx, s.q, `SELECT `+bankAccountColumns+` FROM bank_accounts ORDER BY bank_name`, scanBankAccount)
}

func scanBankAccount(row scanner) (core.BankAccount, error) {
	var (
		a         core.BankAccount
		logoURL   sql.NullString
		createdAt string
	)
	err := row.Scan(&a.ID, &a.BankName, &a.HolderName, &a.AccountNumber, &logoURL, &a.Active, &createdAt)
	if err != nil {
		return a, err
	}
	a.LogoURL = logoURL.String
	a.CreatedAt = parseTime(createdAt)
	return a, nil
}
