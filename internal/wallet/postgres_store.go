package wallet

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/tradesafe/tradesafe/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL.
//
// Balances use NUMERIC(20,2) with a CHECK (available >= 0) constraint, so
// overdraft is impossible even under concurrent debits: the losing
// transaction fails the constraint and surfaces ErrInsufficientFunds.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed wallet store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// isCheckViolation reports whether err is a CHECK constraint violation.
func isCheckViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23514"
	}
	return false
}

// GetBalance retrieves a user's balance
func (p *PostgresStore) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	bal := &Balance{UserID: userID}

	err := p.db.QueryRowContext(ctx, `
		SELECT available, pending, total_in, total_out, currency, updated_at
		FROM wallets WHERE user_id = $1
	`, userID).Scan(&bal.Available, &bal.Pending, &bal.TotalIn, &bal.TotalOut, &bal.Currency, &bal.UpdatedAt)

	if err == sql.ErrNoRows {
		return &Balance{
			UserID:    userID,
			Available: decimal.Zero,
			Pending:   decimal.Zero,
			TotalIn:   decimal.Zero,
			TotalOut:  decimal.Zero,
			Currency:  "USD",
			UpdatedAt: time.Now(),
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return bal, nil
}

// Credit adds funds to a user's wallet
func (p *PostgresStore) Credit(ctx context.Context, userID string, amount decimal.Decimal, entryType, reference, description string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Upsert balance using native NUMERIC arithmetic
	_, err = tx.ExecContext(ctx, `
		INSERT INTO wallets (user_id, available, total_in, updated_at)
		VALUES ($1, $2::NUMERIC(20,2), $2::NUMERIC(20,2), NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			available  = wallets.available + $2::NUMERIC(20,2),
			total_in   = wallets.total_in  + $2::NUMERIC(20,2),
			updated_at = NOW()
	`, userID, amount.StringFixed(2))
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO wallet_entries (id, user_id, type, amount, status, reference, description, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC(20,2), 'completed', $5, $6, NOW())
	`, idgen.WithPrefix("wle_"), userID, entryType, amount.StringFixed(2), reference, description)
	if err != nil {
		return fmt.Errorf("failed to record entry: %w", err)
	}

	return tx.Commit()
}

// Debit removes funds from a user's wallet atomically. The CHECK
// constraint on available >= 0 rejects overdrafts at the DB level.
func (p *PostgresStore) Debit(ctx context.Context, userID string, amount decimal.Decimal, entryType, reference, description string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE wallets SET
			available  = available - $2::NUMERIC(20,2),
			total_out  = total_out + $2::NUMERIC(20,2),
			updated_at = NOW()
		WHERE user_id = $1
	`, userID, amount.StringFixed(2))
	if err != nil {
		if isCheckViolation(err) {
			return ErrInsufficientFunds
		}
		return fmt.Errorf("failed to update balance: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrInsufficientFunds
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO wallet_entries (id, user_id, type, amount, status, reference, description, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC(20,2), 'completed', $5, $6, NOW())
	`, idgen.WithPrefix("wle_"), userID, entryType, amount.StringFixed(2), reference, description)
	if err != nil {
		return fmt.Errorf("failed to record entry: %w", err)
	}

	return tx.Commit()
}

// Hold moves funds from available to pending for a withdrawal.
func (p *PostgresStore) Hold(ctx context.Context, userID string, amount decimal.Decimal, reference string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE wallets SET
			available  = available - $2::NUMERIC(20,2),
			pending    = pending   + $2::NUMERIC(20,2),
			updated_at = NOW()
		WHERE user_id = $1
	`, userID, amount.StringFixed(2))
	if err != nil {
		if isCheckViolation(err) {
			return ErrInsufficientFunds
		}
		return fmt.Errorf("failed to place hold: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrInsufficientFunds
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO wallet_entries (id, user_id, type, amount, status, reference, description, created_at)
		VALUES ($1, $2, 'withdrawal', $3::NUMERIC(20,2), 'pending', $4, 'withdrawal_requested', NOW())
	`, idgen.WithPrefix("wle_"), userID, amount.StringFixed(2), reference)
	if err != nil {
		return fmt.Errorf("failed to record hold entry: %w", err)
	}

	return tx.Commit()
}

// ConfirmHold finalizes a held withdrawal (pending to total_out).
func (p *PostgresStore) ConfirmHold(ctx context.Context, userID string, amount decimal.Decimal, reference string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE wallets SET
			pending    = pending   - $2::NUMERIC(20,2),
			total_out  = total_out + $2::NUMERIC(20,2),
			updated_at = NOW()
		WHERE user_id = $1
	`, userID, amount.StringFixed(2))
	if err != nil {
		if isCheckViolation(err) {
			return ErrInvalidAmount
		}
		return fmt.Errorf("failed to confirm hold: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrWalletNotFound
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE wallet_entries SET status = 'completed'
		WHERE reference = $1 AND type = 'withdrawal' AND status = 'pending'
	`, reference)
	if err != nil {
		return fmt.Errorf("failed to update entry: %w", err)
	}

	return tx.Commit()
}

// ReleaseHold returns a held withdrawal to available (payout failed).
func (p *PostgresStore) ReleaseHold(ctx context.Context, userID string, amount decimal.Decimal, reference string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE wallets SET
			pending    = pending   - $2::NUMERIC(20,2),
			available  = available + $2::NUMERIC(20,2),
			updated_at = NOW()
		WHERE user_id = $1
	`, userID, amount.StringFixed(2))
	if err != nil {
		if isCheckViolation(err) {
			return ErrInvalidAmount
		}
		return fmt.Errorf("failed to release hold: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrWalletNotFound
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE wallet_entries SET status = 'failed'
		WHERE reference = $1 AND type = 'withdrawal' AND status = 'pending'
	`, reference)
	if err != nil {
		return fmt.Errorf("failed to update entry: %w", err)
	}

	return tx.Commit()
}

// GetHistory returns ledger entries for a user, newest first
func (p *PostgresStore) GetHistory(ctx context.Context, userID string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, type, amount, status, COALESCE(reference, ''), COALESCE(description, ''), created_at
		FROM wallet_entries WHERE user_id = $1
		ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.UserID, &e.Type, &e.Amount, &e.Status, &e.Reference, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// UnmatchedEscrowFunds returns completed escrow debits older than the
// cutoff that have no release or refund entry under the same reference.
func (p *PostgresStore) UnmatchedEscrowFunds(ctx context.Context, olderThan time.Time) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, type, amount, status, COALESCE(reference, ''), COALESCE(description, ''), created_at
		FROM wallet_entries f
		WHERE f.type = 'escrow_fund' AND f.status = 'completed' AND f.created_at < $1
		  AND NOT EXISTS (
			SELECT 1 FROM wallet_entries r
			WHERE r.reference = f.reference AND r.type IN ('escrow_refund', 'escrow_release')
		  )
		ORDER BY f.created_at
	`, olderThan)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.UserID, &e.Type, &e.Amount, &e.Status, &e.Reference, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// HasReference reports whether a deposit for the charge was already recorded.
func (p *PostgresStore) HasReference(ctx context.Context, reference string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM wallet_entries WHERE reference = $1 AND type = 'deposit')
	`, reference).Scan(&exists)
	return exists, err
}
