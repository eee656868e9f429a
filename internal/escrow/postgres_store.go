package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"github.com/tradesafe/tradesafe/internal/pagination"
)

// PostgresStore persists transactions in PostgreSQL. Concurrency control
// is a version column bumped on every update; a write that does not match
// the version it read loses the race.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const txnColumns = `id, title, description, amount, currency, status,
		buyer_id, buyer_name, buyer_email, seller_id, seller_name, seller_email,
		escrow_funded, payment_method, charge_id, dispute_id,
		timeline, version, created_at, updated_at, completed_at`

func (p *PostgresStore) Create(ctx context.Context, t *Transaction) error {
	timelineJSON, err := json.Marshal(t.Timeline)
	if err != nil {
		return fmt.Errorf("marshal timeline: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO transactions (
			id, title, description, amount, currency, status,
			buyer_id, buyer_name, buyer_email, seller_id, seller_name, seller_email,
			escrow_funded, payment_method, charge_id, dispute_id,
			timeline, version, created_at, updated_at, completed_at
		) VALUES (
			$1, $2, $3, $4::NUMERIC(20,2), $5, $6,
			$7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16,
			$17, $18, $19, $20, $21
		)`,
		t.ID, t.Title, t.Description, t.Amount.StringFixed(2), t.Currency, string(t.Status),
		t.Buyer.UserID, t.Buyer.Name, t.Buyer.Email, t.Seller.UserID, t.Seller.Name, t.Seller.Email,
		t.EscrowFunded, t.PaymentMethod, t.ChargeID, t.DisputeID,
		timelineJSON, t.Version, t.CreatedAt, t.UpdatedAt, t.CompletedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+txnColumns+` FROM transactions WHERE id = $1`, id)
	t, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return t, err
}

func (p *PostgresStore) Update(ctx context.Context, t *Transaction, expectedVersion int64) error {
	timelineJSON, err := json.Marshal(t.Timeline)
	if err != nil {
		return fmt.Errorf("marshal timeline: %w", err)
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE transactions SET
			status = $1, escrow_funded = $2, payment_method = $3, charge_id = $4,
			dispute_id = $5, timeline = $6, version = version + 1,
			updated_at = $7, completed_at = $8
		WHERE id = $9 AND version = $10`,
		string(t.Status), t.EscrowFunded, t.PaymentMethod, t.ChargeID,
		t.DisputeID, timelineJSON, t.UpdatedAt, t.CompletedAt,
		t.ID, expectedVersion,
	)
	if err != nil {
		// The partial unique index on charge_id catches two funds racing
		// past the service-level check with the same charge.
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrChargeUsed
		}
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM transactions WHERE id = $1)`, t.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	t.Version = expectedVersion + 1
	return nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int, before *pagination.Cursor) ([]*Transaction, error) {
	query := `
		SELECT ` + txnColumns + `
		FROM transactions
		WHERE (buyer_id = $1 OR seller_id = $1)`
	args := []interface{}{userID}
	if before != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, before.CreatedAt, before.ID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ` + fmt.Sprintf("$%d", len(args)+1)
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func (p *PostgresStore) HasActive(ctx context.Context, userID string) (bool, error) {
	var active bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM transactions
			WHERE (buyer_id = $1 OR seller_id = $1)
			  AND status IN ('pending', 'active', 'disputed')
		)`, userID).Scan(&active)
	return active, err
}

func (p *PostgresStore) ChargeInUse(ctx context.Context, chargeID string) (bool, error) {
	var used bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM transactions WHERE charge_id = $1)
	`, chargeID).Scan(&used)
	return used, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	var t Transaction
	var status string
	var timelineJSON []byte
	var completedAt sql.NullTime
	err := row.Scan(
		&t.ID, &t.Title, &t.Description, &t.Amount, &t.Currency, &status,
		&t.Buyer.UserID, &t.Buyer.Name, &t.Buyer.Email,
		&t.Seller.UserID, &t.Seller.Name, &t.Seller.Email,
		&t.EscrowFunded, &t.PaymentMethod, &t.ChargeID, &t.DisputeID,
		&timelineJSON, &t.Version, &t.CreatedAt, &t.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Status = Status(status)
	if completedAt.Valid {
		ts := completedAt.Time
		t.CompletedAt = &ts
	}
	if len(timelineJSON) > 0 {
		if err := json.Unmarshal(timelineJSON, &t.Timeline); err != nil {
			return nil, fmt.Errorf("unmarshal timeline: %w", err)
		}
	}
	return &t, nil
}
