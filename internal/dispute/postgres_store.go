package dispute

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore persists disputes in PostgreSQL. A partial unique index on
// transaction_id over unresolved rows enforces at most one open dispute
// per transaction.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const disputeColumns = `id, transaction_id, raised_by, reason, status, outcome,
		resolution, participants, messages, created_at, resolved_at`

func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	messagesJSON, err := json.Marshal(d.Messages)
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO disputes (
			id, transaction_id, raised_by, reason, status, outcome,
			resolution, participants, messages, created_at, resolved_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		d.ID, d.TransactionID, d.RaisedBy, d.Reason, string(d.Status), d.Outcome,
		d.Resolution, pq.Array(d.Participants), messagesJSON, d.CreatedAt, d.ResolvedAt,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyDisputed
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return d, err
}

func (p *PostgresStore) Update(ctx context.Context, d *Dispute) error {
	messagesJSON, err := json.Marshal(d.Messages)
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET
			status = $1, outcome = $2, resolution = $3, messages = $4, resolved_at = $5
		WHERE id = $6`,
		string(d.Status), d.Outcome, d.Resolution, messagesJSON, d.ResolvedAt, d.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM disputes WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) OpenByTransaction(ctx context.Context, txnID string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE transaction_id = $1 AND status != 'resolved'`, txnID)
	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return d, err
}

func (p *PostgresStore) ListByParticipant(ctx context.Context, userID string, limit int) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE $1 = ANY(participants)
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanDisputes(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanDisputes(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDispute(row rowScanner) (*Dispute, error) {
	var d Dispute
	var status string
	var messagesJSON []byte
	var resolvedAt sql.NullTime
	err := row.Scan(
		&d.ID, &d.TransactionID, &d.RaisedBy, &d.Reason, &status, &d.Outcome,
		&d.Resolution, pq.Array(&d.Participants), &messagesJSON, &d.CreatedAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}
	d.Status = Status(status)
	if resolvedAt.Valid {
		ts := resolvedAt.Time
		d.ResolvedAt = &ts
	}
	if len(messagesJSON) > 0 {
		if err := json.Unmarshal(messagesJSON, &d.Messages); err != nil {
			return nil, fmt.Errorf("unmarshal messages: %w", err)
		}
	}
	return &d, nil
}

func scanDisputes(rows *sql.Rows) ([]*Dispute, error) {
	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}
