package message

import (
	"context"
	"database/sql"
)

// PostgresStore persists messages in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed message store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, msg *Message) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO messages (
			id, transaction_id, sender_id, sender_name, recipient_id,
			content, read, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		msg.ID, msg.TransactionID, msg.SenderID, msg.SenderName, msg.RecipientID,
		msg.Content, msg.IsRead, msg.CreatedAt,
	)
	return err
}

func (p *PostgresStore) ListByTransaction(ctx context.Context, txnID string, limit int) ([]*Message, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, transaction_id, sender_id, sender_name, recipient_id,
		       content, read, created_at
		FROM messages
		WHERE transaction_id = $1
		ORDER BY created_at ASC
		LIMIT $2`, txnID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Message
	for rows.Next() {
		var msg Message
		if err := rows.Scan(
			&msg.ID, &msg.TransactionID, &msg.SenderID, &msg.SenderName, &msg.RecipientID,
			&msg.Content, &msg.IsRead, &msg.CreatedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, &msg)
	}
	return result, rows.Err()
}

func (p *PostgresStore) MarkRead(ctx context.Context, txnID, recipientID string) (int64, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE messages SET read = TRUE
		WHERE transaction_id = $1 AND recipient_id = $2 AND read = FALSE`,
		txnID, recipientID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (p *PostgresStore) UnreadCount(ctx context.Context, recipientID string) (int64, error) {
	var n int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE recipient_id = $1 AND read = FALSE`, recipientID).Scan(&n)
	return n, err
}
