package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Notification types.
const (
	NotifyNewMessage = "new_message"
	NotifyMilestone  = "relationship_milestone"
)

// Notification is an entry in a recipient's inbox.
type Notification struct {
	ID             string `json:"id"`
	RecipientID    string `json:"recipient_id"`
	ActorID        string `json:"actor_id"`
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text,omitempty"`
	Level          string `json:"level,omitempty"`
	CreatedAt      int64  `json:"created_at"`
	ReadAt         *int64 `json:"read_at,omitempty"`
}

// AddNotification inserts n, assigning an id when it has none.
func (tx *Tx) AddNotification(ctx context.Context, n *Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	_, err := tx.tx.ExecContext(ctx, `
		INSERT INTO notifications (id, recipient_id, actor_id, type, conversation_id, text, level, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, n.ID, n.RecipientID, n.ActorID, n.Type, n.ConversationID, n.Text, n.Level, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// ListNotifications returns the newest notifications for recipientID.
func (db *DB) ListNotifications(ctx context.Context, recipientID string, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, recipient_id, actor_id, type, conversation_id, text, level, created_at, read_at
		FROM notifications WHERE recipient_id = ?
		ORDER BY created_at DESC, id
		LIMIT ?
	`, recipientID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	out := []Notification{}
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.RecipientID, &n.ActorID, &n.Type, &n.ConversationID,
			&n.Text, &n.Level, &n.CreatedAt, &n.ReadAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkNotificationsRead stamps every unread notification of recipientID.
func (db *DB) MarkNotificationsRead(ctx context.Context, recipientID string, at int64) (int64, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE notifications SET read_at = ? WHERE recipient_id = ? AND read_at IS NULL
	`, at, recipientID)
	if err != nil {
		return 0, fmt.Errorf("mark notifications read: %w", err)
	}
	return res.RowsAffected()
}

// UnreadNotifications counts unread notifications for recipientID.
func (db *DB) UnreadNotifications(ctx context.Context, recipientID string) (int, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE recipient_id = ? AND read_at IS NULL`, recipientID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count notifications: %w", err)
	}
	return n, nil
}
