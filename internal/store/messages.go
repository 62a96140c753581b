package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"

	"github.com/lazypower/crystal/internal/apperr"
)

// MaxMessageRunes caps the length of a message body.
const MaxMessageRunes = 4000

// Message is one entry of a conversation's log.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Text           string `json:"text"`
	AttachmentURL  string `json:"attachment_url,omitempty"`
	CreatedAt      int64  `json:"created_at"`
}

// AppendMessage adds a message to the conversation log. The timestamp is
// at, or one past the current tail when at would not sort after it.
func (tx *Tx) AppendMessage(ctx context.Context, convID, senderID, text, attachmentURL string, at int64) (*Message, error) {
	if strings.TrimSpace(text) == "" {
		return nil, apperr.Validation("message text is empty")
	}
	if utf8.RuneCountInString(text) > MaxMessageRunes {
		return nil, apperr.Validation(fmt.Sprintf("message exceeds %d characters", MaxMessageRunes))
	}

	var tail sql.NullInt64
	err := tx.tx.QueryRowContext(ctx,
		`SELECT MAX(created_at) FROM messages WHERE conversation_id = ?`, convID,
	).Scan(&tail)
	if err != nil {
		return nil, fmt.Errorf("read log tail: %w", err)
	}
	ts := at
	if tail.Valid && tail.Int64 >= ts {
		ts = tail.Int64 + 1
	}

	id, err := ulid.New(uint64(ts), ulid.DefaultEntropy())
	if err != nil {
		return nil, fmt.Errorf("generate message id: %w", err)
	}

	m := &Message{
		ID:             id.String(),
		ConversationID: convID,
		SenderID:       senderID,
		Text:           text,
		AttachmentURL:  attachmentURL,
		CreatedAt:      ts,
	}
	_, err = tx.tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, text, attachment_url, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.ID, m.ConversationID, m.SenderID, m.Text, m.AttachmentURL, m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return m, nil
}

// DeleteMessage hard-deletes a message. Only its sender may delete it.
func (tx *Tx) DeleteMessage(ctx context.Context, convID, msgID, requesterID string) (*Message, error) {
	m, err := scanMessage(tx.tx.QueryRowContext(ctx, `
		SELECT id, conversation_id, sender_id, text, attachment_url, created_at
		FROM messages WHERE id = ? AND conversation_id = ?
	`, msgID, convID))
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	if m == nil {
		return nil, apperr.NotFound("message not found")
	}
	if m.SenderID != requesterID {
		return nil, apperr.Permission("only the sender can delete a message")
	}

	if _, err := tx.tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, msgID); err != nil {
		return nil, fmt.Errorf("delete message: %w", err)
	}
	return m, nil
}

// LatestMessage returns the newest message of a conversation, or nil when
// the log is empty.
func (tx *Tx) LatestMessage(ctx context.Context, convID string) (*Message, error) {
	m, err := scanMessage(tx.tx.QueryRowContext(ctx, `
		SELECT id, conversation_id, sender_id, text, attachment_url, created_at
		FROM messages WHERE conversation_id = ?
		ORDER BY created_at DESC, id DESC LIMIT 1
	`, convID))
	if err != nil {
		return nil, fmt.Errorf("latest message: %w", err)
	}
	return m, nil
}

// ListMessages returns the full log of a conversation, oldest first.
func (db *DB) ListMessages(ctx context.Context, convID string) ([]Message, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, conversation_id, sender_id, text, attachment_url, created_at
		FROM messages WHERE conversation_id = ?
		ORDER BY created_at ASC, id ASC
	`, convID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	msgs := []Message{}
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Text, &m.AttachmentURL, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func scanMessage(row *sql.Row) (*Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Text, &m.AttachmentURL, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}
