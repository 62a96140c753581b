package store

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	"github.com/lazypower/crystal/internal/apperr"
)

// IDSeparator joins the two participant ids of a conversation id. User ids
// may not contain it, which keeps the join unambiguous.
const IDSeparator = "_"

var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9.@:-]{1,128}$`)

// Participant is one side of a conversation with its display snapshot.
type Participant struct {
	UserID     string `json:"user_id"`
	Username   string `json:"username"`
	AvatarURL  string `json:"avatar_url"`
	LastReadAt *int64 `json:"last_read_at,omitempty"`
}

// LastMessage is the denormalized tail of a conversation's log.
type LastMessage struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	SenderID  string `json:"sender_id"`
	CreatedAt int64  `json:"created_at"`
}

// Conversation is a two-party thread. Participants are ordered by user id.
type Conversation struct {
	ID           string         `json:"id"`
	Participants [2]Participant `json:"participants"`
	LastMessage  *LastMessage   `json:"last_message,omitempty"`
	Relationship *Relationship  `json:"relationship,omitempty"`
	CreatedAt    int64          `json:"created_at"`
	UpdatedAt    int64          `json:"updated_at"`
}

// Participant returns the participant entry for userID, or nil.
func (c *Conversation) Participant(userID string) *Participant {
	for i := range c.Participants {
		if c.Participants[i].UserID == userID {
			return &c.Participants[i]
		}
	}
	return nil
}

// Other returns the participant that is not userID, or nil when userID is
// not a member.
func (c *Conversation) Other(userID string) *Participant {
	switch userID {
	case c.Participants[0].UserID:
		return &c.Participants[1]
	case c.Participants[1].UserID:
		return &c.Participants[0]
	}
	return nil
}

// Has reports whether userID is a participant.
func (c *Conversation) Has(userID string) bool {
	return c.Participant(userID) != nil
}

// ValidateUserID checks the user id charset.
func ValidateUserID(id string) error {
	if id == "" {
		return apperr.Validation("user id is required")
	}
	if !userIDPattern.MatchString(id) {
		return apperr.Validation(fmt.Sprintf("invalid user id %q", id))
	}
	return nil
}

// CanonicalID returns the conversation id for a pair of users. The result
// is the same regardless of argument order.
func CanonicalID(a, b string) (string, error) {
	if err := ValidateUserID(a); err != nil {
		return "", err
	}
	if err := ValidateUserID(b); err != nil {
		return "", err
	}
	if a == b {
		return "", apperr.Validation("cannot start a conversation with yourself")
	}
	if b < a {
		a, b = b, a
	}
	return a + IDSeparator + b, nil
}

// SplitID returns the two participant ids encoded in a conversation id.
func SplitID(id string) (a, b string, ok bool) {
	a, b, ok = strings.Cut(id, IDSeparator)
	if !ok || ValidateUserID(a) != nil || ValidateUserID(b) != nil || a >= b {
		return "", "", false
	}
	return a, b, true
}

// EnsureConversation creates the conversation between a and b unless it
// already exists. created is true only for the call that inserted it.
func (tx *Tx) EnsureConversation(ctx context.Context, a, b Participant, now int64) (id string, created bool, err error) {
	id, err = CanonicalID(a.UserID, b.UserID)
	if err != nil {
		return "", false, err
	}
	if b.UserID < a.UserID {
		a, b = b, a
	}

	res, err := tx.tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO conversations (id, user_a, user_b, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, id, a.UserID, b.UserID, now, now)
	if err != nil {
		return "", false, fmt.Errorf("insert conversation: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return id, false, nil
	}

	for _, p := range []Participant{a, b} {
		_, err := tx.tx.ExecContext(ctx, `
			INSERT INTO conversation_participants (conversation_id, user_id, username, avatar_url)
			VALUES (?, ?, ?, ?)
		`, id, p.UserID, p.Username, p.AvatarURL)
		if err != nil {
			return "", false, fmt.Errorf("insert participant %s: %w", p.UserID, err)
		}
	}
	return id, true, nil
}

// GetConversation returns a conversation by id, or nil if not found.
func (db *DB) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	return loadConversation(ctx, db, id)
}

// GetConversation returns a conversation by id within the transaction, or nil.
func (tx *Tx) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	return loadConversation(ctx, tx.tx, id)
}

func loadConversation(ctx context.Context, q querier, id string) (*Conversation, error) {
	var c Conversation
	var lmID, lmText, lmSender sql.NullString
	var lmAt sql.NullInt64
	var relCreated, relLast, relStreak sql.NullInt64

	err := q.QueryRowContext(ctx, `
		SELECT c.id, c.last_message_id, c.last_message_text, c.last_message_sender, c.last_message_at,
		       c.created_at, c.updated_at,
		       r.created_at, r.last_interaction_at, r.streak
		FROM conversations c
		LEFT JOIN relationships r ON r.conversation_id = c.id
		WHERE c.id = ?
	`, id).Scan(&c.ID, &lmID, &lmText, &lmSender, &lmAt, &c.CreatedAt, &c.UpdatedAt,
		&relCreated, &relLast, &relStreak)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}

	if lmID.Valid {
		c.LastMessage = &LastMessage{
			ID:        lmID.String,
			Text:      lmText.String,
			SenderID:  lmSender.String,
			CreatedAt: lmAt.Int64,
		}
	}
	if relCreated.Valid {
		c.Relationship = &Relationship{
			ConversationID:    c.ID,
			CreatedAt:         relCreated.Int64,
			LastInteractionAt: relLast.Int64,
			Streak:            int(relStreak.Int64),
		}
	}

	rows, err := q.QueryContext(ctx, `
		SELECT user_id, username, avatar_url, last_read_at
		FROM conversation_participants WHERE conversation_id = ?
		ORDER BY user_id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("get participants: %w", err)
	}
	defer rows.Close()

	i := 0
	for rows.Next() {
		if i >= len(c.Participants) {
			return nil, fmt.Errorf("conversation %s has more than two participants", id)
		}
		p := &c.Participants[i]
		if err := rows.Scan(&p.UserID, &p.Username, &p.AvatarURL, &p.LastReadAt); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		i++
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if i != len(c.Participants) {
		return nil, fmt.Errorf("conversation %s has %d participants", id, i)
	}
	return &c, nil
}

// ListConversationsForUser returns every conversation userID belongs to,
// most recently updated first.
func (db *DB) ListConversationsForUser(ctx context.Context, userID string) ([]Conversation, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id FROM conversations
		WHERE user_a = ? OR user_b = ?
		ORDER BY updated_at DESC, id
	`, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	// Collect ids first: the pool has one connection, so a nested query
	// would block on the open cursor.
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan conversation id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	convs := make([]Conversation, 0, len(ids))
	for _, id := range ids {
		c, err := loadConversation(ctx, db, id)
		if err != nil {
			return nil, err
		}
		if c != nil {
			convs = append(convs, *c)
		}
	}
	return convs, nil
}

// TouchConversation moves updated_at forward to now.
func (tx *Tx) TouchConversation(ctx context.Context, id string, now int64) error {
	res, err := tx.tx.ExecContext(ctx, `
		UPDATE conversations SET updated_at = MAX(updated_at, ?) WHERE id = ?
	`, now, id)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("conversation not found")
	}
	return nil
}

// SetLastMessage points the denormalized tail at m. updated_at never moves
// backwards, so re-pointing at an older message after a delete keeps the
// thread's list position.
func (tx *Tx) SetLastMessage(ctx context.Context, convID string, m *Message) error {
	if m == nil {
		return tx.ClearLastMessage(ctx, convID)
	}
	_, err := tx.tx.ExecContext(ctx, `
		UPDATE conversations SET
			last_message_id = ?,
			last_message_text = ?,
			last_message_sender = ?,
			last_message_at = ?,
			updated_at = MAX(updated_at, ?)
		WHERE id = ?
	`, m.ID, m.Text, m.SenderID, m.CreatedAt, m.CreatedAt, convID)
	if err != nil {
		return fmt.Errorf("set last message: %w", err)
	}
	return nil
}

// ClearLastMessage empties the denormalized tail.
func (tx *Tx) ClearLastMessage(ctx context.Context, convID string) error {
	_, err := tx.tx.ExecContext(ctx, `
		UPDATE conversations SET
			last_message_id = NULL,
			last_message_text = NULL,
			last_message_sender = NULL,
			last_message_at = NULL
		WHERE id = ?
	`, convID)
	if err != nil {
		return fmt.Errorf("clear last message: %w", err)
	}
	return nil
}

// AdvanceReadCursor sets userID's read cursor to upto if that moves it
// forward. Returns false when the cursor is already at or past upto.
func (db *DB) AdvanceReadCursor(ctx context.Context, convID, userID string, upto int64) (bool, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE conversation_participants SET last_read_at = ?
		WHERE conversation_id = ? AND user_id = ?
		  AND (last_read_at IS NULL OR last_read_at < ?)
	`, upto, convID, userID, upto)
	if err != nil {
		return false, fmt.Errorf("advance read cursor: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// UnreadCount returns how many messages from the other participant are
// newer than userID's read cursor.
func (db *DB) UnreadCount(ctx context.Context, convID, userID string) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages m
		JOIN conversation_participants p
		  ON p.conversation_id = m.conversation_id AND p.user_id = ?
		WHERE m.conversation_id = ?
		  AND m.sender_id != ?
		  AND m.created_at > COALESCE(p.last_read_at, 0)
	`, userID, convID, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return n, nil
}
