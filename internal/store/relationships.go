package store

import (
	"context"
	"fmt"
	"time"

	"github.com/lazypower/crystal/internal/decay"
)

// Relationship is the persisted crystal seed of a conversation. The level is
// derived from it at read time and never stored.
type Relationship struct {
	ConversationID    string `json:"conversation_id"`
	CreatedAt         int64  `json:"created_at"`
	LastInteractionAt int64  `json:"last_interaction_at"`
	Streak            int    `json:"streak"`
}

// Seed converts the row to a decay seed.
func (r Relationship) Seed() decay.Seed {
	return decay.Seed{
		CreatedAt:         time.UnixMilli(r.CreatedAt),
		LastInteractionAt: time.UnixMilli(r.LastInteractionAt),
		Streak:            r.Streak,
	}
}

// RelationshipFromSeed builds the row for convID from a decay seed.
func RelationshipFromSeed(convID string, s decay.Seed) Relationship {
	return Relationship{
		ConversationID:    convID,
		CreatedAt:         s.CreatedAt.UnixMilli(),
		LastInteractionAt: s.LastInteractionAt.UnixMilli(),
		Streak:            s.Streak,
	}
}

// PutRelationship writes the seed, creating the row on first interaction.
func (tx *Tx) PutRelationship(ctx context.Context, r Relationship) error {
	_, err := tx.tx.ExecContext(ctx, `
		INSERT INTO relationships (conversation_id, created_at, last_interaction_at, streak)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			last_interaction_at = excluded.last_interaction_at,
			streak = excluded.streak
	`, r.ConversationID, r.CreatedAt, r.LastInteractionAt, r.Streak)
	if err != nil {
		return fmt.Errorf("put relationship: %w", err)
	}
	return nil
}

// RelationshipRef is a relationship with the pair it belongs to.
type RelationshipRef struct {
	Relationship
	UserA string
	UserB string
}

// ListRelationships returns every relationship seed.
func (db *DB) ListRelationships(ctx context.Context) ([]RelationshipRef, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT r.conversation_id, r.created_at, r.last_interaction_at, r.streak, c.user_a, c.user_b
		FROM relationships r
		JOIN conversations c ON c.id = r.conversation_id
		ORDER BY r.conversation_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list relationships: %w", err)
	}
	defer rows.Close()

	var refs []RelationshipRef
	for rows.Next() {
		var r RelationshipRef
		if err := rows.Scan(&r.ConversationID, &r.CreatedAt, &r.LastInteractionAt, &r.Streak, &r.UserA, &r.UserB); err != nil {
			return nil, fmt.Errorf("scan relationship: %w", err)
		}
		refs = append(refs, r)
	}
	return refs, rows.Err()
}
