package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Profile is a user's public profile.
type Profile struct {
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url"`
	Bio       string `json:"bio"`
	IsPrivate bool   `json:"is_private"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// GetProfile returns a profile by user id, or nil if not found.
func (db *DB) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	return getProfile(ctx, db, userID)
}

// GetProfile returns a profile by user id within the transaction, or nil.
func (tx *Tx) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	return getProfile(ctx, tx.tx, userID)
}

func getProfile(ctx context.Context, q querier, userID string) (*Profile, error) {
	var p Profile
	var private int
	err := q.QueryRowContext(ctx, `
		SELECT user_id, username, avatar_url, bio, is_private, created_at, updated_at
		FROM users WHERE user_id = ?
	`, userID).Scan(&p.UserID, &p.Username, &p.AvatarURL, &p.Bio, &private, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	p.IsPrivate = private != 0
	return &p, nil
}

// UpsertProfile creates the profile or overwrites its mutable fields.
// created_at is kept on update.
func (tx *Tx) UpsertProfile(ctx context.Context, p *Profile, now int64) error {
	private := 0
	if p.IsPrivate {
		private = 1
	}
	_, err := tx.tx.ExecContext(ctx, `
		INSERT INTO users (user_id, username, avatar_url, bio, is_private, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			username = excluded.username,
			avatar_url = excluded.avatar_url,
			bio = excluded.bio,
			is_private = excluded.is_private,
			updated_at = excluded.updated_at
	`, p.UserID, p.Username, p.AvatarURL, p.Bio, private, now, now)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}

	stored, err := getProfile(ctx, tx.tx, p.UserID)
	if err != nil {
		return err
	}
	*p = *stored
	return nil
}

// RefreshParticipantSnapshots rewrites the denormalized username and avatar
// of userID in every conversation it belongs to. Returns the affected
// conversation ids.
func (tx *Tx) RefreshParticipantSnapshots(ctx context.Context, userID, username, avatarURL string) ([]string, error) {
	rows, err := tx.tx.QueryContext(ctx, `
		SELECT conversation_id FROM conversation_participants
		WHERE user_id = ? AND (username != ? OR avatar_url != ?)
	`, userID, username, avatarURL)
	if err != nil {
		return nil, fmt.Errorf("find stale snapshots: %w", err)
	}
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
	if len(ids) == 0 {
		return nil, nil
	}

	_, err = tx.tx.ExecContext(ctx, `
		UPDATE conversation_participants SET username = ?, avatar_url = ?
		WHERE user_id = ?
	`, username, avatarURL, userID)
	if err != nil {
		return nil, fmt.Errorf("refresh snapshots: %w", err)
	}
	return ids, nil
}
