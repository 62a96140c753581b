package store

import (
	"context"
	"database/sql"
	"fmt"
)

// TouchPresence records activity for userID at the given time. The stored
// value never moves backwards.
func (db *DB) TouchPresence(ctx context.Context, userID string, at int64) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO presence (user_id, last_seen_at) VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET last_seen_at = MAX(last_seen_at, excluded.last_seen_at)
	`, userID, at)
	if err != nil {
		return fmt.Errorf("touch presence: %w", err)
	}
	return nil
}

// GetPresence returns the last activity of userID. ok is false when the user
// has never sent a heartbeat.
func (db *DB) GetPresence(ctx context.Context, userID string) (lastSeen int64, ok bool, err error) {
	err = db.QueryRowContext(ctx,
		`SELECT last_seen_at FROM presence WHERE user_id = ?`, userID,
	).Scan(&lastSeen)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get presence: %w", err)
	}
	return lastSeen, true, nil
}
