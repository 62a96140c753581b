package store

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "users: profile store",
		SQL: `
CREATE TABLE users (
    user_id     TEXT PRIMARY KEY,
    username    TEXT NOT NULL,
    avatar_url  TEXT NOT NULL DEFAULT '',
    bio         TEXT NOT NULL DEFAULT '',
    is_private  INTEGER NOT NULL DEFAULT 0,
    created_at  INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL
);
`,
	},
	{
		Version:     2,
		Description: "conversations: two-party threads with denormalized last message",
		SQL: `
CREATE TABLE conversations (
    id                   TEXT PRIMARY KEY,
    user_a               TEXT NOT NULL,
    user_b               TEXT NOT NULL,

    -- Denormalized tail of the message log, NULL when the log is empty
    last_message_id      TEXT,
    last_message_text    TEXT,
    last_message_sender  TEXT,
    last_message_at      INTEGER,

    created_at           INTEGER NOT NULL,
    updated_at           INTEGER NOT NULL,

    CHECK (user_a < user_b),
    UNIQUE (user_a, user_b)
);

CREATE INDEX idx_conversations_user_a  ON conversations(user_a, updated_at DESC);
CREATE INDEX idx_conversations_user_b  ON conversations(user_b, updated_at DESC);

CREATE TABLE conversation_participants (
    conversation_id  TEXT NOT NULL,
    user_id          TEXT NOT NULL,
    username         TEXT NOT NULL,
    avatar_url       TEXT NOT NULL DEFAULT '',
    last_read_at     INTEGER,

    PRIMARY KEY (conversation_id, user_id),
    FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
);

CREATE INDEX idx_participants_user ON conversation_participants(user_id);
`,
	},
	{
		Version:     3,
		Description: "messages: append-only ordered log per conversation",
		SQL: `
CREATE TABLE messages (
    id               TEXT PRIMARY KEY,
    conversation_id  TEXT NOT NULL,
    sender_id        TEXT NOT NULL,
    text             TEXT NOT NULL,
    attachment_url   TEXT NOT NULL DEFAULT '',
    created_at       INTEGER NOT NULL,

    UNIQUE (conversation_id, created_at),
    FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
);
`,
	},
	{
		Version:     4,
		Description: "relationships: crystal seed per conversation",
		SQL: `
CREATE TABLE relationships (
    conversation_id      TEXT PRIMARY KEY,
    created_at           INTEGER NOT NULL,
    last_interaction_at  INTEGER NOT NULL,
    streak               INTEGER NOT NULL DEFAULT 1 CHECK (streak >= 1),

    FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
);
`,
	},
	{
		Version:     5,
		Description: "presence: last activity per user",
		SQL: `
CREATE TABLE presence (
    user_id       TEXT PRIMARY KEY,
    last_seen_at  INTEGER NOT NULL
);
`,
	},
	{
		Version:     6,
		Description: "notifications: per-recipient inbox",
		SQL: `
CREATE TABLE notifications (
    id               TEXT PRIMARY KEY,
    recipient_id     TEXT NOT NULL,
    actor_id         TEXT NOT NULL,
    type             TEXT NOT NULL CHECK (type IN ('new_message', 'relationship_milestone')),
    conversation_id  TEXT NOT NULL,
    text             TEXT NOT NULL DEFAULT '',
    level            TEXT NOT NULL DEFAULT '',
    created_at       INTEGER NOT NULL,
    read_at          INTEGER
);

CREATE INDEX idx_notifications_recipient ON notifications(recipient_id, created_at DESC);
`,
	},
}

func (db *DB) migrate() error {
	// Create schema_versions table if it doesn't exist
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
