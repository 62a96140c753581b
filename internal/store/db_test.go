package store

import (
	"context"
	"errors"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenMemory(t *testing.T) {
	db := openTestDB(t)
	if db.Path != ":memory:" {
		t.Errorf("Path = %q, want :memory:", db.Path)
	}
}

func TestSchemaVersion(t *testing.T) {
	db := openTestDB(t)

	v, err := db.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v != 6 {
		t.Errorf("SchemaVersion = %d, want 6", v)
	}
}

func TestTablesExist(t *testing.T) {
	db := openTestDB(t)

	tables := []string{
		"schema_versions", "users", "conversations", "conversation_participants",
		"messages", "relationships", "presence", "notifications",
	}
	for _, table := range tables {
		var name string
		err := db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found: %v", table, err)
		}
	}
}

func TestConversationsConstraints(t *testing.T) {
	db := openTestDB(t)

	_, err := db.Exec(`
		INSERT INTO conversations (id, user_a, user_b, created_at, updated_at)
		VALUES ('alice_bob', 'alice', 'bob', 1000, 1000)
	`)
	if err != nil {
		t.Fatalf("valid insert failed: %v", err)
	}

	// Unordered pair
	_, err = db.Exec(`
		INSERT INTO conversations (id, user_a, user_b, created_at, updated_at)
		VALUES ('x', 'bob', 'alice', 1000, 1000)
	`)
	if err == nil {
		t.Error("expected error for user_a >= user_b, got nil")
	}
}

func TestNotificationsConstraints(t *testing.T) {
	db := openTestDB(t)

	_, err := db.Exec(`
		INSERT INTO notifications (id, recipient_id, actor_id, type, conversation_id, created_at)
		VALUES ('n1', 'bob', 'alice', 'new_message', 'alice_bob', 1000)
	`)
	if err != nil {
		t.Fatalf("valid insert failed: %v", err)
	}

	_, err = db.Exec(`
		INSERT INTO notifications (id, recipient_id, actor_id, type, conversation_id, created_at)
		VALUES ('n2', 'bob', 'alice', 'invalid', 'alice_bob', 1000)
	`)
	if err == nil {
		t.Error("expected error for invalid type, got nil")
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	db := openTestDB(t)

	// Running migrate again should be a no-op
	if err := db.migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}

	v, err := db.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v != 6 {
		t.Errorf("SchemaVersion after re-migrate = %d, want 6", v)
	}
}

func TestWALMode(t *testing.T) {
	db := openTestDB(t)

	var mode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("PRAGMA journal_mode: %v", err)
	}
	// In-memory databases may use "memory" mode instead of WAL
	if mode != "wal" && mode != "memory" {
		t.Errorf("journal_mode = %q, want wal or memory", mode)
	}
}

func TestForeignKeysEnabled(t *testing.T) {
	db := openTestDB(t)

	var fk int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatalf("PRAGMA foreign_keys: %v", err)
	}
	if fk != 1 {
		t.Errorf("foreign_keys = %d, want 1", fk)
	}
}

func TestWithTxRollsBack(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := db.WithTx(ctx, func(tx *Tx) error {
		if err := tx.UpsertProfile(ctx, &Profile{UserID: "alice", Username: "Alice"}, 1000); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx error = %v, want boom", err)
	}

	p, err := db.GetProfile(ctx, "alice")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if p != nil {
		t.Errorf("profile persisted after rollback: %+v", p)
	}
}
