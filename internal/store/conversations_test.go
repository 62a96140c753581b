package store

import (
	"context"
	"testing"

	"github.com/lazypower/crystal/internal/apperr"
)

func ensurePair(t *testing.T, db *DB, a, b string, now int64) string {
	t.Helper()
	ctx := context.Background()
	var id string
	err := db.WithTx(ctx, func(tx *Tx) error {
		var err error
		id, _, err = tx.EnsureConversation(ctx,
			Participant{UserID: a, Username: a + "-name"},
			Participant{UserID: b, Username: b + "-name"},
			now)
		return err
	})
	if err != nil {
		t.Fatalf("EnsureConversation(%s, %s): %v", a, b, err)
	}
	return id
}

func TestCanonicalID(t *testing.T) {
	tests := []struct {
		a, b    string
		want    string
		wantErr bool
	}{
		{"alice", "bob", "alice_bob", false},
		{"bob", "alice", "alice_bob", false},
		{"u:1", "u:2", "u:1_u:2", false},
		{"alice", "alice", "", true},
		{"", "bob", "", true},
		{"al_ice", "bob", "", true},
		{"alice", "b b", "", true},
	}
	for _, tt := range tests {
		got, err := CanonicalID(tt.a, tt.b)
		if tt.wantErr {
			if !apperr.Is(err, apperr.CodeValidation) {
				t.Errorf("CanonicalID(%q, %q) error = %v, want validation", tt.a, tt.b, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("CanonicalID(%q, %q): %v", tt.a, tt.b, err)
			continue
		}
		if got != tt.want {
			t.Errorf("CanonicalID(%q, %q) = %q, want %q", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestSplitID(t *testing.T) {
	a, b, ok := SplitID("alice_bob")
	if !ok || a != "alice" || b != "bob" {
		t.Errorf("SplitID = %q, %q, %v", a, b, ok)
	}
	for _, bad := range []string{"alice", "bob_alice", "_bob", "alice_"} {
		if _, _, ok := SplitID(bad); ok {
			t.Errorf("SplitID(%q) ok, want rejected", bad)
		}
	}
}

func TestEnsureConversationOnce(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	id1 := ensurePair(t, db, "bob", "alice", 1000)
	id2 := ensurePair(t, db, "alice", "bob", 2000)
	if id1 != id2 {
		t.Fatalf("ids differ: %q vs %q", id1, id2)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM conversations").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("conversations = %d, want 1", count)
	}

	c, err := db.GetConversation(ctx, id1)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if c.Participants[0].UserID != "alice" || c.Participants[1].UserID != "bob" {
		t.Errorf("participants = %+v, want alice then bob", c.Participants)
	}
	if c.CreatedAt != 1000 {
		t.Errorf("CreatedAt = %d, want 1000 (second ensure must not overwrite)", c.CreatedAt)
	}
	if c.LastMessage != nil {
		t.Errorf("LastMessage = %+v, want nil", c.LastMessage)
	}
	if c.Other("alice").UserID != "bob" {
		t.Errorf("Other(alice) = %s, want bob", c.Other("alice").UserID)
	}
	if c.Other("carol") != nil {
		t.Error("Other(carol) should be nil")
	}
}

func TestGetConversationMissing(t *testing.T) {
	db := openTestDB(t)

	c, err := db.GetConversation(context.Background(), "alice_bob")
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if c != nil {
		t.Errorf("expected nil, got %+v", c)
	}
}

func TestListConversationsForUserOrder(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	ab := ensurePair(t, db, "alice", "bob", 1000)
	ac := ensurePair(t, db, "alice", "carol", 2000)
	ensurePair(t, db, "bob", "carol", 3000)

	// Touch the older thread so it moves to the top.
	err := db.WithTx(ctx, func(tx *Tx) error {
		return tx.TouchConversation(ctx, ab, 5000)
	})
	if err != nil {
		t.Fatalf("TouchConversation: %v", err)
	}

	convs, err := db.ListConversationsForUser(ctx, "alice")
	if err != nil {
		t.Fatalf("ListConversationsForUser: %v", err)
	}
	if len(convs) != 2 {
		t.Fatalf("got %d conversations, want 2", len(convs))
	}
	if convs[0].ID != ab || convs[1].ID != ac {
		t.Errorf("order = %s, %s; want %s, %s", convs[0].ID, convs[1].ID, ab, ac)
	}
}

func TestTouchConversationNeverRegresses(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	id := ensurePair(t, db, "alice", "bob", 5000)

	err := db.WithTx(ctx, func(tx *Tx) error { return tx.TouchConversation(ctx, id, 1000) })
	if err != nil {
		t.Fatalf("TouchConversation: %v", err)
	}
	c, _ := db.GetConversation(ctx, id)
	if c.UpdatedAt != 5000 {
		t.Errorf("UpdatedAt = %d, want 5000", c.UpdatedAt)
	}

	err = db.WithTx(ctx, func(tx *Tx) error { return tx.TouchConversation(ctx, "nope_x", 1000) })
	if !apperr.Is(err, apperr.CodeNotFound) {
		t.Errorf("touch missing = %v, want not found", err)
	}
}

func TestAdvanceReadCursor(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	id := ensurePair(t, db, "alice", "bob", 1000)

	steps := []struct {
		upto int64
		want bool
	}{
		{2000, true},
		{2000, false},
		{1500, false},
		{3000, true},
	}
	for _, s := range steps {
		got, err := db.AdvanceReadCursor(ctx, id, "alice", s.upto)
		if err != nil {
			t.Fatalf("AdvanceReadCursor(%d): %v", s.upto, err)
		}
		if got != s.want {
			t.Errorf("AdvanceReadCursor(%d) = %v, want %v", s.upto, got, s.want)
		}
	}

	c, _ := db.GetConversation(ctx, id)
	p := c.Participant("alice")
	if p.LastReadAt == nil || *p.LastReadAt != 3000 {
		t.Errorf("LastReadAt = %v, want 3000", p.LastReadAt)
	}
	if c.Participant("bob").LastReadAt != nil {
		t.Error("bob's cursor should be untouched")
	}
}

func TestUnreadCount(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	id := ensurePair(t, db, "alice", "bob", 1000)

	err := db.WithTx(ctx, func(tx *Tx) error {
		for i, sender := range []string{"bob", "bob", "alice", "bob"} {
			if _, err := tx.AppendMessage(ctx, id, sender, "hi", "", int64(2000+i)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	n, err := db.UnreadCount(ctx, id, "alice")
	if err != nil {
		t.Fatalf("UnreadCount: %v", err)
	}
	if n != 3 {
		t.Errorf("unread = %d, want 3", n)
	}

	if _, err := db.AdvanceReadCursor(ctx, id, "alice", 2001); err != nil {
		t.Fatalf("AdvanceReadCursor: %v", err)
	}
	n, _ = db.UnreadCount(ctx, id, "alice")
	if n != 1 {
		t.Errorf("unread after read = %d, want 1", n)
	}
}

func TestRefreshParticipantSnapshots(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	ab := ensurePair(t, db, "alice", "bob", 1000)
	ac := ensurePair(t, db, "alice", "carol", 1000)

	var ids []string
	err := db.WithTx(ctx, func(tx *Tx) error {
		var err error
		ids, err = tx.RefreshParticipantSnapshots(ctx, "alice", "Alice B.", "https://cdn/a.png")
		return err
	})
	if err != nil {
		t.Fatalf("RefreshParticipantSnapshots: %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("affected = %v, want 2 conversations", ids)
	}

	for _, id := range []string{ab, ac} {
		c, _ := db.GetConversation(ctx, id)
		p := c.Participant("alice")
		if p.Username != "Alice B." || p.AvatarURL != "https://cdn/a.png" {
			t.Errorf("%s snapshot = %+v", id, p)
		}
	}

	// Unchanged snapshot reports nothing.
	err = db.WithTx(ctx, func(tx *Tx) error {
		var err error
		ids, err = tx.RefreshParticipantSnapshots(ctx, "alice", "Alice B.", "https://cdn/a.png")
		return err
	})
	if err != nil {
		t.Fatalf("RefreshParticipantSnapshots: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("affected = %v, want none", ids)
	}
}
