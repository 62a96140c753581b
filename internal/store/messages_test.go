package store

import (
	"context"
	"strings"
	"testing"

	"github.com/lazypower/crystal/internal/apperr"
)

func appendMsg(t *testing.T, db *DB, convID, sender, text string, at int64) *Message {
	t.Helper()
	ctx := context.Background()
	var m *Message
	err := db.WithTx(ctx, func(tx *Tx) error {
		var err error
		m, err = tx.AppendMessage(ctx, convID, sender, text, "", at)
		return err
	})
	if err != nil {
		t.Fatalf("AppendMessage(%q): %v", text, err)
	}
	return m
}

func TestAppendThenList(t *testing.T) {
	db := openTestDB(t)
	id := ensurePair(t, db, "alice", "bob", 1000)

	texts := []string{"one", "two", "three"}
	for i, text := range texts {
		appendMsg(t, db, id, "alice", text, int64(2000+i*10))
	}

	msgs, err := db.ListMessages(context.Background(), id)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != len(texts) {
		t.Fatalf("got %d messages, want %d", len(msgs), len(texts))
	}
	for i, m := range msgs {
		if m.Text != texts[i] {
			t.Errorf("msgs[%d].Text = %q, want %q", i, m.Text, texts[i])
		}
	}
}

func TestAppendMonotonicTimestamps(t *testing.T) {
	db := openTestDB(t)
	id := ensurePair(t, db, "alice", "bob", 1000)

	// Same clock reading, then a clock that went backwards.
	m1 := appendMsg(t, db, id, "alice", "a", 5000)
	m2 := appendMsg(t, db, id, "bob", "b", 5000)
	m3 := appendMsg(t, db, id, "alice", "c", 4000)

	if !(m1.CreatedAt < m2.CreatedAt && m2.CreatedAt < m3.CreatedAt) {
		t.Errorf("timestamps not strictly increasing: %d, %d, %d", m1.CreatedAt, m2.CreatedAt, m3.CreatedAt)
	}
	if m2.CreatedAt != 5001 || m3.CreatedAt != 5002 {
		t.Errorf("got %d, %d; want 5001, 5002", m2.CreatedAt, m3.CreatedAt)
	}

	msgs, _ := db.ListMessages(context.Background(), id)
	if msgs[2].ID != m3.ID {
		t.Errorf("last listed = %s, want %s", msgs[2].ID, m3.ID)
	}
}

func TestAppendRejectsEmptyText(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	id := ensurePair(t, db, "alice", "bob", 1000)

	for _, text := range []string{"", "   ", "\n\t", strings.Repeat("x", MaxMessageRunes+1)} {
		err := db.WithTx(ctx, func(tx *Tx) error {
			_, err := tx.AppendMessage(ctx, id, "alice", text, "", 2000)
			return err
		})
		if !apperr.Is(err, apperr.CodeValidation) {
			t.Errorf("AppendMessage(%q) error = %v, want validation", text, err)
		}
	}
}

func TestDeleteMessage(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	id := ensurePair(t, db, "alice", "bob", 1000)
	m := appendMsg(t, db, id, "alice", "oops", 2000)

	err := db.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.DeleteMessage(ctx, id, m.ID, "bob")
		return err
	})
	if !apperr.Is(err, apperr.CodePermissionDenied) {
		t.Errorf("delete by non-sender = %v, want permission denied", err)
	}

	err = db.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.DeleteMessage(ctx, id, "01NOPE", "alice")
		return err
	})
	if !apperr.Is(err, apperr.CodeNotFound) {
		t.Errorf("delete missing = %v, want not found", err)
	}

	err = db.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.DeleteMessage(ctx, id, m.ID, "alice")
		return err
	})
	if err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	msgs, _ := db.ListMessages(ctx, id)
	if len(msgs) != 0 {
		t.Errorf("got %d messages after delete, want 0", len(msgs))
	}
}

func TestLatestMessageAndLastMessage(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	id := ensurePair(t, db, "alice", "bob", 1000)
	first := appendMsg(t, db, id, "alice", "first", 2000)
	second := appendMsg(t, db, id, "bob", "second", 3000)

	err := db.WithTx(ctx, func(tx *Tx) error {
		if err := tx.SetLastMessage(ctx, id, second); err != nil {
			return err
		}
		if _, err := tx.DeleteMessage(ctx, id, second.ID, "bob"); err != nil {
			return err
		}
		tail, err := tx.LatestMessage(ctx, id)
		if err != nil {
			return err
		}
		if tail == nil || tail.ID != first.ID {
			t.Errorf("tail = %+v, want %s", tail, first.ID)
		}
		return tx.SetLastMessage(ctx, id, tail)
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}

	c, _ := db.GetConversation(ctx, id)
	if c.LastMessage == nil || c.LastMessage.ID != first.ID {
		t.Errorf("LastMessage = %+v, want %s", c.LastMessage, first.ID)
	}
	if c.UpdatedAt != 3000 {
		t.Errorf("UpdatedAt = %d, want 3000", c.UpdatedAt)
	}

	err = db.WithTx(ctx, func(tx *Tx) error { return tx.SetLastMessage(ctx, id, nil) })
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	c, _ = db.GetConversation(ctx, id)
	if c.LastMessage != nil {
		t.Errorf("LastMessage = %+v, want nil", c.LastMessage)
	}
}

func TestRelationshipRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	id := ensurePair(t, db, "alice", "bob", 1000)

	r := Relationship{ConversationID: id, CreatedAt: 1000, LastInteractionAt: 1000, Streak: 1}
	err := db.WithTx(ctx, func(tx *Tx) error {
		if err := tx.PutRelationship(ctx, r); err != nil {
			return err
		}
		r.LastInteractionAt = 90_000_000
		r.Streak = 2
		r.CreatedAt = 42 // ignored on update
		return tx.PutRelationship(ctx, r)
	})
	if err != nil {
		t.Fatalf("PutRelationship: %v", err)
	}

	c, _ := db.GetConversation(ctx, id)
	got := c.Relationship
	if got == nil {
		t.Fatal("Relationship is nil")
	}
	if got.CreatedAt != 1000 || got.LastInteractionAt != 90_000_000 || got.Streak != 2 {
		t.Errorf("Relationship = %+v", got)
	}

	refs, err := db.ListRelationships(ctx)
	if err != nil {
		t.Fatalf("ListRelationships: %v", err)
	}
	if len(refs) != 1 || refs[0].UserA != "alice" || refs[0].UserB != "bob" {
		t.Errorf("refs = %+v", refs)
	}
}

func TestPresence(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, ok, err := db.GetPresence(ctx, "alice"); err != nil || ok {
		t.Fatalf("GetPresence before beat = ok %v, err %v", ok, err)
	}

	for _, at := range []int64{5000, 3000} {
		if err := db.TouchPresence(ctx, "alice", at); err != nil {
			t.Fatalf("TouchPresence: %v", err)
		}
	}
	last, ok, err := db.GetPresence(ctx, "alice")
	if err != nil || !ok {
		t.Fatalf("GetPresence = ok %v, err %v", ok, err)
	}
	if last != 5000 {
		t.Errorf("last = %d, want 5000", last)
	}
}

func TestUpsertProfile(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	p := &Profile{UserID: "alice", Username: "alice", Bio: "hi"}
	err := db.WithTx(ctx, func(tx *Tx) error { return tx.UpsertProfile(ctx, p, 1000) })
	if err != nil {
		t.Fatalf("UpsertProfile: %v", err)
	}
	p2 := &Profile{UserID: "alice", Username: "Alice", IsPrivate: true}
	err = db.WithTx(ctx, func(tx *Tx) error { return tx.UpsertProfile(ctx, p2, 2000) })
	if err != nil {
		t.Fatalf("UpsertProfile update: %v", err)
	}

	got, err := db.GetProfile(ctx, "alice")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if got.Username != "Alice" || !got.IsPrivate || got.Bio != "" {
		t.Errorf("profile = %+v", got)
	}
	if got.CreatedAt != 1000 || got.UpdatedAt != 2000 {
		t.Errorf("timestamps = %d/%d, want 1000/2000", got.CreatedAt, got.UpdatedAt)
	}
}

func TestNotifications(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	err := db.WithTx(ctx, func(tx *Tx) error {
		for i, typ := range []string{NotifyNewMessage, NotifyMilestone} {
			n := &Notification{
				RecipientID:    "bob",
				ActorID:        "alice",
				Type:           typ,
				ConversationID: "alice_bob",
				CreatedAt:      int64(1000 + i),
			}
			if err := tx.AddNotification(ctx, n); err != nil {
				return err
			}
			if n.ID == "" {
				t.Error("notification id not assigned")
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("AddNotification: %v", err)
	}

	list, err := db.ListNotifications(ctx, "bob", 10)
	if err != nil {
		t.Fatalf("ListNotifications: %v", err)
	}
	if len(list) != 2 || list[0].Type != NotifyMilestone {
		t.Errorf("list = %+v, want milestone first", list)
	}

	n, _ := db.UnreadNotifications(ctx, "bob")
	if n != 2 {
		t.Errorf("unread = %d, want 2", n)
	}
	marked, err := db.MarkNotificationsRead(ctx, "bob", 5000)
	if err != nil || marked != 2 {
		t.Errorf("MarkNotificationsRead = %d, %v", marked, err)
	}
	n, _ = db.UnreadNotifications(ctx, "bob")
	if n != 0 {
		t.Errorf("unread after mark = %d, want 0", n)
	}
}
