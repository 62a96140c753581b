package client

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/lazypower/crystal/internal/apperr"
	"github.com/lazypower/crystal/internal/engine"
	"github.com/lazypower/crystal/internal/store"
)

// ThreadAPI is the subset of Client a Thread needs.
type ThreadAPI interface {
	SendMessage(ctx context.Context, convID, text, attachmentURL string) (*engine.SendResult, error)
	DeleteMessage(ctx context.Context, convID, msgID string) error
}

// Result is the outcome of an optimistic mutation.
type Result struct {
	Committed bool
	Err       error
}

// Bubble is one message as shown in a thread. Pending bubbles have not
// been confirmed by the server and carry a local id.
type Bubble struct {
	store.Message
	Pending bool `json:"pending,omitempty"`
}

// Thread is a locally held view of one conversation's messages. Sends and
// deletes apply immediately and are rolled back if the server rejects
// them; server snapshots replace the confirmed part.
type Thread struct {
	api    ThreadAPI
	convID string
	self   string
	now    func() time.Time

	mu        sync.Mutex
	confirmed []store.Message
	pending   []store.Message
	deleting  map[string]struct{}
}

// NewThread creates an empty thread for convID as user self.
func NewThread(api ThreadAPI, convID, self string) *Thread {
	return &Thread{
		api:      api,
		convID:   convID,
		self:     self,
		now:      time.Now,
		deleting: make(map[string]struct{}),
	}
}

// Bubbles returns confirmed messages oldest first, then pending ones in
// the order they were sent.
func (t *Thread) Bubbles() []Bubble {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Bubble, 0, len(t.confirmed)+len(t.pending))
	for _, m := range t.confirmed {
		if _, gone := t.deleting[m.ID]; gone {
			continue
		}
		out = append(out, Bubble{Message: m})
	}
	for _, m := range t.pending {
		out = append(out, Bubble{Message: m, Pending: true})
	}
	return out
}

// Reconcile replaces the confirmed messages with a server snapshot.
// Pending bubbles are kept.
func (t *Thread) Reconcile(msgs []store.Message) {
	t.mu.Lock()
	t.confirmed = slices.Clone(msgs)
	t.mu.Unlock()
}

// Send shows text as a pending bubble and sends it. On success the bubble
// is replaced by the committed message, on failure it is removed.
func (t *Thread) Send(ctx context.Context, text string) Result {
	local := store.Message{
		ID:             "local-" + ulid.Make().String(),
		ConversationID: t.convID,
		SenderID:       t.self,
		Text:           text,
		CreatedAt:      t.now().UnixMilli(),
	}
	t.mu.Lock()
	t.pending = append(t.pending, local)
	t.mu.Unlock()

	res, err := t.api.SendMessage(ctx, t.convID, text, "")

	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = slices.DeleteFunc(t.pending, func(m store.Message) bool { return m.ID == local.ID })
	if err != nil {
		return Result{Err: err}
	}
	t.insertConfirmed(res.Message)
	return Result{Committed: true}
}

// Delete hides msgID and asks the server to delete it. The message comes
// back if the server refuses.
func (t *Thread) Delete(ctx context.Context, msgID string) Result {
	t.mu.Lock()
	found := slices.ContainsFunc(t.confirmed, func(m store.Message) bool { return m.ID == msgID })
	if found {
		t.deleting[msgID] = struct{}{}
	}
	t.mu.Unlock()
	if !found {
		return Result{Err: apperr.NotFound("message not in thread")}
	}

	err := t.api.DeleteMessage(ctx, t.convID, msgID)

	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.deleting, msgID)
	if err != nil {
		return Result{Err: err}
	}
	t.confirmed = slices.DeleteFunc(t.confirmed, func(m store.Message) bool { return m.ID == msgID })
	return Result{Committed: true}
}

// insertConfirmed adds m in created_at order unless a snapshot already
// delivered it. Caller holds t.mu.
func (t *Thread) insertConfirmed(m store.Message) {
	if slices.ContainsFunc(t.confirmed, func(c store.Message) bool { return c.ID == m.ID }) {
		return
	}
	i, _ := slices.BinarySearchFunc(t.confirmed, m.CreatedAt, func(c store.Message, ts int64) int {
		switch {
		case c.CreatedAt < ts:
			return -1
		case c.CreatedAt > ts:
			return 1
		}
		return 0
	})
	t.confirmed = slices.Insert(t.confirmed, i, m)
}
