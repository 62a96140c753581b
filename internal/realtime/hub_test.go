package realtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/crystal/internal/apperr"
)

const wait = 2 * time.Second
const tick = 5 * time.Millisecond

// recorder collects callback values.
type recorder struct {
	mu   sync.Mutex
	vals []int
}

func (r *recorder) add(v int) {
	r.mu.Lock()
	r.vals = append(r.vals, v)
	r.mu.Unlock()
}

func (r *recorder) last() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.vals) == 0 {
		return 0, false
	}
	return r.vals[len(r.vals)-1], true
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.vals)
}

func TestSubscribeDeliversOnAttach(t *testing.T) {
	h := NewHub(zerolog.Nop())
	var state atomic.Int64
	state.Store(7)

	rec := &recorder{}
	sub := Watch(h, "messages/a_b",
		func(ctx context.Context) (int, error) { return int(state.Load()), nil },
		rec.add)
	defer sub.Cancel()

	assert.Eventually(t, func() bool { v, ok := rec.last(); return ok && v == 7 }, wait, tick)
}

func TestPublishDeliversFreshState(t *testing.T) {
	h := NewHub(zerolog.Nop())
	var state atomic.Int64

	rec := &recorder{}
	sub := Watch(h, "messages/a_b",
		func(ctx context.Context) (int, error) { return int(state.Load()), nil },
		rec.add)
	defer sub.Cancel()
	require.Eventually(t, func() bool { return rec.len() >= 1 }, wait, tick)

	// A burst coalesces but the final delivery sees the final state.
	for i := 1; i <= 50; i++ {
		state.Store(int64(i))
		h.Publish("messages/a_b")
	}
	assert.Eventually(t, func() bool { v, _ := rec.last(); return v == 50 }, wait, tick)
	assert.LessOrEqual(t, rec.len(), 51)
}

func TestPublishOtherTopicIgnored(t *testing.T) {
	h := NewHub(zerolog.Nop())
	var fetches atomic.Int32

	sub := h.Subscribe("presence/bob",
		func(ctx context.Context) (any, error) { fetches.Add(1); return nil, nil },
		func(any) {})
	defer sub.Cancel()
	require.Eventually(t, func() bool { return fetches.Load() == 1 }, wait, tick)

	h.Publish("presence/alice")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), fetches.Load())
}

func TestCancelIdempotent(t *testing.T) {
	h := NewHub(zerolog.Nop())
	sub := h.Subscribe("conversation/a_b",
		func(ctx context.Context) (any, error) { return 1, nil },
		func(any) {})

	assert.Equal(t, 1, h.Count("conversation/a_b"))
	sub.Cancel()
	sub.Cancel()
	assert.Equal(t, 0, h.Count("conversation/a_b"))

	select {
	case <-sub.Done():
	default:
		t.Fatal("Done not closed after Cancel")
	}
}

func TestNoDeliveryAfterCancel(t *testing.T) {
	h := NewHub(zerolog.Nop())
	rec := &recorder{}
	sub := Watch(h, "conversation/a_b",
		func(ctx context.Context) (int, error) { return 1, nil },
		rec.add)
	require.Eventually(t, func() bool { return rec.len() == 1 }, wait, tick)

	sub.Cancel()
	h.Publish("conversation/a_b")
	sub.Refresh()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.len())
}

func TestPrepareWaitsForStart(t *testing.T) {
	h := NewHub(zerolog.Nop())
	var state atomic.Int64
	rec := &recorder{}
	sub := PrepareWatch(h, "messages/a_b",
		func(ctx context.Context) (int, error) { return int(state.Load()), nil },
		rec.add)
	defer sub.Cancel()

	assert.Equal(t, 1, h.Count("messages/a_b"))
	state.Store(3)
	h.Publish("messages/a_b")
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, rec.len())

	sub.Start()
	sub.Start()
	assert.Eventually(t, func() bool { v, ok := rec.last(); return ok && v == 3 }, wait, tick)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, rec.len(), "publishes before Start coalesce into one delivery")
}

func TestCancelBeforeStart(t *testing.T) {
	h := NewHub(zerolog.Nop())
	rec := &recorder{}
	sub := PrepareWatch(h, "messages/a_b",
		func(ctx context.Context) (int, error) { return 1, nil },
		rec.add)
	sub.Cancel()
	sub.Start()

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, rec.len())
	assert.Equal(t, 0, h.Count("messages/a_b"))
}

func TestCancelFromCallback(t *testing.T) {
	h := NewHub(zerolog.Nop())
	var sub *Subscription
	done := make(chan struct{})
	ready := make(chan struct{})
	sub = h.Subscribe("conversation/a_b",
		func(ctx context.Context) (any, error) { return 1, nil },
		func(any) {
			<-ready
			sub.Cancel()
			close(done)
		})
	close(ready)

	select {
	case <-done:
	case <-time.After(wait):
		t.Fatal("callback did not run")
	}
	assert.Equal(t, 0, h.Count("conversation/a_b"))
}

func TestRefreshRefetches(t *testing.T) {
	h := NewHub(zerolog.Nop())
	var fetches atomic.Int32
	sub := h.Subscribe("presence/bob",
		func(ctx context.Context) (any, error) { return int(fetches.Add(1)), nil },
		func(any) {})
	defer sub.Cancel()
	require.Eventually(t, func() bool { return fetches.Load() == 1 }, wait, tick)

	sub.Refresh()
	assert.Eventually(t, func() bool { return fetches.Load() == 2 }, wait, tick)
}

func TestFetchErrorsSkipCallback(t *testing.T) {
	h := NewHub(zerolog.Nop())
	for _, fetchErr := range []error{apperr.NotFound("gone"), errors.New("disk on fire")} {
		var calls atomic.Int32
		var fetched atomic.Int32
		sub := h.Subscribe("conversation/a_b",
			func(ctx context.Context) (any, error) { fetched.Add(1); return nil, fetchErr },
			func(any) { calls.Add(1) })

		require.Eventually(t, func() bool { return fetched.Load() == 1 }, wait, tick)
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, int32(0), calls.Load(), "err %v", fetchErr)
		sub.Cancel()
	}
}

func TestHubClose(t *testing.T) {
	h := NewHub(zerolog.Nop())
	a := h.Subscribe("messages/x_y", func(ctx context.Context) (any, error) { return nil, nil }, func(any) {})
	b := h.Subscribe("presence/x", func(ctx context.Context) (any, error) { return nil, nil }, func(any) {})

	h.Close()
	for _, s := range []*Subscription{a, b} {
		select {
		case <-s.Done():
		default:
			t.Errorf("%s still live after Close", s.Topic())
		}
	}
}

func TestParseTopic(t *testing.T) {
	tests := []struct {
		topic    string
		kind     string
		key      string
		wantFail bool
	}{
		{ConversationListTopic("alice"), KindConversationList, "alice", false},
		{MessagesTopic("alice_bob"), KindMessages, "alice_bob", false},
		{ConversationTopic("alice_bob"), KindConversation, "alice_bob", false},
		{PresenceTopic("bob"), KindPresence, "bob", false},
		{NotificationsTopic("bob"), KindNotifications, "bob", false},
		{"feed/alice", "", "", true},
		{"messages/", "", "", true},
		{"messages", "", "", true},
	}
	for _, tt := range tests {
		kind, key, err := ParseTopic(tt.topic)
		if tt.wantFail {
			assert.Error(t, err, tt.topic)
			continue
		}
		require.NoError(t, err, tt.topic)
		assert.Equal(t, tt.kind, kind)
		assert.Equal(t, tt.key, key)
	}
}
