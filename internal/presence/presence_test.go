package presence

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/crystal/internal/realtime"
	"github.com/lazypower/crystal/internal/store"
)

func TestIsOnlineWindow(t *testing.T) {
	last := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		after time.Duration
		want  bool
	}{
		{0, true},
		{5 * time.Minute, true},
		{10*time.Minute - time.Millisecond, true},
		{10 * time.Minute, false},
		{11 * time.Minute, false},
	}
	for _, tt := range tests {
		if got := IsOnline(last, last.Add(tt.after), DefaultWindow); got != tt.want {
			t.Errorf("IsOnline(+%v) = %v, want %v", tt.after, got, tt.want)
		}
	}
}

func newTracker(t *testing.T, hub *realtime.Hub) (*Tracker, *time.Time) {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	tr := New(db, hub, DefaultWindow, zerolog.Nop())
	tr.SetClock(func() time.Time { return now })
	return tr, &now
}

func TestStatusNeverSeen(t *testing.T) {
	tr, _ := newTracker(t, nil)

	st, err := tr.Status(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, st.Online)
	assert.Nil(t, st.LastSeenAt)
}

func TestHeartbeatThenExpire(t *testing.T) {
	tr, now := newTracker(t, nil)
	ctx := context.Background()
	start := *now

	tr.Heartbeat(ctx, "bob")

	*now = start.Add(5 * time.Minute)
	st, err := tr.Status(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, st.Online)
	require.NotNil(t, st.ExpiresAt)
	assert.Equal(t, start.Add(DefaultWindow).UnixMilli(), *st.ExpiresAt)

	*now = start.Add(10 * time.Minute)
	st, _ = tr.Status(ctx, "bob")
	assert.False(t, st.Online, "exactly at the window edge")
	assert.Nil(t, st.ExpiresAt)

	*now = start.Add(11 * time.Minute)
	st, _ = tr.Status(ctx, "bob")
	assert.False(t, st.Online)
	assert.Equal(t, start.UnixMilli(), *st.LastSeenAt)
}

func TestHeartbeatPublishes(t *testing.T) {
	hub := realtime.NewHub(zerolog.Nop())
	defer hub.Close()
	tr, _ := newTracker(t, hub)

	var fetches atomic.Int32
	sub := hub.Subscribe(realtime.PresenceTopic("bob"),
		func(ctx context.Context) (any, error) { fetches.Add(1); return nil, nil },
		func(any) {})
	defer sub.Cancel()
	require.Eventually(t, func() bool { return fetches.Load() == 1 }, time.Second, 5*time.Millisecond)

	tr.Heartbeat(context.Background(), "bob")
	assert.Eventually(t, func() bool { return fetches.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestHeartbeatFailureSwallowed(t *testing.T) {
	tr, _ := newTracker(t, nil)
	tr.db.Close()

	// Must not panic or surface the error.
	tr.Heartbeat(context.Background(), "bob")
}
