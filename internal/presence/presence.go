// Package presence derives a user's online flag from heartbeat timestamps.
package presence

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/lazypower/crystal/internal/metrics"
	"github.com/lazypower/crystal/internal/realtime"
	"github.com/lazypower/crystal/internal/store"
)

// DefaultWindow is how long a heartbeat keeps a user online.
const DefaultWindow = 10 * time.Minute

// Status is the derived presence of one user.
type Status struct {
	UserID     string `json:"user_id"`
	Online     bool   `json:"online"`
	LastSeenAt *int64 `json:"last_seen_at,omitempty"`
	// ExpiresAt is when Online flips to false absent another heartbeat.
	ExpiresAt *int64 `json:"expires_at,omitempty"`
}

// IsOnline reports whether a heartbeat at last still counts at now. The
// window is open: exactly window after the beat is offline.
func IsOnline(last, now time.Time, window time.Duration) bool {
	return now.Sub(last) < window
}

// Tracker records heartbeats and answers presence queries.
type Tracker struct {
	db     *store.DB
	hub    *realtime.Hub
	window time.Duration
	now    func() time.Time
	log    zerolog.Logger
}

// New creates a tracker. hub may be nil.
func New(db *store.DB, hub *realtime.Hub, window time.Duration, log zerolog.Logger) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Tracker{
		db:     db,
		hub:    hub,
		window: window,
		now:    time.Now,
		log:    log.With().Str("component", "presence").Logger(),
	}
}

// SetClock replaces the time source.
func (t *Tracker) SetClock(now func() time.Time) { t.now = now }

// Now returns the tracker's current time.
func (t *Tracker) Now() time.Time { return t.now() }

// Heartbeat records activity for userID. Failures are logged, never
// returned: a missed beat only makes the user look offline early.
func (t *Tracker) Heartbeat(ctx context.Context, userID string) {
	if err := t.db.TouchPresence(ctx, userID, t.now().UnixMilli()); err != nil {
		metrics.Heartbeats.WithLabelValues("error").Inc()
		t.log.Warn().Err(err).Str("user", userID).Msg("heartbeat not recorded")
		return
	}
	metrics.Heartbeats.WithLabelValues("ok").Inc()
	if t.hub != nil {
		t.hub.Publish(realtime.PresenceTopic(userID))
	}
}

// Status returns the presence of userID. A user who never sent a heartbeat
// is offline.
func (t *Tracker) Status(ctx context.Context, userID string) (Status, error) {
	st := Status{UserID: userID}
	last, ok, err := t.db.GetPresence(ctx, userID)
	if err != nil {
		return st, err
	}
	if !ok {
		return st, nil
	}

	seen := time.UnixMilli(last)
	st.LastSeenAt = &last
	st.Online = IsOnline(seen, t.now(), t.window)
	if st.Online {
		exp := seen.Add(t.window).UnixMilli()
		st.ExpiresAt = &exp
	}
	return st, nil
}
