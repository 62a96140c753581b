// Package engine is the conversation aggregate: every mutation that spans
// more than one record runs here inside a single store transaction, and
// observers are notified only after it commits.
package engine

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"

	"github.com/lazypower/crystal/internal/apperr"
	"github.com/lazypower/crystal/internal/decay"
	"github.com/lazypower/crystal/internal/metrics"
	"github.com/lazypower/crystal/internal/realtime"
	"github.com/lazypower/crystal/internal/store"
)

const profileCacheSize = 1024

// Engine orchestrates conversations, messages, crystals and their
// realtime fan-out.
type Engine struct {
	DB  *store.DB
	Hub *realtime.Hub

	log        zerolog.Logger
	loc        *time.Location
	now        func() time.Time
	profiles   *lru.Cache
	sweepEvery time.Duration

	// genMu orders cache fills against invalidations. A fill only lands if
	// the user's generation is unchanged since before its DB read.
	genMu      sync.Mutex
	profileGen map[string]uint64

	mu     sync.Mutex
	levels map[string]decay.Level // last level seen by the sweep

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a new Engine.
func New(db *store.DB, hub *realtime.Hub, log zerolog.Logger) *Engine {
	cache, err := lru.New(profileCacheSize)
	if err != nil {
		// Only fails for a non-positive size.
		panic(err)
	}
	return &Engine{
		DB:         db,
		Hub:        hub,
		log:        log.With().Str("component", "engine").Logger(),
		loc:        time.UTC,
		now:        time.Now,
		profiles:   cache,
		profileGen: make(map[string]uint64),
		sweepEvery: time.Hour,
		levels:     make(map[string]decay.Level),
		stopCh:     make(chan struct{}),
	}
}

// SetClock replaces the time source.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// SetLocation sets the timezone streak calendar days are counted in.
func (e *Engine) SetLocation(loc *time.Location) {
	if loc != nil {
		e.loc = loc
	}
}

// SetSweepInterval sets how often the decay sweep runs.
func (e *Engine) SetSweepInterval(d time.Duration) {
	if d > 0 {
		e.sweepEvery = d
	}
}

func (e *Engine) clock() time.Time {
	return e.now().In(e.loc)
}

func (e *Engine) publish(topics ...string) {
	if e.Hub != nil {
		e.Hub.Publish(topics...)
	}
}

// member loads a conversation and checks userID belongs to it.
func (e *Engine) member(ctx context.Context, convID, userID string) (*store.Conversation, error) {
	c, err := e.DB.GetConversation(ctx, convID)
	if err != nil {
		return nil, apperr.Transient("load conversation", err)
	}
	if c == nil {
		return nil, apperr.NotFound("conversation not found")
	}
	if !c.Has(userID) {
		return nil, apperr.Permission("not a participant of this conversation")
	}
	return c, nil
}

// failed maps a transaction error for op. Coded errors pass through;
// anything else is a storage failure the caller may retry.
func failed(op string, err error) error {
	metrics.AggregateFailures.WithLabelValues(op).Inc()
	if apperr.IsCoded(err) {
		return err
	}
	return apperr.Transient(op+" failed", err)
}

func conversationTopics(c *store.Conversation) []string {
	return []string{
		realtime.ConversationTopic(c.ID),
		realtime.ConversationListTopic(c.Participants[0].UserID),
		realtime.ConversationListTopic(c.Participants[1].UserID),
	}
}
