package engine

import (
	"context"
	"time"

	"github.com/lazypower/crystal/internal/decay"
	"github.com/lazypower/crystal/internal/metrics"
	"github.com/lazypower/crystal/internal/realtime"
)

// StartDecayTimer runs a decay sweep on startup and then on every sweep
// interval. The sweep writes nothing: levels are derived at read time, it
// only pushes fresh snapshots for relationships whose level moved.
func (e *Engine) StartDecayTimer() {
	// Run once at startup
	e.runSweep()

	go func() {
		ticker := time.NewTicker(e.sweepEvery)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				e.runSweep()
			case <-e.stopCh:
				return
			}
		}
	}()
}

// Stop shuts down the engine's background goroutines.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

func (e *Engine) runSweep() {
	if changed, err := e.Sweep(context.Background()); err != nil {
		e.log.Error().Err(err).Msg("decay sweep failed")
	} else if changed > 0 {
		e.log.Info().Int("changed", changed).Msg("decay sweep")
	}
}

// Sweep evaluates every relationship now and publishes the conversation
// and list topics of those whose level differs from the last sweep. Levels
// not seen before are recorded without publishing. Returns how many
// relationships changed level.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	refs, err := e.DB.ListRelationships(ctx)
	if err != nil {
		return 0, err
	}

	now := e.clock()
	var topics []string
	changed := 0

	e.mu.Lock()
	for _, r := range refs {
		level := decay.LevelAt(r.Seed(), now)
		prev, seen := e.levels[r.ConversationID]
		e.levels[r.ConversationID] = level
		if !seen || prev == level {
			continue
		}
		changed++
		metrics.RecordTransition(string(prev), string(level))
		topics = append(topics,
			realtime.ConversationTopic(r.ConversationID),
			realtime.ConversationListTopic(r.UserA),
			realtime.ConversationListTopic(r.UserB))
	}
	e.mu.Unlock()

	e.publish(topics...)
	return changed, nil
}

func (e *Engine) rememberLevel(convID string, level decay.Level) {
	e.mu.Lock()
	e.levels[convID] = level
	e.mu.Unlock()
}
