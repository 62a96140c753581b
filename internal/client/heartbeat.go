package client

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultHeartbeatInterval is how often a foreground client beats.
const DefaultHeartbeatInterval = 5 * time.Minute

const unloadTimeout = 2 * time.Second

// Heartbeater keeps a user online while a client runs. Beat failures are
// logged and otherwise ignored.
type Heartbeater struct {
	beat     func(ctx context.Context) error
	interval time.Duration
	log      zerolog.Logger

	mu     sync.Mutex
	stop   chan struct{}
	wg     sync.WaitGroup
	active bool
}

// NewHeartbeater creates a heartbeater calling beat every interval.
func NewHeartbeater(beat func(ctx context.Context) error, interval time.Duration, log zerolog.Logger) *Heartbeater {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &Heartbeater{
		beat:     beat,
		interval: interval,
		log:      log.With().Str("component", "heartbeat").Logger(),
	}
}

// Start beats once and then on every interval until Stop. Calling Start on
// a running heartbeater does nothing.
func (h *Heartbeater) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.active {
		return
	}
	h.active = true
	h.stop = make(chan struct{})
	stop := h.stop

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.once(ctx)

		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				h.once(ctx)
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Foreground beats immediately, as when the user comes back to the app.
func (h *Heartbeater) Foreground(ctx context.Context) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.once(ctx)
	}()
}

// Unload fires a final beat without waiting for it. The beat is abandoned
// after a short timeout.
func (h *Heartbeater) Unload() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), unloadTimeout)
		defer cancel()
		h.once(ctx)
	}()
}

// Stop ends the periodic beats and waits for in-flight ones. Safe to call
// more than once.
func (h *Heartbeater) Stop() {
	h.mu.Lock()
	if h.active {
		close(h.stop)
		h.active = false
	}
	h.mu.Unlock()
	h.wg.Wait()
}

func (h *Heartbeater) once(ctx context.Context) {
	if err := h.beat(ctx); err != nil {
		h.log.Warn().Err(err).Msg("heartbeat failed")
	}
}
