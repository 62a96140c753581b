// Package realtime delivers fresh snapshots of derived state to observers.
//
// A subscription pairs a topic with a fetch function. The callback receives
// the fetched value once on attach and again after every Publish of the
// topic. Publishes coalesce: a burst of N publishes yields at least one
// fetch that observes all of them, never a stale one. Each subscription runs
// on its own goroutine, so there is no ordering across subscriptions.
package realtime

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lazypower/crystal/internal/apperr"
	"github.com/lazypower/crystal/internal/metrics"
)

// FetchFunc loads the current value of a topic.
type FetchFunc func(ctx context.Context) (any, error)

// Hub routes publishes to subscriptions by topic.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}
	log  zerolog.Logger
}

// NewHub creates an empty hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		subs: make(map[string]map[*Subscription]struct{}),
		log:  log.With().Str("component", "realtime").Logger(),
	}
}

// Subscribe attaches cb to topic. The first delivery happens asynchronously
// right after attach.
func (h *Hub) Subscribe(topic string, fetch FetchFunc, cb func(any)) *Subscription {
	s := h.Prepare(topic, fetch, cb)
	s.Start()
	return s
}

// Prepare registers cb on topic without delivering anything until Start.
// Publishes before Start coalesce into the first delivery.
func (h *Hub) Prepare(topic string, fetch FetchFunc, cb func(any)) *Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Subscription{
		hub:    h,
		topic:  topic,
		fetch:  fetch,
		cb:     cb,
		notify: make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}

	h.mu.Lock()
	set, ok := h.subs[topic]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[topic] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()

	metrics.ActiveSubscriptions.Inc()
	s.notify <- struct{}{}
	return s
}

// Watch is Subscribe with a typed fetch and callback.
func Watch[T any](h *Hub, topic string, fetch func(ctx context.Context) (T, error), cb func(T)) *Subscription {
	s := PrepareWatch(h, topic, fetch, cb)
	s.Start()
	return s
}

// PrepareWatch is Prepare with a typed fetch and callback.
func PrepareWatch[T any](h *Hub, topic string, fetch func(ctx context.Context) (T, error), cb func(T)) *Subscription {
	return h.Prepare(topic,
		func(ctx context.Context) (any, error) { return fetch(ctx) },
		func(v any) { cb(v.(T)) },
	)
}

// Publish signals that the state behind each topic has changed. Call it only
// after the change is committed.
func (h *Hub) Publish(topics ...string) {
	h.mu.Lock()
	var targets []*Subscription
	for _, t := range topics {
		for s := range h.subs[t] {
			targets = append(targets, s)
		}
	}
	h.mu.Unlock()

	for _, s := range targets {
		s.signal()
	}
}

// Count returns the number of live subscriptions on topic.
func (h *Hub) Count(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[topic])
}

// Close cancels every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	var all []*Subscription
	for _, set := range h.subs {
		for s := range set {
			all = append(all, s)
		}
	}
	h.mu.Unlock()

	for _, s := range all {
		s.Cancel()
	}
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[s.topic]
	delete(set, s)
	if len(set) == 0 {
		delete(h.subs, s.topic)
	}
}

// Subscription is a live attachment to a topic.
type Subscription struct {
	hub    *Hub
	topic  string
	fetch  FetchFunc
	cb     func(any)
	notify chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	start  sync.Once
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string { return s.topic }

// Done is closed once the subscription is cancelled.
func (s *Subscription) Done() <-chan struct{} { return s.ctx.Done() }

// Start begins delivery. Only the first call does anything, and a
// subscription cancelled before Start never delivers.
func (s *Subscription) Start() {
	s.start.Do(func() {
		if s.ctx.Err() == nil {
			go s.run()
		}
	})
}

// Refresh forces a re-fetch and delivery.
func (s *Subscription) Refresh() { s.signal() }

// Cancel detaches the subscription. It is safe to call more than once and
// from inside the callback. Pending deliveries are dropped.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.cancel()
		s.hub.remove(s)
		metrics.ActiveSubscriptions.Dec()
	})
}

func (s *Subscription) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
		// A delivery is already pending and will observe this change.
	}
}

func (s *Subscription) run() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.notify:
		}
		s.deliver()
	}
}

func (s *Subscription) deliver() {
	v, err := s.fetch(s.ctx)
	if s.ctx.Err() != nil {
		return
	}
	if err != nil {
		if apperr.Is(err, apperr.CodeNotFound) {
			s.hub.log.Debug().Str("topic", s.topic).Msg("snapshot target gone")
			return
		}
		s.hub.log.Warn().Err(err).Str("topic", s.topic).Msg("snapshot fetch failed")
		return
	}
	s.cb(v)
}
