package realtime

import (
	"sort"
	"sync"
	"time"
)

// AttachFunc subscribes to the presence of target.
type AttachFunc func(target string) *Subscription

// Surface is one observer context, such as a websocket connection. It owns
// its subscriptions and timers and tears all of them down on Close.
//
// Presence attachments are shared: each target is attached at most once no
// matter how many owners (a conversation view, a list view) ask for it, and
// is detached when the last owner lets go.
type Surface struct {
	attach AttachFunc

	mu       sync.Mutex
	closed   bool
	subs     map[string]*Subscription
	timers   map[string]*time.Timer
	owners   map[string]map[string]struct{}
	presence map[string]*presenceRef
}

type presenceRef struct {
	sub  *Subscription
	refs int
}

// NewSurface creates a surface. attach is used for presence targets and
// may be nil when the surface never tracks presence.
func NewSurface(attach AttachFunc) *Surface {
	return &Surface{
		attach:   attach,
		subs:     make(map[string]*Subscription),
		timers:   make(map[string]*time.Timer),
		owners:   make(map[string]map[string]struct{}),
		presence: make(map[string]*presenceRef),
	}
}

// Add registers sub under key, cancelling whatever was there. On a closed
// surface sub is cancelled immediately.
func (s *Surface) Add(key string, sub *Subscription) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.Cancel()
		return
	}
	old := s.subs[key]
	s.subs[key] = sub
	s.mu.Unlock()

	if old != nil && old != sub {
		old.Cancel()
	}
}

// Remove cancels the subscription under key and releases the presence
// targets it held. Returns false if none exists.
func (s *Surface) Remove(key string) bool {
	s.mu.Lock()
	sub, ok := s.subs[key]
	delete(s.subs, key)
	var detach []*Subscription
	if !s.closed {
		detach = s.retarget(key, nil)
	}
	s.mu.Unlock()

	if ok {
		sub.Cancel()
	}
	for _, d := range detach {
		d.Cancel()
	}
	return ok
}

// AfterFunc runs f after d unless the surface closes first. A timer already
// registered under key is stopped and replaced.
func (s *Surface) AfterFunc(key string, d time.Duration, f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if old, ok := s.timers[key]; ok {
		old.Stop()
	}

	var t *time.Timer
	t = time.AfterFunc(d, func() {
		s.mu.Lock()
		live := !s.closed && s.timers[key] == t
		if live {
			delete(s.timers, key)
		}
		s.mu.Unlock()
		if live {
			f()
		}
	})
	s.timers[key] = t
}

// StopTimer cancels the timer under key.
func (s *Surface) StopTimer(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[key]; ok {
		t.Stop()
		delete(s.timers, key)
	}
}

// SetPresenceTargets declares the full set of users the subscription under
// key needs presence for. Targets new to the surface are attached, targets
// no owner needs any more are detached. The call does nothing unless sub is
// still the one registered under key, so a callback that loses a race with
// Remove cannot re-attach presence.
func (s *Surface) SetPresenceTargets(key string, sub *Subscription, ids []string) {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			want[id] = struct{}{}
		}
	}

	s.mu.Lock()
	if s.closed || sub == nil || s.subs[key] != sub {
		s.mu.Unlock()
		return
	}
	detach := s.retarget(key, want)
	s.mu.Unlock()

	for _, d := range detach {
		d.Cancel()
	}
}

// retarget moves owner to want and returns the attachments nobody holds any
// more. Caller holds s.mu on an open surface.
func (s *Surface) retarget(owner string, want map[string]struct{}) []*Subscription {
	var detach []*Subscription
	have := s.owners[owner]
	for id := range have {
		if _, keep := want[id]; keep {
			continue
		}
		ref, ok := s.presence[id]
		if !ok {
			continue
		}
		ref.refs--
		if ref.refs == 0 {
			delete(s.presence, id)
			detach = append(detach, ref.sub)
		}
	}
	for id := range want {
		if _, had := have[id]; had {
			continue
		}
		if ref, ok := s.presence[id]; ok {
			ref.refs++
			continue
		}
		if s.attach == nil {
			// Nothing was attached, so nothing to release later.
			delete(want, id)
			continue
		}
		s.presence[id] = &presenceRef{sub: s.attach(id), refs: 1}
	}
	if len(want) == 0 {
		delete(s.owners, owner)
	} else {
		s.owners[owner] = want
	}
	return detach
}

// PresenceTargets returns the attached presence targets, sorted.
func (s *Surface) PresenceTargets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.presence))
	for id := range s.presence {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close cancels every subscription and timer. Safe to call more than once.
func (s *Surface) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	var subs []*Subscription
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	for _, ref := range s.presence {
		subs = append(subs, ref.sub)
	}
	for _, t := range s.timers {
		t.Stop()
	}
	s.subs = nil
	s.presence = nil
	s.owners = nil
	s.timers = nil
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
}
