package subscription

import (
	"sync"

	"github.com/nerrad567/gray-logic-mirror/internal/entity"
)

// signal is a coalescing, non-blocking change notification.
type signal struct {
	ch        chan struct{}
	closeOnce sync.Once
}

func newSignal() *signal {
	return &signal{ch: make(chan struct{}, 1)}
}

func (s *signal) notify() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

func (s *signal) close() {
	s.closeOnce.Do(func() { close(s.ch) })
}

// EntitySubscription follows a single entity.
type EntitySubscription struct {
	hub *Hub
	id  string
	sig *signal

	mu      sync.RWMutex
	view    *entity.View
	version uint64
}

// ID returns the subscribed entity id.
func (s *EntitySubscription) ID() string { return s.id }

// View returns the memoised view.
func (s *EntitySubscription) View() *entity.View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view
}

// Version increments on every change delivered to this subscription.
func (s *EntitySubscription) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Changes is signalled after the view changes. It is closed by Close.
func (s *EntitySubscription) Changes() <-chan struct{} { return s.sig.ch }

// Close deregisters the subscription. It is safe to call more than once.
func (s *EntitySubscription) Close() {
	s.hub.removeEntity(s)
	s.sig.close()
}

func (s *EntitySubscription) set(v *entity.View) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.view == v {
		return false
	}
	s.view = v
	s.version++
	return true
}

// GroupKind names what a GroupSubscription aggregates.
type GroupKind string

// Group kinds.
const (
	GroupRoom  GroupKind = "room"
	GroupFloor GroupKind = "floor"
	GroupAll   GroupKind = "all"
)

// GroupSubscription follows an ordered set of entities.
type GroupSubscription struct {
	hub     *Hub
	kind    GroupKind
	name    string
	members []string
	index   map[string]int
	sig     *signal

	mu      sync.RWMutex
	views   []*entity.View
	version uint64
}

// Kind returns the group kind.
func (g *GroupSubscription) Kind() GroupKind { return g.kind }

// Name returns the room or floor name; empty for GroupAll.
func (g *GroupSubscription) Name() string { return g.name }

// Members returns the member ids in catalogue order.
func (g *GroupSubscription) Members() []string {
	return append([]string(nil), g.members...)
}

// Views returns the memoised member views in catalogue order.
func (g *GroupSubscription) Views() []*entity.View {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]*entity.View(nil), g.views...)
}

// Version increments once per store change that touched a member.
func (g *GroupSubscription) Version() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.version
}

// Changes is signalled after any member changes. It is closed by Close.
func (g *GroupSubscription) Changes() <-chan struct{} { return g.sig.ch }

// Close deregisters the subscription. It is safe to call more than once.
func (g *GroupSubscription) Close() {
	g.hub.removeGroup(g)
	g.sig.close()
}

func (g *GroupSubscription) setMember(v *entity.View) bool {
	i, ok := g.index[v.ID]
	if !ok {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.views[i] == v {
		return false
	}
	g.views[i] = v
	return true
}

func (g *GroupSubscription) bump() {
	g.mu.Lock()
	g.version++
	g.mu.Unlock()
}

// StatusSubscription follows the connection state.
type StatusSubscription struct {
	hub *Hub
	sig *signal

	mu    sync.RWMutex
	state entity.ConnectionState
}

// State returns the last delivered connection state.
func (s *StatusSubscription) State() entity.ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Changes is signalled after the connection state changes.
func (s *StatusSubscription) Changes() <-chan struct{} { return s.sig.ch }

// Close deregisters the subscription.
func (s *StatusSubscription) Close() {
	s.hub.removeStatus(s)
	s.sig.close()
}

func (s *StatusSubscription) set(cs entity.ConnectionState) {
	s.mu.Lock()
	s.state = cs
	s.mu.Unlock()
}
