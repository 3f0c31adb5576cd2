package subscription

import (
	"fmt"
	"sync"

	"github.com/nerrad567/gray-logic-mirror/internal/catalog"
	"github.com/nerrad567/gray-logic-mirror/internal/entity"
)

// Hub is the subscription layer. It implements store.Observer.
//
// All index mutations and all deliveries happen under one mutex, so a
// subscription that has returned from Close never receives another change.
type Hub struct {
	catalog *catalog.Catalog

	mu       sync.Mutex
	latest   map[string]*entity.View
	byEntity map[string]map[*EntitySubscription]struct{}
	byMember map[string]map[*GroupSubscription]struct{}
	status   map[*StatusSubscription]struct{}
	conn     entity.ConnectionState
}

// NewHub creates an empty hub for cat. Register it with store.AddObserver
// to seed it with the current rows.
func NewHub(cat *catalog.Catalog) *Hub {
	return &Hub{
		catalog:  cat,
		latest:   make(map[string]*entity.View, cat.Len()),
		byEntity: make(map[string]map[*EntitySubscription]struct{}),
		byMember: make(map[string]map[*GroupSubscription]struct{}),
		status:   make(map[*StatusSubscription]struct{}),
	}
}

// EntitiesChanged updates the memoised views of every subscription indexed
// under the changed ids and signals each touched subscription once.
func (h *Hub) EntitiesChanged(views []*entity.View) {
	h.mu.Lock()
	defer h.mu.Unlock()

	touched := make(map[*GroupSubscription]struct{})
	for _, v := range views {
		h.latest[v.ID] = v

		for sub := range h.byEntity[v.ID] {
			if sub.set(v) {
				sub.sig.notify()
			}
		}
		for g := range h.byMember[v.ID] {
			if g.setMember(v) {
				touched[g] = struct{}{}
			}
		}
	}

	for g := range touched {
		g.bump()
		g.sig.notify()
	}
}

// ConnectionChanged forwards a connection transition to status subscribers.
func (h *Hub) ConnectionChanged(cs entity.ConnectionState) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.conn = cs
	for s := range h.status {
		s.set(cs)
		s.sig.notify()
	}
}

// SubscribeEntity follows a single catalogue entity.
func (h *Hub) SubscribeEntity(id string) (*EntitySubscription, error) {
	if !h.catalog.Contains(id) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntity, id)
	}

	sub := &EntitySubscription{hub: h, id: id, sig: newSignal()}

	h.mu.Lock()
	defer h.mu.Unlock()

	sub.view = h.latest[id]
	set, ok := h.byEntity[id]
	if !ok {
		set = make(map[*EntitySubscription]struct{})
		h.byEntity[id] = set
	}
	set[sub] = struct{}{}
	return sub, nil
}

// SubscribeRoom follows every entity in room, in catalogue order.
func (h *Hub) SubscribeRoom(room string) (*GroupSubscription, error) {
	ids, err := h.catalog.RoomIDs(room)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnknownGroup, err)
	}
	return h.subscribeGroup(GroupRoom, room, ids), nil
}

// SubscribeFloor follows every entity on floor, in catalogue order.
func (h *Hub) SubscribeFloor(floor string) (*GroupSubscription, error) {
	ids, err := h.catalog.FloorIDs(floor)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnknownGroup, err)
	}
	return h.subscribeGroup(GroupFloor, floor, ids), nil
}

// SubscribeAll follows every catalogue entity.
func (h *Hub) SubscribeAll() *GroupSubscription {
	return h.subscribeGroup(GroupAll, "", h.catalog.IDs())
}

func (h *Hub) subscribeGroup(kind GroupKind, name string, ids []string) *GroupSubscription {
	g := &GroupSubscription{
		hub:     h,
		kind:    kind,
		name:    name,
		members: ids,
		index:   make(map[string]int, len(ids)),
		views:   make([]*entity.View, len(ids)),
		sig:     newSignal(),
	}
	for i, id := range ids {
		g.index[id] = i
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for i, id := range ids {
		g.views[i] = h.latest[id]
		set, ok := h.byMember[id]
		if !ok {
			set = make(map[*GroupSubscription]struct{})
			h.byMember[id] = set
		}
		set[g] = struct{}{}
	}
	return g
}

// SubscribeStatus follows the connection state.
func (h *Hub) SubscribeStatus() *StatusSubscription {
	s := &StatusSubscription{hub: h, sig: newSignal()}

	h.mu.Lock()
	defer h.mu.Unlock()

	s.state = h.conn
	h.status[s] = struct{}{}
	return s
}

func (h *Hub) removeEntity(sub *EntitySubscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.byEntity[sub.id]
	delete(set, sub)
	if len(set) == 0 {
		delete(h.byEntity, sub.id)
	}
}

func (h *Hub) removeGroup(g *GroupSubscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, id := range g.members {
		set := h.byMember[id]
		delete(set, g)
		if len(set) == 0 {
			delete(h.byMember, id)
		}
	}
}

func (h *Hub) removeStatus(s *StatusSubscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.status, s)
}

// Counts reports the number of live subscriptions, for metrics.
type Counts struct {
	Entity int `json:"entity"`
	Group  int `json:"group"`
	Status int `json:"status"`
}

// Counts returns the number of live subscriptions.
func (h *Hub) Counts() Counts {
	h.mu.Lock()
	defer h.mu.Unlock()

	var c Counts
	for _, set := range h.byEntity {
		c.Entity += len(set)
	}
	groups := make(map[*GroupSubscription]struct{})
	for _, set := range h.byMember {
		for g := range set {
			groups[g] = struct{}{}
		}
	}
	c.Group = len(groups)
	c.Status = len(h.status)
	return c
}
