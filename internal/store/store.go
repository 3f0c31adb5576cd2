package store

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-mirror/internal/catalog"
	"github.com/nerrad567/gray-logic-mirror/internal/entity"
)

// Logger defines the logging interface used by the Store.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Observer receives store changes. Both methods are called with the store
// lock held and must not block or call back into the store.
type Observer interface {
	// EntitiesChanged receives the rows replaced by one reducer call,
	// in catalogue order.
	EntitiesChanged(views []*entity.View)

	// ConnectionChanged receives every connection state transition.
	ConnectionChanged(state entity.ConnectionState)
}

// Stats are cumulative reducer counters.
type Stats struct {
	SnapshotsApplied   uint64 `json:"snapshots_applied"`
	UpdatesApplied     uint64 `json:"updates_applied"`
	UpdatesUnchanged   uint64 `json:"updates_unchanged"`
	StaleDropped       uint64 `json:"stale_dropped"`
	UnknownDropped     uint64 `json:"unknown_dropped"`
	OptimisticApplied  uint64 `json:"optimistic_applied"`
	RejectedAttributes uint64 `json:"rejected_attributes"`
	SnapshotEpoch      uint64 `json:"snapshot_epoch"`
}

type row struct {
	view    *entity.View
	pending *entity.PendingUpdate

	// remoteAt is the last timestamp reported by the remote for this row.
	// Locally stamped writes never move it.
	remoteAt time.Time

	// boundaryAt is when the latest snapshot last defined this row: the
	// row's remote timestamp, or the local apply time when the row carried
	// none or was missing from the snapshot.
	boundaryAt time.Time
}

// Store is the reconciliation store.
type Store struct {
	mu        sync.Mutex
	catalog   *catalog.Catalog
	order     []string
	rows      map[string]*row
	observers []Observer
	conn      entity.ConnectionState
	stats     Stats
	now       func() time.Time
	logger    Logger
}

// New creates a store with one unconfirmed row per catalogue entry:
// state "unknown", not available.
func New(cat *catalog.Catalog) *Store {
	s := &Store{
		catalog: cat,
		order:   cat.IDs(),
		rows:    make(map[string]*row, cat.Len()),
		now:     time.Now,
		logger:  noopLogger{},
		conn: entity.ConnectionState{
			Status: entity.StatusDisconnected,
			Phase:  "idle",
		},
	}
	for _, ident := range cat.List() {
		s.rows[ident.ID] = &row{view: &entity.View{
			Identity:     ident,
			RuntimeState: entity.RuntimeState{State: entity.StateUnknown},
		}}
	}
	return s
}

// SetLogger sets the logger for the store.
func (s *Store) SetLogger(logger Logger) {
	s.logger = logger
}

// SetClock overrides the time source. Intended for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// AddObserver registers o and immediately delivers the current rows and
// connection state to it, under the same lock, so o never misses a change.
func (s *Store) AddObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.observers = append(s.observers, o)
	o.EntitiesChanged(s.allLocked())
	o.ConnectionChanged(s.conn)
}

// Apply runs one reducer step and returns the ids whose rows changed.
func (s *Store) Apply(a Action) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var changed []*entity.View
	switch act := a.(type) {
	case ApplySnapshot:
		changed = s.applySnapshot(act)
	case ApplyIncrementalUpdate:
		changed = s.applyIncremental(act)
	case ApplyOptimisticUpdate:
		changed = s.applyOptimistic(act)
	default:
		s.logger.Error("unknown store action", "type", a)
		return nil
	}

	if len(changed) == 0 {
		return nil
	}
	for _, o := range s.observers {
		o.EntitiesChanged(changed)
	}

	ids := make([]string, len(changed))
	for i, v := range changed {
		ids[i] = v.ID
	}
	return ids
}

func (s *Store) applySnapshot(a ApplySnapshot) []*entity.View {
	if a.Epoch < s.stats.SnapshotEpoch {
		s.logger.Warn("dropping snapshot from superseded connection",
			"epoch", a.Epoch, "current", s.stats.SnapshotEpoch)
		return nil
	}
	s.stats.SnapshotEpoch = a.Epoch
	s.stats.SnapshotsApplied++

	now := s.now()
	incoming := make(map[string]entity.RemoteState, len(a.States))
	for _, rs := range a.States {
		if _, ok := s.rows[rs.EntityID]; !ok {
			s.stats.UnknownDropped++
			continue
		}
		incoming[rs.EntityID] = rs
	}

	var changed []*entity.View
	for _, id := range s.order {
		r := s.rows[id]
		prev := r.view

		var next entity.RuntimeState
		if rs, ok := incoming[id]; ok {
			next = s.project(prev.Kind, id, rs.State, rs.Attributes, stamp(rs.LastUpdated, now))
			if !rs.LastUpdated.IsZero() {
				r.remoteAt = rs.LastUpdated
			}
			r.boundaryAt = stamp(rs.LastUpdated, now)
		} else {
			next = prev.RuntimeState
			next.State = entity.StateUnavailable
			next.Available = false
			r.boundaryAt = now
		}
		r.pending = nil

		if v := s.replace(r, next, false); v != nil {
			changed = append(changed, v)
		}
	}

	s.logger.Info("snapshot applied",
		"epoch", a.Epoch, "reported", len(a.States), "tracked", len(incoming), "changed", len(changed))
	return changed
}

func (s *Store) applyIncremental(a ApplyIncrementalUpdate) []*entity.View {
	r, ok := s.rows[a.EntityID]
	if !ok {
		s.stats.UnknownDropped++
		return nil
	}

	if s.stale(r, a) {
		s.stats.StaleDropped++
		s.logger.Debug("dropping stale update", "entity_id", a.EntityID, "epoch", a.Epoch)
		return nil
	}

	ts := stamp(a.Timestamp, s.now())
	var next entity.RuntimeState
	if a.Removed {
		next = r.view.RuntimeState
		next.State = entity.StateUnavailable
		next.Available = false
		next.LastUpdated = ts
	} else {
		next = s.project(r.view.Kind, a.EntityID, a.State, a.Attributes, ts)
	}
	if !a.Timestamp.IsZero() {
		r.remoteAt = a.Timestamp
	}
	r.pending = nil

	v := s.replace(r, next, a.Timestamp.IsZero())
	if v == nil {
		s.stats.UpdatesUnchanged++
		return nil
	}
	s.stats.UpdatesApplied++
	return []*entity.View{v}
}

// stale reports whether an incremental update must be dropped.
//
// Updates from a connection older than the current snapshot survive only
// when they carry a timestamp newer than both the row's and the snapshot
// boundary for that row. Within the current
// connection an update is dropped only when its timestamp predates the
// row's, which covers events buffered across the snapshot.
func (s *Store) stale(r *row, a ApplyIncrementalUpdate) bool {
	if a.Epoch < s.stats.SnapshotEpoch {
		return a.Timestamp.IsZero() || !a.Timestamp.After(r.remoteAt) || !a.Timestamp.After(r.boundaryAt)
	}
	return !a.Timestamp.IsZero() && !r.remoteAt.IsZero() && a.Timestamp.Before(r.remoteAt)
}

func (s *Store) applyOptimistic(a ApplyOptimisticUpdate) []*entity.View {
	r, ok := s.rows[a.EntityID]
	if !ok {
		s.stats.UnknownDropped++
		return nil
	}

	now := s.now()
	next := r.view.RuntimeState
	if a.Patch.State != nil {
		next.State = *a.Patch.State
	}
	next.Attributes = next.Attributes.Merge(a.Patch.Attributes)
	next.LastUpdated = now

	r.pending = &entity.PendingUpdate{Action: a.Action, Patch: a.Patch, AppliedAt: now}
	s.stats.OptimisticApplied++

	v := &entity.View{Identity: r.view.Identity, RuntimeState: next, Pending: true}
	r.view = v
	return []*entity.View{v}
}

// project builds authoritative runtime state from remote data.
// A literal "unavailable" state marks the entity unavailable.
func (s *Store) project(kind entity.Kind, id, state string, raw map[string]json.RawMessage, ts time.Time) entity.RuntimeState {
	attrs, rejected := entity.Project(kind, raw)
	if len(rejected) > 0 {
		s.stats.RejectedAttributes += uint64(len(rejected))
		s.logger.Debug("rejected attribute values", "entity_id", id, "keys", rejected)
	}
	return entity.RuntimeState{
		State:       state,
		Attributes:  attrs,
		Available:   state != entity.StateUnavailable,
		LastUpdated: ts,
	}
}

// replace installs next as r's view when it differs from the current one.
// It returns the new view, or nil when nothing changed.
func (s *Store) replace(r *row, next entity.RuntimeState, ignoreTime bool) *entity.View {
	prev := r.view
	pending := r.pending != nil
	if prev.Pending == pending && prev.RuntimeState.Equal(next, ignoreTime) {
		return nil
	}
	v := &entity.View{Identity: prev.Identity, RuntimeState: next, Pending: pending}
	r.view = v
	return v
}

func stamp(ts, now time.Time) time.Time {
	if ts.IsZero() {
		return now
	}
	return ts
}

// Get returns the current view for id.
func (s *Store) Get(id string) (*entity.View, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rows[id]
	if !ok {
		return nil, false
	}
	return r.view, true
}

// All returns every view in catalogue order.
func (s *Store) All() []*entity.View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allLocked()
}

func (s *Store) allLocked() []*entity.View {
	out := make([]*entity.View, len(s.order))
	for i, id := range s.order {
		out[i] = s.rows[id].view
	}
	return out
}

// Pending returns the outstanding optimistic update for id, if any.
func (s *Store) Pending(id string) (entity.PendingUpdate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rows[id]
	if !ok || r.pending == nil {
		return entity.PendingUpdate{}, false
	}
	return *r.pending, true
}

// SetConnectionState records a connection transition and notifies
// observers. Unchanged states are not re-broadcast.
func (s *Store) SetConnectionState(cs entity.ConnectionState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cs.Since.IsZero() {
		cs.Since = s.now()
	}
	if sameConnection(s.conn, cs) {
		return
	}
	s.conn = cs
	for _, o := range s.observers {
		o.ConnectionChanged(cs)
	}
}

func sameConnection(a, b entity.ConnectionState) bool {
	return a.Status == b.Status && a.Phase == b.Phase &&
		a.Message == b.Message && a.Attempt == b.Attempt && a.Epoch == b.Epoch
}

// ConnectionState returns the last recorded connection state.
func (s *Store) ConnectionState() entity.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Stats returns a copy of the reducer counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Catalog returns the catalogue the store was built from.
func (s *Store) Catalog() *catalog.Catalog {
	return s.catalog
}
