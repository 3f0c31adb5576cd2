// Package mirror wires the entity catalogue, reconciliation store,
// subscription hub, protocol client and command dispatcher into one engine.
//
// The Engine is the only surface views need: SubscribeEntity, SubscribeRoom,
// Dispatch and ConnectionState. Everything else is plumbing.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nerrad567/gray-logic-mirror/internal/catalog"
	"github.com/nerrad567/gray-logic-mirror/internal/command"
	"github.com/nerrad567/gray-logic-mirror/internal/entity"
	"github.com/nerrad567/gray-logic-mirror/internal/journal"
	"github.com/nerrad567/gray-logic-mirror/internal/protocol"
	"github.com/nerrad567/gray-logic-mirror/internal/store"
	"github.com/nerrad567/gray-logic-mirror/internal/subscription"
)

// ErrAlreadyStarted is returned by Start on a running engine.
var ErrAlreadyStarted = errors.New("mirror: already started")

// Logger is the logging interface shared by every engine component.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Options are the optional engine collaborators.
type Options struct {
	// Journal records dispatched commands. Nil disables the journal.
	Journal journal.Repository

	// Logger receives engine, store, protocol and dispatcher logs.
	Logger Logger
}

// Stats aggregates every component's counters.
type Stats struct {
	Store         store.Stats            `json:"store"`
	Protocol      protocol.Stats         `json:"protocol"`
	Commands      command.Stats          `json:"commands"`
	Subscriptions subscription.Counts    `json:"subscriptions"`
	Connection    entity.ConnectionState `json:"connection"`
}

// Engine is the entity state synchronisation engine.
type Engine struct {
	catalog    *catalog.Catalog
	store      *store.Store
	hub        *subscription.Hub
	client     *protocol.Client
	dispatcher *command.Dispatcher

	mu      sync.Mutex
	started bool
}

// New builds an engine for cat talking to the remote described by cfg.
// The connection is not opened until Start.
func New(cat *catalog.Catalog, cfg protocol.Config, opts Options) (*Engine, error) {
	if cat == nil {
		return nil, errors.New("mirror: catalog is required")
	}

	e := &Engine{
		catalog: cat,
		store:   store.New(cat),
		hub:     subscription.NewHub(cat),
	}
	e.store.AddObserver(e.hub)

	client, err := protocol.New(cfg, cat, e)
	if err != nil {
		return nil, fmt.Errorf("creating protocol client: %w", err)
	}
	e.client = client

	disp, err := command.New(command.Deps{
		Catalog:   cat,
		Store:     e.store,
		Transport: client,
		Journal:   opts.Journal,
		Logger:    opts.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating dispatcher: %w", err)
	}
	e.dispatcher = disp

	if opts.Logger != nil {
		e.store.SetLogger(opts.Logger)
		e.client.SetLogger(opts.Logger)
	}
	return e, nil
}

// Start opens the remote connection. It returns immediately; use
// WaitReady to block until the first snapshot has been applied.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return ErrAlreadyStarted
	}
	if err := e.client.Connect(); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	e.started = true
	return nil
}

// Reconnect resumes a client that stopped after exhausting its retries.
func (e *Engine) Reconnect() error {
	return e.client.Connect()
}

// WaitReady blocks until the first snapshot is applied, the client fails,
// or ctx ends.
func (e *Engine) WaitReady(ctx context.Context) error {
	return e.client.WaitReady(ctx)
}

// Close shuts the connection down and flushes the command journal.
func (e *Engine) Close() error {
	err := e.client.Close()
	e.dispatcher.Close()
	return err
}

// HandleSnapshot implements protocol.Handler.
func (e *Engine) HandleSnapshot(epoch uint64, states []entity.RemoteState) {
	e.store.Apply(store.ApplySnapshot{Epoch: epoch, States: states})
}

// HandleStateChanged implements protocol.Handler.
func (e *Engine) HandleStateChanged(epoch uint64, change protocol.StateChange) {
	if change.New == nil {
		e.store.Apply(store.ApplyIncrementalUpdate{Epoch: epoch, EntityID: change.EntityID, Removed: true})
		return
	}
	e.store.Apply(store.IncrementalFromRemote(epoch, *change.New))
}

// HandleConnectionState implements protocol.Handler.
func (e *Engine) HandleConnectionState(cs entity.ConnectionState) {
	e.store.SetConnectionState(cs)
}

// SubscribeEntity subscribes to one entity.
func (e *Engine) SubscribeEntity(id string) (*subscription.EntitySubscription, error) {
	return e.hub.SubscribeEntity(id)
}

// SubscribeRoom subscribes to every entity in a room.
func (e *Engine) SubscribeRoom(room string) (*subscription.GroupSubscription, error) {
	return e.hub.SubscribeRoom(room)
}

// SubscribeFloor subscribes to every entity on a floor.
func (e *Engine) SubscribeFloor(floor string) (*subscription.GroupSubscription, error) {
	return e.hub.SubscribeFloor(floor)
}

// SubscribeAll subscribes to the whole catalogue.
func (e *Engine) SubscribeAll() *subscription.GroupSubscription {
	return e.hub.SubscribeAll()
}

// SubscribeStatus subscribes to connection state changes.
func (e *Engine) SubscribeStatus() *subscription.StatusSubscription {
	return e.hub.SubscribeStatus()
}

// Dispatch validates and forwards a command. See command.Dispatcher.
func (e *Engine) Dispatch(ctx context.Context, id, action string, params map[string]any) (command.Receipt, error) {
	return e.dispatcher.Dispatch(ctx, id, action, params)
}

// ConnectionState returns the connection state as last mirrored into the
// store.
func (e *Engine) ConnectionState() entity.ConnectionState {
	return e.store.ConnectionState()
}

// Get returns the current view of id.
func (e *Engine) Get(id string) (*entity.View, bool) {
	return e.store.Get(id)
}

// All returns every view in catalogue order.
func (e *Engine) All() []*entity.View {
	return e.store.All()
}

// Catalog returns the engine's catalogue.
func (e *Engine) Catalog() *catalog.Catalog {
	return e.catalog
}

// AddObserver registers o for every store change. o is seeded with the
// current state and must not block.
func (e *Engine) AddObserver(o store.Observer) {
	e.store.AddObserver(o)
}

// Stats returns counters from every component.
func (e *Engine) Stats() Stats {
	return Stats{
		Store:         e.store.Stats(),
		Protocol:      e.client.Stats(),
		Commands:      e.dispatcher.Stats(),
		Subscriptions: e.hub.Counts(),
		Connection:    e.store.ConnectionState(),
	}
}
