package command

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-mirror/internal/catalog"
	"github.com/nerrad567/gray-logic-mirror/internal/entity"
	"github.com/nerrad567/gray-logic-mirror/internal/journal"
	"github.com/nerrad567/gray-logic-mirror/internal/protocol"
	"github.com/nerrad567/gray-logic-mirror/internal/store"
)

const (
	// journalQueueSize bounds pending journal writes.
	journalQueueSize = 256

	// journalWriteTimeout bounds a single journal write.
	journalWriteTimeout = 5 * time.Second
)

// Logger is the logging interface used by the dispatcher.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Transport forwards a command to the remote backend.
// *protocol.Client satisfies it.
type Transport interface {
	CallService(ctx context.Context, cmd protocol.Command, onResult func(protocol.Result)) (int, error)
}

// Reducer is the part of the store the dispatcher needs.
type Reducer interface {
	Apply(a store.Action) []string
	Get(id string) (*entity.View, bool)
}

// Deps are the dispatcher's collaborators. Journal and Logger are optional.
type Deps struct {
	Catalog   *catalog.Catalog
	Store     Reducer
	Transport Transport
	Journal   journal.Repository
	Logger    Logger
}

// Receipt acknowledges a dispatched command.
type Receipt struct {
	ID         string    `json:"id"`
	EntityID   string    `json:"entity_id"`
	Action     string    `json:"action"`
	RequestID  int       `json:"request_id,omitempty"`
	Optimistic bool      `json:"optimistic"`
	IssuedAt   time.Time `json:"issued_at"`
}

// Stats are dispatcher counters.
type Stats struct {
	Dispatched     uint64 `json:"dispatched"`
	Invalid        uint64 `json:"invalid"`
	SendFailed     uint64 `json:"send_failed"`
	Succeeded      uint64 `json:"succeeded"`
	Rejected       uint64 `json:"rejected"`
	JournalDropped uint64 `json:"journal_dropped"`
	JournalErrors  uint64 `json:"journal_errors"`
}

type sourceKey struct{}

// WithSource tags ctx with the origin of a command ("api", "mqtt", ...).
// The source is recorded in the journal.
func WithSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, sourceKey{}, source)
}

// SourceFrom returns the command origin stored in ctx, or "local".
func SourceFrom(ctx context.Context) string {
	if s, ok := ctx.Value(sourceKey{}).(string); ok && s != "" {
		return s
	}
	return "local"
}

// Dispatcher validates, reflects and forwards commands.
type Dispatcher struct {
	catalog   *catalog.Catalog
	store     Reducer
	transport Transport
	journal   journal.Repository
	logger    Logger
	now       func() time.Time

	jobs      chan func(context.Context)
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dispatched     atomic.Uint64
	invalid        atomic.Uint64
	sendFailed     atomic.Uint64
	succeeded      atomic.Uint64
	rejected       atomic.Uint64
	journalDropped atomic.Uint64
	journalErrors  atomic.Uint64
}

// New creates a dispatcher. When deps.Journal is set a journal worker is
// started; call Close to stop it.
func New(deps Deps) (*Dispatcher, error) {
	var missing []error
	if deps.Catalog == nil {
		missing = append(missing, errors.New("catalog is required"))
	}
	if deps.Store == nil {
		missing = append(missing, errors.New("store is required"))
	}
	if deps.Transport == nil {
		missing = append(missing, errors.New("transport is required"))
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDeps, errors.Join(missing...))
	}

	d := &Dispatcher{
		catalog:   deps.Catalog,
		store:     deps.Store,
		transport: deps.Transport,
		journal:   deps.Journal,
		logger:    deps.Logger,
		now:       time.Now,
		done:      make(chan struct{}),
	}
	if d.logger == nil {
		d.logger = noopLogger{}
	}

	if d.journal != nil {
		d.jobs = make(chan func(context.Context), journalQueueSize)
		d.wg.Add(1)
		go d.journalWorker()
	}
	return d, nil
}

// Close stops the journal worker after flushing queued writes.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.done)
	})
	d.wg.Wait()
}

// Dispatch validates a command, applies its optimistic patch and forwards
// it to the remote.
//
// Validation failures return ErrUnknownEntity, ErrUnsupportedAction or
// ErrInvalidParams and change nothing. A forwarding failure returns an
// error wrapping ErrSendFailed together with a receipt: the optimistic
// update has already been applied and is left in place.
func (d *Dispatcher) Dispatch(ctx context.Context, id, action string, params map[string]any) (Receipt, error) {
	ident, ok := d.catalog.Get(id)
	if !ok {
		d.invalid.Add(1)
		return Receipt{}, fmt.Errorf("%w: %s", ErrUnknownEntity, id)
	}

	act, ok := Lookup(ident.Kind, action)
	if !ok {
		d.invalid.Add(1)
		return Receipt{}, fmt.Errorf("%w: %s does not support %q", ErrUnsupportedAction, ident.Kind, action)
	}

	norm, err := validate(act.Params, params)
	if err != nil {
		d.invalid.Add(1)
		return Receipt{}, err
	}

	cur, ok := d.store.Get(id)
	if !ok {
		cur = &entity.View{Identity: ident}
	}

	receipt := Receipt{
		ID:       journal.NewID(),
		EntityID: id,
		Action:   action,
		IssuedAt: d.now().UTC(),
	}

	if patch := act.patch(cur, norm); !patch.IsEmpty() {
		d.store.Apply(store.ApplyOptimisticUpdate{EntityID: id, Action: action, Patch: patch})
		receipt.Optimistic = true
	}

	d.record(&journal.Entry{
		ID:       receipt.ID,
		EntityID: id,
		Kind:     string(ident.Kind),
		Action:   action,
		Params:   wire(norm),
		Source:   SourceFrom(ctx),
		Outcome:  journal.OutcomeSent,
		IssuedAt: receipt.IssuedAt,
	})
	d.dispatched.Add(1)

	cmd := protocol.Command{EntityID: id, Kind: ident.Kind, Action: action, Params: wire(norm)}
	reqID, err := d.transport.CallService(ctx, cmd, func(r protocol.Result) {
		d.onResult(receipt, r)
	})
	if err != nil {
		d.sendFailed.Add(1)
		d.resolve(receipt.ID, journal.OutcomeSendFailed, err.Error())
		d.logger.Warn("command not sent", "entity_id", id, "action", action, "error", err)
		return receipt, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	receipt.RequestID = reqID
	d.logger.Debug("command sent", "entity_id", id, "action", action, "request_id", reqID)
	return receipt, nil
}

// onResult runs on the protocol reader goroutine.
func (d *Dispatcher) onResult(receipt Receipt, r protocol.Result) {
	if err := r.Err(); err != nil {
		d.rejected.Add(1)
		d.logger.Warn("command rejected", "entity_id", receipt.EntityID, "action", receipt.Action, "error", err)
		d.resolve(receipt.ID, journal.OutcomeRejected, err.Error())
		return
	}
	d.succeeded.Add(1)
	d.resolve(receipt.ID, journal.OutcomeSucceeded, "")
}

func (d *Dispatcher) record(e *journal.Entry) {
	d.enqueue(func(ctx context.Context) error {
		return d.journal.Create(ctx, e)
	})
}

func (d *Dispatcher) resolve(id string, outcome journal.Outcome, detail string) {
	at := d.now().UTC()
	d.enqueue(func(ctx context.Context) error {
		return d.journal.Resolve(ctx, id, outcome, detail, at)
	})
}

// enqueue hands a write to the journal worker, dropping it when the queue
// is full or the dispatcher is closed.
func (d *Dispatcher) enqueue(write func(context.Context) error) {
	if d.jobs == nil {
		return
	}
	select {
	case <-d.done:
		d.journalDropped.Add(1)
		return
	default:
	}

	job := func(ctx context.Context) {
		if err := write(ctx); err != nil {
			d.journalErrors.Add(1)
			d.logger.Error("journal write failed", "error", err)
		}
	}
	select {
	case d.jobs <- job:
	default:
		d.journalDropped.Add(1)
		d.logger.Warn("journal queue full, dropping entry")
	}
}

// journalWorker applies journal writes in order. A single worker keeps
// Create ahead of the matching Resolve.
func (d *Dispatcher) journalWorker() {
	defer d.wg.Done()

	run := func(job func(context.Context)) {
		defer func() {
			if r := recover(); r != nil {
				d.journalErrors.Add(1)
				d.logger.Error("journal write panic", "panic", fmt.Sprint(r))
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), journalWriteTimeout)
		defer cancel()
		job(ctx)
	}

	for {
		select {
		case <-d.done:
			for {
				select {
				case job := <-d.jobs:
					run(job)
				default:
					return
				}
			}
		case job := <-d.jobs:
			run(job)
		}
	}
}

// Stats returns a snapshot of the dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Dispatched:     d.dispatched.Load(),
		Invalid:        d.invalid.Load(),
		SendFailed:     d.sendFailed.Load(),
		Succeeded:      d.succeeded.Load(),
		Rejected:       d.rejected.Load(),
		JournalDropped: d.journalDropped.Load(),
		JournalErrors:  d.journalErrors.Load(),
	}
}
