// Package mqttstate mirrors entity views onto MQTT and accepts commands
// from it.
//
// Every catalogue entity gets a retained JSON view on
// {prefix}/state/{entity_id}; the remote connection state is retained on
// {prefix}/status. Commands published to {prefix}/command/{entity_id} are
// dispatched through the engine with source "mqtt" and acknowledged on
// {prefix}/ack/{entity_id}. After a broker reconnect every view is
// republished.
package mqttstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-mirror/internal/command"
	"github.com/nerrad567/gray-logic-mirror/internal/entity"
	"github.com/nerrad567/gray-logic-mirror/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-mirror/internal/subscription"
)

// dispatchTimeout bounds a single MQTT-originated command.
const dispatchTimeout = 10 * time.Second

// Source is the journal source recorded for MQTT commands.
const Source = "mqtt"

// Broker is the subset of *mqtt.Client the bridge uses.
type Broker interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	IsConnected() bool
	SetOnConnect(fn func())
}

// Engine is the subset of *mirror.Engine the bridge uses.
type Engine interface {
	SubscribeAll() *subscription.GroupSubscription
	SubscribeStatus() *subscription.StatusSubscription
	Dispatch(ctx context.Context, id, action string, params map[string]any) (command.Receipt, error)
}

// Logger is satisfied by *logging.Logger.
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

// Options configure a Bridge. Broker and Engine are required.
type Options struct {
	Broker Broker
	Engine Engine
	Topics mqtt.Topics
	QoS    byte
	Logger Logger
}

// Metrics are bridge counters for the metrics endpoint.
type Metrics struct {
	Connected        bool   `json:"connected"`
	StatesPublished  uint64 `json:"states_published"`
	PublishErrors    uint64 `json:"publish_errors"`
	Resyncs          uint64 `json:"resyncs"`
	CommandsReceived uint64 `json:"commands_received"`
	CommandsAccepted uint64 `json:"commands_accepted"`
	CommandsFailed   uint64 `json:"commands_failed"`
}

// Bridge connects the engine to the broker.
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	broker Broker
	engine Engine
	topics mqtt.Topics
	qos    byte
	logger Logger

	resync chan struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	started  atomic.Bool

	statesPublished  atomic.Uint64
	publishErrors    atomic.Uint64
	resyncs          atomic.Uint64
	commandsReceived atomic.Uint64
	commandsAccepted atomic.Uint64
	commandsFailed   atomic.Uint64
}

// New creates a bridge. Call Start to begin publishing.
func New(opts Options) (*Bridge, error) {
	if opts.Broker == nil {
		return nil, errors.New("mqttstate: broker is required")
	}
	if opts.Engine == nil {
		return nil, errors.New("mqttstate: engine is required")
	}
	if opts.QoS > 2 {
		return nil, mqtt.ErrInvalidQoS
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		broker: opts.Broker,
		engine: opts.Engine,
		topics: opts.Topics,
		qos:    opts.QoS,
		logger: opts.Logger,
		resync: make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start subscribes to the command topics and starts the publish loop. The
// loop stops when ctx is cancelled or Stop is called.
func (b *Bridge) Start(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return errors.New("mqttstate: already started")
	}

	topic := b.topics.AllCommands()
	if err := b.broker.Subscribe(topic, b.qos, b.handleCommand); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	b.logger.Info("subscribed to commands", "topic", topic)

	b.broker.SetOnConnect(b.requestResync)

	all := b.engine.SubscribeAll()
	status := b.engine.SubscribeStatus()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer all.Close()
		defer status.Close()
		b.run(ctx, all, status)
	}()
	return nil
}

// Stop ends the publish loop and unsubscribes from command topics.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.cancel()
		b.wg.Wait()
		if b.started.Load() && b.broker.IsConnected() {
			if err := b.broker.Unsubscribe(b.topics.AllCommands()); err != nil {
				b.logger.Warn("unsubscribe from commands failed", "error", err)
			}
		}
		b.logger.Info("mqtt state bridge stopped")
	})
}

func (b *Bridge) requestResync() {
	select {
	case b.resync <- struct{}{}:
	default:
	}
}

func (b *Bridge) run(ctx context.Context, all *subscription.GroupSubscription, status *subscription.StatusSubscription) {
	published := b.publishAll(all.Views(), status.State())

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.ctx.Done():
			return

		case <-b.resync:
			b.resyncs.Add(1)
			published = b.publishAll(all.Views(), status.State())

		case _, ok := <-status.Changes():
			if !ok {
				return
			}
			b.publishStatus(status.State())

		case _, ok := <-all.Changes():
			if !ok {
				return
			}
			views := all.Views()
			for i, v := range views {
				if v == nil || (i < len(published) && published[i] == v) {
					continue
				}
				if b.publishView(v) {
					published[i] = v
				}
			}
		}
	}
}

// publishAll publishes every view and the status. It returns the views
// that were published; failed slots stay nil so the next change retries.
func (b *Bridge) publishAll(views []*entity.View, cs entity.ConnectionState) []*entity.View {
	b.publishStatus(cs)
	published := make([]*entity.View, len(views))
	for i, v := range views {
		if v != nil && b.publishView(v) {
			published[i] = v
		}
	}
	return published
}

func (b *Bridge) publishView(v *entity.View) bool {
	payload, err := json.Marshal(v)
	if err != nil {
		b.publishErrors.Add(1)
		b.logger.Error("failed to marshal view", "entity_id", v.ID, "error", err)
		return false
	}
	if err := b.broker.Publish(b.topics.State(v.ID), payload, b.qos, true); err != nil {
		b.publishErrors.Add(1)
		b.logger.Debug("state publish failed", "entity_id", v.ID, "error", err)
		return false
	}
	b.statesPublished.Add(1)
	return true
}

func (b *Bridge) publishStatus(cs entity.ConnectionState) {
	payload, err := json.Marshal(cs)
	if err != nil {
		b.publishErrors.Add(1)
		return
	}
	if err := b.broker.Publish(b.topics.Status(), payload, b.qos, true); err != nil {
		b.publishErrors.Add(1)
		b.logger.Debug("status publish failed", "error", err)
	}
}

// handleCommand runs on the broker client's goroutine.
func (b *Bridge) handleCommand(topic string, payload []byte) error {
	b.commandsReceived.Add(1)

	id, ok := b.topics.CommandEntity(topic)
	if !ok {
		b.commandsFailed.Add(1)
		return fmt.Errorf("unexpected command topic %q", topic)
	}

	var msg CommandMessage
	if err := json.Unmarshal(payload, &msg); err != nil || msg.Action == "" {
		if err == nil {
			err = errors.New("action is required")
		}
		b.commandsFailed.Add(1)
		b.publishAck(AckMessage{EntityID: id, CommandID: msg.ID, Status: AckFailed, Code: CodeInvalidPayload, Message: err.Error()})
		return fmt.Errorf("parsing command for %s: %w", id, err)
	}

	ctx, cancel := context.WithTimeout(command.WithSource(b.ctx, Source), dispatchTimeout)
	defer cancel()

	receipt, err := b.engine.Dispatch(ctx, id, msg.Action, msg.Params)
	ack := AckMessage{
		CommandID: msg.ID,
		ReceiptID: receipt.ID,
		EntityID:  id,
		Action:    msg.Action,
		Status:    AckAccepted,
	}
	if err != nil {
		b.commandsFailed.Add(1)
		ack.Status = AckFailed
		ack.Code = errorCode(err)
		ack.Message = err.Error()
		b.publishAck(ack)
		b.logger.Warn("mqtt command failed", "entity_id", id, "action", msg.Action, "error", err)
		return nil
	}

	b.commandsAccepted.Add(1)
	b.publishAck(ack)
	b.logger.Info("mqtt command dispatched", "entity_id", id, "action", msg.Action, "receipt_id", receipt.ID)
	return nil
}

func (b *Bridge) publishAck(ack AckMessage) {
	ack.Timestamp = time.Now().UTC()
	payload, err := json.Marshal(ack)
	if err != nil {
		b.logger.Error("failed to marshal ack", "error", err)
		return
	}
	if err := b.broker.Publish(b.topics.Ack(ack.EntityID), payload, b.qos, false); err != nil {
		b.publishErrors.Add(1)
		b.logger.Warn("failed to publish ack", "entity_id", ack.EntityID, "error", err)
	}
}

// Metrics returns the bridge counters.
func (b *Bridge) Metrics() Metrics {
	return Metrics{
		Connected:        b.broker.IsConnected(),
		StatesPublished:  b.statesPublished.Load(),
		PublishErrors:    b.publishErrors.Load(),
		Resyncs:          b.resyncs.Load(),
		CommandsReceived: b.commandsReceived.Load(),
		CommandsAccepted: b.commandsAccepted.Load(),
		CommandsFailed:   b.commandsFailed.Load(),
	}
}
