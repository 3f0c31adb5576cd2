package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-mirror/internal/entity"
)

// Default timeouts.
const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
	DefaultPingInterval     = 30 * time.Second
)

// Phase is the client's position in the connection lifecycle.
type Phase string

// Connection phases.
const (
	PhaseIdle           Phase = "idle"
	PhaseConnecting     Phase = "connecting"
	PhaseAuthenticating Phase = "authenticating"
	PhaseSubscribing    Phase = "subscribing"
	PhaseReady          Phase = "ready"
	PhaseError          Phase = "error"
	PhaseBackoff        Phase = "backoff"
	PhaseFailed         Phase = "failed"
	PhaseClosed         Phase = "closed"
)

// Status maps the phase onto the coarse status shown to views.
func (p Phase) Status() entity.ConnectionStatus {
	switch p {
	case PhaseConnecting, PhaseAuthenticating, PhaseSubscribing:
		return entity.StatusConnecting
	case PhaseReady:
		return entity.StatusConnected
	case PhaseFailed:
		return entity.StatusError
	default:
		return entity.StatusDisconnected
	}
}

// Filter decides which entity ids are tracked.
type Filter interface {
	Contains(id string) bool
}

// Handler receives everything the client learns from the remote.
// Methods are called from the client's reader goroutine and must not block.
type Handler interface {
	// HandleSnapshot receives the filtered get_states result of a connection.
	HandleSnapshot(epoch uint64, states []entity.RemoteState)

	// HandleStateChanged receives one tracked state_changed event.
	HandleStateChanged(epoch uint64, change StateChange)

	// HandleConnectionState receives every phase transition.
	HandleConnectionState(state entity.ConnectionState)
}

// Logger defines the logging interface used by the Client.
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

// Config configures a Client.
type Config struct {
	// URL is the remote WebSocket endpoint (ws:// or wss://).
	URL string

	// Token is the long-lived access token sent in the auth message.
	Token string

	// HandshakeTimeout bounds dialling and authentication.
	HandshakeTimeout time.Duration

	// WriteTimeout bounds each outbound frame.
	WriteTimeout time.Duration

	// PingInterval is the keepalive period. Zero uses the default;
	// a negative value disables keepalive.
	PingInterval time.Duration

	// Backoff is the reconnect policy.
	Backoff Backoff

	// Dial overrides the transport. Defaults to gorilla/websocket.
	Dial DialFunc
}

// Stats are cumulative client counters.
type Stats struct {
	FramesReceived   uint64 `json:"frames_received"`
	EventsDelivered  uint64 `json:"events_delivered"`
	EventsFiltered   uint64 `json:"events_filtered"`
	Malformed        uint64 `json:"malformed"`
	Sessions         uint64 `json:"sessions"`
	Reconnects       uint64 `json:"reconnects"`
	RequestsSent     uint64 `json:"requests_sent"`
	CommandsRejected uint64 `json:"commands_rejected"`
	ResultsUnmatched uint64 `json:"results_unmatched"`
	Epoch            uint64 `json:"epoch"`
}

type responseFunc func(Result) error

// session is the state of one connection.
type session struct {
	conn  Conn
	epoch uint64
	done  chan struct{}

	// Touched only by the reader goroutine.
	snapshotApplied bool
	buffered        []StateChange

	pingOutstanding atomic.Bool

	mu    sync.Mutex
	cause error
}

// abort records why the session is being torn down and unblocks the reader.
func (s *session) abort(err error) {
	s.mu.Lock()
	if s.cause == nil {
		s.cause = err
	}
	s.mu.Unlock()
	s.conn.Close()
}

func (s *session) err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// Client is a reconnecting protocol client.
type Client struct {
	cfg     Config
	filter  Filter
	handler Handler
	logger  Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	writeMu sync.Mutex

	mu      sync.Mutex
	phase   Phase
	message string
	sess    *session
	nextID  int
	pending map[int]responseFunc
	attempt int
	epoch   uint64
	lastErr error
	running bool
	closed  bool
	changed chan struct{}

	framesReceived   atomic.Uint64
	eventsDelivered  atomic.Uint64
	eventsFiltered   atomic.Uint64
	malformed        atomic.Uint64
	sessions         atomic.Uint64
	reconnects       atomic.Uint64
	requestsSent     atomic.Uint64
	commandsRejected atomic.Uint64
	resultsUnmatched atomic.Uint64
}

// New validates cfg and returns an idle client. Call Connect to start it.
func New(cfg Config, filter Filter, handler Handler) (*Client, error) {
	if filter == nil || handler == nil {
		return nil, fmt.Errorf("%w: filter and handler are required", ErrInvalidConfig)
	}
	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return nil, fmt.Errorf("%w: url %q must be ws:// or wss://", ErrInvalidConfig, cfg.URL)
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("%w: access token is required", ErrInvalidConfig)
	}

	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	cfg.Backoff = cfg.Backoff.withDefaults()
	if cfg.Dial == nil {
		cfg.Dial = WebSocketDialer(cfg.HandshakeTimeout)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:     cfg,
		filter:  filter,
		handler: handler,
		logger:  noopLogger{},
		ctx:     ctx,
		cancel:  cancel,
		phase:   PhaseIdle,
		nextID:  1,
		pending: make(map[int]responseFunc),
		changed: make(chan struct{}),
	}, nil
}

// SetLogger sets the logger for the client. Call before Connect.
func (c *Client) SetLogger(logger Logger) {
	c.logger = logger
}

// Connect starts the connection loop, or resumes it after PhaseFailed.
// It returns immediately; use WaitReady to block until the first snapshot.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	c.attempt = 0
	c.lastErr = nil
	c.phase = PhaseConnecting
	c.broadcastLocked()
	c.wg.Add(1)
	c.mu.Unlock()

	go c.run()
	return nil
}

// Close stops the client, tears down the connection and waits for the
// reader goroutine to exit. It is safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sess := c.sess
	c.mu.Unlock()

	c.cancel()
	if sess != nil {
		sess.abort(ErrClosed)
	}
	c.wg.Wait()

	c.setPhase(PhaseClosed, "")
	return nil
}

// WaitReady blocks until the client is ready, has failed, or ctx ends.
func (c *Client) WaitReady(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return ErrClosed
		}
		switch c.phase {
		case PhaseReady:
			c.mu.Unlock()
			return nil
		case PhaseFailed:
			err := c.lastErr
			c.mu.Unlock()
			return err
		}
		ch := c.changed
		c.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Phase returns the current phase.
func (c *Client) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// State returns the current connection state.
func (c *Client) State() entity.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

// Stats returns a snapshot of the client counters.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	epoch := c.epoch
	c.mu.Unlock()

	return Stats{
		FramesReceived:   c.framesReceived.Load(),
		EventsDelivered:  c.eventsDelivered.Load(),
		EventsFiltered:   c.eventsFiltered.Load(),
		Malformed:        c.malformed.Load(),
		Sessions:         c.sessions.Load(),
		Reconnects:       c.reconnects.Load(),
		RequestsSent:     c.requestsSent.Load(),
		CommandsRejected: c.commandsRejected.Load(),
		ResultsUnmatched: c.resultsUnmatched.Load(),
		Epoch:            epoch,
	}
}

// CallService sends a call_service request for cmd.
//
// onResult, if non-nil, is invoked at most once from the reader goroutine
// when the matching result arrives. It is never invoked if the connection
// drops first. The request id is returned.
func (c *Client) CallService(ctx context.Context, cmd Command, onResult func(Result)) (int, error) {
	svc, err := LookupService(cmd.Kind, cmd.Action)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	sess := c.sess
	if c.phase != PhaseReady || sess == nil {
		c.mu.Unlock()
		return 0, ErrNotConnected
	}
	c.mu.Unlock()

	req := request{
		Type:        TypeCallService,
		Domain:      svc.Domain,
		Service:     svc.Service,
		Target:      &target{EntityID: cmd.EntityID},
		ServiceData: cmd.Params,
	}
	return c.request(ctx, sess, req, func(r Result) error {
		if r.Err() != nil {
			c.commandsRejected.Add(1)
		}
		if onResult != nil {
			onResult(r)
		}
		return nil
	})
}

// run is the connection loop. It exits on Close, on auth rejection, or
// once the retry budget is spent.
func (c *Client) run() {
	defer c.wg.Done()

	for {
		err := c.runSession()
		if c.ctx.Err() != nil {
			return
		}

		if errors.Is(err, ErrAuthInvalid) {
			c.logger.Error("authentication rejected, not retrying", "error", err)
			c.fail(err)
			return
		}

		c.mu.Lock()
		c.attempt++
		attempt := c.attempt
		c.lastErr = err
		c.mu.Unlock()

		if c.cfg.Backoff.Exhausted(attempt) {
			c.logger.Error("giving up on remote connection", "attempts", attempt-1, "error", err)
			c.fail(fmt.Errorf("%w after %d retries: %w", ErrRetriesExhausted, attempt-1, err))
			return
		}

		delay := c.cfg.Backoff.Delay(attempt)
		c.logger.Warn("remote connection lost, retrying",
			"attempt", attempt, "delay", delay.String(), "error", err)
		c.setPhase(endPhase(err), err.Error())
		c.setPhase(PhaseBackoff, err.Error())

		timer := time.NewTimer(delay)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		c.reconnects.Add(1)
	}
}

// endPhase is the phase recorded when a session ends: closed when the
// remote sent a normal close frame, error otherwise.
func endPhase(err error) Phase {
	var ce *websocket.CloseError
	if errors.As(err, &ce) && (ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway) {
		return PhaseClosed
	}
	return PhaseError
}

// fail stops the loop and enters PhaseFailed.
func (c *Client) fail(err error) {
	c.mu.Lock()
	c.running = false
	c.lastErr = err
	c.phase = PhaseFailed
	c.message = err.Error()
	cs := c.stateLocked()
	c.broadcastLocked()
	c.mu.Unlock()

	c.handler.HandleConnectionState(cs)
}

// runSession runs one connection from dial to teardown.
func (c *Client) runSession() error {
	c.setPhase(PhaseConnecting, "")

	dialCtx, cancel := context.WithTimeout(c.ctx, c.cfg.HandshakeTimeout)
	conn, err := c.cfg.Dial(dialCtx, c.cfg.URL)
	cancel()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}

	sess := &session{conn: conn, done: make(chan struct{})}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.sess = sess
	c.mu.Unlock()
	c.sessions.Add(1)
	defer c.teardown(sess)

	c.setPhase(PhaseAuthenticating, "")
	if err := c.authenticate(sess); err != nil {
		return err
	}

	c.mu.Lock()
	c.epoch++
	sess.epoch = c.epoch
	c.mu.Unlock()

	c.setPhase(PhaseSubscribing, "")
	if err := c.subscribe(sess); err != nil {
		return err
	}

	if c.cfg.PingInterval > 0 {
		go c.keepalive(sess)
	}
	return c.readLoop(sess)
}

// teardown closes the connection and drops every pending callback unresolved.
func (c *Client) teardown(sess *session) {
	close(sess.done)
	sess.conn.Close()

	c.mu.Lock()
	if c.sess == sess {
		c.sess = nil
	}
	dropped := len(c.pending)
	c.pending = make(map[int]responseFunc)
	c.mu.Unlock()

	if dropped > 0 {
		c.logger.Debug("dropped pending requests on teardown", "count", dropped, "epoch", sess.epoch)
	}
}

func (c *Client) authenticate(sess *session) error {
	if err := sess.conn.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout)); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}

	msg, err := c.readHandshake(sess)
	if err != nil {
		return err
	}
	if msg.Type != TypeAuthRequired {
		return fmt.Errorf("%w: expected %s, got %q", ErrUnexpectedMessage, TypeAuthRequired, msg.Type)
	}

	if err := c.write(c.ctx, sess.conn, authMessage{Type: TypeAuth, AccessToken: c.cfg.Token}); err != nil {
		return err
	}

	msg, err = c.readHandshake(sess)
	if err != nil {
		return err
	}
	switch msg.Type {
	case TypeAuthOK:
	case TypeAuthInvalid:
		return fmt.Errorf("%w: %s", ErrAuthInvalid, msg.Message)
	default:
		return fmt.Errorf("%w: expected %s, got %q", ErrUnexpectedMessage, TypeAuthOK, msg.Type)
	}

	if err := sess.conn.SetReadDeadline(time.Time{}); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return nil
}

func (c *Client) readHandshake(sess *session) (inbound, error) {
	_, data, err := sess.conn.ReadMessage()
	if err != nil {
		if cause := sess.err(); cause != nil {
			return inbound{}, cause
		}
		return inbound{}, fmt.Errorf("%w: handshake read: %w", ErrTransport, err)
	}
	c.framesReceived.Add(1)

	msgs, err := decodeFrame(data)
	if err != nil {
		c.malformed.Add(1)
		return inbound{}, err
	}
	if len(msgs) == 0 {
		return inbound{}, fmt.Errorf("%w: empty handshake frame", ErrMalformedMessage)
	}
	return msgs[0], nil
}

func (c *Client) subscribe(sess *session) error {
	_, err := c.request(c.ctx, sess, request{Type: TypeSubscribeEvents, EventType: EventStateChanged}, func(r Result) error {
		if err := r.Err(); err != nil {
			return fmt.Errorf("subscribe_events: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	_, err = c.request(c.ctx, sess, request{Type: TypeGetStates}, func(r Result) error {
		return c.applySnapshot(sess, r)
	})
	return err
}

// request registers fn under a new id and sends req.
func (c *Client) request(ctx context.Context, sess *session, req request, fn responseFunc) (int, error) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	req.ID = id
	c.pending[id] = fn
	c.mu.Unlock()

	if err := c.write(ctx, sess.conn, req); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return 0, err
	}
	c.requestsSent.Add(1)
	return id, nil
}

// write marshals v and sends it as one text frame.
func (c *Client) write(ctx context.Context, conn Conn, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: write: %w", ErrTransport, err)
	}
	return nil
}

func (c *Client) readLoop(sess *session) error {
	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			if cause := sess.err(); cause != nil {
				return cause
			}
			return fmt.Errorf("%w: read: %w", ErrTransport, err)
		}
		c.framesReceived.Add(1)

		msgs, err := decodeFrame(data)
		if err != nil {
			c.malformed.Add(1)
			c.logger.Warn("dropping malformed frame", "error", err, "bytes", len(data))
			continue
		}

		for _, msg := range msgs {
			if err := c.dispatch(sess, msg); err != nil {
				return err
			}
		}
	}
}

// dispatch routes one inbound message. A returned error ends the session.
func (c *Client) dispatch(sess *session, msg inbound) error {
	switch msg.Type {
	case TypeEvent:
		c.handleEvent(sess, msg)
		return nil

	case TypeResult, TypePong:
		c.mu.Lock()
		fn, ok := c.pending[msg.ID]
		delete(c.pending, msg.ID)
		c.mu.Unlock()

		if !ok {
			c.resultsUnmatched.Add(1)
			c.logger.Debug("result for unknown request", "id", msg.ID, "type", msg.Type)
			return nil
		}
		return fn(Result{
			ID:      msg.ID,
			Success: msg.Type == TypePong || msg.Success,
			Result:  msg.Result,
			Error:   msg.Error,
		})

	case "":
		c.malformed.Add(1)
		c.logger.Warn("dropping message without type", "id", msg.ID)
		return nil

	default:
		c.logger.Debug("ignoring message", "type", msg.Type, "id", msg.ID)
		return nil
	}
}

func (c *Client) handleEvent(sess *session, msg inbound) {
	var ev eventEnvelope
	if err := json.Unmarshal(msg.Event, &ev); err != nil {
		c.malformed.Add(1)
		c.logger.Warn("dropping malformed event", "error", err)
		return
	}
	if ev.EventType != EventStateChanged {
		return
	}

	id := ev.Data.EntityID
	if id == "" {
		c.malformed.Add(1)
		c.logger.Warn("dropping state event without entity_id")
		return
	}
	if !c.filter.Contains(id) {
		c.eventsFiltered.Add(1)
		return
	}

	change := StateChange{EntityID: id}
	if len(ev.Data.NewState) > 0 && string(ev.Data.NewState) != "null" {
		var rs entity.RemoteState
		if err := json.Unmarshal(ev.Data.NewState, &rs); err != nil {
			c.malformed.Add(1)
			c.logger.Warn("dropping malformed state", "entity_id", id, "error", err)
			return
		}
		if rs.EntityID == "" {
			rs.EntityID = id
		}
		change.New = &rs
	}

	if !sess.snapshotApplied {
		sess.buffered = append(sess.buffered, change)
		return
	}
	c.eventsDelivered.Add(1)
	c.handler.HandleStateChanged(sess.epoch, change)
}

// applySnapshot hands the filtered get_states result to the handler,
// flushes events buffered while it was outstanding and enters PhaseReady.
func (c *Client) applySnapshot(sess *session, r Result) error {
	if err := r.Err(); err != nil {
		return fmt.Errorf("get_states: %w", err)
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(r.Result, &raws); err != nil {
		c.malformed.Add(1)
		return fmt.Errorf("%w: get_states result: %v", ErrMalformedMessage, err)
	}

	states := make([]entity.RemoteState, 0, len(raws))
	for _, raw := range raws {
		var ref entityRef
		if err := json.Unmarshal(raw, &ref); err != nil || ref.EntityID == "" {
			c.malformed.Add(1)
			continue
		}
		if !c.filter.Contains(ref.EntityID) {
			c.eventsFiltered.Add(1)
			continue
		}
		var rs entity.RemoteState
		if err := json.Unmarshal(raw, &rs); err != nil {
			c.malformed.Add(1)
			c.logger.Warn("dropping malformed state in snapshot", "entity_id", ref.EntityID, "error", err)
			continue
		}
		states = append(states, rs)
	}

	c.handler.HandleSnapshot(sess.epoch, states)
	sess.snapshotApplied = true

	for _, change := range sess.buffered {
		c.eventsDelivered.Add(1)
		c.handler.HandleStateChanged(sess.epoch, change)
	}
	flushed := len(sess.buffered)
	sess.buffered = nil

	c.mu.Lock()
	c.attempt = 0
	c.lastErr = nil
	c.mu.Unlock()
	c.setPhase(PhaseReady, "")

	c.logger.Info("remote snapshot applied",
		"epoch", sess.epoch, "reported", len(raws), "tracked", len(states), "buffered", flushed)
	return nil
}

// keepalive pings every PingInterval and aborts the session when the
// previous ping is still unanswered.
func (c *Client) keepalive(sess *session) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sess.done:
			return
		case <-ticker.C:
			if sess.pingOutstanding.Load() {
				c.logger.Warn("keepalive ping unanswered", "epoch", sess.epoch)
				sess.abort(ErrKeepaliveTimeout)
				return
			}
			sess.pingOutstanding.Store(true)
			_, err := c.request(c.ctx, sess, request{Type: TypePing}, func(Result) error {
				sess.pingOutstanding.Store(false)
				return nil
			})
			if err != nil {
				sess.abort(err)
				return
			}
		}
	}
}

// setPhase records a transition and reports it to the handler.
func (c *Client) setPhase(p Phase, message string) {
	c.mu.Lock()
	c.phase = p
	c.message = message
	cs := c.stateLocked()
	c.broadcastLocked()
	c.mu.Unlock()

	c.handler.HandleConnectionState(cs)
}

func (c *Client) stateLocked() entity.ConnectionState {
	return entity.ConnectionState{
		Status:  c.phase.Status(),
		Phase:   string(c.phase),
		Message: c.message,
		Attempt: c.attempt,
		Epoch:   c.epoch,
		Since:   time.Now(),
	}
}

// broadcastLocked wakes WaitReady callers.
func (c *Client) broadcastLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}
