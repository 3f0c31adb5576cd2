package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-mirror/internal/auth"
	"github.com/nerrad567/gray-logic-mirror/internal/entity"
	"github.com/nerrad567/gray-logic-mirror/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-mirror/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-mirror/internal/subscription"
)

// WebSocket message types.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"
)

// Event types pushed to clients.
const (
	EventEntityChanged     = "entity.changed"
	EventRoomChanged       = "room.changed"
	EventConnectionChanged = "connection.changed"
)

const (
	// wsSendBufferSize is the per-client outbound message buffer size.
	wsSendBufferSize = 256

	defaultWSPingInterval = 30 * time.Second
	defaultWSPongTimeout  = 10 * time.Second
)

// WSMessage represents a message sent to/from a WebSocket client.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload is the payload for subscribe/unsubscribe messages.
type WSSubscribePayload struct {
	Entities []string `json:"entities,omitempty"`
	Rooms    []string `json:"rooms,omitempty"`
}

// WSRejection explains why a subscribe target was refused.
type WSRejection struct {
	Target string `json:"target"`
	Reason string `json:"reason"`
}

// RoomEvent is the payload of room.changed.
type RoomEvent struct {
	Room     string         `json:"room"`
	Version  uint64         `json:"version"`
	Entities []*entity.View `json:"entities"`
}

// Hub tracks WebSocket clients and broadcasts connection events.
type Hub struct {
	cfg     config.WebSocketConfig
	logger  *logging.Logger
	clients map[*WSClient]struct{}
	mu      sync.RWMutex
}

// WSClient is one WebSocket connection and the engine subscriptions it
// holds.
type WSClient struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	engine Engine
	claims *auth.Claims

	mu       sync.Mutex
	entities map[string]*subscription.EntitySubscription
	rooms    map[string]*subscription.GroupSubscription
}

// upgrader configures the WebSocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by CORS middleware
		return true
	},
}

// NewHub creates a new WebSocket hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Register adds a client to the hub.
func (h *Hub) Register(client *WSClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", h.ClientCount())
}

// Unregister removes a client from the hub.
// Only the goroutine that removes the client from the map closes the send
// channel, so shutdown and disconnect cannot double-close it.
func (h *Hub) Unregister(client *WSClient) {
	h.mu.Lock()
	_, existed := h.clients[client]
	delete(h.clients, client)
	h.mu.Unlock()

	if existed {
		close(client.send)
	}
	h.logger.Debug("websocket client disconnected", "clients", h.ClientCount())
}

// Broadcast sends an event to every connected client.
func (h *Hub) Broadcast(eventType string, payload any) {
	data, err := eventMessage(eventType, payload)
	if err != nil {
		h.logger.Error("failed to marshal broadcast message", "error", err)
		return
	}

	h.mu.RLock()
	clients := make([]*WSClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		client.trySend(data)
	}
	if len(clients) > 0 {
		h.logger.Debug("broadcast sent", "event", eventType, "recipients", len(clients))
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// closeAll disconnects all clients and closes their send channels
// so writePump goroutines can exit cleanly.
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		if client.conn != nil {
			client.conn.Close()
		}
		delete(h.clients, client)
	}
}

func (h *Hub) pingInterval() time.Duration {
	if h.cfg.PingInterval <= 0 {
		return defaultWSPingInterval
	}
	return time.Duration(h.cfg.PingInterval) * time.Second
}

func (h *Hub) pongTimeout() time.Duration {
	if h.cfg.PongTimeout <= 0 {
		return defaultWSPongTimeout
	}
	return time.Duration(h.cfg.PongTimeout) * time.Second
}

func eventMessage(eventType string, payload any) ([]byte, error) {
	return json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
}

// wsClaims authenticates a WebSocket upgrade by ticket or bearer header.
func (s *Server) wsClaims(r *http.Request) (*auth.Claims, bool) {
	if ticket := r.URL.Query().Get("ticket"); ticket != "" {
		return s.tickets.consume(ticket)
	}
	token, ok := bearerToken(r)
	if !ok {
		return nil, false
	}
	claims, err := auth.ParseToken(token, s.secCfg.JWT.Secret)
	if err != nil {
		return nil, false
	}
	return claims, true
}

// handleWebSocket upgrades the connection. Browsers authenticate with a
// ticket from POST /auth/ws-ticket; other clients may send a bearer header.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.wsClaims(r)
	if !ok {
		writeUnauthorized(w, "valid ticket or bearer token is required")
		return
	}
	if !claims.Can(auth.PermEntityRead) {
		writeForbidden(w, "insufficient permissions")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &WSClient{
		hub:      s.hub,
		conn:     conn,
		send:     make(chan []byte, wsSendBufferSize),
		engine:   s.engine,
		claims:   claims,
		entities: make(map[string]*subscription.EntitySubscription),
		rooms:    make(map[string]*subscription.GroupSubscription),
	}

	s.hub.Register(client)
	client.sendEvent(EventConnectionChanged, s.engine.ConnectionState())

	go client.writePump()
	go client.readPump(s.wsCfg)
}

// readPump reads messages until the connection fails, then releases the
// client's subscriptions.
func (c *WSClient) readPump(cfg config.WebSocketConfig) {
	defer func() {
		c.closeSubscriptions()
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	if cfg.MaxMessageSize > 0 {
		c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	}
	wait := c.hub.pingInterval() + c.hub.pongTimeout()
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(wait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			} else {
				c.hub.logger.Debug("websocket closed", "error", err)
			}
			return
		}
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(wait))
		c.handleMessage(message)
	}
}

// writePump writes queued messages and keepalive pings.
func (c *WSClient) writePump() {
	ticker := time.NewTicker(c.hub.pingInterval())
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	writeWait := c.hub.pongTimeout()
	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				//nolint:errcheck // Best-effort close message
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage processes an incoming WebSocket message.
func (c *WSClient) handleMessage(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("", "invalid JSON message")
		return
	}

	switch msg.Type {
	case WSTypeSubscribe:
		c.handleSubscribe(msg)
	case WSTypeUnsubscribe:
		c.handleUnsubscribe(msg)
	case WSTypePing:
		c.sendResponse(msg.ID, WSTypePong, nil)
	default:
		c.sendError(msg.ID, "unknown message type: "+msg.Type)
	}
}

func decodeSubscribePayload(msg WSMessage) (WSSubscribePayload, error) {
	var sub WSSubscribePayload
	raw, err := json.Marshal(msg.Payload)
	if err != nil {
		return sub, err
	}
	err = json.Unmarshal(raw, &sub)
	return sub, err
}

// handleSubscribe opens engine subscriptions for the requested entities and
// rooms. Each accepted target is followed by an event carrying its current
// view so clients need no separate fetch.
func (c *WSClient) handleSubscribe(msg WSMessage) {
	sub, err := decodeSubscribePayload(msg)
	if err != nil {
		c.sendError(msg.ID, "invalid subscribe payload")
		return
	}

	var (
		entities = make([]string, 0, len(sub.Entities))
		rooms    = make([]string, 0, len(sub.Rooms))
		rejected []WSRejection
		initial  [][]byte
	)

	for _, id := range sub.Entities {
		es, reason := c.subscribeEntity(id)
		if reason != "" {
			rejected = append(rejected, WSRejection{Target: id, Reason: reason})
			continue
		}
		entities = append(entities, id)
		if data, err := eventMessage(EventEntityChanged, es.View()); err == nil {
			initial = append(initial, data)
		}
	}
	for _, name := range sub.Rooms {
		gs, reason := c.subscribeRoom(name)
		if reason != "" {
			rejected = append(rejected, WSRejection{Target: name, Reason: reason})
			continue
		}
		rooms = append(rooms, name)
		if data, err := eventMessage(EventRoomChanged, roomEvent(gs)); err == nil {
			initial = append(initial, data)
		}
	}

	c.sendResponse(msg.ID, WSTypeResponse, map[string]any{
		"entities": entities,
		"rooms":    rooms,
		"rejected": rejected,
	})
	for _, data := range initial {
		c.trySend(data)
	}
}

// subscribeEntity returns the client's subscription for id, creating it if
// needed, or a rejection reason.
func (c *WSClient) subscribeEntity(id string) (*subscription.EntitySubscription, string) {
	ident, ok := c.engine.Catalog().Get(id)
	if !ok {
		return nil, "unknown entity"
	}
	if !c.claims.CanAccessRoom(ident.Room) {
		return nil, "outside token rooms"
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if es, ok := c.entities[id]; ok {
		return es, ""
	}
	es, err := c.engine.SubscribeEntity(id)
	if err != nil {
		return nil, err.Error()
	}
	c.entities[id] = es
	go c.forwardEntity(es)
	return es, ""
}

func (c *WSClient) subscribeRoom(name string) (*subscription.GroupSubscription, string) {
	if _, err := c.engine.Catalog().Room(name); err != nil {
		return nil, "unknown room"
	}
	if !c.claims.CanAccessRoom(name) {
		return nil, "outside token rooms"
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if gs, ok := c.rooms[name]; ok {
		return gs, ""
	}
	gs, err := c.engine.SubscribeRoom(name)
	if err != nil {
		return nil, err.Error()
	}
	c.rooms[name] = gs
	go c.forwardRoom(gs)
	return gs, ""
}

// forwardEntity pushes entity.changed until the subscription is closed.
func (c *WSClient) forwardEntity(es *subscription.EntitySubscription) {
	for range es.Changes() {
		c.sendEvent(EventEntityChanged, es.View())
	}
}

// forwardRoom pushes room.changed until the subscription is closed.
func (c *WSClient) forwardRoom(gs *subscription.GroupSubscription) {
	for range gs.Changes() {
		c.sendEvent(EventRoomChanged, roomEvent(gs))
	}
}

func roomEvent(gs *subscription.GroupSubscription) RoomEvent {
	return RoomEvent{Room: gs.Name(), Version: gs.Version(), Entities: gs.Views()}
}

// handleUnsubscribe closes the named subscriptions.
func (c *WSClient) handleUnsubscribe(msg WSMessage) {
	sub, err := decodeSubscribePayload(msg)
	if err != nil {
		c.sendError(msg.ID, "invalid unsubscribe payload")
		return
	}

	c.mu.Lock()
	for _, id := range sub.Entities {
		if es, ok := c.entities[id]; ok {
			es.Close()
			delete(c.entities, id)
		}
	}
	for _, name := range sub.Rooms {
		if gs, ok := c.rooms[name]; ok {
			gs.Close()
			delete(c.rooms, name)
		}
	}
	c.mu.Unlock()

	c.sendResponse(msg.ID, WSTypeResponse, map[string]any{
		"unsubscribed": sub,
	})
}

// subscriptionCount returns the number of open entity and room
// subscriptions.
func (c *WSClient) subscriptionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entities) + len(c.rooms)
}

func (c *WSClient) closeSubscriptions() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, es := range c.entities {
		es.Close()
		delete(c.entities, id)
	}
	for name, gs := range c.rooms {
		gs.Close()
		delete(c.rooms, name)
	}
}

// trySend queues data for the client. It drops the message when the buffer
// is full and absorbs sends racing with disconnect.
func (c *WSClient) trySend(data []byte) {
	defer func() {
		recover() //nolint:errcheck // Absorb send-on-closed-channel panic
	}()

	select {
	case c.send <- data:
	default:
		c.hub.logger.Debug("websocket client buffer full, dropping message")
	}
}

func (c *WSClient) sendEvent(eventType string, payload any) {
	data, err := eventMessage(eventType, payload)
	if err != nil {
		return
	}
	c.trySend(data)
}

// sendResponse sends a response message to the client.
func (c *WSClient) sendResponse(id, msgType string, payload any) {
	msg := WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.trySend(data)
}

// sendError sends an error message to the client.
func (c *WSClient) sendError(id, message string) {
	c.sendResponse(id, WSTypeError, map[string]string{"message": message})
}
