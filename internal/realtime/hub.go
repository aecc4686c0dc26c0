package realtime

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	DefaultSendBuffer   = 16
	DefaultWriteTimeout = 5 * time.Second
	DefaultPingInterval = 25 * time.Second

	maxInboundFrameBytes = 64 * 1024
	presenceTimeout      = 2 * time.Second
)

var errMissingRegistry = errors.New("realtime registry is required")

// PresenceRecorder receives session lifecycle events from the hub.
type PresenceRecorder interface {
	Join(ctx context.Context, topic Topic, connectionID string) error
	Touch(ctx context.Context, ownerID, connectionID string) error
	Leave(ctx context.Context, topic Topic, connectionID string) error
	LeaveAll(ctx context.Context, ownerID, connectionID string) error
}

// ConnectionObserver tracks the number of open push channels.
type ConnectionObserver interface {
	ConnectionOpened()
	ConnectionClosed()
}

type HubConfig struct {
	Registry     *Registry
	Presence     PresenceRecorder
	Observer     ConnectionObserver
	SendBuffer   int
	WriteTimeout time.Duration
	PingInterval time.Duration
	CheckOrigin  func(r *http.Request) bool
	NewID        func() string
	Logger       *zap.Logger
}

// Hub owns the websocket push channels. Each connection has a bounded outbound queue drained by
// its own writer goroutine, so a slow client only ever loses its own messages.
type Hub struct {
	registry     *Registry
	presence     PresenceRecorder
	observer     ConnectionObserver
	sendBuffer   int
	writeTimeout time.Duration
	pingInterval time.Duration
	newID        func() string
	upgrader     websocket.Upgrader
	logger       *zap.Logger

	mu          sync.RWMutex
	connections map[string]*connection
}

type connection struct {
	id        string
	ownerID   string
	ws        *websocket.Conn
	send      chan Message
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}

func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	sendBuffer := cfg.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = DefaultSendBuffer
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	pingInterval := cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = DefaultPingInterval
	}
	newID := cfg.NewID
	if newID == nil {
		newID = func() string { return uuid.NewString() }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Hub{
		registry:     cfg.Registry,
		presence:     cfg.Presence,
		observer:     cfg.Observer,
		sendBuffer:   sendBuffer,
		writeTimeout: writeTimeout,
		pingInterval: pingInterval,
		newID:        newID,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		logger:      logger,
		connections: make(map[string]*connection),
	}, nil
}

// Deliver enqueues a message without blocking.
func (h *Hub) Deliver(connectionID string, message Message) error {
	h.mu.RLock()
	conn := h.connections[connectionID]
	h.mu.RUnlock()
	if conn == nil {
		return ErrConnectionGone
	}
	select {
	case <-conn.closed:
		return ErrConnectionGone
	default:
	}
	select {
	case conn.send <- message:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// ConnectionCount returns the number of open push channels.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// Serve upgrades the request into a push channel bound to ownerID and blocks until the channel
// closes.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, ownerID string) error {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	conn := &connection{
		id:      h.newID(),
		ownerID: ownerID,
		ws:      ws,
		send:    make(chan Message, h.sendBuffer),
		closed:  make(chan struct{}),
	}
	h.register(conn)
	defer h.unregister(conn)

	conn.send <- Message{Type: MessageTypeWelcome, ConnectionID: conn.id}
	go h.writePump(conn)
	h.readPump(conn)
	return nil
}

func (h *Hub) register(conn *connection) {
	h.mu.Lock()
	h.connections[conn.id] = conn
	h.mu.Unlock()
	if h.observer != nil {
		h.observer.ConnectionOpened()
	}
	h.logger.Debug("push channel opened",
		zap.String("connection_id", conn.id),
		zap.String("owner_id", conn.ownerID))
}

func (h *Hub) unregister(conn *connection) {
	conn.close()
	h.registry.UnsubscribeAll(conn.id)
	h.mu.Lock()
	delete(h.connections, conn.id)
	h.mu.Unlock()
	if h.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
		if err := h.presence.LeaveAll(ctx, conn.ownerID, conn.id); err != nil {
			h.logger.Warn("presence cleanup failed", zap.String("connection_id", conn.id), zap.Error(err))
		}
		cancel()
	}
	if h.observer != nil {
		h.observer.ConnectionClosed()
	}
	h.logger.Debug("push channel closed", zap.String("connection_id", conn.id))
}

func (h *Hub) readPump(conn *connection) {
	pongWait := 2*h.pingInterval + h.writeTimeout
	conn.ws.SetReadLimit(maxInboundFrameBytes)
	_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var inbound Message
		if err := conn.ws.ReadJSON(&inbound); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("push channel read failed", zap.String("connection_id", conn.id), zap.Error(err))
			}
			return
		}
		_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))
		h.handleInbound(conn, inbound)
	}
}

func (h *Hub) handleInbound(conn *connection, inbound Message) {
	switch inbound.Type {
	case MessageTypeSubscribe, MessageTypeUnsubscribe:
		sectionType := strings.TrimSpace(inbound.SectionType)
		sectionKey := strings.TrimSpace(inbound.SectionKey)
		if sectionType == "" || sectionKey == "" {
			h.reply(conn, Message{Type: MessageTypeError, Reason: "validation_error"})
			return
		}
		topic := Topic{OwnerID: conn.ownerID, SectionType: sectionType, SectionKey: sectionKey}
		if inbound.Type == MessageTypeSubscribe {
			h.registry.Subscribe(conn.id, topic)
			h.recordPresence(conn, func(ctx context.Context) error {
				return h.presence.Join(ctx, topic, conn.id)
			})
			return
		}
		h.registry.Unsubscribe(conn.id, topic)
		h.recordPresence(conn, func(ctx context.Context) error {
			return h.presence.Leave(ctx, topic, conn.id)
		})
	case MessageTypePing:
		h.recordPresence(conn, func(ctx context.Context) error {
			return h.presence.Touch(ctx, conn.ownerID, conn.id)
		})
	default:
		h.reply(conn, Message{Type: MessageTypeError, Reason: "unsupported_type"})
	}
}

func (h *Hub) recordPresence(conn *connection, record func(ctx context.Context) error) {
	if h.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := record(ctx); err != nil {
		h.logger.Warn("presence update failed", zap.String("connection_id", conn.id), zap.Error(err))
	}
}

func (h *Hub) reply(conn *connection, message Message) {
	if err := h.Deliver(conn.id, message); err != nil {
		h.logger.Debug("push channel reply dropped", zap.String("connection_id", conn.id), zap.Error(err))
	}
}

func (h *Hub) writePump(conn *connection) {
	ticker := time.NewTicker(h.pingInterval)
	defer func() {
		ticker.Stop()
		conn.close()
	}()
	for {
		select {
		case <-conn.closed:
			return
		case message := <-conn.send:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := conn.ws.WriteJSON(message); err != nil {
				h.logger.Debug("push channel write failed", zap.String("connection_id", conn.id), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close terminates every open push channel.
func (h *Hub) Close() {
	h.mu.RLock()
	open := make([]*connection, 0, len(h.connections))
	for _, conn := range h.connections {
		open = append(open, conn)
	}
	h.mu.RUnlock()
	for _, conn := range open {
		_ = conn.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
			time.Now().Add(h.writeTimeout))
		conn.close()
	}
}
