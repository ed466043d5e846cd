package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/mcdev12/screensync/go/internal/screens/metrics"
	"github.com/mcdev12/screensync/go/internal/screens/protocol"
)

// InboundHandler receives decoded client frames. Calls for one connection are made from a single
// goroutine, so the handler may mutate the Session without locking.
type InboundHandler interface {
	HandleInbound(ctx context.Context, s *Session, msg protocol.Message) error
	HandleClosed(s *Session)
}

// Session is the per-connection routing state
type Session struct {
	ConnID   string
	Conn     protocol.Sender
	StableID string // set once the client has registered
}

// ConnectionManager manages screen WebSocket connections
type ConnectionManager struct {
	connections map[*Connection]bool
	mu          sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig
	handler  InboundHandler
}

// Connection is one screen socket. It implements protocol.Sender.
type Connection struct {
	ID      string
	Conn    *websocket.Conn
	manager *ConnectionManager
	session Session
	limiter *rate.Limiter

	// mu guards send against close
	mu     sync.Mutex
	send   chan []byte
	closed bool

	ConnectedAt time.Time
}

// ConnectionConfig holds configuration for WebSocket connections
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBufferSize  int
	InboundRate     rate.Limit
	InboundBurst    int
	CheckOrigin     func(r *http.Request) bool
}

func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBufferSize:  64,
		InboundRate:     20,
		InboundBurst:    40,
		CheckOrigin: func(r *http.Request) bool {
			// screens are served from arbitrary LAN hosts
			return true
		},
	}
}

func NewConnectionManager(config ConnectionConfig, handler InboundHandler) *ConnectionManager {
	return &ConnectionManager{
		connections: make(map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:  config,
		handler: handler,
	}
}

// Start blocks until ctx is cancelled, then closes every open connection
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")
	<-ctx.Done()
	log.Info().Msg("connection manager shutting down")
	cm.CloseAll()
}

// UpgradeConnection upgrades an HTTP connection to WebSocket and starts its pumps.
// ctx bounds the lifetime of inbound handling for this connection.
func (cm *ConnectionManager) UpgradeConnection(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	c := &Connection{
		ID:          uuid.New().String(),
		Conn:        conn,
		manager:     cm,
		send:        make(chan []byte, cm.config.SendBufferSize),
		limiter:     rate.NewLimiter(cm.config.InboundRate, cm.config.InboundBurst),
		ConnectedAt: time.Now(),
	}
	c.session = Session{ConnID: c.ID, Conn: c}

	cm.registerConnection(c)

	go c.writePump()
	go c.readPump(ctx)

	log.Info().
		Str("connection_id", c.ID).
		Str("remote_addr", r.RemoteAddr).
		Msg("WebSocket connection established")

	return nil
}

func (cm *ConnectionManager) registerConnection(c *Connection) {
	cm.mu.Lock()
	cm.connections[c] = true
	total := len(cm.connections)
	cm.mu.Unlock()

	metrics.WebSocketConnections.Inc()
	log.Debug().
		Str("connection_id", c.ID).
		Int("total_connections", total).
		Msg("connection registered")
}

// unregisterConnection removes c and closes its send queue. Safe to call more than once.
func (cm *ConnectionManager) unregisterConnection(c *Connection) {
	cm.mu.Lock()
	_, exists := cm.connections[c]
	delete(cm.connections, c)
	cm.mu.Unlock()

	if !exists {
		return
	}
	c.closeSend()
	metrics.WebSocketConnections.Dec()

	log.Info().
		Str("connection_id", c.ID).
		Str("device_id", c.stableID()).
		Msg("connection unregistered")
}

// CloseAll drops every connection; their read pumps then report the close to the handler
func (cm *ConnectionManager) CloseAll() {
	cm.mu.RLock()
	targets := make([]*Connection, 0, len(cm.connections))
	for c := range cm.connections {
		targets = append(targets, c)
	}
	cm.mu.RUnlock()

	for _, c := range targets {
		cm.unregisterConnection(c)
		c.Conn.Close()
	}
}

// GetConnectionStats returns statistics about active connections
func (cm *ConnectionManager) GetConnectionStats() map[string]interface{} {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	registered := 0
	for c := range cm.connections {
		if c.registered() {
			registered++
		}
	}

	return map[string]interface{}{
		"total_connections":      len(cm.connections),
		"registered_connections": registered,
	}
}

// Send queues msg for the write pump. It never blocks: a full queue or closed socket is an error.
func (c *Connection) Send(msg protocol.Message) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrSendFailed, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("%w: connection closed", protocol.ErrSendFailed)
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return fmt.Errorf("%w: send buffer full", protocol.ErrSendFailed)
	}
}

func (c *Connection) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Connection) stableID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.StableID
}

func (c *Connection) registered() bool {
	return c.stableID() != ""
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(c.manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.manager.unregisterConnection(c)
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.manager.config.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to send ping")
				return
			}
		}
	}
}

func (c *Connection) readPump(ctx context.Context) {
	defer func() {
		c.manager.handler.HandleClosed(&c.session)
		c.manager.unregisterConnection(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
		return nil
	})

	for {
		_, frame, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected WebSocket close error")
			}
			return
		}
		c.Conn.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))

		if !c.limiter.Allow() {
			log.Warn().
				Str("connection_id", c.ID).
				Str("device_id", c.session.StableID).
				Msg("inbound rate exceeded, dropping message")
			continue
		}

		c.handleClientMessage(ctx, frame)
	}
}

func (c *Connection) handleClientMessage(ctx context.Context, frame []byte) {
	msg, err := protocol.Decode(frame)
	if err == nil {
		c.mu.Lock()
		session := c.session
		c.mu.Unlock()

		err = c.manager.handler.HandleInbound(ctx, &session, msg)

		c.mu.Lock()
		c.session = session
		c.mu.Unlock()
	}
	if err == nil {
		return
	}

	log.Debug().
		Err(err).
		Str("connection_id", c.ID).
		Msg("rejected client message")

	if sendErr := c.Send(protocol.MustMessage(protocol.TypeError, protocol.ErrorPayload{Message: err.Error()})); sendErr != nil {
		log.Debug().Err(sendErr).Str("connection_id", c.ID).Msg("failed to report error to client")
	}
}
