package events

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Hub fans marketplace events out to WebSocket subscribers. It implements
// Publisher so the services stay unaware of the transport.
type Hub struct {
	connections map[*connection]bool
	broadcast   chan Event
	register    chan *connection
	unregister  chan *connection
	stop        chan struct{}

	mu       sync.RWMutex
	upgrader websocket.Upgrader
	logger   *zap.Logger
	closed   bool
}

// connection is one subscriber on the market event feed.
type connection struct {
	id   string
	conn *websocket.Conn
	send chan Event
}

// NewHub creates the hub and starts its broadcast loop.
func NewHub(logger *zap.Logger) *Hub {
	h := &Hub{
		connections: make(map[*connection]bool),
		broadcast:   make(chan Event, 256),
		register:    make(chan *connection),
		unregister:  make(chan *connection),
		stop:        make(chan struct{}),
		logger:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// In production, implement proper origin checking
				return true
			},
		},
	}

	go h.run()

	return h
}

// Publish queues an event for broadcast. Full buffers drop the event; the
// feed is informational and never blocks a marketplace operation.
func (h *Hub) Publish(event Event) {
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("event feed full, dropping event", zap.String("type", string(event.Type)))
	}
}

// ErrHubClosed is returned by HandleConnection after Close.
var ErrHubClosed = errors.New("event hub closed")

// HandleConnection upgrades an HTTP request to a WebSocket subscription.
func (h *Hub) HandleConnection(w http.ResponseWriter, r *http.Request) error {
	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	c := &connection{
		id:   uuid.New().String(),
		conn: wsConn,
		send: make(chan Event, 256),
	}

	// The run loop is gone once stop is closed; sending on register would
	// block this handler forever.
	select {
	case h.register <- c:
	case <-h.stop:
		wsConn.Close()
		return ErrHubClosed
	}

	go h.readPump(c)
	go h.writePump(c)

	return nil
}

// readPump drains the client side of the socket so control frames are
// processed. Subscribers never send application messages.
func (h *Hub) readPump(c *connection) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.stop:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("subscriber read error", zap.String("connection_id", c.id), zap.Error(err))
			}
			break
		}
	}
}

// writePump pushes events to the subscriber and keeps the socket alive.
func (h *Hub) writePump(c *connection) {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteJSON(event); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.connections[c] = true
			h.mu.Unlock()
			h.logger.Info("event subscriber connected", zap.String("connection_id", c.id))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.connections[c]; ok {
				delete(h.connections, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.logger.Info("event subscriber disconnected", zap.String("connection_id", c.id))

		case event := <-h.broadcast:
			h.mu.Lock()
			for c := range h.connections {
				select {
				case c.send <- event:
				default:
					close(c.send)
					delete(h.connections, c)
				}
			}
			h.mu.Unlock()

		case <-h.stop:
			h.mu.Lock()
			for c := range h.connections {
				close(c.send)
				delete(h.connections, c)
			}
			h.mu.Unlock()
			return
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// Close stops the broadcast loop and drops all subscribers.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.stop)
}
