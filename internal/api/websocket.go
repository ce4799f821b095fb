package api

import (
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"perfwatch/internal/bus"
	"perfwatch/internal/logger"
	"perfwatch/internal/monitoring"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// StreamHandler forwards bus notifications to websocket clients.
type StreamHandler struct {
	upgrader websocket.Upgrader
	bus      *bus.Bus
	metrics  *monitoring.Metrics
	buffer   int
	log      logger.Logger

	mu      sync.Mutex
	clients map[string]*streamClient
}

type streamClient struct {
	id     string
	conn   *websocket.Conn
	msgs   <-chan bus.Message
	cancel func()
	done   chan struct{}
	once   sync.Once
}

// NewStreamHandler creates a handler whose per-client queues hold buffer
// notifications before dropping.
func NewStreamHandler(upgrader websocket.Upgrader, b *bus.Bus, metrics *monitoring.Metrics, buffer int, log logger.Logger) *StreamHandler {
	if buffer <= 0 {
		buffer = 256
	}
	return &StreamHandler{
		upgrader: upgrader,
		bus:      b,
		metrics:  metrics,
		buffer:   buffer,
		log:      log,
		clients:  make(map[string]*streamClient),
	}
}

// Stream upgrades the request and subscribes the client to the topics
// listed in the "topics" query parameter, or to everything.
func (h *StreamHandler) Stream(c *gin.Context) {
	var topics []string
	if raw := c.Query("topics"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				topics = append(topics, t)
			}
		}
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	msgs, cancel := h.bus.SubscribeChan(topics, h.buffer, h.metrics.RecordDroppedNotification)
	client := &streamClient{
		id:     uuid.NewString(),
		conn:   conn,
		msgs:   msgs,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	h.register(client)

	go h.writePump(client)
	go h.readPump(client)
}

// Clients returns the number of connected stream clients.
func (h *StreamHandler) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// CloseAll disconnects every client.
func (h *StreamHandler) CloseAll() {
	h.mu.Lock()
	clients := make([]*streamClient, 0, len(h.clients))
	for _, cl := range h.clients {
		clients = append(clients, cl)
	}
	h.mu.Unlock()

	for _, cl := range clients {
		h.unregister(cl)
	}
}

func (h *StreamHandler) register(cl *streamClient) {
	h.mu.Lock()
	h.clients[cl.id] = cl
	n := len(h.clients)
	h.mu.Unlock()

	h.metrics.SetStreamClients(n)
	h.log.Debug("stream client connected", "client_id", cl.id)
}

func (h *StreamHandler) unregister(cl *streamClient) {
	cl.once.Do(func() {
		cl.cancel()
		close(cl.done)

		h.mu.Lock()
		delete(h.clients, cl.id)
		n := len(h.clients)
		h.mu.Unlock()

		h.metrics.SetStreamClients(n)
		h.log.Debug("stream client disconnected", "client_id", cl.id)
	})
}

func (h *StreamHandler) writePump(cl *streamClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		h.unregister(cl)
		cl.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-cl.msgs:
			if !ok {
				cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
				cl.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-cl.done:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			cl.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		}
	}
}

// readPump only consumes control frames; clients do not send commands.
func (h *StreamHandler) readPump(cl *streamClient) {
	defer h.unregister(cl)

	cl.conn.SetReadLimit(512)
	cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		cl.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := cl.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn("stream read failed", "client_id", cl.id, "error", err)
			}
			return
		}
	}
}
