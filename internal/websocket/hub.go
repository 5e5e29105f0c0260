// Package websocket serves the ingest endpoint that mod_audio_fork streams
// call audio to in relay mode.
package websocket

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024 // 512KB for audio chunks
)

// Subprotocol spoken by mod_audio_fork
const Subprotocol = "audio.drachtio.org"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// the switch does not send an Origin header
		return true
	},
	Subprotocols:    []string{Subprotocol},
	ReadBufferSize:  4096,
	WriteBufferSize: 1024,
}

// AudioSink receives call audio for one forked leg
type AudioSink interface {
	ForwardAudio(frame []byte) bool
}

// SinkLookup finds the live sink for a call leg
type SinkLookup func(sessionID string) (AudioSink, bool)

// Hub maintains the set of connected fork streams, one per call leg.
type Hub struct {
	// Connected streams by call leg.
	clients map[string]*Client

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	// Closed when Run returns.
	stopped chan struct{}

	// Mutex for thread-safe access to clients map
	mu sync.RWMutex

	lookup SinkLookup
	logger *zap.Logger
}

// NewHub creates a new ingest hub
func NewHub(lookup SinkLookup, logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stopped:    make(chan struct{}),
		lookup:     lookup,
		logger:     logger,
	}
}

// Run starts the hub's main loop. It returns when ctx is done, closing every
// stream still connected.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			previous := h.clients[client.sessionID]
			h.clients[client.sessionID] = client
			h.mu.Unlock()
			if previous != nil {
				// the switch reconnected; the newest stream wins
				previous.close()
			}
			h.logger.Info("Fork stream registered", zap.String("sessionID", client.sessionID))

		case client := <-h.unregister:
			h.mu.Lock()
			if current, ok := h.clients[client.sessionID]; ok && current == client {
				delete(h.clients, client.sessionID)
			}
			h.mu.Unlock()
			client.close()
			h.logger.Info("Fork stream unregistered",
				zap.String("sessionID", client.sessionID),
				zap.Int64("frames", client.frames.Load()),
				zap.Int64("dropped", client.dropped.Load()))

		case <-ctx.Done():
			h.mu.Lock()
			clients := h.clients
			h.clients = make(map[string]*Client)
			h.mu.Unlock()
			for _, client := range clients {
				client.close()
			}
			return
		}
	}
}

// ClientCount returns the number of connected streams
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Connected reports whether the switch is streaming for sessionID
func (h *Hub) Connected(sessionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[sessionID]
	return ok
}

// Client is a middleman between one fork stream and its session.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Closed to make the write pump send a close frame and exit.
	done      chan struct{}
	closeOnce sync.Once

	sessionID string
	logger    *zap.Logger

	metadata map[string]interface{}
	frames   atomic.Int64
	dropped  atomic.Int64
}

// HandleWebSocket upgrades a fork stream for the call leg in the :uuid path
// parameter. Legs without a live session are refused.
func HandleWebSocket(hub *Hub, c echo.Context, logger *zap.Logger) error {
	sessionID := c.Param("uuid")
	if _, ok := hub.lookup(sessionID); !ok {
		logger.Warn("Fork stream for unknown session", zap.String("sessionID", sessionID))
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}

	client := &Client{
		hub:       hub,
		conn:      conn,
		done:      make(chan struct{}),
		sessionID: sessionID,
		logger:    logger.With(zap.String("sessionID", sessionID)),
	}

	select {
	case client.hub.register <- client:
	case <-hub.stopped:
		conn.Close()
		return nil
	}

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.writePump()
	go client.readPump()

	return nil
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// readPump pumps audio from the fork stream to the session.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stopped:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Error("WebSocket error", zap.Error(err))
			}
			break
		}
		// any traffic proves the switch is alive
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch messageType {
		case websocket.TextMessage:
			c.processMessage(message)
		case websocket.BinaryMessage:
			c.processBinaryAudioChunk(message)
		default:
			c.logger.Warn("Received unknown message type", zap.Int("type", messageType))
		}
	}
}

// writePump keeps the stream alive and closes it on request.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// processMessage handles text frames. The first one echoes the metadata
// given to uuid_audio_fork start; the switch sends nothing else as text.
func (c *Client) processMessage(message []byte) {
	if c.metadata != nil {
		c.logger.Debug("Ignoring text frame from switch", zap.Int("bytes", len(message)))
		return
	}

	var meta map[string]interface{}
	if err := sonic.Unmarshal(message, &meta); err != nil {
		c.logger.Warn("Invalid stream metadata", zap.Error(err))
		return
	}
	c.metadata = meta
	c.logger.Info("Fork stream metadata", zap.Any("metadata", meta))
}

// processBinaryAudioChunk forwards one audio frame to the session.
func (c *Client) processBinaryAudioChunk(data []byte) {
	sink, ok := c.hub.lookup(c.sessionID)
	if !ok {
		c.dropped.Add(1)
		return
	}
	if sink.ForwardAudio(data) {
		c.frames.Add(1)
	} else {
		c.dropped.Add(1)
	}
}
