// Package link holds the duplex connection to the remote audio endpoint.
package link

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/MetaPowerMatrix/mod-audio-fork/domain"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. playAudio frames carry
	// base64 clips.
	maxMessageSize = 8 * 1024 * 1024

	sendBufferSize    = 256
	inboundBufferSize = 64
)

// Subprotocol spoken by mod_audio_fork and its remote endpoints
const Subprotocol = "audio.drachtio.org"

// WriteData is one queued outbound frame
type WriteData struct {
	// Type is websocket.TextMessage or websocket.BinaryMessage
	Type    int
	Payload []byte
}

// WebSocketLink dials the remote endpoint, announces the stream format and
// then carries call audio out and control frames in.
type WebSocketLink struct {
	url      string
	metadata domain.StreamMetadata
	dialer   *websocket.Dialer
	logger   *zap.Logger

	conn    *websocket.Conn // guarded by errMu until the pumps start
	send    chan WriteData
	inbound chan []byte
	done    chan struct{}

	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// NewWebSocketLink creates an unopened link to url
func NewWebSocketLink(url string, metadata domain.StreamMetadata, logger *zap.Logger) *WebSocketLink {
	return &WebSocketLink{
		url:      url,
		metadata: metadata,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			Subprotocols:     []string{Subprotocol},
		},
		logger:  logger,
		send:    make(chan WriteData, sendBufferSize),
		inbound: make(chan []byte, inboundBufferSize),
		done:    make(chan struct{}),
	}
}

// Open dials the endpoint and sends the metadata frame before any audio
func (l *WebSocketLink) Open(ctx context.Context) error {
	conn, _, err := l.dialer.DialContext(ctx, l.url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial remote endpoint %s: %w", l.url, err)
	}

	meta, err := sonic.Marshal(l.metadata)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to encode stream metadata: %w", err)
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, meta); err != nil {
		conn.Close()
		return fmt.Errorf("failed to send stream metadata: %w", err)
	}

	// Close may have run while dialing
	l.errMu.Lock()
	select {
	case <-l.done:
		l.errMu.Unlock()
		conn.Close()
		return domain.ErrLinkLost
	default:
	}
	l.conn = conn
	l.errMu.Unlock()

	go l.writePump()
	go l.readPump()

	l.logger.Info("Remote link opened", zap.String("url", l.url))
	return nil
}

// SendAudio queues one PCM frame. It never blocks; false means the frame
// was dropped.
func (l *WebSocketLink) SendAudio(frame []byte) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.send <- WriteData{Type: websocket.BinaryMessage, Payload: frame}:
		return true
	default:
		return false
	}
}

// SendText queues a text frame, waiting for buffer space
func (l *WebSocketLink) SendText(ctx context.Context, payload []byte) error {
	select {
	case l.send <- WriteData{Type: websocket.TextMessage, Payload: payload}:
		return nil
	case <-l.done:
		return domain.ErrLinkLost
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Inbound delivers text frames received from the endpoint
func (l *WebSocketLink) Inbound() <-chan []byte { return l.inbound }

// Done is closed when the link ends for any reason
func (l *WebSocketLink) Done() <-chan struct{} { return l.done }

// Err returns nil after Close and a LinkLost error after a connection failure
func (l *WebSocketLink) Err() error {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	return l.err
}

// Close ends the link. The write pump sends a close frame on its way out.
func (l *WebSocketLink) Close() error {
	l.shutdown(nil)
	return nil
}

func (l *WebSocketLink) shutdown(err error) {
	l.closeOnce.Do(func() {
		l.errMu.Lock()
		l.err = err
		close(l.done)
		conn := l.conn
		l.errMu.Unlock()
		if conn != nil && err != nil {
			conn.Close()
		}
	})
}

// readPump pumps control frames from the endpoint to Inbound.
func (l *WebSocketLink) readPump() {
	defer l.conn.Close()

	l.conn.SetReadLimit(maxMessageSize)
	l.conn.SetReadDeadline(time.Now().Add(pongWait))
	l.conn.SetPongHandler(func(string) error {
		l.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := l.conn.ReadMessage()
		if err != nil {
			select {
			case <-l.done:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					l.logger.Warn("Remote link read failed", zap.String("url", l.url), zap.Error(err))
				}
			}
			l.shutdown(fmt.Errorf("%w: %v", domain.ErrLinkLost, err))
			return
		}

		switch messageType {
		case websocket.TextMessage:
			select {
			case l.inbound <- message:
			case <-l.done:
				return
			}
		case websocket.BinaryMessage:
			l.logger.Debug("Ignoring binary frame from remote endpoint", zap.Int("bytes", len(message)))
		}
	}
}

// writePump pumps queued frames to the endpoint and keeps it alive.
func (l *WebSocketLink) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		l.conn.Close()
	}()

	for {
		select {
		case message := <-l.send:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(message.Type, message.Payload); err != nil {
				l.logger.Error("Failed to write message", zap.String("url", l.url), zap.Error(err))
				l.shutdown(fmt.Errorf("%w: %v", domain.ErrLinkLost, err))
				return
			}

		case <-ticker.C:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				l.shutdown(fmt.Errorf("%w: %v", domain.ErrLinkLost, err))
				return
			}

		case <-l.done:
			if l.Err() == nil {
				l.conn.SetWriteDeadline(time.Now().Add(writeWait))
				err := l.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
					l.logger.Debug("Failed to send close frame", zap.Error(err))
				}
			}
			return
		}
	}
}
