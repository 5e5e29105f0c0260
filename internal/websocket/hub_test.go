package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

type fakeSink struct {
	mu     sync.Mutex
	frames [][]byte
	refuse bool
}

func (s *fakeSink) ForwardAudio(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refuse {
		return false
	}
	s.frames = append(s.frames, frame)
	return true
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func setupTestHub(t testing.TB, sinks map[string]*fakeSink) (*Hub, string, context.CancelFunc) {
	t.Helper()
	logger := zap.NewNop()

	hub := NewHub(func(id string) (AudioSink, bool) {
		sink, ok := sinks[id]
		if !ok {
			return nil, false
		}
		return sink, true
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	e := echo.New()
	e.GET("/fork/:uuid", func(c echo.Context) error {
		return HandleWebSocket(hub, c, logger)
	})
	srv := httptest.NewServer(e)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})

	return hub, "ws" + strings.TrimPrefix(srv.URL, "http") + "/fork/", cancel
}

func dialFork(t testing.TB, url string) *websocket.Conn {
	t.Helper()
	dialer := websocket.Dialer{Subprotocols: []string{Subprotocol}}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	return conn
}

func waitFor(t testing.TB, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHandleWebSocket_UnknownSession(t *testing.T) {
	_, base, _ := setupTestHub(t, map[string]*fakeSink{})

	dialer := websocket.Dialer{Subprotocols: []string{Subprotocol}}
	_, resp, err := dialer.Dial(base+"nobody", nil)
	if err == nil {
		t.Fatal("expected the upgrade to be refused")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %v", resp)
	}
}

func TestHandleWebSocket_ForwardsAudio(t *testing.T) {
	sink := &fakeSink{}
	hub, base, _ := setupTestHub(t, map[string]*fakeSink{"leg-1": sink})

	conn := dialFork(t, base+"leg-1")
	if conn.Subprotocol() != Subprotocol {
		t.Errorf("expected subprotocol %s, got %q", Subprotocol, conn.Subprotocol())
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"callId":"abc","to":"100","from":"200"}`)); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, 640)); err != nil {
			t.Fatal(err)
		}
	}

	waitFor(t, "three frames", func() bool { return sink.count() == 3 })
	if !hub.Connected("leg-1") {
		t.Error("expected leg-1 to be connected")
	}

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()
	waitFor(t, "unregister", func() bool { return hub.ClientCount() == 0 })
}

func TestHandleWebSocket_RefusedFramesAreCounted(t *testing.T) {
	sink := &fakeSink{refuse: true}
	hub, base, _ := setupTestHub(t, map[string]*fakeSink{"leg-1": sink})

	conn := dialFork(t, base+"leg-1")
	defer conn.Close()
	conn.WriteMessage(websocket.BinaryMessage, make([]byte, 640))

	waitFor(t, "registration", func() bool { return hub.Connected("leg-1") })
	var client *Client
	waitFor(t, "dropped frame", func() bool {
		hub.mu.RLock()
		client = hub.clients["leg-1"]
		hub.mu.RUnlock()
		return client != nil && client.dropped.Load() == 1
	})
	if sink.count() != 0 {
		t.Errorf("expected no accepted frames, got %d", sink.count())
	}
}

func TestHub_ReconnectReplacesStream(t *testing.T) {
	sink := &fakeSink{}
	hub, base, _ := setupTestHub(t, map[string]*fakeSink{"leg-1": sink})

	first := dialFork(t, base+"leg-1")
	defer first.Close()
	waitFor(t, "first registration", func() bool { return hub.Connected("leg-1") })

	second := dialFork(t, base+"leg-1")
	defer second.Close()

	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := first.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected the replaced stream to be closed, got %v", err)
	}

	second.WriteMessage(websocket.BinaryMessage, make([]byte, 320))
	waitFor(t, "frame on the new stream", func() bool { return sink.count() == 1 })
	if hub.ClientCount() != 1 {
		t.Errorf("expected one stream, got %d", hub.ClientCount())
	}
}

func TestHub_StopClosesStreams(t *testing.T) {
	hub, base, cancel := setupTestHub(t, map[string]*fakeSink{"leg-1": {}})

	conn := dialFork(t, base+"leg-1")
	defer conn.Close()
	waitFor(t, "registration", func() bool { return hub.Connected("leg-1") })

	cancel()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected close frame on shutdown, got %v", err)
	}
	if hub.ClientCount() != 0 {
		t.Errorf("expected no streams after shutdown, got %d", hub.ClientCount())
	}
}
