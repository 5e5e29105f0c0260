package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/MetaPowerMatrix/mod-audio-fork/adapters"
	"github.com/MetaPowerMatrix/mod-audio-fork/adapters/artifact"
	"github.com/MetaPowerMatrix/mod-audio-fork/domain/entities"
	"github.com/MetaPowerMatrix/mod-audio-fork/domain/repositories"
	"github.com/MetaPowerMatrix/mod-audio-fork/internal/fork"
	"github.com/MetaPowerMatrix/mod-audio-fork/internal/metrics"
	"github.com/MetaPowerMatrix/mod-audio-fork/internal/playback"
	"github.com/MetaPowerMatrix/mod-audio-fork/internal/protocol"
	"github.com/MetaPowerMatrix/mod-audio-fork/internal/saga"
	"github.com/MetaPowerMatrix/mod-audio-fork/internal/websocket"
)

type okControl struct{}

func (okControl) API(context.Context, string) (repositories.Reply, error) {
	return repositories.Reply{OK: true, Text: "+OK"}, nil
}

type idleLink struct{ done chan struct{} }

func (l *idleLink) Open(context.Context) error            { return nil }
func (l *idleLink) SendAudio([]byte) bool                 { return true }
func (l *idleLink) SendText(context.Context, []byte) error { return nil }
func (l *idleLink) Inbound() <-chan []byte                { return nil }
func (l *idleLink) Done() <-chan struct{}                 { return l.done }
func (l *idleLink) Err() error                            { return nil }
func (l *idleLink) Close() error {
	select {
	case <-l.done:
	default:
		close(l.done)
	}
	return nil
}

type staticSwitch bool

func (s staticSwitch) Connected() bool { return bool(s) }

type testServer struct {
	e        *echo.Echo
	registry *fork.Registry
	records  *adapters.MemorySessionRepository
}

func newTestServer(t *testing.T, connected bool) *testServer {
	t.Helper()
	logger := zap.NewNop()

	store, err := artifact.NewFileStore(t.TempDir(), logger)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	records := adapters.NewMemorySessionRepository(0)

	deps := fork.Deps{
		Control: okControl{},
		Store:   store,
		Decoder: protocol.NewDecoder(store, logger),
		Sagas:   saga.NewManager(logger),
		Metrics: m,
		Links:   func(string) fork.Link { return &idleLink{done: make(chan struct{})} },
	}
	opts := fork.Options{
		Mode:           fork.ModeRelay,
		RemoteEndpoint: "ws://remote/audio",
		IngestURL:      "ws://bridge/fork",
		Playback: playback.Config{
			QueueCapacity: playback.DefaultQueueCapacity,
			Estimator:     playback.Estimator{DefaultWait: time.Hour, MinWait: time.Hour, MaxWait: time.Hour},
			Strategies:    playback.DefaultStrategies(),
		},
	}
	registry := fork.NewRegistry(deps, opts, records, nil, logger)

	hub := websocket.NewHub(func(id string) (websocket.AudioSink, bool) {
		s, ok := registry.Get(id)
		return s, ok
	}, logger)

	e := echo.New()
	InitRoutes(e, Dependencies{
		Registry: registry,
		Hub:      hub,
		Switch:   staticSwitch(connected),
		Records:  records,
		Gatherer: reg,
	}, logger)

	t.Cleanup(func() { registry.CloseAll(context.Background(), fork.ReasonShutdown) })
	return &testServer{e: e, registry: registry, records: records}
}

func (s *testServer) do(method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) open(t *testing.T, id string) *fork.Session {
	t.Helper()
	sess, err := s.registry.Open(context.Background(), id, entities.CallMetadata{CallID: "sip-" + id, Direction: entities.DirectionInbound})
	require.NoError(t, err)
	return sess
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, false)
	srv.open(t, "leg-1")

	rec := srv.do(http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, sonic.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "relay", resp.Mode)
	assert.Equal(t, 1, resp.Sessions)
	assert.False(t, resp.SwitchConnected)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, true)
	srv.open(t, "leg-1")

	rec := srv.do(http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "audio_fork_sessions_opened_total 1")
}

func TestSessionEndpoints(t *testing.T) {
	srv := newTestServer(t, true)
	srv.open(t, "leg-1")
	srv.open(t, "leg-2")

	rec := srv.do(http.MethodGet, "/api/v1/sessions")
	require.Equal(t, http.StatusOK, rec.Code)
	var list SessionListResponse
	require.NoError(t, sonic.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 2, list.Count)

	rec = srv.do(http.MethodGet, "/api/v1/sessions/leg-1")
	require.Equal(t, http.StatusOK, rec.Code)
	var info fork.Info
	require.NoError(t, sonic.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "leg-1", info.ID)
	assert.Equal(t, "sip-leg-1", info.Metadata.CallID)

	rec = srv.do(http.MethodGet, "/api/v1/sessions/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "session_not_found")
}

func TestCancelPlayback(t *testing.T) {
	srv := newTestServer(t, true)
	sess := srv.open(t, "leg-1")

	// the first clip starts playing and stays there, the rest wait
	frame := `{"type":"playAudio","data":{"audioContentType":"raw","sampleRate":8000,"audioContent":"AAAAAA=="}}`
	for i := 0; i < 3; i++ {
		sess.HandleControlFrame([]byte(frame))
	}
	require.Eventually(t, func() bool { return sess.Playback().Playing }, time.Second, 5*time.Millisecond)

	rec := srv.do(http.MethodDelete, "/api/v1/sessions/leg-1/playback")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp CancelPlaybackResponse
	require.NoError(t, sonic.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "leg-1", resp.SessionID)
	assert.Equal(t, 2, resp.Dropped)
	assert.Equal(t, 0, sess.Playback().Pending)
}

func TestCloseSessionAndRecords(t *testing.T) {
	srv := newTestServer(t, true)
	srv.open(t, "leg-1")

	rec := srv.do(http.MethodDelete, "/api/v1/sessions/leg-1")
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 0, srv.registry.Len())

	rec = srv.do(http.MethodDelete, "/api/v1/sessions/leg-1")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.Eventually(t, func() bool {
		r, err := srv.records.GetByID(context.Background(), "leg-1")
		return err == nil && r.CloseReason == fork.ReasonAdmin
	}, time.Second, 5*time.Millisecond)

	rec = srv.do(http.MethodGet, "/api/v1/records?limit=10")
	require.Equal(t, http.StatusOK, rec.Code)
	var list RecordListResponse
	require.NoError(t, sonic.Unmarshal(rec.Body.Bytes(), &list))
	require.Equal(t, 1, list.Count)
	assert.Equal(t, "leg-1", list.Records[0].ID)

	rec = srv.do(http.MethodGet, "/api/v1/records/leg-1")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = srv.do(http.MethodGet, "/api/v1/records/other")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = srv.do(http.MethodGet, "/api/v1/records?limit=zero")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "invalid_limit"))
}

func TestForkIngestUnknownSession(t *testing.T) {
	srv := newTestServer(t, true)

	rec := srv.do(http.MethodGet, "/fork/unknown")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
