package fork

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/MetaPowerMatrix/mod-audio-fork/adapters/artifact"
	"github.com/MetaPowerMatrix/mod-audio-fork/domain"
	"github.com/MetaPowerMatrix/mod-audio-fork/domain/entities"
	"github.com/MetaPowerMatrix/mod-audio-fork/domain/repositories"
	"github.com/MetaPowerMatrix/mod-audio-fork/internal/metrics"
	"github.com/MetaPowerMatrix/mod-audio-fork/internal/playback"
	"github.com/MetaPowerMatrix/mod-audio-fork/internal/protocol"
	"github.com/MetaPowerMatrix/mod-audio-fork/internal/saga"
)

type fakeControl struct {
	mu       sync.Mutex
	commands []string
	reply    func(cmd string) (repositories.Reply, error)
}

func (f *fakeControl) API(_ context.Context, cmd string) (repositories.Reply, error) {
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	reply := f.reply
	f.mu.Unlock()

	if reply != nil {
		return reply(cmd)
	}
	return repositories.Reply{OK: true, Text: "+OK Success"}, nil
}

func (f *fakeControl) setReply(reply func(cmd string) (repositories.Reply, error)) {
	f.mu.Lock()
	f.reply = reply
	f.mu.Unlock()
}

func (f *fakeControl) matching(prefix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.commands {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

type fakeLink struct {
	openErr error
	full    bool

	mu     sync.Mutex
	audio  [][]byte
	texts  []string
	opened int
	closed int

	inbound chan []byte
	done    chan struct{}
	once    sync.Once
	err     error
}

func newFakeLink() *fakeLink {
	return &fakeLink{inbound: make(chan []byte, 16), done: make(chan struct{})}
}

func (l *fakeLink) Open(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.openErr != nil {
		return l.openErr
	}
	l.opened++
	return nil
}

func (l *fakeLink) SendAudio(frame []byte) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.full {
		return false
	}
	l.audio = append(l.audio, frame)
	return true
}

func (l *fakeLink) SendText(ctx context.Context, payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.texts = append(l.texts, string(payload))
	return nil
}

func (l *fakeLink) Inbound() <-chan []byte { return l.inbound }
func (l *fakeLink) Done() <-chan struct{}  { return l.done }

func (l *fakeLink) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	l.closed++
	l.mu.Unlock()
	l.drop(nil)
	return nil
}

func (l *fakeLink) drop(err error) {
	l.once.Do(func() {
		l.mu.Lock()
		l.err = err
		l.mu.Unlock()
		close(l.done)
	})
}

func (l *fakeLink) closeCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *fakeLink) sentTexts() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.texts...)
}

type notifyLog struct {
	mu    sync.Mutex
	items []Notification
}

func (n *notifyLog) Notify(item Notification) {
	n.mu.Lock()
	n.items = append(n.items, item)
	n.mu.Unlock()
}

func (n *notifyLog) kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, item := range n.items {
		out = append(out, item.Kind)
	}
	return out
}

func (n *notifyLog) ofKind(kind string) []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []Notification
	for _, item := range n.items {
		if item.Kind == kind {
			out = append(out, item)
		}
	}
	return out
}

type fakeRecords struct {
	mu      sync.Mutex
	records map[string]entities.SessionRecord
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{records: make(map[string]entities.SessionRecord)}
}

func (f *fakeRecords) Create(_ context.Context, r *entities.SessionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.records[r.ID]; ok {
		return fmt.Errorf("duplicate record %s", r.ID)
	}
	f.records[r.ID] = *r
	return nil
}

func (f *fakeRecords) Update(_ context.Context, r *entities.SessionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[r.ID] = *r
	return nil
}

func (f *fakeRecords) GetByID(_ context.Context, id string) (*entities.SessionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return &r, nil
}

func (f *fakeRecords) ListRecent(_ context.Context, limit int) ([]*entities.SessionRecord, error) {
	return nil, nil
}

type harness struct {
	control  *fakeControl
	store    *artifact.FileStore
	notes    *notifyLog
	records  *fakeRecords
	registry *Registry

	mu    sync.Mutex
	links map[string]*fakeLink
	// prepare adjusts a link before the session uses it
	prepare func(l *fakeLink)
}

func newHarness(t *testing.T, mode Mode, estimator playback.Estimator) *harness {
	t.Helper()
	store, err := artifact.NewFileStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	h := &harness{
		control: &fakeControl{},
		store:   store,
		notes:   &notifyLog{},
		records: newFakeRecords(),
		links:   make(map[string]*fakeLink),
	}

	deps := Deps{
		Control:  h.control,
		Store:    store,
		Decoder:  protocol.NewDecoder(store, zap.NewNop()),
		Sagas:    saga.NewManager(zap.NewNop()),
		Metrics:  metrics.New(prometheus.NewRegistry()),
		Notifier: h.notes,
		Links:    h.newLink,
	}
	if mode == ModeDirect {
		deps.Links = func(id string) Link { return NewSwitchLink(id, h.control, zap.NewNop()) }
	}
	opts := Options{
		Mode:           mode,
		RemoteEndpoint: "ws://remote.example:8080/audio",
		IngestURL:      "ws://127.0.0.1:8090/fork/",
		ChannelVars:    map[string]string{"STREAM_HEART_BEAT": "30", "STREAM_BUFFER_SIZE": "20"},
		Playback: playback.Config{
			QueueCapacity: playback.DefaultQueueCapacity,
			Estimator:     estimator,
			Strategies:    playback.DefaultStrategies(),
		},
		OpenTimeout: 2 * time.Second,
	}
	h.registry = NewRegistry(deps, opts, h.records, nil, zap.NewNop())
	t.Cleanup(func() { h.registry.CloseAll(context.Background(), ReasonShutdown) })
	return h
}

func (h *harness) newLink(id string) Link {
	l := newFakeLink()
	h.mu.Lock()
	if h.prepare != nil {
		h.prepare(l)
	}
	h.links[id] = l
	h.mu.Unlock()
	return l
}

func (h *harness) link(id string) *fakeLink {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.links[id]
}

func (h *harness) open(t *testing.T, id string) *Session {
	t.Helper()
	s, err := h.registry.Open(context.Background(), id, entities.CallMetadata{
		CallID:    "call-" + id,
		To:        "sip:100@pbx",
		From:      "sip:200@pbx",
		Direction: entities.DirectionInbound,
	})
	require.NoError(t, err)
	return s
}

func fastEstimator() playback.Estimator {
	return playback.Estimator{DefaultWait: 20 * time.Millisecond, MinWait: 10 * time.Millisecond, MaxWait: 50 * time.Millisecond}
}

func slowEstimator() playback.Estimator {
	return playback.Estimator{DefaultWait: 10 * time.Second, MinWait: 10 * time.Second, MaxWait: 10 * time.Second}
}

func playAudioFrame(sampleRate int) []byte {
	content := base64.StdEncoding.EncodeToString(make([]byte, 320))
	return []byte(fmt.Sprintf(
		`{"type":"playAudio","data":{"audioContentType":"raw","sampleRate":%d,"audioContent":"%s","textContent":"hello"}}`,
		sampleRate, content))
}
