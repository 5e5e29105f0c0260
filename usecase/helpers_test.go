package usecase

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/MetaPowerMatrix/mod-audio-fork/adapters/artifact"
	"github.com/MetaPowerMatrix/mod-audio-fork/domain"
	"github.com/MetaPowerMatrix/mod-audio-fork/domain/repositories"
	"github.com/MetaPowerMatrix/mod-audio-fork/internal/fork"
	"github.com/MetaPowerMatrix/mod-audio-fork/internal/playback"
	"github.com/MetaPowerMatrix/mod-audio-fork/internal/protocol"
	"github.com/MetaPowerMatrix/mod-audio-fork/internal/saga"
)

type fakeSwitch struct {
	mu       sync.Mutex
	commands []string
	events   []sentEvent
	subs     []string

	stream chan domain.CallEvent
	done   chan struct{}
	once   sync.Once
}

type sentEvent struct {
	subclass string
	headers  map[string]string
}

func newFakeSwitch() *fakeSwitch {
	return &fakeSwitch{stream: make(chan domain.CallEvent, 64), done: make(chan struct{})}
}

func (f *fakeSwitch) API(_ context.Context, cmd string) (repositories.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)
	return repositories.Reply{OK: true, Text: "+OK Success"}, nil
}

func (f *fakeSwitch) SendEvent(_ context.Context, subclass string, headers map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, sentEvent{subclass: subclass, headers: headers})
	return nil
}

func (f *fakeSwitch) Subscribe(_ context.Context, events ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, events...)
	return nil
}

func (f *fakeSwitch) Events() <-chan domain.CallEvent { return f.stream }
func (f *fakeSwitch) Done() <-chan struct{}           { return f.done }
func (f *fakeSwitch) Err() error                      { return nil }

func (f *fakeSwitch) Close() error {
	f.once.Do(func() {
		close(f.done)
		close(f.stream)
	})
	return nil
}

func (f *fakeSwitch) matching(prefix string) []string {
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

func (f *fakeSwitch) sent() []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentEvent(nil), f.events...)
}

// quietLink accepts everything and never ends on its own
type quietLink struct {
	mu    sync.Mutex
	texts []string
	done  chan struct{}
	once  sync.Once
}

func newQuietLink() *quietLink { return &quietLink{done: make(chan struct{})} }

func (l *quietLink) Open(context.Context) error { return nil }
func (l *quietLink) SendAudio([]byte) bool      { return true }
func (l *quietLink) Inbound() <-chan []byte     { return nil }
func (l *quietLink) Done() <-chan struct{}      { return l.done }
func (l *quietLink) Err() error                 { return nil }

func (l *quietLink) SendText(_ context.Context, payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.texts = append(l.texts, string(payload))
	return nil
}

func (l *quietLink) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *quietLink) sentTexts() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.texts...)
}

type bridgeHarness struct {
	sw       *fakeSwitch
	registry *fork.Registry
	bridge   *CallBridge
	notifier *EventNotifier

	mu    sync.Mutex
	links map[string]*quietLink
}

func newBridgeHarness(t *testing.T, cfg BridgeConfig, filter *CallFilter) *bridgeHarness {
	t.Helper()
	store, err := artifact.NewFileStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	h := &bridgeHarness{sw: newFakeSwitch(), links: make(map[string]*quietLink)}
	h.notifier = NewEventNotifier(h.sw, "test-instance", 64, zap.NewNop())

	deps := fork.Deps{
		Control:  h.sw,
		Store:    store,
		Decoder:  protocol.NewDecoder(store, zap.NewNop()),
		Sagas:    saga.NewManager(zap.NewNop()),
		Notifier: h.notifier,
		Links: func(id string) fork.Link {
			l := newQuietLink()
			h.mu.Lock()
			h.links[id] = l
			h.mu.Unlock()
			return l
		},
	}
	opts := fork.Options{
		Mode:           fork.ModeRelay,
		RemoteEndpoint: "ws://remote/audio",
		IngestURL:      "ws://bridge/fork",
		Playback: playback.Config{
			QueueCapacity: playback.DefaultQueueCapacity,
			Estimator:     playback.Estimator{DefaultWait: 20 * time.Millisecond, MinWait: 10 * time.Millisecond, MaxWait: 50 * time.Millisecond},
			Strategies:    playback.DefaultStrategies(),
		},
	}
	h.registry = fork.NewRegistry(deps, opts, nil, nil, zap.NewNop())

	if filter == nil {
		filter, err = NewCallFilter([]string{"inbound", "outbound"}, nil, nil)
		require.NoError(t, err)
	}
	h.bridge = NewCallBridge(h.registry, filter, h.notifier, cfg, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go h.notifier.Run(ctx)
	t.Cleanup(func() {
		h.bridge.Wait()
		h.registry.CloseAll(context.Background(), fork.ReasonShutdown)
		cancel()
	})
	return h
}

func (h *bridgeHarness) link(id string) *quietLink {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.links[id]
}

func channelEvent(name, id, direction string, extra map[string]string) domain.CallEvent {
	headers := map[string]string{
		"Event-Name":                name,
		"Unique-ID":                 id,
		"Call-Direction":            direction,
		"Caller-Caller-ID-Number":   "1001",
		"Caller-Destination-Number": "2002",
		"variable_sip_call_id":      "sip-" + id,
	}
	for k, v := range extra {
		headers[k] = v
	}
	return domain.CallEvent{Name: name, UniqueID: id, Headers: headers}
}

func customEvent(subclass, id, body string) domain.CallEvent {
	return domain.CallEvent{
		Name:     "CUSTOM",
		Subclass: subclass,
		UniqueID: id,
		Headers:  map[string]string{"Event-Name": "CUSTOM", "Event-Subclass": subclass, "Unique-ID": id},
		Body:     body,
	}
}
