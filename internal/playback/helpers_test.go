package playback

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/MetaPowerMatrix/mod-audio-fork/adapters/artifact"
	"github.com/MetaPowerMatrix/mod-audio-fork/domain/entities"
	"github.com/MetaPowerMatrix/mod-audio-fork/domain/repositories"
)

type fakeControl struct {
	mu       sync.Mutex
	commands []string
	fail     func(cmd string) bool
}

func (f *fakeControl) API(_ context.Context, cmd string) (repositories.Reply, error) {
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	fail := f.fail
	f.mu.Unlock()

	if fail != nil && fail(cmd) {
		return repositories.Reply{OK: false, Text: "-ERR No such channel!"}, nil
	}
	return repositories.Reply{OK: true, Text: "+OK"}, nil
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

type countingStore struct {
	*artifact.FileStore
	mu      sync.Mutex
	deletes map[string]int
}

func (s *countingStore) Delete(a *entities.Artifact) error {
	s.mu.Lock()
	s.deletes[a.Path]++
	s.mu.Unlock()
	return s.FileStore.Delete(a)
}

func (s *countingStore) deleteCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deletes[path]
}

func newCountingStore(t *testing.T) *countingStore {
	t.Helper()
	fs, err := artifact.NewFileStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	return &countingStore{FileStore: fs, deletes: make(map[string]int)}
}

type outcomeLog struct {
	mu    sync.Mutex
	tasks []*entities.PlaybackTask
}

func (o *outcomeLog) record(task *entities.PlaybackTask) {
	o.mu.Lock()
	o.tasks = append(o.tasks, task)
	o.mu.Unlock()
}

func (o *outcomeLog) snapshot() []*entities.PlaybackTask {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*entities.PlaybackTask(nil), o.tasks...)
}

func (o *outcomeLog) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.tasks)
}

func (o *outcomeLog) seqs() []uint64 {
	var out []uint64
	for _, task := range o.snapshot() {
		out = append(out, task.Seq)
	}
	return out
}

func fastEstimator() Estimator {
	return Estimator{Margin: 0, DefaultWait: 20 * time.Millisecond, MinWait: 10 * time.Millisecond, MaxWait: 50 * time.Millisecond}
}

func slowEstimator() Estimator {
	return Estimator{Margin: 0, DefaultWait: 10 * time.Second, MinWait: 10 * time.Second, MaxWait: 10 * time.Second}
}

func newTask(t *testing.T, store repositories.ArtifactStore, p *Pipeline, sessionID string, rate int) *entities.PlaybackTask {
	t.Helper()
	seq := p.Reserve()
	enc := entities.NewEncodingDescriptor(entities.FormatRaw, rate)
	a, err := store.Create(sessionID, seq, enc, make([]byte, 64))
	require.NoError(t, err)
	return entities.NewPlaybackTask(sessionID, seq, a, enc, "")
}
