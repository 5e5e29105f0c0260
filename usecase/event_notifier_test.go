package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/MetaPowerMatrix/mod-audio-fork/internal/fork"
)

type failingPublisher struct{ calls int }

func (p *failingPublisher) SendEvent(context.Context, string, map[string]string) error {
	p.calls++
	return errors.New("not connected")
}

func TestEventNotifier_Deliver(t *testing.T) {
	sw := newFakeSwitch()
	n := NewEventNotifier(sw, "bridge-a", 8, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)

	n.Notify(fork.Notification{Kind: fork.NotifySessionOpened, SessionID: "leg-1"})
	n.Notify(fork.Notification{
		Kind:      fork.NotifyPlaybackFinished,
		SessionID: "leg-1",
		Headers:   map[string]string{"Playback-Seq": "3", "Playback-Status": "failed"},
	})

	require.Eventually(t, func() bool { return len(sw.sent()) == 2 }, time.Second, 5*time.Millisecond)
	sent := sw.sent()

	assert.Equal(t, "audio_fork_bridge::session_opened", sent[0].subclass)
	assert.Equal(t, "leg-1", sent[0].headers["Unique-ID"])
	assert.Equal(t, "bridge-a", sent[0].headers["Bridge-Instance-ID"])

	assert.Equal(t, "audio_fork_bridge::playback_failed", sent[1].subclass)
	assert.Equal(t, "3", sent[1].headers["Playback-Seq"])
}

func TestEventNotifier_DropsWhenFull(t *testing.T) {
	sw := newFakeSwitch()
	n := NewEventNotifier(sw, "bridge-a", 1, zap.NewNop())

	// nothing is draining yet
	n.Notify(fork.Notification{Kind: fork.NotifySessionOpened, SessionID: "leg-1"})
	n.Notify(fork.Notification{Kind: fork.NotifySessionClosed, SessionID: "leg-1"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)

	require.Eventually(t, func() bool { return len(sw.sent()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, sw.sent(), 1)
	assert.Equal(t, "audio_fork_bridge::session_opened", sw.sent()[0].subclass)
}

func TestEventNotifier_PublishErrorsAreSwallowed(t *testing.T) {
	p := &failingPublisher{}
	n := NewEventNotifier(p, "bridge-a", 4, zap.NewNop())

	n.deliver(context.Background(), fork.Notification{Kind: fork.NotifySessionClosed, SessionID: "leg-1"})
	assert.Equal(t, 1, p.calls)
}
