package fork

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/MetaPowerMatrix/mod-audio-fork/domain"
	"github.com/MetaPowerMatrix/mod-audio-fork/domain/repositories"
)

// Link is the duplex connection between a session and the remote endpoint
type Link interface {
	Open(ctx context.Context) error
	// SendAudio never blocks; false means the frame was dropped.
	SendAudio(frame []byte) bool
	SendText(ctx context.Context, payload []byte) error
	Inbound() <-chan []byte
	Done() <-chan struct{}
	// Err is nil after Close and wraps domain.ErrLinkLost otherwise.
	Err() error
	Close() error
}

// LinkFactory builds the link for a new session
type LinkFactory func(sessionID string) Link

// switchLink is used in direct mode, where mod_audio_fork owns the
// websocket. Audio never passes through the bridge, control frames arrive
// as fork events and text goes out through send_text.
type switchLink struct {
	sessionID string
	control   repositories.CallControl
	logger    *zap.Logger

	done     chan struct{}
	doneOnce sync.Once
	mu       sync.Mutex
	err      error
}

// NewSwitchLink returns the direct-mode link for sessionID
func NewSwitchLink(sessionID string, control repositories.CallControl, logger *zap.Logger) Link {
	return &switchLink{
		sessionID: sessionID,
		control:   control,
		logger:    logger,
		done:      make(chan struct{}),
	}
}

func (l *switchLink) Open(ctx context.Context) error { return nil }

func (l *switchLink) SendAudio(frame []byte) bool { return false }

func (l *switchLink) SendText(ctx context.Context, payload []byte) error {
	select {
	case <-l.done:
		return domain.ErrLinkLost
	default:
	}
	cmd := fmt.Sprintf("uuid_audio_fork %s send_text %s", l.sessionID, payload)
	reply, err := l.control.API(ctx, cmd)
	if err != nil {
		return err
	}
	if !reply.OK {
		return fmt.Errorf("send_text refused: %s", reply.Text)
	}
	return nil
}

// Inbound is nil: control arrives through Session.HandleForkEvent
func (l *switchLink) Inbound() <-chan []byte { return nil }

func (l *switchLink) Done() <-chan struct{} { return l.done }

func (l *switchLink) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *switchLink) Close() error {
	l.end(nil)
	return nil
}

// lost records that the switch reported the fork connection gone
func (l *switchLink) lost(reason string) {
	l.end(fmt.Errorf("%w: %s", domain.ErrLinkLost, reason))
}

func (l *switchLink) end(err error) {
	l.doneOnce.Do(func() {
		l.mu.Lock()
		l.err = err
		l.mu.Unlock()
		close(l.done)
	})
}
