package usecase

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/MetaPowerMatrix/mod-audio-fork/domain/repositories"
	"github.com/MetaPowerMatrix/mod-audio-fork/internal/fork"
)

// NotificationSubclassPrefix prefixes every CUSTOM event the bridge raises
const NotificationSubclassPrefix = "audio_fork_bridge::"

const (
	defaultNotifyBuffer = 1024
	sendEventTimeout    = 5 * time.Second
)

// EventNotifier publishes session notifications back to the switch as
// CUSTOM events. Notify never blocks; a full buffer drops the notification.
type EventNotifier struct {
	publisher  repositories.EventPublisher
	instanceID string
	queue      chan fork.Notification
	logger     *zap.Logger
}

var _ fork.Notifier = (*EventNotifier)(nil)

// NewEventNotifier creates a notifier. Run must be started to deliver.
func NewEventNotifier(publisher repositories.EventPublisher, instanceID string, buffer int, logger *zap.Logger) *EventNotifier {
	if buffer <= 0 {
		buffer = defaultNotifyBuffer
	}
	return &EventNotifier{
		publisher:  publisher,
		instanceID: instanceID,
		queue:      make(chan fork.Notification, buffer),
		logger:     logger,
	}
}

// Notify queues n for delivery
func (n *EventNotifier) Notify(note fork.Notification) {
	select {
	case n.queue <- note:
	default:
		n.logger.Warn("Notification buffer full, dropping",
			zap.String("kind", note.Kind),
			zap.String("sessionID", note.SessionID))
	}
}

// Run delivers queued notifications until ctx is done
func (n *EventNotifier) Run(ctx context.Context) {
	for {
		select {
		case note := <-n.queue:
			n.deliver(ctx, note)
		case <-ctx.Done():
			return
		}
	}
}

func (n *EventNotifier) deliver(ctx context.Context, note fork.Notification) {
	kind := note.Kind
	if kind == fork.NotifyPlaybackFinished {
		kind = "playback_" + note.Headers["Playback-Status"]
	}

	headers := make(map[string]string, len(note.Headers)+2)
	for k, v := range note.Headers {
		headers[k] = v
	}
	headers["Unique-ID"] = note.SessionID
	headers["Bridge-Instance-ID"] = n.instanceID

	ctx, cancel := context.WithTimeout(ctx, sendEventTimeout)
	defer cancel()
	if err := n.publisher.SendEvent(ctx, NotificationSubclassPrefix+kind, headers); err != nil {
		n.logger.Debug("Failed to publish notification",
			zap.String("kind", kind),
			zap.String("sessionID", note.SessionID),
			zap.Error(err))
	}
}
