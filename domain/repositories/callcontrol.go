package repositories

import (
	"context"

	"github.com/MetaPowerMatrix/mod-audio-fork/domain"
)

// Reply is the outcome of one call-control command
type Reply struct {
	OK   bool
	Text string
}

// CallControl issues string commands against the switch
type CallControl interface {
	API(ctx context.Context, command string) (Reply, error)
}

// EventPublisher raises custom events on the switch
type EventPublisher interface {
	SendEvent(ctx context.Context, subclass string, headers map[string]string) error
}

// EventSource delivers call events from one connected transport
type EventSource interface {
	CallControl
	EventPublisher
	Subscribe(ctx context.Context, events ...string) error
	Events() <-chan domain.CallEvent
	Done() <-chan struct{}
	Err() error
	Close() error
}
