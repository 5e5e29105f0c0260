package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MetaPowerMatrix/mod-audio-fork/domain"
	"github.com/MetaPowerMatrix/mod-audio-fork/domain/entities"
	"github.com/MetaPowerMatrix/mod-audio-fork/domain/repositories"
	"github.com/MetaPowerMatrix/mod-audio-fork/internal/fork"
)

// Outbound start triggers
const (
	TriggerAnswer = "answer"
	TriggerBridge = "bridge"
)

// Close reason for legs whose bridge was torn down
const ReasonUnbridge = "unbridge"

const dtmfTimeout = 5 * time.Second

// BridgeConfig controls when sessions are opened
type BridgeConfig struct {
	OutboundTrigger string
	OutboundDelay   time.Duration
	MonitorBothLegs bool
}

// CallBridge turns call events into session lifecycle and control. Its
// event loop never waits on the switch: opens, closes and DTMF relays run
// on their own goroutines.
type CallBridge struct {
	registry *fork.Registry
	filter   *CallFilter
	notifier fork.Notifier
	cfg      BridgeConfig
	logger   *zap.Logger

	wg sync.WaitGroup

	mu sync.Mutex
	// starts not yet finished, cancelled by a hangup of the same leg
	pending map[string]chan struct{}
}

// NewCallBridge creates the bridge
func NewCallBridge(registry *fork.Registry, filter *CallFilter, notifier fork.Notifier, cfg BridgeConfig, logger *zap.Logger) *CallBridge {
	if cfg.OutboundTrigger == "" {
		cfg.OutboundTrigger = TriggerBridge
	}
	return &CallBridge{
		registry: registry,
		filter:   filter,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		pending:  make(map[string]chan struct{}),
	}
}

// Serve subscribes src and consumes its events until the connection ends
// or ctx is done.
func (b *CallBridge) Serve(ctx context.Context, src repositories.EventSource) error {
	if err := src.Subscribe(ctx, SubscribedEvents()...); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	b.logger.Info("Subscribed to call events")

	for {
		select {
		case ev, ok := <-src.Events():
			if !ok {
				return src.Err()
			}
			b.Handle(ctx, ev)
		case <-ctx.Done():
			return nil
		}
	}
}

// Handle dispatches one event
func (b *CallBridge) Handle(ctx context.Context, ev domain.CallEvent) {
	kind := Classify(ev)
	id := ev.UniqueID

	if kind.IsForkOutcome() {
		b.forkOutcome(kind, ev)
		return
	}

	switch kind {
	case KindAnswer:
		meta := MetadataFromEvent(ev)
		if meta.Direction == entities.DirectionOutbound && b.cfg.OutboundTrigger != TriggerAnswer {
			return
		}
		b.logger.Info("Call answered",
			zap.String("sessionID", id),
			zap.String("caller", meta.CallerNumber),
			zap.String("destination", meta.DestinationNumber),
			zap.String("direction", string(meta.Direction)))
		if b.allow(id, meta) {
			b.start(ctx, id, meta, 0)
		}

	case KindBridge:
		meta := MetadataFromEvent(ev)
		if meta.Direction != entities.DirectionOutbound || b.cfg.OutboundTrigger != TriggerBridge {
			return
		}
		b.logger.Info("Channel bridged",
			zap.String("sessionID", id),
			zap.String("otherLeg", meta.OtherLegID))
		if !b.allow(id, meta) {
			return
		}
		b.start(ctx, id, meta, b.cfg.OutboundDelay)
		if b.cfg.MonitorBothLegs && meta.OtherLegID != "" {
			other := meta
			other.OtherLegID = id
			other.Direction = entities.DirectionInbound
			b.start(ctx, meta.OtherLegID, other, b.cfg.OutboundDelay)
		}

	case KindUnbridge:
		b.stop(id, ReasonUnbridge)
		if other := ev.Header("Other-Leg-Unique-ID"); other != "" {
			b.stop(other, ReasonUnbridge)
		}

	case KindHangup:
		b.stop(id, fork.ReasonHangup)

	case KindDTMF:
		b.relayDTMF(ctx, id, ev.Header("DTMF-Digit"))

	case KindForkPlayAudio, KindForkKillAudio:
		// In order on the loop: a kill must not overtake the play before it.
		if s, ok := b.registry.Get(id); ok {
			s.HandleForkEvent(ev.Subclass, ev.Body)
		} else {
			b.logger.Debug("Fork event for unknown session", zap.String("sessionID", id), zap.String("event", kind.String()))
		}

	case KindForkTranscription, KindForkTransfer:
		b.logger.Info("Audio fork event", zap.String("sessionID", id), zap.String("event", kind.String()))

	default:
		b.logger.Debug("Ignoring event", zap.String("name", ev.Name), zap.String("subclass", ev.Subclass))
	}
}

// forkOutcome reports a connection outcome of the fork and hands it to the
// session, if there still is one.
func (b *CallBridge) forkOutcome(kind CallEventKind, ev domain.CallEvent) {
	id := ev.UniqueID
	b.logger.Info("Audio fork event",
		zap.String("sessionID", id),
		zap.String("event", kind.String()),
		zap.String("body", ev.Body))
	b.notifier.Notify(fork.Notification{
		Kind:      kind.String(),
		SessionID: id,
		Headers:   map[string]string{"Fork-Event-Body": ev.Body},
	})
	if s, ok := b.registry.Get(id); ok {
		s.HandleForkEvent(ev.Subclass, ev.Body)
	}
}

func (b *CallBridge) allow(id string, meta entities.CallMetadata) bool {
	if id == "" {
		return false
	}
	if !b.filter.Allow(meta) {
		b.logger.Debug("Call filtered out",
			zap.String("sessionID", id),
			zap.String("caller", meta.CallerNumber),
			zap.String("destination", meta.DestinationNumber))
		return false
	}
	return true
}

// start opens a session for id after delay unless the leg hangs up first
func (b *CallBridge) start(ctx context.Context, id string, meta entities.CallMetadata, delay time.Duration) {
	if _, ok := b.registry.Get(id); ok {
		return
	}
	b.mu.Lock()
	if _, ok := b.pending[id]; ok {
		b.mu.Unlock()
		return
	}
	cancelled := make(chan struct{})
	b.pending[id] = cancelled
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer b.clearPending(id, cancelled)

		if delay > 0 {
			t := time.NewTimer(delay)
			defer t.Stop()
			select {
			case <-t.C:
			case <-cancelled:
				return
			case <-ctx.Done():
				return
			}
		}

		_, err := b.registry.Open(ctx, id, meta)
		switch {
		case errors.Is(err, domain.ErrSessionExists):
			return
		case err != nil:
			b.logger.Warn("Failed to start audio fork", zap.String("sessionID", id), zap.Error(err))
			return
		}

		select {
		case <-cancelled:
			// hung up while opening
			b.registry.Close(context.WithoutCancel(ctx), id, fork.ReasonHangup)
		default:
		}
	}()
}

func (b *CallBridge) clearPending(id string, ch chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending[id] == ch {
		delete(b.pending, id)
	}
}

// stop cancels a pending start and closes the live session for id
func (b *CallBridge) stop(id, reason string) {
	if id == "" {
		return
	}
	b.mu.Lock()
	if ch, ok := b.pending[id]; ok {
		delete(b.pending, id)
		close(ch)
	}
	b.mu.Unlock()

	if _, ok := b.registry.Get(id); !ok {
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		err := b.registry.Close(context.Background(), id, reason)
		if err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
			b.logger.Warn("Failed to stop audio fork", zap.String("sessionID", id), zap.Error(err))
		}
	}()
}

// relayDTMF forwards a digit without touching the playback queue
func (b *CallBridge) relayDTMF(ctx context.Context, id, digit string) {
	s, ok := b.registry.Get(id)
	if !ok || digit == "" {
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, dtmfTimeout)
		defer cancel()
		if err := s.SendDTMF(ctx, digit); err != nil {
			b.logger.Warn("Failed to relay DTMF", zap.String("sessionID", id), zap.Error(err))
			return
		}
		b.logger.Debug("DTMF relayed", zap.String("sessionID", id), zap.String("digit", digit))
	}()
}

// Wait blocks until every open, close and relay started by the bridge has
// finished.
func (b *CallBridge) Wait() {
	b.wg.Wait()
}
