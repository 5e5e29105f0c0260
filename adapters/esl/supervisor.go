package esl

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MetaPowerMatrix/mod-audio-fork/domain/repositories"
	"github.com/MetaPowerMatrix/mod-audio-fork/internal/metrics"
)

// ErrNotConnected is returned while the supervisor has no live connection
var ErrNotConnected = errors.New("event socket not connected")

// DialFunc opens one authenticated connection
type DialFunc func(ctx context.Context) (repositories.EventSource, error)

// ServeFunc consumes a connection until it ends or ctx is done
type ServeFunc func(ctx context.Context, src repositories.EventSource) error

// Supervisor keeps one connection to the switch alive, redialing after a
// fixed interval. Commands go to whichever connection is current.
type Supervisor struct {
	dial     DialFunc
	interval time.Duration
	metrics  *metrics.Metrics
	logger   *zap.Logger

	mu      sync.RWMutex
	current repositories.EventSource
}

var (
	_ repositories.CallControl    = (*Supervisor)(nil)
	_ repositories.EventPublisher = (*Supervisor)(nil)
)

// NewSupervisor creates a supervisor. m may be nil.
func NewSupervisor(dial DialFunc, interval time.Duration, m *metrics.Metrics, logger *zap.Logger) *Supervisor {
	return &Supervisor{dial: dial, interval: interval, metrics: m, logger: logger}
}

// Run dials, hands each connection to serve and redials when it ends.
// It returns when ctx is done.
func (s *Supervisor) Run(ctx context.Context, serve ServeFunc) {
	for {
		src, err := s.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("Event socket connect failed",
				zap.Duration("retryIn", s.interval),
				zap.Error(err))
			s.metrics.ESLReconnect()
			if !s.sleep(ctx) {
				return
			}
			continue
		}

		s.setCurrent(src)
		s.logger.Info("Event socket connected")

		err = serve(ctx, src)
		s.setCurrent(nil)
		src.Close()

		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = src.Err()
		}
		s.logger.Warn("Event socket lost",
			zap.Duration("retryIn", s.interval),
			zap.Error(err))
		s.metrics.ESLReconnect()
		if !s.sleep(ctx) {
			return
		}
	}
}

func (s *Supervisor) sleep(ctx context.Context) bool {
	t := time.NewTimer(s.interval)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Supervisor) setCurrent(src repositories.EventSource) {
	s.mu.Lock()
	s.current = src
	s.mu.Unlock()
}

func (s *Supervisor) get() repositories.EventSource {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Connected reports whether a connection is live
func (s *Supervisor) Connected() bool { return s.get() != nil }

// API runs a command on the current connection
func (s *Supervisor) API(ctx context.Context, command string) (repositories.Reply, error) {
	src := s.get()
	if src == nil {
		return repositories.Reply{}, ErrNotConnected
	}
	return src.API(ctx, command)
}

// SendEvent raises a custom event on the current connection
func (s *Supervisor) SendEvent(ctx context.Context, subclass string, headers map[string]string) error {
	src := s.get()
	if src == nil {
		return ErrNotConnected
	}
	return src.SendEvent(ctx, subclass, headers)
}
