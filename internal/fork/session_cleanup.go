package fork

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MetaPowerMatrix/mod-audio-fork/domain/repositories"
)

const checkTimeout = 5 * time.Second

// SessionCleanupService closes sessions whose channel no longer exists on
// the switch. It covers hangups missed while the event socket was down.
type SessionCleanupService struct {
	registry *Registry
	control  repositories.CallControl
	interval time.Duration
	logger   *zap.Logger
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSessionCleanupService creates a new session cleanup service
func NewSessionCleanupService(registry *Registry, control repositories.CallControl, interval time.Duration, logger *zap.Logger) *SessionCleanupService {
	return &SessionCleanupService{
		registry: registry,
		control:  control,
		interval: interval,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Start begins the background cleanup process
func (s *SessionCleanupService) Start() {
	s.wg.Add(1)
	go s.cleanupLoop()
	s.logger.Info("Session cleanup service started", zap.Duration("interval", s.interval))
}

// Stop gracefully stops the cleanup service
func (s *SessionCleanupService) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		s.wg.Wait()
		s.logger.Info("Session cleanup service stopped")
	})
}

// cleanupLoop runs the cleanup process periodically
func (s *SessionCleanupService) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.RunCleanup(context.Background())
		}
	}
}

// RunCleanup checks every live session once and returns how many it closed
func (s *SessionCleanupService) RunCleanup(ctx context.Context) int {
	closed := 0
	for _, session := range s.registry.List() {
		exists, err := s.channelExists(ctx, session.ID())
		if err != nil {
			// switch unreachable; try again next round
			s.logger.Debug("Channel check failed", zap.String("sessionID", session.ID()), zap.Error(err))
			continue
		}
		if exists {
			continue
		}
		s.logger.Info("Closing session for vanished channel", zap.String("sessionID", session.ID()))
		if err := s.registry.Close(ctx, session.ID(), ReasonChannelGone); err == nil {
			closed++
		}
	}
	if closed > 0 {
		s.logger.Info("Session cleanup completed", zap.Int("closed", closed))
	}
	return closed
}

func (s *SessionCleanupService) channelExists(ctx context.Context, id string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	reply, err := s.control.API(ctx, fmt.Sprintf("uuid_exists %s", id))
	if err != nil {
		return false, err
	}
	switch strings.TrimSpace(reply.Text) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return false, fmt.Errorf("unexpected uuid_exists reply %q", reply.Text)
	}
}
