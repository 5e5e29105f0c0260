package fork

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MetaPowerMatrix/mod-audio-fork/domain"
	"github.com/MetaPowerMatrix/mod-audio-fork/domain/entities"
	"github.com/MetaPowerMatrix/mod-audio-fork/domain/repositories"
)

const persistTimeout = 5 * time.Second

// Close reasons recorded on sessions
const (
	ReasonHangup      = "hangup"
	ReasonLinkLost    = "link_lost"
	ReasonOpenFailed  = "open_failed"
	ReasonChannelGone = "channel_gone"
	ReasonAdmin       = "admin"
	ReasonShutdown    = "shutdown"
)

// Registry tracks the live session of every forked call leg. At most one
// session exists per leg.
type Registry struct {
	deps    Deps
	opts    Options
	records repositories.SessionRecordRepository
	mirror  repositories.SessionMirror
	logger  *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates a registry. records and mirror may be nil.
func NewRegistry(
	deps Deps,
	opts Options,
	records repositories.SessionRecordRepository,
	mirror repositories.SessionMirror,
	logger *zap.Logger,
) *Registry {
	return &Registry{
		deps:     deps,
		opts:     opts,
		records:  records,
		mirror:   mirror,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Mode returns the fork mode sessions are opened in
func (r *Registry) Mode() Mode { return r.opts.Mode }

// Open creates and opens the session for a call leg. A leg that already
// has a session is rejected with domain.ErrSessionExists.
func (r *Registry) Open(ctx context.Context, id string, meta entities.CallMetadata) (*Session, error) {
	r.mu.Lock()
	if _, exists := r.sessions[id]; exists {
		r.mu.Unlock()
		return nil, domain.ErrSessionExists
	}
	s := NewSession(id, meta, r.deps, r.opts, r.logger)
	s.onLinkLost = r.linkLost
	r.sessions[id] = s
	r.mu.Unlock()

	r.deps.Metrics.SessionOpened()
	r.persist(func(ctx context.Context) error {
		if r.records == nil {
			return nil
		}
		return r.records.Create(ctx, s.Record())
	})

	if err := s.Open(ctx); err != nil {
		r.closeSession(context.WithoutCancel(ctx), s, ReasonOpenFailed)
		return nil, err
	}

	r.persist(func(ctx context.Context) error {
		if r.mirror == nil {
			return nil
		}
		return r.mirror.Put(ctx, s.Record())
	})
	return s, nil
}

// Get returns the live session for id
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// List returns the live sessions, oldest first
func (r *Registry) List() []*Session {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].openedAt().Before(sessions[j].openedAt())
	})
	return sessions
}

// Len returns the number of live sessions
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close tears down the session for id
func (r *Registry) Close(ctx context.Context, id, reason string) error {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return domain.ErrSessionNotFound
	}
	r.closeSession(ctx, s, reason)
	return nil
}

// CloseAll tears down every live session
func (r *Registry) CloseAll(ctx context.Context, reason string) {
	var wg sync.WaitGroup
	for _, s := range r.List() {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			r.closeSession(ctx, s, reason)
		}(s)
	}
	wg.Wait()
}

// closeSession closes s and forgets it. Only the caller that removes s from
// the map performs the teardown.
func (r *Registry) closeSession(ctx context.Context, s *Session, reason string) {
	r.mu.Lock()
	current, ok := r.sessions[s.id]
	if !ok || current != s {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, s.id)
	r.mu.Unlock()

	s.Close(ctx, reason)
	r.deps.Metrics.SessionClosed(reason)

	record := s.Record()
	r.persist(func(ctx context.Context) error {
		if r.records == nil {
			return nil
		}
		return r.records.Update(ctx, record)
	})
	r.persist(func(ctx context.Context) error {
		if r.mirror == nil {
			return nil
		}
		return r.mirror.Remove(ctx, s.id)
	})
}

func (r *Registry) linkLost(s *Session, _ error) {
	go r.closeSession(context.Background(), s, ReasonLinkLost)
}

// persist runs a best effort write with its own deadline
func (r *Registry) persist(write func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := write(ctx); err != nil {
		r.logger.Warn("Failed to persist session state", zap.Error(err))
	}
}
