// Package fork owns the per-call audio fork sessions: opening the fork on
// the switch, carrying audio and control over the duplex link and tearing
// everything down exactly once.
package fork

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/MetaPowerMatrix/mod-audio-fork/domain"
	"github.com/MetaPowerMatrix/mod-audio-fork/domain/entities"
	"github.com/MetaPowerMatrix/mod-audio-fork/domain/repositories"
	"github.com/MetaPowerMatrix/mod-audio-fork/internal/metrics"
	"github.com/MetaPowerMatrix/mod-audio-fork/internal/playback"
	"github.com/MetaPowerMatrix/mod-audio-fork/internal/protocol"
	"github.com/MetaPowerMatrix/mod-audio-fork/internal/saga"
)

// Mode selects who owns the websocket to the remote endpoint
type Mode string

const (
	// ModeRelay: the switch streams to our ingest endpoint and we relay.
	ModeRelay Mode = "relay"
	// ModeDirect: mod_audio_fork connects to the remote endpoint itself.
	ModeDirect Mode = "direct"
)

const defaultOpenTimeout = 15 * time.Second

// mod_audio_fork event subclasses
const (
	EventConnect       = "mod_audio_fork::connect"
	EventConnectFailed = "mod_audio_fork::connect_failed"
	EventDisconnect    = "mod_audio_fork::disconnect"
	EventError         = "mod_audio_fork::error"
	EventMaintenance   = "mod_audio_fork::maintenance"
	EventPlayAudio     = "mod_audio_fork::play_audio"
	EventKillAudio     = "mod_audio_fork::kill_audio"
)

// ForkEventSubclasses lists every subclass a bridge should subscribe to
var ForkEventSubclasses = []string{
	EventConnect, EventConnectFailed, EventDisconnect, EventError,
	EventMaintenance, EventPlayAudio, EventKillAudio,
}

// Options are the per-process settings shared by every session
type Options struct {
	Mode           Mode
	RemoteEndpoint string
	// IngestURL is where the switch reaches our ingest endpoint in relay mode.
	IngestURL   string
	ChannelVars map[string]string
	Metadata    domain.StreamMetadata
	Playback    playback.Config
	OpenTimeout time.Duration
}

// Deps are the collaborators shared by every session
type Deps struct {
	Control  repositories.CallControl
	Store    playback.Store
	Decoder  *protocol.Decoder
	Sagas    *saga.Manager
	Metrics  *metrics.Metrics
	Notifier Notifier
	Links    LinkFactory
}

// Counters summarise what a session has done so far
type Counters struct {
	TasksCompleted  int64 `json:"tasks_completed"`
	TasksFailed     int64 `json:"tasks_failed"`
	TasksCancelled  int64 `json:"tasks_cancelled"`
	FramesForwarded int64 `json:"frames_forwarded"`
	FramesDropped   int64 `json:"frames_dropped"`
	DTMFRelayed     int64 `json:"dtmf_relayed"`
}

// Info is a point-in-time view of a session
type Info struct {
	ID             string                `json:"id"`
	State          string                `json:"state"`
	Mode           Mode                  `json:"mode"`
	RemoteEndpoint string                `json:"remote_endpoint"`
	Metadata       entities.CallMetadata `json:"metadata"`
	OpenedAt       time.Time             `json:"opened_at"`
	ClosedAt       *time.Time            `json:"closed_at,omitempty"`
	CloseReason    string                `json:"close_reason,omitempty"`
	Playback       playback.Status       `json:"playback"`
	Counters       Counters              `json:"counters"`
	Open           *saga.Instance        `json:"open,omitempty"`
}

// Session is one forked call leg
type Session struct {
	id     string
	opts   Options
	deps   Deps
	logger *zap.Logger

	mu       sync.Mutex
	entity   *entities.CallSession
	openSaga *saga.Instance

	link        Link
	pipeline    *playback.Pipeline
	forkStarted atomic.Bool

	// serialises sequence reservation, decoding and enqueueing
	inboundMu sync.Mutex

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	onLinkLost func(s *Session, err error)

	tasksCompleted  atomic.Int64
	tasksFailed     atomic.Int64
	tasksCancelled  atomic.Int64
	framesForwarded atomic.Int64
	framesDropped   atomic.Int64
	dtmfRelayed     atomic.Int64
}

// NewSession creates a session in the Connecting state. Nothing touches
// the switch until Open.
func NewSession(id string, meta entities.CallMetadata, deps Deps, opts Options, logger *zap.Logger) *Session {
	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = defaultOpenTimeout
	}
	if opts.Metadata == (domain.StreamMetadata{}) {
		opts.Metadata = domain.DefaultStreamMetadata()
	}

	logger = logger.With(zap.String("sessionID", id))
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:     id,
		opts:   opts,
		deps:   deps,
		logger: logger,
		entity: entities.NewCallSession(id, opts.RemoteEndpoint, meta),
		link:   deps.Links(id),
		ctx:    ctx,
		cancel: cancel,
	}
	s.pipeline = playback.NewPipeline(id, opts.Playback, deps.Control, deps.Store, deps.Metrics, s.onOutcome, logger)
	return s
}

// ID returns the call leg identifier
func (s *Session) ID() string { return s.id }

// State returns the lifecycle state
func (s *Session) State() entities.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entity.State
}

func (s *Session) openedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entity.OpenedAt
}

// Open starts the fork and the duplex link. Steps already taken are undone
// when a later one fails.
func (s *Session) Open(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	def := saga.Definition{
		Name:    "open_fork",
		Steps:   s.openSteps(),
		Timeout: s.opts.OpenTimeout,
	}
	inst, err := s.deps.Sagas.Run(ctx, def, saga.Data{"sessionID": s.id})

	s.mu.Lock()
	s.openSaga = inst
	if err == nil {
		err = s.entity.Transition(entities.SessionStreaming)
		if err != nil {
			// Close won the race; it may have run before the fork started.
			err = fmt.Errorf("session closed while opening: %w", err)
		}
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("Failed to open fork session", zap.Error(err))
		s.stopFork(context.WithoutCancel(ctx))
		s.link.Close()
		s.deps.Notifier.Notify(Notification{
			Kind:      NotifyOpenFailed,
			SessionID: s.id,
			Headers:   map[string]string{"Fork-Error": err.Error()},
		})
		return fmt.Errorf("open session %s: %w", s.id, err)
	}

	go s.watch()

	s.logger.Info("Fork session streaming",
		zap.String("mode", string(s.opts.Mode)),
		zap.String("remote", s.opts.RemoteEndpoint))
	s.deps.Notifier.Notify(Notification{
		Kind:      NotifySessionOpened,
		SessionID: s.id,
		Headers: map[string]string{
			"Fork-Mode":     string(s.opts.Mode),
			"Fork-Endpoint": s.opts.RemoteEndpoint,
		},
	})
	return nil
}

func (s *Session) openSteps() []saga.Step {
	return []saga.Step{
		saga.FuncStep{
			StepName: "set_channel_vars",
			Do:       s.setChannelVars,
		},
		saga.FuncStep{
			StepName: "open_link",
			Do:       func(ctx context.Context, _ saga.Data) error { return s.link.Open(ctx) },
			Undo:     func(ctx context.Context, _ saga.Data) error { return s.link.Close() },
		},
		saga.FuncStep{
			StepName: "start_fork",
			Do:       s.startFork,
			Undo: func(ctx context.Context, _ saga.Data) error {
				s.stopFork(ctx)
				return nil
			},
		},
	}
}

// setChannelVars is best effort: a refused variable leaves the module
// default in place.
func (s *Session) setChannelVars(ctx context.Context, _ saga.Data) error {
	keys := make([]string, 0, len(s.opts.ChannelVars))
	for k := range s.opts.ChannelVars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		cmd := fmt.Sprintf("uuid_setvar %s %s %s", s.id, k, s.opts.ChannelVars[k])
		reply, err := s.deps.Control.API(ctx, cmd)
		if err != nil {
			return err
		}
		if !reply.OK {
			s.logger.Warn("Channel variable refused", zap.String("var", k), zap.String("reply", reply.Text))
		}
	}
	return nil
}

func (s *Session) startFork(ctx context.Context, data saga.Data) error {
	s.mu.Lock()
	meta := s.entity.Metadata
	s.mu.Unlock()
	forkMeta, err := sonic.MarshalString(map[string]string{
		"callId": meta.CallID,
		"to":     meta.To,
		"from":   meta.From,
	})
	if err != nil {
		return err
	}

	url := s.forkURL()
	data["forkURL"] = url
	cmd := fmt.Sprintf("uuid_audio_fork %s start %s mono %d %s", s.id, url, s.opts.Metadata.Rate, forkMeta)
	reply, err := s.deps.Control.API(ctx, cmd)
	if err != nil {
		return err
	}
	if !reply.OK {
		return fmt.Errorf("uuid_audio_fork start refused: %s", reply.Text)
	}
	s.forkStarted.Store(true)
	return nil
}

func (s *Session) forkURL() string {
	if s.opts.Mode == ModeDirect {
		return s.opts.RemoteEndpoint
	}
	return strings.TrimRight(s.opts.IngestURL, "/") + "/" + s.id
}

// stopFork stops the switch side once; later calls are no-ops.
func (s *Session) stopFork(ctx context.Context) {
	if !s.forkStarted.Swap(false) {
		return
	}
	reply, err := s.deps.Control.API(ctx, fmt.Sprintf("uuid_audio_fork %s stop", s.id))
	if err != nil {
		s.logger.Warn("Failed to stop audio fork", zap.Error(err))
		return
	}
	if !reply.OK {
		s.logger.Debug("Audio fork stop refused", zap.String("reply", reply.Text))
	}
}

// watch feeds inbound control frames and reports link loss until the
// session closes.
func (s *Session) watch() {
	for {
		select {
		case frame := <-s.link.Inbound():
			s.HandleControlFrame(frame)
		case <-s.link.Done():
			if s.ctx.Err() != nil {
				return
			}
			err := s.link.Err()
			if err == nil {
				err = domain.ErrLinkLost
			}
			s.logger.Warn("Duplex link lost", zap.Error(err))
			if s.onLinkLost != nil {
				s.onLinkLost(s, err)
			}
			return
		case <-s.ctx.Done():
			return
		}
	}
}

// HandleControlFrame decodes one frame from the remote endpoint and routes
// the resulting command.
func (s *Session) HandleControlFrame(frame []byte) {
	s.inboundMu.Lock()
	defer s.inboundMu.Unlock()

	seq := s.pipeline.Reserve()
	cmd, err := s.deps.Decoder.Decode(s.id, seq, frame)
	s.dispatch(seq, cmd, err)
}

// HandleForkEvent handles a mod_audio_fork event for this call leg
func (s *Session) HandleForkEvent(subclass, body string) {
	switch subclass {
	case EventPlayAudio, EventKillAudio:
		s.inboundMu.Lock()
		defer s.inboundMu.Unlock()
		seq := s.pipeline.Reserve()
		cmd, err := s.deps.Decoder.DecodeForkEvent(s.id, seq, subclass, body)
		s.dispatch(seq, cmd, err)
	case EventConnect:
		s.logger.Info("Switch connected to remote endpoint")
	case EventConnectFailed, EventDisconnect:
		s.logger.Warn("Switch lost the remote endpoint", zap.String("event", subclass), zap.String("body", body))
		if sl, ok := s.link.(*switchLink); ok {
			sl.lost(subclass)
		}
	case EventError, EventMaintenance:
		s.logger.Info("Audio fork notice", zap.String("event", subclass), zap.String("body", body))
	default:
		s.logger.Debug("Ignoring fork event", zap.String("event", subclass))
	}
}

func (s *Session) dispatch(seq uint64, cmd protocol.Command, err error) {
	if err != nil {
		kind := decodeErrorKind(err)
		s.deps.Metrics.DecodeError(kind)
		s.logger.Warn("Rejected control frame",
			zap.Uint64("seq", seq),
			zap.String("kind", kind),
			zap.Error(err))
		return
	}

	switch c := cmd.(type) {
	case protocol.PlayAudio:
		task := entities.NewPlaybackTask(s.id, seq, c.Artifact, c.Encoding, c.Text)
		if err := s.pipeline.Enqueue(task); err != nil {
			s.logger.Info("Dropped playAudio", zap.Uint64("seq", seq), zap.Error(err))
			return
		}
		s.logger.Debug("Queued playback",
			zap.Uint64("seq", seq),
			zap.String("file", c.Artifact.Path),
			zap.Int("sampleRate", c.Encoding.SampleRate))
	case protocol.StopAudio:
		n := s.pipeline.Cancel()
		s.logger.Info("Playback killed", zap.Int("pendingDropped", n))
	case protocol.StartRecording:
		s.logger.Info("Recording started by remote endpoint",
			zap.Int("sampleRate", c.SampleRate),
			zap.Int("channels", c.Channels))
	case protocol.StopRecording:
		s.logger.Info("Recording stopped by remote endpoint")
	default:
		s.logger.Debug("Ignoring control frame", zap.String("type", cmd.CommandType()))
	}
}

func decodeErrorKind(err error) string {
	switch {
	case errors.Is(err, domain.ErrPayloadDecode):
		return "payload"
	case errors.Is(err, domain.ErrArtifactIO):
		return "artifact_io"
	default:
		return "malformed"
	}
}

// ForwardAudio sends one frame of call audio to the remote endpoint. Frames
// are dropped rather than queued when the link is saturated.
func (s *Session) ForwardAudio(frame []byte) bool {
	if s.State() != entities.SessionStreaming {
		return false
	}
	if s.link.SendAudio(frame) {
		s.framesForwarded.Add(1)
		s.deps.Metrics.FrameForwarded()
		return true
	}
	s.framesDropped.Add(1)
	s.deps.Metrics.FrameDropped()
	return false
}

// SendDTMF relays a dialed digit to the remote endpoint
func (s *Session) SendDTMF(ctx context.Context, digit string) error {
	if s.State() != entities.SessionStreaming {
		return fmt.Errorf("session %s is %s", s.id, s.State())
	}

	payload := []byte(digit)
	if s.opts.Mode != ModeDirect {
		var err error
		payload, err = sonic.Marshal(domain.DTMFMessage{Type: domain.MessageTypeDTMF, Digit: digit})
		if err != nil {
			return err
		}
	}
	if err := s.link.SendText(ctx, payload); err != nil {
		return fmt.Errorf("relay dtmf: %w", err)
	}
	s.dtmfRelayed.Add(1)
	s.deps.Metrics.DTMFRelayed()
	return nil
}

// CancelPlayback is killAudio issued locally
func (s *Session) CancelPlayback() int {
	s.inboundMu.Lock()
	defer s.inboundMu.Unlock()
	return s.pipeline.Cancel()
}

// Close tears the session down once: playback, fork, link, leftover
// artifacts. Later calls return immediately.
func (s *Session) Close(ctx context.Context, reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		_ = s.entity.Transition(entities.SessionDisconnecting)
		s.mu.Unlock()
		s.cancel()

		s.pipeline.Close()
		s.stopFork(ctx)
		if err := s.link.Close(); err != nil {
			s.logger.Debug("Link close", zap.Error(err))
		}
		if n, err := s.deps.Store.Purge(s.id); err != nil {
			s.logger.Error("Failed to purge artifacts", zap.Error(err))
		} else if n > 0 {
			s.logger.Info("Purged leftover artifacts", zap.Int("count", n))
		}

		s.mu.Lock()
		s.entity.CloseReason = reason
		_ = s.entity.Transition(entities.SessionClosed)
		s.mu.Unlock()

		s.logger.Info("Fork session closed", zap.String("reason", reason))
		s.deps.Notifier.Notify(Notification{
			Kind:      NotifySessionClosed,
			SessionID: s.id,
			Headers:   map[string]string{"Fork-Close-Reason": reason},
		})
	})
}

func (s *Session) onOutcome(task *entities.PlaybackTask) {
	switch task.Status {
	case entities.TaskCompleted:
		s.tasksCompleted.Add(1)
	case entities.TaskFailed:
		s.tasksFailed.Add(1)
	case entities.TaskCancelled:
		s.tasksCancelled.Add(1)
	}

	headers := map[string]string{
		"Playback-Seq":    strconv.FormatUint(task.Seq, 10),
		"Playback-Status": task.Status.String(),
	}
	if task.Strategy != "" {
		headers["Playback-Strategy"] = task.Strategy
	}
	if task.Text != "" {
		headers["Playback-Text"] = task.Text
	}
	if task.Err != nil {
		headers["Playback-Error"] = task.Err.Error()
	}
	s.deps.Notifier.Notify(Notification{Kind: NotifyPlaybackFinished, SessionID: s.id, Headers: headers})
}

// Counters returns the running totals
func (s *Session) Counters() Counters {
	return Counters{
		TasksCompleted:  s.tasksCompleted.Load(),
		TasksFailed:     s.tasksFailed.Load(),
		TasksCancelled:  s.tasksCancelled.Load(),
		FramesForwarded: s.framesForwarded.Load(),
		FramesDropped:   s.framesDropped.Load(),
		DTMFRelayed:     s.dtmfRelayed.Load(),
	}
}

// Playback returns the queue and executor status
func (s *Session) Playback() playback.Status { return s.pipeline.Status() }

// Info returns a snapshot of the session
func (s *Session) Info() Info {
	s.mu.Lock()
	info := Info{
		ID:             s.entity.ID,
		State:          s.entity.State.String(),
		Mode:           s.opts.Mode,
		RemoteEndpoint: s.entity.RemoteEndpoint,
		Metadata:       s.entity.Metadata,
		OpenedAt:       s.entity.OpenedAt,
		ClosedAt:       s.entity.ClosedAt,
		CloseReason:    s.entity.CloseReason,
		Open:           s.openSaga,
	}
	s.mu.Unlock()

	info.Playback = s.pipeline.Status()
	info.Counters = s.Counters()
	return info
}

// Record returns the persisted summary of the session
func (s *Session) Record() *entities.SessionRecord {
	info := s.Info()
	return &entities.SessionRecord{
		ID:              info.ID,
		RemoteEndpoint:  info.RemoteEndpoint,
		Mode:            string(info.Mode),
		Metadata:        info.Metadata,
		State:           info.State,
		OpenedAt:        info.OpenedAt,
		ClosedAt:        info.ClosedAt,
		CloseReason:     info.CloseReason,
		TasksCompleted:  info.Counters.TasksCompleted,
		TasksFailed:     info.Counters.TasksFailed,
		TasksCancelled:  info.Counters.TasksCancelled,
		TasksEvicted:    int64(info.Playback.Evicted),
		FramesForwarded: info.Counters.FramesForwarded,
		FramesDropped:   info.Counters.FramesDropped,
		DTMFRelayed:     info.Counters.DTMFRelayed,
	}
}
