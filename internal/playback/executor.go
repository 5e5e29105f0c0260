package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/MetaPowerMatrix/mod-audio-fork/domain"
	"github.com/MetaPowerMatrix/mod-audio-fork/domain/entities"
	"github.com/MetaPowerMatrix/mod-audio-fork/domain/repositories"
	"github.com/MetaPowerMatrix/mod-audio-fork/internal/metrics"
)

// Executor states
const (
	StateIdle      = "idle"
	StateDequeuing = "dequeuing"
	StatePlaying   = "playing"
	StateWaiting   = "waiting"
	StateStopping  = "stopping"
)

// Executor events
const (
	eventDequeue = "dequeue"
	eventPlay    = "play"
	eventIssued  = "issued"
	eventFinish  = "finish"
	eventStop    = "stop"
	eventStopped = "stopped"
)

// abortTimeout bounds the best-effort commands sent while stopping
const abortTimeout = 3 * time.Second

// OutcomeFunc is called once for every task that reaches a terminal state
type OutcomeFunc func(task *entities.PlaybackTask)

func newExecutorFSM(logger *zap.Logger, sessionID string) *fsm.FSM {
	return fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: eventDequeue, Src: []string{StateIdle}, Dst: StateDequeuing},
			{Name: eventPlay, Src: []string{StateDequeuing}, Dst: StatePlaying},
			{Name: eventIssued, Src: []string{StatePlaying}, Dst: StateWaiting},
			{Name: eventFinish, Src: []string{StateDequeuing, StatePlaying, StateWaiting}, Dst: StateIdle},
			{Name: eventStop, Src: []string{StatePlaying, StateWaiting}, Dst: StateStopping},
			{Name: eventStopped, Src: []string{StateStopping}, Dst: StateIdle},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				logger.Debug("Executor state changed",
					zap.String("sessionID", sessionID),
					zap.String("from", e.Src),
					zap.String("to", e.Dst))
			},
		},
	)
}

// Executor plays the tasks of one queue strictly in order, pacing itself
// with the estimated duration of each artifact.
type Executor struct {
	sessionID  string
	queue      *Queue
	control    repositories.CallControl
	store      Inspector
	estimator  Estimator
	strategies []Strategy
	metrics    *metrics.Metrics
	onOutcome  OutcomeFunc
	logger     *zap.Logger

	machine *fsm.FSM
	attempt atomic.Int32

	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	done      chan struct{}
}

// Inspector is the part of the artifact store the executor needs
type Inspector interface {
	Inspect(artifact *entities.Artifact) (int64, []byte, error)
	Delete(artifact *entities.Artifact) error
}

// NewExecutor creates a stopped executor for queue
func NewExecutor(
	queue *Queue,
	control repositories.CallControl,
	store Inspector,
	estimator Estimator,
	strategies []Strategy,
	m *metrics.Metrics,
	onOutcome OutcomeFunc,
	logger *zap.Logger,
) *Executor {
	if len(strategies) == 0 {
		strategies = DefaultStrategies()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		sessionID:  queue.sessionID,
		queue:      queue,
		control:    control,
		store:      store,
		estimator:  estimator,
		strategies: strategies,
		metrics:    m,
		onOutcome:  onOutcome,
		logger:     logger,
		machine:    newExecutorFSM(logger, queue.sessionID),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Start launches the worker goroutine. Only the first call has an effect.
func (e *Executor) Start() {
	e.startOnce.Do(func() {
		go e.run()
	})
}

// Stop aborts the current task and waits for the worker to exit. An
// executor that never started is simply marked finished.
func (e *Executor) Stop() {
	e.cancel()
	e.startOnce.Do(func() { close(e.done) })
	<-e.done
}

// State reports the machine state; playing carries the attempt number.
func (e *Executor) State() string {
	state := e.machine.Current()
	if state == StatePlaying {
		return fmt.Sprintf("%s(%d)", state, e.attempt.Load())
	}
	return state
}

func (e *Executor) fire(event string) {
	if err := e.machine.Event(context.Background(), event); err != nil {
		e.logger.Warn("Unexpected executor transition",
			zap.String("sessionID", e.sessionID),
			zap.String("event", event),
			zap.String("state", e.machine.Current()),
			zap.Error(err))
	}
}

func (e *Executor) run() {
	defer close(e.done)

	for {
		if e.ctx.Err() != nil {
			return
		}

		e.fire(eventDequeue)
		task, epoch, ok := e.queue.Dequeue()
		if !ok {
			e.fire(eventFinish)
			select {
			case <-e.ctx.Done():
				return
			case <-e.queue.Ready():
			}
			continue
		}

		e.fire(eventPlay)
		e.play(task, epoch)
	}
}

func (e *Executor) play(task *entities.PlaybackTask, epoch context.Context) {
	// Either a queue cancel (epoch) or executor shutdown interrupts the task.
	ctx, cancel := context.WithCancel(epoch)
	defer cancel()
	stop := context.AfterFunc(e.ctx, cancel)
	defer stop()

	e.logger.Info("Playing task",
		zap.String("sessionID", e.sessionID),
		zap.Uint64("seq", task.Seq),
		zap.String("file", task.Artifact.Path),
		zap.String("text", task.Text))

	var (
		issued  *Strategy
		lastErr error
	)
	for k := range e.strategies {
		if ctx.Err() != nil {
			break
		}
		s := &e.strategies[k]
		e.attempt.Store(int32(k + 1))

		err := s.Issue(ctx, e.control, task)
		e.metrics.StrategyAttempt(s.Name, err == nil)
		if err == nil {
			issued = s
			break
		}
		lastErr = err
		e.logger.Warn("Playback strategy failed",
			zap.String("sessionID", e.sessionID),
			zap.Uint64("seq", task.Seq),
			zap.String("strategy", s.Name),
			zap.Int("attempt", k+1),
			zap.Error(err))
	}

	if ctx.Err() != nil {
		e.abort(task, issued)
		return
	}

	if issued == nil {
		e.finish(task, entities.TaskFailed, fmt.Errorf("all playback strategies failed: %w", lastErr))
		e.fire(eventFinish)
		return
	}

	task.Strategy = issued.Name
	e.fire(eventIssued)

	wait := e.waitFor(task)
	e.metrics.PlaybackWait(wait)
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-timer.C:
		if issued.Release != nil {
			rctx, rcancel := context.WithTimeout(context.Background(), abortTimeout)
			issued.Release(rctx, e.control, task)
			rcancel()
		}
		e.finish(task, entities.TaskCompleted, nil)
		e.fire(eventFinish)
	case <-ctx.Done():
		e.abort(task, issued)
	}
}

// abort moves through Stopping, asks the switch to stop the playback and
// records the task as Cancelled.
func (e *Executor) abort(task *entities.PlaybackTask, issued *Strategy) {
	e.fire(eventStop)

	ctx, cancel := context.WithTimeout(context.Background(), abortTimeout)
	defer cancel()
	if reply, err := e.control.API(ctx, fmt.Sprintf("uuid_break %s all", task.SessionID)); err != nil || !reply.OK {
		e.logger.Debug("Break after stop not acknowledged",
			zap.String("sessionID", e.sessionID),
			zap.String("reply", reply.Text),
			zap.Error(err))
	}
	if issued != nil && issued.Release != nil {
		issued.Release(ctx, e.control, task)
	}

	e.finish(task, entities.TaskCancelled, context.Canceled)
	e.fire(eventStopped)
}

func (e *Executor) waitFor(task *entities.PlaybackTask) time.Duration {
	size, header, err := e.store.Inspect(task.Artifact)
	if err != nil {
		e.logger.Warn("Cannot inspect artifact, using default wait",
			zap.String("sessionID", e.sessionID),
			zap.Uint64("seq", task.Seq),
			zap.Error(err))
		wait, _ := e.estimator.Wait(0, nil, entities.EncodingDescriptor{})
		return wait
	}
	wait, err := e.estimator.Wait(size, header, task.Encoding)
	if err != nil {
		e.logger.Warn("Duration estimate failed, using default wait",
			zap.String("sessionID", e.sessionID),
			zap.Uint64("seq", task.Seq),
			zap.Error(err))
	}
	return wait
}

func (e *Executor) finish(task *entities.PlaybackTask, status entities.TaskStatus, err error) {
	if terr := task.Transition(status); terr != nil {
		e.logger.Error("Invalid task transition",
			zap.String("sessionID", e.sessionID),
			zap.Uint64("seq", task.Seq),
			zap.Error(terr))
	}
	task.Err = err

	if derr := e.store.Delete(task.Artifact); derr != nil {
		e.logger.Error("Failed to delete artifact",
			zap.String("sessionID", e.sessionID),
			zap.Uint64("seq", task.Seq),
			zap.Bool("artifactIO", errors.Is(derr, domain.ErrArtifactIO)),
			zap.Error(derr))
	}
	e.queue.Finish(task)
	e.metrics.TaskFinished(status.String())

	fields := []zap.Field{
		zap.String("sessionID", e.sessionID),
		zap.Uint64("seq", task.Seq),
		zap.String("status", status.String()),
		zap.String("strategy", task.Strategy),
	}
	if status == entities.TaskFailed {
		e.logger.Error("Playback task failed", append(fields, zap.Error(err))...)
	} else {
		e.logger.Info("Playback task finished", fields...)
	}

	if e.onOutcome != nil {
		e.onOutcome(task)
	}
}
