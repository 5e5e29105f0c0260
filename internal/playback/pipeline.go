package playback

import (
	"go.uber.org/zap"

	"github.com/MetaPowerMatrix/mod-audio-fork/domain/entities"
	"github.com/MetaPowerMatrix/mod-audio-fork/domain/repositories"
	"github.com/MetaPowerMatrix/mod-audio-fork/internal/metrics"
)

// Store is the artifact store as seen by a pipeline
type Store interface {
	repositories.ArtifactStore
}

// Config configures every pipeline created by a process
type Config struct {
	QueueCapacity int
	Estimator     Estimator
	Strategies    []Strategy
}

// Status combines the queue snapshot with the executor state
type Status struct {
	QueueStatus
	ExecutorState string `json:"executor_state"`
}

// Pipeline is the queue and executor pair owned by one session
type Pipeline struct {
	queue     *Queue
	executor  *Executor
	metrics   *metrics.Metrics
	onOutcome OutcomeFunc
}

// NewPipeline wires a queue to its executor. The executor goroutine starts
// on the first enqueue.
func NewPipeline(
	sessionID string,
	cfg Config,
	control repositories.CallControl,
	store Store,
	m *metrics.Metrics,
	onOutcome OutcomeFunc,
	logger *zap.Logger,
) *Pipeline {
	queue := NewQueue(sessionID, cfg.QueueCapacity, store, logger)
	return &Pipeline{
		queue:     queue,
		executor:  NewExecutor(queue, control, store, cfg.Estimator, cfg.Strategies, m, onOutcome, logger),
		metrics:   m,
		onOutcome: onOutcome,
	}
}

// Reserve returns the sequence number for the next decoded task
func (p *Pipeline) Reserve() uint64 { return p.queue.Reserve() }

// Enqueue queues task and wakes the executor
func (p *Pipeline) Enqueue(task *entities.PlaybackTask) error {
	evicted, err := p.queue.Enqueue(task)
	if err != nil {
		return err
	}
	p.metrics.TaskEnqueued()
	if evicted != nil {
		p.metrics.QueueEviction()
		p.report(evicted)
	}
	p.executor.Start()
	return nil
}

// Cancel drops pending tasks and interrupts the current one
func (p *Pipeline) Cancel() int {
	dropped := p.queue.Cancel()
	for _, task := range dropped {
		p.report(task)
	}
	return len(dropped)
}

// Close cancels everything and waits for the executor to exit
func (p *Pipeline) Close() {
	for _, task := range p.queue.Close() {
		p.report(task)
	}
	p.executor.Stop()
}

// Status returns the queue snapshot and executor state
func (p *Pipeline) Status() Status {
	return Status{QueueStatus: p.queue.Status(), ExecutorState: p.executor.State()}
}

func (p *Pipeline) report(task *entities.PlaybackTask) {
	p.metrics.TaskFinished(task.Status.String())
	if p.onOutcome != nil {
		p.onOutcome(task)
	}
}
