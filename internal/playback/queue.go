// Package playback runs the ordered per-session playback pipeline: a
// bounded queue of tasks and the executor that plays them one by one.
package playback

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MetaPowerMatrix/mod-audio-fork/domain"
	"github.com/MetaPowerMatrix/mod-audio-fork/domain/entities"
	"github.com/MetaPowerMatrix/mod-audio-fork/domain/repositories"
)

// DefaultQueueCapacity is the number of pending tasks kept per session
const DefaultQueueCapacity = 10

// QueueStatus is a point-in-time view of one session queue
type QueueStatus struct {
	SessionID    string     `json:"session_id"`
	Pending      int        `json:"queue_size"`
	Playing      bool       `json:"playing"`
	CurrentFile  string     `json:"current_file,omitempty"`
	CurrentSeq   uint64     `json:"current_seq,omitempty"`
	LastPlayTime *time.Time `json:"last_play_time,omitempty"`
	Enqueued     uint64     `json:"enqueued"`
	Evicted      uint64     `json:"evicted"`
	Cancelled    uint64     `json:"cancelled"`
	Closed       bool       `json:"closed"`
}

// Queue is the bounded FIFO of one session. Every mutation happens under
// mu, which is never held while audio plays.
type Queue struct {
	sessionID string
	capacity  int
	store     repositories.ArtifactStore
	logger    *zap.Logger

	mu          sync.Mutex
	pending     []*entities.PlaybackTask
	current     *entities.PlaybackTask
	nextSeq     uint64
	epoch       context.Context
	cancelEpoch context.CancelFunc
	closed      bool
	lastPlay    time.Time
	enqueued    uint64
	evicted     uint64
	cancelled   uint64

	ready chan struct{}
}

// NewQueue creates an empty queue. A capacity below 1 uses the default.
func NewQueue(sessionID string, capacity int, store repositories.ArtifactStore, logger *zap.Logger) *Queue {
	if capacity < 1 {
		capacity = DefaultQueueCapacity
	}
	q := &Queue{
		sessionID: sessionID,
		capacity:  capacity,
		store:     store,
		logger:    logger,
		pending:   make([]*entities.PlaybackTask, 0, capacity),
		ready:     make(chan struct{}, 1),
	}
	q.epoch, q.cancelEpoch = context.WithCancel(context.Background())
	return q
}

// Reserve hands out the next sequence number
func (q *Queue) Reserve() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextSeq++
	return q.nextSeq
}

// Enqueue appends task and wakes the executor. When the queue is full the
// oldest pending task is evicted, cancelled and returned.
func (q *Queue) Enqueue(task *entities.PlaybackTask) (*entities.PlaybackTask, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.deleteArtifact(task)
		return nil, domain.ErrQueueClosed
	}

	if task.Seq == 0 {
		q.nextSeq++
		task.Seq = q.nextSeq
	}
	task.EnqueuedAt = time.Now()

	var evicted *entities.PlaybackTask
	if len(q.pending) >= q.capacity {
		evicted = q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		_ = evicted.Transition(entities.TaskCancelled)
		q.evicted++
	}
	q.pending = append(q.pending, task)
	q.enqueued++
	size := len(q.pending)
	q.mu.Unlock()

	if evicted != nil {
		q.logger.Info("Queue full, dropped oldest pending task",
			zap.String("sessionID", q.sessionID),
			zap.Uint64("droppedSeq", evicted.Seq),
			zap.Uint64("seq", task.Seq))
		q.deleteArtifact(evicted)
	}

	q.logger.Debug("Task enqueued",
		zap.String("sessionID", q.sessionID),
		zap.Uint64("seq", task.Seq),
		zap.Int("queueSize", size))

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return evicted, nil
}

// Dequeue pops the head task and marks it Playing. The returned context is
// cancelled by the next Cancel or Close. Executor only.
func (q *Queue) Dequeue() (*entities.PlaybackTask, context.Context, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || len(q.pending) == 0 {
		return nil, nil, false
	}
	task := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	_ = task.Transition(entities.TaskPlaying)
	q.current = task
	q.lastPlay = time.Now()
	return task, q.epoch, true
}

// Finish clears the current task once the executor is done with it
func (q *Queue) Finish(task *entities.PlaybackTask) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current == task {
		q.current = nil
	}
}

// Cancel drops every pending task, interrupts the task being played and
// deletes the dropped tasks' artifacts. Later enqueues are unaffected.
func (q *Queue) Cancel() []*entities.PlaybackTask {
	q.mu.Lock()
	dropped := q.drainLocked()
	q.cancelEpoch()
	q.epoch, q.cancelEpoch = context.WithCancel(context.Background())
	q.mu.Unlock()

	q.releaseDropped(dropped)
	return dropped
}

// Close cancels like Cancel and rejects every later enqueue
func (q *Queue) Close() []*entities.PlaybackTask {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	dropped := q.drainLocked()
	q.cancelEpoch()
	q.mu.Unlock()

	q.releaseDropped(dropped)
	return dropped
}

func (q *Queue) drainLocked() []*entities.PlaybackTask {
	dropped := q.pending
	q.pending = make([]*entities.PlaybackTask, 0, q.capacity)
	for _, task := range dropped {
		_ = task.Transition(entities.TaskCancelled)
	}
	q.cancelled += uint64(len(dropped))
	return dropped
}

func (q *Queue) releaseDropped(dropped []*entities.PlaybackTask) {
	for _, task := range dropped {
		q.deleteArtifact(task)
	}
	if len(dropped) > 0 {
		q.logger.Info("Cancelled pending playback",
			zap.String("sessionID", q.sessionID),
			zap.Int("count", len(dropped)))
	}
}

func (q *Queue) deleteArtifact(task *entities.PlaybackTask) {
	if err := q.store.Delete(task.Artifact); err != nil {
		q.logger.Error("Failed to delete artifact",
			zap.String("sessionID", q.sessionID),
			zap.Uint64("seq", task.Seq),
			zap.Error(err))
	}
}

// Ready signals that work may be available
func (q *Queue) Ready() <-chan struct{} { return q.ready }

// Len returns the number of pending tasks
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Status returns a snapshot of the queue
func (q *Queue) Status() QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()

	status := QueueStatus{
		SessionID: q.sessionID,
		Pending:   len(q.pending),
		Playing:   q.current != nil,
		Enqueued:  q.enqueued,
		Evicted:   q.evicted,
		Cancelled: q.cancelled,
		Closed:    q.closed,
	}
	if q.current != nil {
		status.CurrentSeq = q.current.Seq
		if q.current.Artifact != nil {
			status.CurrentFile = q.current.Artifact.Path
		}
	}
	if !q.lastPlay.IsZero() {
		t := q.lastPlay
		status.LastPlayTime = &t
	}
	return status
}

// PendingSeqs lists pending sequence numbers in queue order
func (q *Queue) PendingSeqs() []uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	seqs := make([]uint64, len(q.pending))
	for i, task := range q.pending {
		seqs[i] = task.Seq
	}
	return seqs
}
