package saga

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const compensationTimeout = 5 * time.Second

// Manager runs saga definitions step by step and compensates completed
// steps in reverse order when one fails.
type Manager struct {
	logger *zap.Logger
}

// NewManager creates a new saga manager
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{logger: logger}
}

// Run executes def synchronously. On failure the completed steps are
// compensated and the failing step's error is returned.
func (m *Manager) Run(ctx context.Context, def Definition, data Data) (*Instance, error) {
	if data == nil {
		data = Data{}
	}
	rec := newRecorder(def)

	if def.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, def.Timeout)
		defer cancel()
	}

	lastCompleted := -1
	var failure error
	for i, step := range def.Steps {
		rec.start(i)
		if err := step.Execute(ctx, data); err != nil {
			rec.fail(i, err)
			m.logger.Error("Step failed",
				zap.String("saga", def.Name),
				zap.String("step", step.Name()),
				zap.Error(err))
			failure = fmt.Errorf("%s: %w", step.Name(), err)
			break
		}
		rec.complete(i)
		m.logger.Debug("Step completed",
			zap.String("saga", def.Name),
			zap.String("step", step.Name()))
		lastCompleted = i
	}

	if failure == nil {
		rec.finish(StateCompleted, nil)
		return rec.snapshot(), nil
	}

	// The run context may already be expired; compensation gets its own.
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()
	for i := lastCompleted; i >= 0; i-- {
		step := def.Steps[i]
		if err := step.Compensate(cctx, data); err != nil {
			m.logger.Error("Compensation failed",
				zap.String("saga", def.Name),
				zap.String("step", step.Name()),
				zap.Error(err))
			continue
		}
		rec.compensated(i)
	}
	rec.finish(StateCompensated, failure)
	m.logger.Info("Saga compensated", zap.String("saga", def.Name))
	return rec.snapshot(), failure
}

type recorder struct {
	mu       sync.Mutex
	instance Instance
}

func newRecorder(def Definition) *recorder {
	steps := make([]StepExecution, len(def.Steps))
	for i, step := range def.Steps {
		steps[i] = StepExecution{Name: step.Name(), State: StepStatePending}
	}
	return &recorder{instance: Instance{
		Definition: def.Name,
		State:      StateRunning,
		Steps:      steps,
		StartedAt:  time.Now(),
	}}
}

func (r *recorder) start(i int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	r.instance.Steps[i].State = StepStateRunning
	r.instance.Steps[i].StartedAt = &now
}

func (r *recorder) complete(i int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	r.instance.Steps[i].State = StepStateCompleted
	r.instance.Steps[i].CompletedAt = &now
}

func (r *recorder) fail(i int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	r.instance.Steps[i].State = StepStateFailed
	r.instance.Steps[i].CompletedAt = &now
	r.instance.Steps[i].Error = err.Error()
}

func (r *recorder) compensated(i int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instance.Steps[i].State = StepStateCompensated
}

func (r *recorder) finish(state State, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	r.instance.State = state
	r.instance.CompletedAt = &now
	if err != nil {
		r.instance.Error = err.Error()
	}
}

func (r *recorder) snapshot() *Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst := r.instance
	inst.Steps = append([]StepExecution(nil), r.instance.Steps...)
	return &inst
}
