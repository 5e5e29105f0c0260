package saga

import (
	"context"
	"time"
)

// State represents the current state of a saga execution
type State string

const (
	StateRunning     State = "running"
	StateCompleted   State = "completed"
	StateCompensated State = "compensated"
)

// StepState represents the state of an individual step
type StepState string

const (
	StepStatePending     StepState = "pending"
	StepStateRunning     StepState = "running"
	StepStateCompleted   StepState = "completed"
	StepStateFailed      StepState = "failed"
	StepStateCompensated StepState = "compensated"
)

// Data holds the values shared by the steps of one execution
type Data map[string]interface{}

// Step represents a single step in a saga
type Step interface {
	Name() string
	Execute(ctx context.Context, data Data) error
	Compensate(ctx context.Context, data Data) error
}

// FuncStep adapts plain functions to Step. A nil Undo compensates nothing.
type FuncStep struct {
	StepName string
	Do       func(ctx context.Context, data Data) error
	Undo     func(ctx context.Context, data Data) error
}

func (s FuncStep) Name() string { return s.StepName }

func (s FuncStep) Execute(ctx context.Context, data Data) error {
	return s.Do(ctx, data)
}

func (s FuncStep) Compensate(ctx context.Context, data Data) error {
	if s.Undo == nil {
		return nil
	}
	return s.Undo(ctx, data)
}

// Definition defines the steps of a saga and its overall deadline
type Definition struct {
	Name    string
	Steps   []Step
	Timeout time.Duration
}

// Instance records one execution of a definition
type Instance struct {
	Definition  string          `json:"definition"`
	State       State           `json:"state"`
	Steps       []StepExecution `json:"steps"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// StepExecution represents the execution state of a step
type StepExecution struct {
	Name        string     `json:"name"`
	State       StepState  `json:"state"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}
