// Package types defines the core vocabulary for the compute scheduling subsystem
package types

import (
	"time"
)

// CalcKind identifies the calculation a task asks for.
type CalcKind string

const (
	// KindEquationBalancing balances a chemical equation to integer coefficients
	KindEquationBalancing CalcKind = "equation_balancing"
	// KindThermodynamics computes reaction enthalpy/entropy/free energy
	KindThermodynamics CalcKind = "thermodynamics"
	// KindStoichiometry computes mole and mass relationships for a reaction
	KindStoichiometry CalcKind = "stoichiometry"
	// KindBatchAnalysis balances a list of reactions in one task
	KindBatchAnalysis CalcKind = "batch_analysis"
	// KindMatrixSolving solves a linear system Ax=b
	KindMatrixSolving CalcKind = "matrix_solving"
	// KindCompoundAnalysis computes molar mass and composition of a compound
	KindCompoundAnalysis CalcKind = "compound_analysis"
)

// Valid reports whether the kind is one of the supported calculations.
func (k CalcKind) Valid() bool {
	switch k {
	case KindEquationBalancing, KindThermodynamics, KindStoichiometry,
		KindBatchAnalysis, KindMatrixSolving, KindCompoundAnalysis:
		return true
	default:
		return false
	}
}

// Priority is one of four strictly ordered scheduling classes.
type Priority int

const (
	// PriorityLow is background work
	PriorityLow Priority = iota
	// PriorityNormal is the default
	PriorityNormal
	// PriorityHigh preempts normal and low work
	PriorityHigh
	// PriorityCritical preempts everything else
	PriorityCritical
)

// Valid reports whether the priority is one of the four levels.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// String returns the string representation of Priority
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Task is an immutable unit of submitted work. Build one with TaskBuilder;
// fields are exported for serialization but must not be mutated after Build.
type Task struct {
	ID        string            `json:"id"`
	Kind      CalcKind          `json:"kind"`
	Payload   any               `json:"payload"`
	Priority  Priority          `json:"priority"`
	CreatedAt time.Time         `json:"created_at"`
	// Timeout is measured from enqueue time; zero means no deadline.
	Timeout    time.Duration     `json:"timeout,omitempty"`
	RetryLimit int               `json:"retry_limit,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// TaskResult is the single terminal notification for an executed task.
type TaskResult struct {
	TaskID  string       `json:"task_id"`
	Success bool         `json:"success"`
	Value   any          `json:"value,omitempty"`
	Err     *WorkerError `json:"error,omitempty"`
	// Duration is kernel execution time, zero for tasks that never dispatched.
	Duration  time.Duration     `json:"duration"`
	PeakAlloc uint64            `json:"peak_alloc_bytes,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}
