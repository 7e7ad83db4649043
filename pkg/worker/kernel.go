package worker

import (
	"encoding/json"
	"fmt"

	"github.com/vloganathane/creb-compute/pkg/protocol"
	"github.com/vloganathane/creb-compute/pkg/solver"
	"github.com/vloganathane/creb-compute/pkg/types"
)

// runKernel dispatches a task to the solver entry point for its kind.
// Payload decoding failures classify as validation, kernel failures as
// runtime.
func runKernel(workerID int, task types.Task, progress func(float64)) (any, *types.WorkerError) {
	validationErr := func(err error) *types.WorkerError {
		return types.NewWorkerError(types.ErrorValidation, workerID, task.ID, err)
	}
	runtimeErr := func(err error) *types.WorkerError {
		return types.NewWorkerError(types.ErrorRuntime, workerID, task.ID, err).
			WithContext("kind", string(task.Kind))
	}

	switch task.Kind {
	case types.KindEquationBalancing:
		in, err := decodePayload[solver.BalanceInput](task.Payload)
		if err != nil {
			return nil, validationErr(err)
		}
		res, err := solver.BalanceEquation(in)
		if err != nil {
			return nil, runtimeErr(err)
		}
		return res, nil

	case types.KindMatrixSolving:
		in, err := decodePayload[solver.MatrixInput](task.Payload)
		if err != nil {
			return nil, validationErr(err)
		}
		x, err := solver.Solve(in.A, in.B, in.Method, in.Tolerance)
		if err != nil {
			return nil, runtimeErr(err)
		}
		method := in.Method
		if method == "" {
			method = solver.MethodGaussian
		}
		return solver.MatrixResult{X: x, Method: method}, nil

	case types.KindThermodynamics:
		in, err := decodePayload[solver.ThermoInput](task.Payload)
		if err != nil {
			return nil, validationErr(err)
		}
		res, err := solver.ComputeThermodynamics(in)
		if err != nil {
			return nil, runtimeErr(err)
		}
		return res, nil

	case types.KindStoichiometry:
		in, err := decodePayload[solver.StoichiometryInput](task.Payload)
		if err != nil {
			return nil, validationErr(err)
		}
		res, err := solver.ComputeStoichiometry(in)
		if err != nil {
			return nil, runtimeErr(err)
		}
		return res, nil

	case types.KindCompoundAnalysis:
		in, err := decodePayload[solver.CompoundInput](task.Payload)
		if err != nil {
			return nil, validationErr(err)
		}
		res, err := solver.AnalyzeCompound(in)
		if err != nil {
			return nil, runtimeErr(err)
		}
		return res, nil

	case types.KindBatchAnalysis:
		in, err := decodePayload[solver.BatchInput](task.Payload)
		if err != nil {
			return nil, validationErr(err)
		}
		res, err := solver.AnalyzeBatch(in, progress)
		if err != nil {
			return nil, runtimeErr(err)
		}
		return res, nil

	default:
		return nil, validationErr(fmt.Errorf("%w: %q", types.ErrInvalidKind, task.Kind))
	}
}

// assignmentFromEnvelope recovers the task and its enqueue timestamp from an
// assignment envelope. In-process dispatch carries the typed value; envelopes
// that crossed a byte stream carry decoded JSON and are re-decoded.
func assignmentFromEnvelope(env protocol.Envelope) (protocol.Assignment, error) {
	a, err := decodePayload[protocol.Assignment](env.Payload)
	if err != nil {
		return protocol.Assignment{}, fmt.Errorf("assignment payload: %w", err)
	}
	if a.Task.ID == "" {
		return protocol.Assignment{}, fmt.Errorf("assignment payload has no task id")
	}
	return a, nil
}

// decodePayload accepts either the concrete input type or any JSON-shaped
// value (map, json.RawMessage) and converts it through a JSON round-trip.
func decodePayload[T any](payload any) (T, error) {
	var v T
	if payload == nil {
		return v, fmt.Errorf("missing payload")
	}
	if typed, ok := payload.(T); ok {
		return typed, nil
	}

	data, ok := payload.(json.RawMessage)
	if !ok {
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			return v, fmt.Errorf("payload is not %T: %w", v, err)
		}
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("payload is not %T: %w", v, err)
	}
	return v, nil
}
