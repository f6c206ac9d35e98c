package dynamo

import (
	"errors"
	"fmt"
)

// Domain errors for integration runs.
var (
	// ErrConvergenceFailure indicates a stage solve hit its iteration cap.
	ErrConvergenceFailure = errors.New("dynamo: stage solve did not converge")

	// ErrSingularMatrix indicates a stage matrix could not be factored.
	ErrSingularMatrix = errors.New("dynamo: singular stage matrix")

	// ErrStepSizeUnderflow indicates the controller gave up shrinking the step.
	ErrStepSizeUnderflow = errors.New("dynamo: step size underflow")

	// ErrCycleLimitExceeded indicates the event machine hit its transition bound.
	ErrCycleLimitExceeded = errors.New("dynamo: transition cycle limit exceeded")

	// ErrIncompleteTrajectory indicates a backward sweep over a partial forward run.
	ErrIncompleteTrajectory = errors.New("dynamo: trajectory incomplete")

	// ErrInvalidTableau indicates inconsistent or unknown method coefficients.
	ErrInvalidTableau = errors.New("dynamo: invalid tableau")

	// ErrInvalidState indicates a state vector with NaN or Inf entries.
	ErrInvalidState = errors.New("dynamo: invalid state (NaN or Inf detected)")

	// ErrDimensionMismatch indicates mismatched state/control dimensions.
	ErrDimensionMismatch = errors.New("dynamo: dimension mismatch between state and problem")

	// ErrUnsupportedMethod indicates a method class that needs a rule the caller did not supply.
	ErrUnsupportedMethod = errors.New("dynamo: unsupported method class")
)

// Kind classifies run failures.
type Kind int

const (
	KindUnknown Kind = iota
	KindConvergence
	KindSingular
	KindStepUnderflow
	KindCycleLimit
	KindIncompleteTrajectory
	KindInvalidTableau
	KindInvalidState
)

func (k Kind) String() string {
	switch k {
	case KindConvergence:
		return "convergence-failure"
	case KindSingular:
		return "singular-matrix"
	case KindStepUnderflow:
		return "step-size-underflow"
	case KindCycleLimit:
		return "cycle-limit-exceeded"
	case KindIncompleteTrajectory:
		return "incomplete-trajectory"
	case KindInvalidTableau:
		return "invalid-tableau"
	case KindInvalidState:
		return "invalid-state"
	default:
		return "unknown"
	}
}

// KindOf maps an error chain onto the taxonomy.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrConvergenceFailure):
		return KindConvergence
	case errors.Is(err, ErrSingularMatrix):
		return KindSingular
	case errors.Is(err, ErrStepSizeUnderflow):
		return KindStepUnderflow
	case errors.Is(err, ErrCycleLimitExceeded):
		return KindCycleLimit
	case errors.Is(err, ErrIncompleteTrajectory):
		return KindIncompleteTrajectory
	case errors.Is(err, ErrInvalidTableau):
		return KindInvalidTableau
	case errors.Is(err, ErrInvalidState):
		return KindInvalidState
	default:
		return KindUnknown
	}
}

// Recoverable reports whether err stays inside a step boundary and turns
// into a step rejection.
func Recoverable(err error) bool {
	k := KindOf(err)
	return k == KindConvergence || k == KindSingular
}

// SimulationError wraps a fatal error with run context.
type SimulationError struct {
	Step    int
	Time    float64
	State   State
	Wrapped error
}

func (e *SimulationError) Error() string {
	return fmt.Sprintf("step %d (t=%.6g): %v", e.Step, e.Time, e.Wrapped)
}

func (e *SimulationError) Unwrap() error {
	return e.Wrapped
}

func (e *SimulationError) Kind() Kind {
	return KindOf(e.Wrapped)
}

// Fail builds a SimulationError holding a copy of x.
func Fail(step int, t float64, x State, err error) *SimulationError {
	return &SimulationError{Step: step, Time: t, State: x.Clone(), Wrapped: err}
}
