package dynamo

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

type State []float64

func (s State) Clone() State {
	c := make(State, len(s))
	copy(c, s)
	return c
}

func (s State) IsValid() bool {
	for _, v := range s {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func (s State) Norm() float64 {
	sum := 0.0
	for _, v := range s {
		sum += v * v
	}
	return math.Sqrt(sum)
}

// Axpy adds a*y to s in place.
func (s State) Axpy(a float64, y []float64) {
	for i := range s {
		s[i] += a * y[i]
	}
}

func (s State) Sub(other State) State {
	result := make(State, len(s))
	for i := range s {
		result[i] = s[i] - other[i]
	}
	return result
}

type Control []float64

func (u Control) Clone() Control {
	if u == nil {
		return nil
	}
	c := make(Control, len(u))
	copy(c, u)
	return c
}

// Problem is the residual contract M(t,x) x' = f(t,x,u). Only the right-hand
// side is mandatory; every derivative below is optional and falls back to
// central finite differences in [Evaluator].
type Problem interface {
	Dim() int
	ControlDim() int
	Source(t float64, x State, u Control, out State)
}

// MassMatrix is implemented by problems with a non-identity left-hand side.
// A singular M makes the problem a DAE.
type MassMatrix interface {
	Mass(t float64, x State, out *mat.Dense)
}

type Jacobian interface {
	Jacobian(t float64, x State, u Control, out *mat.Dense)
}

type TimeDerivative interface {
	TimeDerivative(t float64, x State, u Control, out State)
}

// MassDerivative returns d(M(t,x) v)/dx.
type MassDerivative interface {
	MassDerivative(t float64, x, v State, out *mat.Dense)
}

// ControlJacobian returns df/du as an n×m matrix.
type ControlJacobian interface {
	ControlJacobian(t float64, x State, u Control, out *mat.Dense)
}

// RunningCost is the integrand g of the cost functional
// Psi = J(x(tf)) + integral of g dt.
type RunningCost interface {
	RunningCost(t float64, x State, u Control) float64
}

type RunningCostGradient interface {
	RunningCostGradient(t float64, x State, u Control, gx State, gu Control)
}

type TerminalCost interface {
	TerminalCost(t float64, x State, u Control) float64
}

type TerminalCostGradient interface {
	TerminalCostGradient(t float64, x State, u Control, gx State, gu Control)
}

type Configurable interface {
	GetParams() map[string]float64
	SetParam(name string, value float64) error
}

// Initializer supplies a consistent initial state.
type Initializer interface {
	DefaultState() State
}

// Hamiltonian is implemented by problems with a mechanical energy.
type Hamiltonian interface {
	Energy(x State) float64
}
