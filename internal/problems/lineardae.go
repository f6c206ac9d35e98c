package problems

import (
	"gonum.org/v1/gonum/mat"

	"github.com/san-kum/daesim/internal/dynamo"
)

// LinearDAE is the semi-explicit index-1 system
//
//	x1' = -x1 + x2 + u
//	0   = x2 - Alpha x1
//
// with cost ∫ x1² dt + x1(tf)². For u = 0 the differential component
// decays like exp((Alpha-1) t).
type LinearDAE struct {
	Alpha float64
}

func NewLinearDAE() *LinearDAE { return &LinearDAE{Alpha: 0.5} }

func (d *LinearDAE) Dim() int        { return 2 }
func (d *LinearDAE) ControlDim() int { return 1 }

func (d *LinearDAE) Source(t float64, x dynamo.State, u dynamo.Control, out dynamo.State) {
	out[0] = -x[0] + x[1] + u[0]
	out[1] = x[1] - d.Alpha*x[0]
}

func (d *LinearDAE) Jacobian(t float64, x dynamo.State, u dynamo.Control, out *mat.Dense) {
	out.Set(0, 0, -1)
	out.Set(0, 1, 1)
	out.Set(1, 0, -d.Alpha)
	out.Set(1, 1, 1)
}

func (d *LinearDAE) ControlJacobian(t float64, x dynamo.State, u dynamo.Control, out *mat.Dense) {
	out.Set(0, 0, 1)
	out.Set(1, 0, 0)
}

func (d *LinearDAE) Mass(t float64, x dynamo.State, out *mat.Dense) {
	out.Zero()
	out.Set(0, 0, 1)
}

func (d *LinearDAE) RunningCost(t float64, x dynamo.State, u dynamo.Control) float64 {
	return x[0] * x[0]
}

func (d *LinearDAE) RunningCostGradient(t float64, x dynamo.State, u dynamo.Control, gx dynamo.State, gu dynamo.Control) {
	gx[0] = 2 * x[0]
	gx[1] = 0
	clear(gu)
}

func (d *LinearDAE) TerminalCost(t float64, x dynamo.State, u dynamo.Control) float64 {
	return x[0] * x[0]
}

func (d *LinearDAE) TerminalCostGradient(t float64, x dynamo.State, u dynamo.Control, gx dynamo.State, gu dynamo.Control) {
	gx[0] = 2 * x[0]
	gx[1] = 0
	clear(gu)
}

// DefaultState is consistent with the algebraic equation.
func (d *LinearDAE) DefaultState() dynamo.State { return dynamo.State{1, d.Alpha} }
