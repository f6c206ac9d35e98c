package problems

import (
	"gonum.org/v1/gonum/mat"

	"github.com/san-kum/daesim/internal/dynamo"
)

// Robertson is the stiff chemical kinetics problem written as an index-1
// DAE: the third species follows from conservation of mass.
type Robertson struct {
	K1, K2, K3 float64
}

func NewRobertson() *Robertson {
	return &Robertson{K1: 0.04, K2: 3e7, K3: 1e4}
}

func (r *Robertson) Dim() int        { return 3 }
func (r *Robertson) ControlDim() int { return 0 }

func (r *Robertson) Source(t float64, x dynamo.State, u dynamo.Control, out dynamo.State) {
	out[0] = -r.K1*x[0] + r.K3*x[1]*x[2]
	out[1] = r.K1*x[0] - r.K3*x[1]*x[2] - r.K2*x[1]*x[1]
	out[2] = x[0] + x[1] + x[2] - 1
}

func (r *Robertson) Jacobian(t float64, x dynamo.State, u dynamo.Control, out *mat.Dense) {
	out.Set(0, 0, -r.K1)
	out.Set(0, 1, r.K3*x[2])
	out.Set(0, 2, r.K3*x[1])
	out.Set(1, 0, r.K1)
	out.Set(1, 1, -r.K3*x[2]-2*r.K2*x[1])
	out.Set(1, 2, -r.K3*x[1])
	out.Set(2, 0, 1)
	out.Set(2, 1, 1)
	out.Set(2, 2, 1)
}

func (r *Robertson) Mass(t float64, x dynamo.State, out *mat.Dense) {
	out.Zero()
	out.Set(0, 0, 1)
	out.Set(1, 1, 1)
}

func (r *Robertson) DefaultState() dynamo.State { return dynamo.State{1, 0, 0} }
