package problems

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/san-kum/daesim/internal/dynamo"
)

// VanDerPol is the oscillator x'' = μ(1 - x²)x' - x, stiff for large μ.
type VanDerPol struct {
	Mu float64
}

func NewVanDerPol() *VanDerPol { return &VanDerPol{Mu: 10} }

func (v *VanDerPol) Dim() int        { return 2 }
func (v *VanDerPol) ControlDim() int { return 0 }

func (v *VanDerPol) Source(t float64, x dynamo.State, u dynamo.Control, out dynamo.State) {
	out[0] = x[1]
	out[1] = v.Mu*(1-x[0]*x[0])*x[1] - x[0]
}

func (v *VanDerPol) Jacobian(t float64, x dynamo.State, u dynamo.Control, out *mat.Dense) {
	out.Set(0, 0, 0)
	out.Set(0, 1, 1)
	out.Set(1, 0, -2*v.Mu*x[0]*x[1]-1)
	out.Set(1, 1, v.Mu*(1-x[0]*x[0]))
}

func (v *VanDerPol) DefaultState() dynamo.State { return dynamo.State{2, 0} }

func (v *VanDerPol) GetParams() map[string]float64 {
	return map[string]float64{"mu": v.Mu}
}

func (v *VanDerPol) SetParam(name string, value float64) error {
	if name != "mu" {
		return fmt.Errorf("vanderpol: unknown parameter %q", name)
	}
	v.Mu = value
	return nil
}
