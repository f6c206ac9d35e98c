package problems

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/san-kum/daesim/internal/dynamo"
)

// Polynomial is x' = Σ_k c_k t^k, whose solution is a polynomial of one
// degree more.
type Polynomial struct {
	Coef []float64
}

func (p *Polynomial) Dim() int        { return 1 }
func (p *Polynomial) ControlDim() int { return 0 }

func (p *Polynomial) Source(t float64, x dynamo.State, u dynamo.Control, out dynamo.State) {
	v := 0.0
	for k := len(p.Coef) - 1; k >= 0; k-- {
		v = v*t + p.Coef[k]
	}
	out[0] = v
}

func (p *Polynomial) Jacobian(t float64, x dynamo.State, u dynamo.Control, out *mat.Dense) {
	out.Set(0, 0, 0)
}

// Exact is the solution through (t0, x0).
func (p *Polynomial) Exact(t0, x0, t float64) float64 {
	antiderivative := func(t float64) float64 {
		v := 0.0
		for k := len(p.Coef) - 1; k >= 0; k-- {
			v = v*t + p.Coef[k]/float64(k+1)
		}
		return v * t
	}
	return x0 + antiderivative(t) - antiderivative(t0)
}

func (p *Polynomial) DefaultState() dynamo.State { return dynamo.State{0} }

// Decay is the linear test equation x' = λx.
// Its cost is the integral of x².
type Decay struct {
	Lambda float64
}

func NewDecay() *Decay { return &Decay{Lambda: -1} }

func (d *Decay) Dim() int        { return 1 }
func (d *Decay) ControlDim() int { return 0 }

func (d *Decay) Source(t float64, x dynamo.State, u dynamo.Control, out dynamo.State) {
	out[0] = d.Lambda * x[0]
}

func (d *Decay) Jacobian(t float64, x dynamo.State, u dynamo.Control, out *mat.Dense) {
	out.Set(0, 0, d.Lambda)
}

func (d *Decay) RunningCost(t float64, x dynamo.State, u dynamo.Control) float64 {
	return x[0] * x[0]
}

func (d *Decay) Exact(t0, x0, t float64) float64 {
	return x0 * math.Exp(d.Lambda*(t-t0))
}

func (d *Decay) DefaultState() dynamo.State { return dynamo.State{1} }

func (d *Decay) GetParams() map[string]float64 {
	return map[string]float64{"lambda": d.Lambda}
}

func (d *Decay) SetParam(name string, value float64) error {
	if name != "lambda" {
		return fmt.Errorf("decay: unknown parameter %q", name)
	}
	d.Lambda = value
	return nil
}

// ProtheroRobinson is the stiff problem x' = λ(x - sin t) + cos t with the
// smooth solution sin t.
type ProtheroRobinson struct {
	Lambda float64
}

func NewProtheroRobinson() *ProtheroRobinson { return &ProtheroRobinson{Lambda: -1e4} }

func (p *ProtheroRobinson) Dim() int        { return 1 }
func (p *ProtheroRobinson) ControlDim() int { return 0 }

func (p *ProtheroRobinson) Source(t float64, x dynamo.State, u dynamo.Control, out dynamo.State) {
	out[0] = p.Lambda*(x[0]-math.Sin(t)) + math.Cos(t)
}

func (p *ProtheroRobinson) Jacobian(t float64, x dynamo.State, u dynamo.Control, out *mat.Dense) {
	out.Set(0, 0, p.Lambda)
}

func (p *ProtheroRobinson) TimeDerivative(t float64, x dynamo.State, u dynamo.Control, out dynamo.State) {
	out[0] = -p.Lambda*math.Cos(t) - math.Sin(t)
}

func (p *ProtheroRobinson) Exact(t float64) float64 { return math.Sin(t) }

func (p *ProtheroRobinson) DefaultState() dynamo.State { return dynamo.State{0} }

func (p *ProtheroRobinson) GetParams() map[string]float64 {
	return map[string]float64{"lambda": p.Lambda}
}

func (p *ProtheroRobinson) SetParam(name string, value float64) error {
	if name != "lambda" {
		return fmt.Errorf("prothero-robinson: unknown parameter %q", name)
	}
	p.Lambda = value
	return nil
}
