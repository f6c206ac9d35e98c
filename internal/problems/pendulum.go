package problems

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/san-kum/daesim/internal/dynamo"
)

// Pendulum is a damped pendulum driven by a constant torque u[0]. The cost
// penalizes the swing angle over the run and the kinetic energy left at
// the end.
type Pendulum struct {
	Mass    float64
	Length  float64
	Damping float64
	Gravity float64
}

func NewPendulum() *Pendulum {
	return &Pendulum{
		Mass:    1.0,
		Length:  1.0,
		Damping: 0.1,
		Gravity: 9.81,
	}
}

func (p *Pendulum) Dim() int        { return 2 }
func (p *Pendulum) ControlDim() int { return 1 }

func (p *Pendulum) inertia() float64 { return p.Mass * p.Length * p.Length }

func (p *Pendulum) Source(t float64, x dynamo.State, u dynamo.Control, out dynamo.State) {
	theta, omega := x[0], x[1]
	out[0] = omega
	out[1] = (-p.Damping*omega - p.Mass*p.Gravity*p.Length*math.Sin(theta) + u[0]) / p.inertia()
}

func (p *Pendulum) Jacobian(t float64, x dynamo.State, u dynamo.Control, out *mat.Dense) {
	in := p.inertia()
	out.Set(0, 0, 0)
	out.Set(0, 1, 1)
	out.Set(1, 0, -p.Mass*p.Gravity*p.Length*math.Cos(x[0])/in)
	out.Set(1, 1, -p.Damping/in)
}

func (p *Pendulum) ControlJacobian(t float64, x dynamo.State, u dynamo.Control, out *mat.Dense) {
	out.Set(0, 0, 0)
	out.Set(1, 0, 1/p.inertia())
}

func (p *Pendulum) RunningCost(t float64, x dynamo.State, u dynamo.Control) float64 {
	return x[0] * x[0]
}

func (p *Pendulum) RunningCostGradient(t float64, x dynamo.State, u dynamo.Control, gx dynamo.State, gu dynamo.Control) {
	gx[0] = 2 * x[0]
	gx[1] = 0
	clear(gu)
}

func (p *Pendulum) TerminalCost(t float64, x dynamo.State, u dynamo.Control) float64 {
	return 0.5 * p.inertia() * x[1] * x[1]
}

// Energy is the kinetic plus potential energy, zero at rest hanging down.
func (p *Pendulum) Energy(x dynamo.State) float64 {
	return 0.5*p.inertia()*x[1]*x[1] + p.Mass*p.Gravity*p.Length*(1-math.Cos(x[0]))
}

func (p *Pendulum) DefaultState() dynamo.State {
	return dynamo.State{math.Pi / 4, 0}
}

func (p *Pendulum) GetParams() map[string]float64 {
	return map[string]float64{
		"mass":    p.Mass,
		"length":  p.Length,
		"damping": p.Damping,
		"gravity": p.Gravity,
	}
}

func (p *Pendulum) SetParam(name string, value float64) error {
	switch name {
	case "mass":
		p.Mass = value
	case "length":
		p.Length = value
	case "damping":
		p.Damping = value
	case "gravity":
		p.Gravity = value
	default:
		return fmt.Errorf("pendulum: unknown parameter %q", name)
	}
	return nil
}
