package problems

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/san-kum/daesim/internal/dynamo"
)

// BouncingBall is free fall of x = (height, velocity). Impacts are handled
// by the hybrid machine through Height and Bounce.
type BouncingBall struct {
	Gravity     float64
	Restitution float64
}

func NewBouncingBall() *BouncingBall {
	return &BouncingBall{Gravity: 9.81, Restitution: 0.8}
}

func (b *BouncingBall) Dim() int        { return 2 }
func (b *BouncingBall) ControlDim() int { return 0 }

func (b *BouncingBall) Source(t float64, x dynamo.State, u dynamo.Control, out dynamo.State) {
	out[0] = x[1]
	out[1] = -b.Gravity
}

func (b *BouncingBall) Jacobian(t float64, x dynamo.State, u dynamo.Control, out *mat.Dense) {
	out.Zero()
	out.Set(0, 1, 1)
}

// Height is the impact guard.
func (b *BouncingBall) Height(t float64, x dynamo.State) float64 { return x[0] }

// Bounce reflects the velocity at an impact.
func (b *BouncingBall) Bounce(t float64, x dynamo.State) dynamo.State {
	return dynamo.State{0, -b.Restitution * x[1]}
}

// BounceJacobian is d(Bounce)/dx.
func (b *BouncingBall) BounceJacobian(t float64, x dynamo.State, out *mat.Dense) {
	out.Zero()
	out.Set(1, 1, -b.Restitution)
}

func (b *BouncingBall) DefaultState() dynamo.State { return dynamo.State{1, 0} }

// Energy is the mechanical energy per unit mass.
func (b *BouncingBall) Energy(x dynamo.State) float64 {
	return 0.5*x[1]*x[1] + b.Gravity*x[0]
}

func (b *BouncingBall) GetParams() map[string]float64 {
	return map[string]float64{"gravity": b.Gravity, "restitution": b.Restitution}
}

func (b *BouncingBall) SetParam(name string, value float64) error {
	switch name {
	case "gravity":
		b.Gravity = value
	case "restitution":
		b.Restitution = value
	default:
		return fmt.Errorf("bouncing-ball: unknown parameter %q", name)
	}
	return nil
}
