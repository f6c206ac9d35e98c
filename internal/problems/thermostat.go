package problems

import (
	"gonum.org/v1/gonum/mat"

	"github.com/san-kum/daesim/internal/dynamo"
)

// Room is Newton cooling towards Ambient plus a heater that delivers Power
// while Heating is set. The hybrid thermostat switches between a heating
// and an idle copy.
type Room struct {
	Ambient float64
	Loss    float64
	Power   float64
	Heating bool
}

func NewRoom(heating bool) *Room {
	return &Room{Ambient: 10, Loss: 0.1, Power: 2, Heating: heating}
}

func (r *Room) Dim() int        { return 1 }
func (r *Room) ControlDim() int { return 0 }

func (r *Room) Source(t float64, x dynamo.State, u dynamo.Control, out dynamo.State) {
	out[0] = -r.Loss * (x[0] - r.Ambient)
	if r.Heating {
		out[0] += r.Power
	}
}

func (r *Room) Jacobian(t float64, x dynamo.State, u dynamo.Control, out *mat.Dense) {
	out.Set(0, 0, -r.Loss)
}

// Equilibrium is the temperature the room settles at in its mode.
func (r *Room) Equilibrium() float64 {
	if r.Heating {
		return r.Ambient + r.Power/r.Loss
	}
	return r.Ambient
}

func (r *Room) DefaultState() dynamo.State { return dynamo.State{18} }
