package metrics

import (
	"math"

	"github.com/san-kum/daesim/internal/dynamo"
	"github.com/san-kum/daesim/internal/integrators"
)

// EnergyDrift is the largest relative change of the energy seen on
// accepted steps. With zero initial energy the change is absolute.
type EnergyDrift struct {
	h        dynamo.Hamiltonian
	initial  float64
	maxDrift float64
}

func NewEnergyDrift(h dynamo.Hamiltonian, x0 dynamo.State) *EnergyDrift {
	return &EnergyDrift{h: h, initial: h.Energy(x0)}
}

func (e *EnergyDrift) Name() string { return "energy_drift" }

func (e *EnergyDrift) OnStep(ev integrators.StepEvent) {
	if !ev.Accepted {
		return
	}
	drift := math.Abs(e.h.Energy(ev.X) - e.initial)
	if e.initial != 0 {
		drift /= math.Abs(e.initial)
	}
	e.maxDrift = math.Max(e.maxDrift, drift)
}

func (e *EnergyDrift) Value() float64 { return e.maxDrift }

func (e *EnergyDrift) Reset() { e.maxDrift = 0 }
