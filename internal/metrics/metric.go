// Package metrics summarizes integration runs from the steps they take.
package metrics

import (
	"github.com/san-kum/daesim/internal/dynamo"
	"github.com/san-kum/daesim/internal/integrators"
)

// Metric observes step events and reduces them to one number.
type Metric interface {
	integrators.Observer
	Name() string
	Value() float64
	Reset()
}

// Options attaches every metric to an integrator.
func Options(ms []Metric) []integrators.Option {
	opts := make([]integrators.Option, 0, len(ms))
	for _, m := range ms {
		opts = append(opts, integrators.WithObserver(m))
	}
	return opts
}

func Collect(ms []Metric) map[string]float64 {
	out := make(map[string]float64, len(ms))
	for _, m := range ms {
		out[m.Name()] = m.Value()
	}
	return out
}

// Default returns the metrics used for p starting from x0: step
// statistics, boundedness and, for problems with an energy, its drift.
func Default(p dynamo.Problem, x0 dynamo.State) []Metric {
	ms := []Metric{NewStepSize(), NewRejectionRate(), NewBounded(1e6)}
	if h, ok := p.(dynamo.Hamiltonian); ok {
		ms = append(ms, NewEnergyDrift(h, x0))
	}
	return ms
}
