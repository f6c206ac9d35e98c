package experiment

import (
	"fmt"
	"sort"

	"github.com/san-kum/daesim/internal/dynamo"
	"github.com/san-kum/daesim/internal/hybrid"
	"github.com/san-kum/daesim/internal/problems"
	"github.com/san-kum/daesim/internal/tableau"
)

// Scenario is a ready-made hybrid machine with its initial state and a
// sensible horizon.
type Scenario struct {
	States []*hybrid.State
	X0     dynamo.State
	TEnd   float64
	// Options come before the configured ones.
	Options []hybrid.Option
}

type Registry struct {
	problems  map[string]func() dynamo.Problem
	scenarios map[string]func() *Scenario
}

func NewRegistry() *Registry {
	r := &Registry{
		problems:  make(map[string]func() dynamo.Problem),
		scenarios: make(map[string]func() *Scenario),
	}

	r.problems["pendulum"] = func() dynamo.Problem { return problems.NewPendulum() }
	r.problems["van-der-pol"] = func() dynamo.Problem { return problems.NewVanDerPol() }
	r.problems["robertson"] = func() dynamo.Problem { return problems.NewRobertson() }
	r.problems["linear-dae"] = func() dynamo.Problem { return problems.NewLinearDAE() }
	r.problems["decay"] = func() dynamo.Problem { return problems.NewDecay() }
	r.problems["prothero-robinson"] = func() dynamo.Problem { return problems.NewProtheroRobinson() }
	r.problems["bouncing-ball"] = func() dynamo.Problem { return problems.NewBouncingBall() }
	r.problems["room"] = func() dynamo.Problem { return problems.NewRoom(true) }

	r.scenarios["bouncing-ball"] = bouncingBall
	r.scenarios["thermostat"] = thermostat

	return r
}

func (r *Registry) Problem(name string) (dynamo.Problem, error) {
	fn, ok := r.problems[name]
	if !ok {
		return nil, fmt.Errorf("unknown problem: %s", name)
	}
	return fn(), nil
}

func (r *Registry) Scenario(name string) (*Scenario, error) {
	fn, ok := r.scenarios[name]
	if !ok {
		return nil, fmt.Errorf("unknown scenario: %s", name)
	}
	return fn(), nil
}

func (r *Registry) ListProblems() []string  { return sortedKeys(r.problems) }
func (r *Registry) ListScenarios() []string { return sortedKeys(r.scenarios) }

// ListMethods lists the integration methods by name.
func (r *Registry) ListMethods() []string { return tableau.Names() }

func sortedKeys[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func bouncingBall() *Scenario {
	ball := problems.NewBouncingBall()
	return &Scenario{
		States: []*hybrid.State{{
			Name:    "flight",
			Problem: ball,
			Transitions: []hybrid.Transition{{
				To: "flight",
				Events: []hybrid.Event{
					hybrid.ZeroCrossing{Name: "impact", Guard: ball.Height, Direction: hybrid.Falling},
				},
				Reset:         ball.Bounce,
				ResetJacobian: ball.BounceJacobian,
			}},
		}},
		X0:   ball.DefaultState(),
		TEnd: 3,
	}
}

// thermostat keeps a room between 18 and 22 degrees.
func thermostat() *Scenario {
	const low, high = 18.0, 22.0
	heat, idle := problems.NewRoom(true), problems.NewRoom(false)
	return &Scenario{
		States: []*hybrid.State{
			{
				Name:    "heating",
				Problem: heat,
				Transitions: []hybrid.Transition{{
					To: "idle",
					Events: []hybrid.Event{hybrid.ZeroCrossing{
						Name:      "upper",
						Guard:     func(t float64, x dynamo.State) float64 { return x[0] - high },
						Direction: hybrid.Rising,
					}},
				}},
			},
			{
				Name:    "idle",
				Problem: idle,
				Transitions: []hybrid.Transition{{
					To: "heating",
					Events: []hybrid.Event{hybrid.ZeroCrossing{
						Name:      "lower",
						Guard:     func(t float64, x dynamo.State) float64 { return x[0] - low },
						Direction: hybrid.Falling,
					}},
				}},
			},
		},
		X0:   dynamo.State{low},
		TEnd: 30,
	}
}
