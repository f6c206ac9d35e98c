package hybrid

import (
	"math"

	"github.com/san-kum/daesim/internal/dynamo"
)

// Direction restricts which sign changes of a guard count as a crossing.
type Direction int

const (
	Both Direction = iota
	// Rising is a change from negative to non-negative.
	Rising
	// Falling is a change from positive to non-positive.
	Falling
)

func (d Direction) String() string {
	switch d {
	case Rising:
		return "rising"
	case Falling:
		return "falling"
	default:
		return "both"
	}
}

// Event is a trigger of a Transition. The set of events is closed:
// ZeroCrossing, Wait and Predicate.
type Event interface {
	event()
}

// ZeroCrossing fires when Guard changes sign between two accepted steps.
// The crossing time is localized inside the step.
type ZeroCrossing struct {
	Name      string
	Guard     func(t float64, x dynamo.State) float64
	Direction Direction
}

// Wait fires after Duration of simulated time, or after Steps accepted
// steps, since the state was entered. Duration deadlines are hit exactly.
type Wait struct {
	Duration float64
	Steps    int
}

// Predicate fires at the end of any accepted step where Fn holds.
type Predicate struct {
	Name string
	Fn   func(t float64, x dynamo.State) bool
}

func (ZeroCrossing) event() {}
func (Wait) event()         {}
func (Predicate) event()    {}

// timeTol is the slack for landing on a deadline.
func timeTol(t float64) float64 { return 1e-12 * math.Max(1, math.Abs(t)) }

func crossed(dir Direction, g0, g1 float64) bool {
	switch dir {
	case Rising:
		return g0 < 0 && g1 >= 0
	case Falling:
		return g0 > 0 && g1 <= 0
	default:
		return (g0 < 0 && g1 >= 0) || (g0 > 0 && g1 <= 0)
	}
}

// armed is the runtime state of one event while its source state is
// active.
type armed struct {
	ev       Event
	prev     float64
	steps    int
	deadline float64
	// latched records that the event fired since entry, for All
	// transitions.
	latched bool
}

func arm(ev Event, t float64, x dynamo.State) *armed {
	a := &armed{ev: ev, deadline: math.Inf(1)}
	switch e := ev.(type) {
	case ZeroCrossing:
		a.prev = e.Guard(t, x)
	case Wait:
		if e.Duration > 0 {
			a.deadline = t + e.Duration
		}
	}
	return a
}

// crossing reports whether the step from the last accepted point to
// (t, x) crosses the guard, with the guard value at (t, x).
func (a *armed) crossing(t float64, x dynamo.State) (bool, float64) {
	zc, ok := a.ev.(ZeroCrossing)
	if !ok {
		return false, 0
	}
	g := zc.Guard(t, x)
	return crossed(zc.Direction, a.prev, g), g
}

// check evaluates the event at (t, x) and returns whether it fires now.
// accepted is false for checks made without a new step, such as sitting on
// a deadline. forced marks a crossing that was localized onto this step.
func (a *armed) check(t float64, x dynamo.State, forced, accepted bool) bool {
	fired := false
	switch e := a.ev.(type) {
	case ZeroCrossing:
		g := e.Guard(t, x)
		fired = forced || crossed(e.Direction, a.prev, g)
		a.prev = g
	case Wait:
		if accepted {
			a.steps++
		}
		if e.Duration > 0 {
			fired = t >= a.deadline-timeTol(a.deadline)
		}
		if e.Steps > 0 && a.steps >= e.Steps {
			fired = true
		}
	case Predicate:
		fired = e.Fn(t, x)
	}
	if fired {
		a.latched = true
	}
	return fired
}

// holds is the level condition used by All transitions.
func (a *armed) holds(fired bool) bool {
	if _, ok := a.ev.(Predicate); ok {
		return fired
	}
	return a.latched
}
