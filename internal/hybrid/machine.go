package hybrid

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/san-kum/daesim/internal/dynamo"
	"github.com/san-kum/daesim/internal/integrators"
	"github.com/san-kum/daesim/internal/tableau"
)

// End is the terminal pseudo-state. A transition to End stops the run.
const End = "end"

const (
	DefaultMethod    = "dopri5"
	DefaultEventTol  = 1e-10
	DefaultMaxCycles = 1000
)

var ErrInvalidMachine = errors.New("hybrid: invalid machine")

type Status int

const (
	Running Status = iota
	EventPending
	Transitioning
	Terminated
)

func (s Status) String() string {
	switch s {
	case Running:
		return "running"
	case EventPending:
		return "event-pending"
	case Transitioning:
		return "transitioning"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Mode combines the events of a transition.
type Mode int

const (
	// Any fires on the first event that fires.
	Any Mode = iota
	// All fires once every event has fired since the state was entered
	// (predicates must hold at that step).
	All
)

// Localization selects how a zero crossing is placed inside a step.
type Localization int

const (
	// Bisection re-steps from the start of the bracketing step until the
	// crossing is bracketed within the event tolerance.
	Bisection Localization = iota
	// Linear re-steps to the time where the guard interpolates to zero
	// between the ends of the bracket (regula falsi) until the bracket is
	// within the event tolerance.
	Linear
)

func (l Localization) String() string {
	if l == Linear {
		return "linear"
	}
	return "bisection"
}

func ParseLocalization(s string) (Localization, error) {
	switch strings.ToLower(s) {
	case "", "bisection":
		return Bisection, nil
	case "linear":
		return Linear, nil
	}
	return Bisection, fmt.Errorf("hybrid: unknown localization %q", s)
}

// Hook observes the machine at (t, x). x must not be modified.
type Hook func(t float64, x dynamo.State)

type Transition struct {
	To     string
	Events []Event
	Mode   Mode
	// Reset maps the state at the event onto the state after it. nil keeps
	// the state. Resets of transitions to End are not applied.
	Reset func(t float64, x dynamo.State) dynamo.State
	// ResetJacobian writes d(Reset)/dx for sensitivity sweeps. Without it
	// the Jacobian is taken by central differences.
	ResetJacobian func(t float64, x dynamo.State, out *mat.Dense)
}

// State is one continuous phase. Zero fields fall back to the machine
// defaults.
type State struct {
	Name    string
	Problem dynamo.Problem
	U       dynamo.Control
	Method  string
	Control *integrators.StepControl

	OnEntry Hook
	// During runs after every accepted step while the state is active.
	During Hook
	OnExit Hook

	// Transitions are checked in declaration order; the first one that
	// fires wins.
	Transitions []Transition
	// MaxCycles bounds the entries into the state. Zero is unbounded.
	MaxCycles int
}

type Option func(*Machine)

func WithProblem(p dynamo.Problem) Option {
	return func(m *Machine) { m.problem = p }
}

func WithControl(u dynamo.Control) Option {
	return func(m *Machine) { m.u = u.Clone() }
}

func WithMethod(name string) Option {
	return func(m *Machine) {
		if name != "" {
			m.method = name
		}
	}
}

func WithStepControl(c integrators.StepControl) Option {
	return func(m *Machine) { m.control = c }
}

// WithIntegratorOptions passes options to every integrator the machine
// builds.
func WithIntegratorOptions(opts ...integrators.Option) Option {
	return func(m *Machine) { m.intOpts = append(m.intOpts, opts...) }
}

func WithLocalization(l Localization) Option {
	return func(m *Machine) { m.localization = l }
}

func WithEventTol(tol float64) Option {
	return func(m *Machine) {
		if tol > 0 {
			m.eventTol = tol
		}
	}
}

// WithMaxCycles bounds the total number of transitions of a run. Zero is
// unbounded.
func WithMaxCycles(n int) Option {
	return func(m *Machine) { m.maxCycles = n }
}

func WithInitial(name string) Option {
	return func(m *Machine) { m.initialName = name }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) {
		if l != nil {
			m.log = l
		}
	}
}

// Machine runs a sequence of continuous phases separated by guarded
// transitions. A Machine is not safe for concurrent runs.
type Machine struct {
	states       map[string]*State
	order        []*State
	initial      *State
	initialName  string
	problem      dynamo.Problem
	u            dynamo.Control
	method       string
	control      integrators.StepControl
	intOpts      []integrators.Option
	localization Localization
	eventTol     float64
	maxCycles    int
	log          *slog.Logger

	integrators map[string]*integrators.Integrator
	status      Status
}

// New validates the states and builds one integrator per state. The first
// state is the initial one unless WithInitial names another.
func New(states []*State, opts ...Option) (*Machine, error) {
	m := &Machine{
		states:      make(map[string]*State),
		method:      DefaultMethod,
		control:     integrators.DefaultStepControl(),
		eventTol:    DefaultEventTol,
		maxCycles:   DefaultMaxCycles,
		log:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		integrators: make(map[string]*integrators.Integrator),
	}
	for _, o := range opts {
		o(m)
	}

	if len(states) == 0 {
		return nil, fmt.Errorf("%w: no states", ErrInvalidMachine)
	}
	for _, s := range states {
		if s == nil || s.Name == "" {
			return nil, fmt.Errorf("%w: unnamed state", ErrInvalidMachine)
		}
		if s.Name == End {
			return nil, fmt.Errorf("%w: %q is reserved", ErrInvalidMachine, End)
		}
		if _, dup := m.states[s.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate state %q", ErrInvalidMachine, s.Name)
		}
		m.states[s.Name] = s
		m.order = append(m.order, s)
	}

	m.initial = states[0]
	if m.initialName != "" {
		s, ok := m.states[m.initialName]
		if !ok {
			return nil, fmt.Errorf("%w: unknown initial state %q", ErrInvalidMachine, m.initialName)
		}
		m.initial = s
	}

	for _, s := range m.order {
		if err := m.validate(s); err != nil {
			return nil, err
		}
		in, err := m.buildIntegrator(s)
		if err != nil {
			return nil, fmt.Errorf("hybrid: state %q: %w", s.Name, err)
		}
		m.integrators[s.Name] = in
	}
	return m, nil
}

func (m *Machine) validate(s *State) error {
	if m.problemOf(s) == nil {
		return fmt.Errorf("%w: state %q has no problem", ErrInvalidMachine, s.Name)
	}
	for i, tr := range s.Transitions {
		if _, ok := m.states[tr.To]; !ok && tr.To != End {
			return fmt.Errorf("%w: %s transition %d goes to unknown state %q", ErrInvalidMachine, s.Name, i, tr.To)
		}
		if len(tr.Events) == 0 {
			return fmt.Errorf("%w: %s transition %d has no events", ErrInvalidMachine, s.Name, i)
		}
		for _, ev := range tr.Events {
			if err := validateEvent(ev); err != nil {
				return fmt.Errorf("%w: %s transition %d: %v", ErrInvalidMachine, s.Name, i, err)
			}
		}
	}
	return nil
}

func validateEvent(ev Event) error {
	switch e := ev.(type) {
	case ZeroCrossing:
		if e.Guard == nil {
			return errors.New("zero crossing without guard")
		}
	case Wait:
		if e.Duration <= 0 && e.Steps <= 0 {
			return errors.New("wait without duration or step count")
		}
	case Predicate:
		if e.Fn == nil {
			return errors.New("predicate without function")
		}
	case nil:
		return errors.New("nil event")
	}
	return nil
}

func (m *Machine) buildIntegrator(s *State) (*integrators.Integrator, error) {
	method := m.method
	if s.Method != "" {
		method = s.Method
	}
	tab, err := tableau.Build(method)
	if err != nil {
		return nil, err
	}
	ctl := m.control
	if s.Control != nil {
		ctl = *s.Control
	}
	opts := append([]integrators.Option{}, m.intOpts...)
	opts = append(opts, integrators.WithStepControl(ctl), integrators.WithLogger(m.log))
	return integrators.New(tab, opts...)
}

func (m *Machine) problemOf(s *State) dynamo.Problem {
	if s.Problem != nil {
		return s.Problem
	}
	return m.problem
}

func (m *Machine) controlOf(s *State) dynamo.Control {
	if s.U != nil {
		return s.U
	}
	return m.u
}

func (m *Machine) Status() Status { return m.status }

// States returns the states in declaration order.
func (m *Machine) States() []*State { return m.order }

func (m *Machine) Initial() string { return m.initial.Name }

func (m *Machine) Localization() Localization { return m.localization }
