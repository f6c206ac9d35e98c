package hybrid

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/san-kum/daesim/internal/dynamo"
	"github.com/san-kum/daesim/internal/integrators"
	"github.com/san-kum/daesim/internal/trajectory"
)

// TransitionRecord is one fired transition.
type TransitionRecord struct {
	T      float64
	From   string
	To     string
	XMinus dynamo.State
	XPlus  dynamo.State
}

type Result struct {
	Times  []float64
	States []dynamo.State
	// Modes[k] is the state active at sample k.
	Modes       []string
	Trajectory  *trajectory.Trajectory
	Transitions []TransitionRecord
	// Final is the state active at the end, or End.
	Final  string
	Status Status
	// Cost sums the running cost of every phase and the terminal cost of
	// the last one.
	Cost  float64
	Stats integrators.Stats
}

// session is the mutable state of one Run.
type session struct {
	m   *Machine
	tr  *trajectory.Trajectory
	res *Result

	state   *State
	in      *integrators.Integrator
	run     *integrators.Run
	armed   [][]*armed
	entries map[string]int
	cycles  int
	steps   int
}

// Run drives the machine from (t0, x0) in the initial state until tEnd or
// until a transition reaches End.
func (m *Machine) Run(ctx context.Context, t0, tEnd float64, x0 dynamo.State) (*Result, error) {
	if tEnd < t0 {
		return nil, fmt.Errorf("hybrid: end time %g before start %g", tEnd, t0)
	}
	s := &session{
		m:       m,
		tr:      trajectory.New(),
		res:     &Result{},
		entries: make(map[string]int),
	}
	m.status = Running
	if err := s.enter(m.initial, t0, x0); err != nil {
		return nil, err
	}

	for m.status != Terminated {
		tStop := math.Min(tEnd, s.nextDeadline())
		rec, err := s.in.Propose(ctx, s.run, tStop)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			if tStop >= tEnd {
				break
			}
			// sitting on a deadline that has not been checked yet
			fired, err := s.afterStep(nil, false)
			if err != nil {
				return nil, err
			}
			if !fired {
				return nil, fmt.Errorf("hybrid: stalled at t=%g in %q", s.run.T, s.state.Name)
			}
			continue
		}

		rec, forced, err := s.localize(rec)
		if err != nil {
			return nil, dynamo.Fail(s.steps, s.run.T, s.run.X, err)
		}
		if err := s.in.Commit(s.run, rec); err != nil {
			return nil, err
		}
		s.steps++
		if _, err := s.afterStep(forced, true); err != nil {
			return nil, err
		}
	}
	return s.finish(), nil
}

// nextDeadline is the earliest pending Wait deadline of the active state.
func (s *session) nextDeadline() float64 {
	next := math.Inf(1)
	for _, evs := range s.armed {
		for _, a := range evs {
			if !a.latched && a.deadline < next {
				next = a.deadline
			}
		}
	}
	return next
}

func (s *session) enter(st *State, t float64, x dynamo.State) error {
	s.entries[st.Name]++
	if st.MaxCycles > 0 && s.entries[st.Name] > st.MaxCycles {
		return dynamo.Fail(s.steps, t, x, fmt.Errorf("%w: state %q entered %d times",
			dynamo.ErrCycleLimitExceeded, st.Name, s.entries[st.Name]))
	}

	in := s.m.integrators[st.Name]
	run, err := in.NewRun(s.m.problemOf(st), t, x, s.m.controlOf(st))
	if err != nil {
		return fmt.Errorf("hybrid: entering %q: %w", st.Name, err)
	}
	if err := run.Record(s.tr); err != nil {
		return err
	}
	run.Segment().Mode = st.Name
	s.state, s.in, s.run = st, in, run

	s.armed = make([][]*armed, len(st.Transitions))
	for i, tr := range st.Transitions {
		for _, ev := range tr.Events {
			s.armed[i] = append(s.armed[i], arm(ev, t, run.X))
		}
	}
	if st.OnEntry != nil {
		st.OnEntry(t, run.X)
	}
	s.m.status = Running
	return nil
}

// afterStep runs the During hook, evaluates every event at the current
// point and fires the first transition whose events are satisfied.
func (s *session) afterStep(forced *armed, accepted bool) (bool, error) {
	t, x := s.run.T, s.run.X
	if accepted && s.state.During != nil {
		s.state.During(t, x)
	}

	var fire *Transition
	for i := range s.state.Transitions {
		tr := &s.state.Transitions[i]
		anyFired, all := false, true
		for _, a := range s.armed[i] {
			f := a.check(t, x, a == forced, accepted)
			anyFired = anyFired || f
			all = all && a.holds(f)
		}
		if fire != nil || !anyFired {
			continue
		}
		if tr.Mode == Any || all {
			fire = tr
		}
	}
	if fire == nil {
		s.m.status = Running
		return false, nil
	}
	return true, s.transition(fire)
}

func (s *session) transition(tr *Transition) error {
	m := s.m
	m.status = Transitioning
	from := s.state
	t, xm := s.run.T, s.run.X.Clone()
	if from.OnExit != nil {
		from.OnExit(t, xm)
	}
	s.collect()

	xp := xm.Clone()
	var jac *mat.Dense
	if tr.Reset != nil && tr.To != End {
		xp = tr.Reset(t, xm.Clone())
		if !xp.IsValid() {
			return dynamo.Fail(s.steps, t, xm, fmt.Errorf("%w: reset %s -> %s", dynamo.ErrInvalidState, from.Name, tr.To))
		}
		jac = resetJacobian(tr, t, xm, len(xp))
	}

	s.cycles++
	s.res.Transitions = append(s.res.Transitions, TransitionRecord{T: t, From: from.Name, To: tr.To, XMinus: xm, XPlus: xp})
	m.log.Info("transition", "from", from.Name, "to", tr.To, "t", t, "cycle", s.cycles)
	if m.maxCycles > 0 && s.cycles > m.maxCycles {
		return dynamo.Fail(s.steps, t, xm, fmt.Errorf("%w: %d transitions", dynamo.ErrCycleLimitExceeded, s.cycles))
	}

	if tr.To == End {
		m.status = Terminated
		return nil
	}
	if err := s.tr.AddJump(trajectory.Jump{T: t, From: from.Name, To: tr.To, XMinus: xm, XPlus: xp, Jacobian: jac}); err != nil {
		return err
	}
	return s.enter(m.states[tr.To], t, xp)
}

// collect adds the work and cost of the current phase to the result.
func (s *session) collect() {
	s.res.Stats = s.res.Stats.Add(s.run.Stats())
	s.res.Cost += s.run.Cost
}

func (s *session) finish() *Result {
	res := s.res
	if s.m.status != Terminated {
		s.collect()
	}
	ev := s.run.Evaluator()
	res.Cost += ev.TerminalCost(s.run.T, s.run.X, s.run.U)

	s.tr.Close()
	res.Trajectory = s.tr
	res.Times, res.States = s.tr.Samples()
	for _, seg := range s.tr.Segments() {
		for i, n := 0, len(seg.Records)+1; i < n; i++ {
			res.Modes = append(res.Modes, seg.Mode)
		}
	}
	res.Status = s.m.status
	res.Final = s.state.Name
	if res.Status == Terminated {
		res.Final = End
	}
	return res
}

// resetJacobian returns d(Reset)/dx at xm, by central differences when the
// transition has no analytic form.
func resetJacobian(tr *Transition, t float64, xm dynamo.State, n int) *mat.Dense {
	jac := mat.NewDense(n, len(xm), nil)
	if tr.ResetJacobian != nil {
		tr.ResetJacobian(t, xm, jac)
		return jac
	}
	xp := xm.Clone()
	for j := range xm {
		d := 1e-7 * math.Max(1, math.Abs(xm[j]))
		xp[j] = xm[j] + d
		fp := tr.Reset(t, xp.Clone())
		xp[j] = xm[j] - d
		fm := tr.Reset(t, xp.Clone())
		xp[j] = xm[j]
		for i := 0; i < n; i++ {
			jac.Set(i, j, (fp[i]-fm[i])/(2*d))
		}
	}
	return jac
}
