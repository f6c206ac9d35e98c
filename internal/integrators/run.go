package integrators

import (
	"fmt"

	"github.com/san-kum/daesim/internal/dynamo"
	"github.com/san-kum/daesim/internal/linalg"
	"github.com/san-kum/daesim/internal/nonlinear"
	"github.com/san-kum/daesim/internal/trajectory"
)

// Stats summarizes the work of a run.
type Stats struct {
	Accepted       int
	Rejected       int
	StageFailures  int
	Evaluations    int
	Jacobians      int
	Factorizations int
	Iterations     int
	MinStep        float64
	MaxStep        float64
}

// Add merges the counters of o into s.
func (s Stats) Add(o Stats) Stats {
	s.Accepted += o.Accepted
	s.Rejected += o.Rejected
	s.StageFailures += o.StageFailures
	s.Evaluations += o.Evaluations
	s.Jacobians += o.Jacobians
	s.Factorizations += o.Factorizations
	s.Iterations += o.Iterations
	if o.MinStep > 0 && (s.MinStep == 0 || o.MinStep < s.MinStep) {
		s.MinStep = o.MinStep
	}
	if o.MaxStep > s.MaxStep {
		s.MaxStep = o.MaxStep
	}
	return s
}

// Run is the mutable state of one integration: the current point, the
// step proposal and the solver caches. It is not safe for concurrent use.
type Run struct {
	T float64
	X dynamo.State
	U dynamo.Control
	// H is the step the controller will try next; zero until the first
	// Propose.
	H float64
	// Rejections counts consecutive rejections of the pending step.
	Rejections int
	Steps      int
	// Cost is the accumulated integral of the running cost.
	Cost float64
	// Solver is the quasi-Newton cache threaded through the stage solves.
	Solver nonlinear.State

	in      *Integrator
	ev      *dynamo.Evaluator
	lin     *linalg.Solver
	w       *work
	seg     *trajectory.Segment
	history []HistoryPoint
	stats   Stats
}

// NewRun starts a run of p at (t0, x0) with control u.
func (in *Integrator) NewRun(p dynamo.Problem, t0 float64, x0 dynamo.State, u dynamo.Control) (*Run, error) {
	if p == nil {
		return nil, fmt.Errorf("integrators: nil problem")
	}
	if len(x0) != p.Dim() {
		return nil, fmt.Errorf("%w: initial state has %d entries, problem %d", dynamo.ErrDimensionMismatch, len(x0), p.Dim())
	}
	if len(u) != p.ControlDim() {
		return nil, fmt.Errorf("%w: control has %d entries, problem %d", dynamo.ErrDimensionMismatch, len(u), p.ControlDim())
	}
	if !x0.IsValid() {
		return nil, fmt.Errorf("%w: non-finite initial state", dynamo.ErrInvalidState)
	}

	r := &Run{
		T:   t0,
		X:   x0.Clone(),
		U:   u.Clone(),
		in:  in,
		ev:  dynamo.NewEvaluator(p),
		lin: linalg.NewSolver(in.linKind, linalg.WithLogger(in.log)),
	}
	r.w = newWork(in, r)
	r.history = []HistoryPoint{{T: t0, X: r.X.Clone()}}
	return r, nil
}

// Record makes r append its accepted steps to a new segment of tr.
func (r *Run) Record(tr *trajectory.Trajectory) error {
	seg, err := tr.Begin(r.in.tab, r.ev.Problem(), r.U, r.T, r.X)
	if err != nil {
		return err
	}
	r.seg = seg
	return nil
}

func (r *Run) Integrator() *Integrator      { return r.in }
func (r *Run) Evaluator() *dynamo.Evaluator { return r.ev }

// Segment is the trajectory segment r records into, nil before Record.
func (r *Run) Segment() *trajectory.Segment { return r.seg }

// Stats returns the run counters including evaluation and solver work.
func (r *Run) Stats() Stats {
	s := r.stats
	s.Evaluations = r.ev.Counts.Source
	s.Jacobians = r.ev.Counts.Jacobian
	s.Factorizations = r.lin.Stats.Factorizations
	s.Iterations = r.Solver.Iterations
	return s
}

// History returns the accepted points kept for multistep rules, most
// recent first.
func (r *Run) History() []HistoryPoint { return r.history }

func (r *Run) pushHistory() {
	keep := 1
	if rule := r.in.Rule(); rule != nil {
		keep = max(keep, rule.HistoryLen())
	}
	r.history = append([]HistoryPoint{{T: r.T, X: r.X.Clone()}}, r.history...)
	if len(r.history) > keep {
		r.history = r.history[:keep]
	}
}
