package integrators

import (
	"github.com/san-kum/daesim/internal/dynamo"
	"github.com/san-kum/daesim/internal/linalg"
	"github.com/san-kum/daesim/internal/nonlinear"
	"github.com/san-kum/daesim/internal/tableau"
)

// HistoryPoint is one accepted point kept for multistep rules.
type HistoryPoint struct {
	T float64
	X dynamo.State
}

// RuleStep is the input of one Rule computation. The rule writes the stage
// increments into K; the new state is x + Σ b_i K_i.
type RuleStep struct {
	Tableau *tableau.Tableau
	Eval    *dynamo.Evaluator
	T, H    float64
	X       dynamo.State
	U       dynamo.Control
	K       [][]float64
	// History holds accepted points, most recent first. History[0] is
	// (T, X).
	History []HistoryPoint
	// Solve runs the nonlinear stage solver on sys starting from k, with
	// the run's solver state and tolerances.
	Solve func(sys nonlinear.System, k []float64) error
	// Linear is the run's linear solver.
	Linear *linalg.Solver
}

// Rule computes steps for the Generalized and LinearMultistep classes,
// whose G and D coefficients the integrator does not interpret itself.
type Rule interface {
	// HistoryLen is the number of past points the rule reads.
	HistoryLen() int
	// Adaptive reports whether Compute returns a scaled error estimate.
	Adaptive() bool
	Compute(rs *RuleStep) (errNorm float64, err error)
}

type ruleStepper struct {
	rule Rule
}

func (st ruleStepper) computeStages(w *work) error {
	rs := &RuleStep{
		Tableau: w.tab,
		Eval:    w.ev,
		T:       w.t,
		H:       w.h,
		X:       w.x,
		U:       w.u,
		K:       w.k,
		History: w.history,
		Solve:   w.solve,
		Linear:  w.lin,
	}
	errNorm, err := st.rule.Compute(rs)
	if err != nil {
		return err
	}
	w.ruleErr = errNorm
	return nil
}

func (st ruleStepper) errorEstimate(w *work) (float64, bool) {
	return w.ruleErr, st.rule.Adaptive()
}
