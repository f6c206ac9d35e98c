// Package trajectory records accepted steps of a forward run.
//
// The store is append-only: a StageRecord never changes after Append, and a
// Trajectory only grows until Close marks it complete. Backward sweeps read
// it in reverse.
package trajectory

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/san-kum/daesim/internal/dynamo"
	"github.com/san-kum/daesim/internal/linalg"
	"github.com/san-kum/daesim/internal/tableau"
)

// StageRecord holds everything needed to replay or differentiate one
// accepted step.
type StageRecord struct {
	T    float64
	H    float64
	X    dynamo.State
	XNew dynamo.State
	// K holds the stage increments, one row per stage.
	K [][]float64
	// Factors are stage-matrix factorizations at the converged stage points,
	// present only when the integrator was asked to retain them.
	Factors []*linalg.Factor
	// Err is the scaled error estimate, zero without an embedded method.
	Err        float64
	Iterations int
	// HNext is the controller proposal for the following step.
	HNext float64
}

// End is T+H.
func (r *StageRecord) End() float64 { return r.T + r.H }

// Segment is a run of steps with one method, problem and control.
type Segment struct {
	Tableau *tableau.Tableau
	Problem dynamo.Problem
	U       dynamo.Control
	T0      float64
	X0      dynamo.State
	// Mode names the hybrid state that produced the segment, if any.
	Mode    string
	Records []StageRecord
}

// Final returns the time and state at the end of the segment.
func (s *Segment) Final() (float64, dynamo.State) {
	if len(s.Records) == 0 {
		return s.T0, s.X0
	}
	last := &s.Records[len(s.Records)-1]
	return last.End(), last.XNew
}

// Append adds rec, which must start where the segment currently ends.
func (s *Segment) Append(rec StageRecord) error {
	t, x := s.Final()
	if math.Abs(rec.T-t) > 1e-12*math.Max(1, math.Abs(t)) {
		return fmt.Errorf("trajectory: record starts at %g, segment ends at %g", rec.T, t)
	}
	if len(rec.X) != len(x) {
		return fmt.Errorf("%w: record state %d, segment state %d", dynamo.ErrDimensionMismatch, len(rec.X), len(x))
	}
	s.Records = append(s.Records, rec)
	return nil
}

// Jump is a discontinuity between two segments.
type Jump struct {
	T      float64
	From   string
	To     string
	XMinus dynamo.State
	XPlus  dynamo.State
	// Jacobian is d(XPlus)/d(XMinus); nil means identity.
	Jacobian *mat.Dense
}

type Trajectory struct {
	segments []*Segment
	jumps    []Jump
	complete bool
}

func New() *Trajectory {
	return &Trajectory{}
}

// Begin opens a new segment. After the first segment a Jump must have been
// recorded for every additional one.
func (tr *Trajectory) Begin(tab *tableau.Tableau, p dynamo.Problem, u dynamo.Control, t0 float64, x0 dynamo.State) (*Segment, error) {
	if tr.complete {
		return nil, fmt.Errorf("trajectory: begin after close")
	}
	if len(tr.segments) > 0 && len(tr.jumps) != len(tr.segments) {
		// continuing without a reset keeps the state continuous
		t, x := tr.segments[len(tr.segments)-1].Final()
		tr.jumps = append(tr.jumps, Jump{T: t, XMinus: x.Clone(), XPlus: x.Clone()})
	}
	seg := &Segment{Tableau: tab, Problem: p, U: u.Clone(), T0: t0, X0: x0.Clone()}
	tr.segments = append(tr.segments, seg)
	return seg, nil
}

// AddJump records a reset after the current segment.
func (tr *Trajectory) AddJump(j Jump) error {
	if len(tr.segments) == 0 || len(tr.jumps) >= len(tr.segments) {
		return fmt.Errorf("trajectory: jump without an open segment")
	}
	tr.jumps = append(tr.jumps, j)
	return nil
}

// Close marks the forward run as finished.
func (tr *Trajectory) Close() { tr.complete = true }

func (tr *Trajectory) Complete() bool { return tr.complete }

func (tr *Trajectory) Segments() []*Segment { return tr.segments }

// Jumps returns the resets; Jumps()[i] sits between segment i and i+1.
func (tr *Trajectory) Jumps() []Jump { return tr.jumps }

// Steps is the number of accepted steps over all segments.
func (tr *Trajectory) Steps() int {
	n := 0
	for _, s := range tr.segments {
		n += len(s.Records)
	}
	return n
}

// Samples flattens the trajectory into (t, x) pairs. Resets show up as two
// samples with the same time.
func (tr *Trajectory) Samples() ([]float64, []dynamo.State) {
	var times []float64
	var states []dynamo.State
	for _, s := range tr.segments {
		times = append(times, s.T0)
		states = append(states, s.X0)
		for i := range s.Records {
			times = append(times, s.Records[i].End())
			states = append(states, s.Records[i].XNew)
		}
	}
	return times, states
}

// Final returns the last time and state.
func (tr *Trajectory) Final() (float64, dynamo.State) {
	if len(tr.segments) == 0 {
		return 0, nil
	}
	return tr.segments[len(tr.segments)-1].Final()
}
