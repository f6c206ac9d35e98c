package sensitivity

import (
	"fmt"

	"github.com/san-kum/daesim/internal/dynamo"
	"github.com/san-kum/daesim/internal/linalg"
	"github.com/san-kum/daesim/internal/tableau"
	"github.com/san-kum/daesim/internal/trajectory"
)

// Direction is a perturbation of the initial state and the control. A nil
// field is a zero perturbation.
type Direction struct {
	X0 dynamo.State
	U  dynamo.Control
}

type TangentResult struct {
	Times []float64
	// S[d][k] is the sensitivity of sample k along direction d. Samples
	// line up with trajectory.Samples.
	S [][]dynamo.State
	// Cost[d] is the derivative of the total cost along direction d.
	Cost  []float64
	Stats Stats
}

// tangentScratch is per-worker storage for one direction at a time.
type tangentScratch struct {
	dX, rhs dynamo.State
	dk      [][]float64
	big     []float64
}

func (sw *sweep) newScratch() *tangentScratch {
	ts := &tangentScratch{
		dX:  make(dynamo.State, sw.n),
		rhs: make(dynamo.State, sw.n),
		dk:  make([][]float64, sw.s),
	}
	for i := range ts.dk {
		ts.dk[i] = make([]float64, sw.n)
	}
	if sw.tab.Class() == tableau.FIRK {
		ts.big = make([]float64, sw.s*sw.n)
	}
	return ts
}

// Tangent propagates dirs through every recorded step of tr.
func (e *Engine) Tangent(tr *trajectory.Trajectory, dirs []Direction) (*TangentResult, error) {
	m, err := checkTrajectory(tr)
	if err != nil {
		return nil, err
	}
	segs := tr.Segments()
	n0 := segs[0].Problem.Dim()
	nd := len(dirs)

	dx := make([]dynamo.State, nd)
	du := make([]dynamo.Control, nd)
	for d, dir := range dirs {
		dx[d], du[d] = make(dynamo.State, n0), make(dynamo.Control, m)
		if dir.X0 != nil {
			if len(dir.X0) != n0 {
				return nil, fmt.Errorf("%w: direction %d has %d states, want %d", dynamo.ErrDimensionMismatch, d, len(dir.X0), n0)
			}
			copy(dx[d], dir.X0)
		}
		if dir.U != nil {
			if len(dir.U) != m {
				return nil, fmt.Errorf("%w: direction %d has %d controls, want %d", dynamo.ErrDimensionMismatch, d, len(dir.U), m)
			}
			copy(du[d], dir.U)
		}
	}

	res := &TangentResult{S: make([][]dynamo.State, nd), Cost: make([]float64, nd)}
	lin := linalg.NewSolver(e.linKind, linalg.WithLogger(e.log))
	errs := make([]error, nd)
	jumps := tr.Jumps()
	var sw *sweep

	for k, seg := range segs {
		if k > 0 {
			for d := range dx {
				dx[d] = applyJump(jumps[k-1], dx[d])
			}
		}
		if sw, err = newSweep(seg, lin, &res.Stats); err != nil {
			return nil, err
		}
		if len(seg.X0) != sw.n {
			return nil, fmt.Errorf("%w: segment %d", dynamo.ErrDimensionMismatch, k)
		}

		res.Times = append(res.Times, seg.T0)
		for d := range dx {
			res.S[d] = append(res.S[d], dx[d].Clone())
		}

		for r := range seg.Records {
			rec := &seg.Records[r]
			st, err := sw.prepare(rec)
			if err != nil {
				return nil, dynamo.Fail(res.Stats.Steps, rec.T, rec.X, err)
			}
			dynamo.ParallelForWorkers(nd, e.workers, 1, func(start, end int) {
				ts := sw.newScratch()
				for d := start; d < end; d++ {
					var c float64
					c, errs[d] = sw.tangentStep(st, dx[d], du[d], ts)
					res.Cost[d] += c
				}
			})
			for _, err := range errs {
				if err != nil {
					return nil, dynamo.Fail(res.Stats.Steps, rec.T, rec.X, err)
				}
			}

			res.Times = append(res.Times, rec.End())
			for d := range dx {
				res.S[d] = append(res.S[d], dx[d].Clone())
			}
		}
	}

	last := segs[len(segs)-1]
	if sw.ev.HasTerminalCost() {
		tEnd, xEnd := last.Final()
		gx := make(dynamo.State, sw.n)
		gu := make(dynamo.Control, m)
		sw.ev.TerminalCostGradient(tEnd, xEnd, last.U, gx, gu)
		for d := range dx {
			res.Cost[d] += dot(gx, dx[d]) + dot(gu, du[d])
		}
	}

	e.log.Debug("tangent sweep finished",
		"directions", nd,
		"steps", res.Stats.Steps,
		"factorizations", res.Stats.Factorizations,
		"reused", res.Stats.Reused,
	)
	return res, nil
}

// tangentStep advances dx over one step and returns the cost increment.
func (sw *sweep) tangentStep(st *step, dx dynamo.State, du dynamo.Control, ts *tangentScratch) (float64, error) {
	var cost float64
	var err error
	switch {
	case sw.rosenbrock():
		cost, err = sw.tangentRosenbrock(st, dx, du, ts)
	case sw.tab.Class() == tableau.FIRK:
		cost, err = sw.tangentCoupled(st, dx, du, ts)
	default:
		cost, err = sw.tangentSequential(st, dx, du, ts)
	}
	if err != nil {
		return 0, err
	}
	for i := 0; i < sw.s; i++ {
		if b := sw.tab.B(i); b != 0 {
			dx.Axpy(b, ts.dk[i])
		}
	}
	return cost, nil
}

// stageRHS writes L_i dX + Fu_i du into rhs.
func (sw *sweep) stageRHS(sg *stage, dX dynamo.State, du dynamo.Control, rhs []float64) {
	linalg.MulVec(sg.l, dX, rhs)
	if sg.fu != nil {
		linalg.MulVecAdd(1, sg.fu, du, rhs)
	}
}

func (sg *stage) costTangent(dX dynamo.State, du dynamo.Control) float64 {
	if sg.gx == nil {
		return 0
	}
	return dot(sg.gx, dX) + dot(sg.gu, du)
}

// tangentSequential solves (M_i - a_ii L_i) δk_i = L_i (δx + Σ_{j<i} a_ij δk_j) + Fu_i δu
// stage by stage.
func (sw *sweep) tangentSequential(st *step, dx dynamo.State, du dynamo.Control, ts *tangentScratch) (float64, error) {
	cost := 0.0
	for i := range st.stages {
		sg := &st.stages[i]
		copy(ts.dX, dx)
		for j := 0; j < i; j++ {
			if a := sw.tab.A(i, j); a != 0 {
				ts.dX.Axpy(a, ts.dk[j])
			}
		}
		sw.stageRHS(sg, ts.dX, du, ts.rhs)
		if err := sg.f.Solve(ts.dk[i], ts.rhs, false); err != nil {
			return 0, err
		}
		if a := sw.tab.A(i, i); a != 0 {
			ts.dX.Axpy(a, ts.dk[i])
		}
		cost += sg.costTangent(ts.dX, du)
	}
	return cost, nil
}

// tangentCoupled solves the block system δ_ij M_i - a_ij L_i for all
// stages at once.
func (sw *sweep) tangentCoupled(st *step, dx dynamo.State, du dynamo.Control, ts *tangentScratch) (float64, error) {
	n := sw.n
	for i := range st.stages {
		sw.stageRHS(&st.stages[i], dx, du, ts.big[i*n:(i+1)*n])
	}
	if err := st.w.Solve(ts.big, ts.big, false); err != nil {
		return 0, err
	}
	for i := range ts.dk {
		copy(ts.dk[i], ts.big[i*n:(i+1)*n])
	}

	cost := 0.0
	for i := range st.stages {
		copy(ts.dX, dx)
		for j := 0; j < sw.s; j++ {
			if a := sw.tab.A(i, j); a != 0 {
				ts.dX.Axpy(a, ts.dk[j])
			}
		}
		cost += st.stages[i].costTangent(ts.dX, du)
	}
	return cost, nil
}

// tangentRosenbrock solves
//
//	W δk_i = L_i δX_i + P_i δx + Fu_i δu + hJ0 Σ_{j<i} Γ_ij δk_j
//
// with δX_i = δx + Σ_{j<i} α_ij δk_j.
func (sw *sweep) tangentRosenbrock(st *step, dx dynamo.State, du dynamo.Control, ts *tangentScratch) (float64, error) {
	cost := 0.0
	for i := range st.stages {
		sg := &st.stages[i]
		copy(ts.dX, dx)
		for j := 0; j < i; j++ {
			if a := sw.tab.A(i, j); a != 0 {
				ts.dX.Axpy(a, ts.dk[j])
			}
		}
		sw.stageRHS(sg, ts.dX, du, ts.rhs)
		linalg.MulVecAdd(1, sg.p, dx, ts.rhs)

		coupled := false
		clear(ts.dk[i])
		for j := 0; j < i; j++ {
			if g := sw.tab.Gamma(i, j); g != 0 {
				dynamo.State(ts.dk[i]).Axpy(g, ts.dk[j])
				coupled = true
			}
		}
		if coupled {
			linalg.MulVecAdd(1, st.hj0, ts.dk[i], ts.rhs)
		}

		if err := st.w.Solve(ts.dk[i], ts.rhs, false); err != nil {
			return 0, err
		}
		cost += sg.costTangent(ts.dX, du)
	}
	return cost, nil
}

// applyJump maps a sensitivity across a reset.
func applyJump(j trajectory.Jump, v dynamo.State) dynamo.State {
	if j.Jacobian == nil {
		return v
	}
	r, _ := j.Jacobian.Dims()
	out := make(dynamo.State, r)
	linalg.MulVec(j.Jacobian, v, out)
	return out
}

func dot(a, b []float64) float64 {
	s := 0.0
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}
