package sensitivity

import (
	"fmt"

	"github.com/san-kum/daesim/internal/dynamo"
	"github.com/san-kum/daesim/internal/linalg"
	"github.com/san-kum/daesim/internal/tableau"
	"github.com/san-kum/daesim/internal/trajectory"
)

type AdjointResult struct {
	Times []float64
	// Lambda[k] is the derivative of the remaining cost with respect to
	// sample k. Samples line up with trajectory.Samples.
	Lambda []dynamo.State
	GradX0 dynamo.State
	GradU  dynamo.Control
	Stats  Stats
}

// Adjoint runs the discrete adjoint of tr backward from the terminal cost.
func (e *Engine) Adjoint(tr *trajectory.Trajectory) (*AdjointResult, error) {
	m, err := checkTrajectory(tr)
	if err != nil {
		return nil, err
	}
	segs := tr.Segments()
	jumps := tr.Jumps()
	res := &AdjointResult{GradU: make(dynamo.Control, m)}
	lin := linalg.NewSolver(e.linKind, linalg.WithLogger(e.log))
	perSeg := make([][]dynamo.State, len(segs))

	var lam dynamo.State
	for k := len(segs) - 1; k >= 0; k-- {
		seg := segs[k]
		sw, err := newSweep(seg, lin, &res.Stats)
		if err != nil {
			return nil, err
		}

		if k == len(segs)-1 {
			lam = make(dynamo.State, sw.n)
			if sw.ev.HasTerminalCost() {
				tEnd, xEnd := seg.Final()
				gu := make(dynamo.Control, m)
				sw.ev.TerminalCostGradient(tEnd, xEnd, seg.U, lam, gu)
				dynamo.State(res.GradU).Axpy(1, gu)
			}
		} else {
			lam = applyJumpTranspose(jumps[k], lam)
		}
		if len(lam) != sw.n {
			return nil, fmt.Errorf("%w: multiplier has %d entries, segment %d has %d states",
				dynamo.ErrDimensionMismatch, len(lam), k, sw.n)
		}

		ls := make([]dynamo.State, len(seg.Records)+1)
		ls[len(seg.Records)] = lam.Clone()
		for r := len(seg.Records) - 1; r >= 0; r-- {
			rec := &seg.Records[r]
			st, err := sw.prepare(rec)
			if err != nil {
				return nil, dynamo.Fail(res.Stats.Steps, rec.T, rec.X, err)
			}
			if lam, err = sw.adjointStep(st, lam, res.GradU); err != nil {
				return nil, dynamo.Fail(res.Stats.Steps, rec.T, rec.X, err)
			}
			ls[r] = lam.Clone()
		}
		perSeg[k] = ls
	}

	res.GradX0 = lam.Clone()
	for k, seg := range segs {
		res.Times = append(res.Times, seg.T0)
		for r := range seg.Records {
			res.Times = append(res.Times, seg.Records[r].End())
		}
		res.Lambda = append(res.Lambda, perSeg[k]...)
	}

	e.log.Debug("adjoint sweep finished",
		"segments", len(segs),
		"steps", res.Stats.Steps,
		"factorizations", res.Stats.Factorizations,
		"reused", res.Stats.Reused,
	)
	return res, nil
}

// adjointStep maps λ at the end of st to λ at its start and adds the
// control gradient of the step to gu. With stage multipliers μ_i and
// ν_i = L_iᵀ μ_i + gx_i:
//
//	λ_n = λ_{n+1} + Σ_i (ν_i + P_iᵀ μ_i),  gu += Σ_i (gu_i + Fu_iᵀ μ_i).
func (sw *sweep) adjointStep(st *step, lam dynamo.State, gu dynamo.Control) (dynamo.State, error) {
	mu := make([]dynamo.State, sw.s)
	nu := make([]dynamo.State, sw.s)
	var err error
	switch {
	case sw.rosenbrock():
		err = sw.adjointRosenbrock(st, lam, mu, nu)
	case sw.tab.Class() == tableau.FIRK:
		err = sw.adjointCoupled(st, lam, mu, nu)
	default:
		err = sw.adjointSequential(st, lam, mu, nu)
	}
	if err != nil {
		return nil, err
	}

	out := lam.Clone()
	for i := range st.stages {
		sg := &st.stages[i]
		out.Axpy(1, nu[i])
		if sg.p != nil {
			linalg.MulTransVecAdd(1, sg.p, mu[i], out)
		}
		if sg.fu != nil {
			linalg.MulTransVecAdd(1, sg.fu, mu[i], gu)
		}
		if sg.gu != nil {
			dynamo.State(gu).Axpy(1, sg.gu)
		}
	}
	return out, nil
}

func (sw *sweep) nu(sg *stage, mu dynamo.State) dynamo.State {
	v := make(dynamo.State, sw.n)
	linalg.MulTransVecAdd(1, sg.l, mu, v)
	if sg.gx != nil {
		v.Axpy(1, sg.gx)
	}
	return v
}

// adjointSequential walks the reversed transposed tableau, so stage
// j = s-1-p only needs the multipliers of the stages after it:
//
//	(M_j - a_jj L_j)ᵀ μ_j = b_j λ + a_jj gx_j + Σ_{i>j} a_ij ν_i.
func (sw *sweep) adjointSequential(st *step, lam dynamo.State, mu, nu []dynamo.State) error {
	s := sw.s
	for p := 0; p < s; p++ {
		j := s - 1 - p
		sg := &st.stages[j]
		rhs := make(dynamo.State, sw.n)
		rhs.Axpy(sw.adj.B(p), lam)
		for q := 0; q < p; q++ {
			if a := sw.adj.A(p, q); a != 0 {
				rhs.Axpy(a, nu[s-1-q])
			}
		}
		if a := sw.adj.A(p, p); a != 0 && sg.gx != nil {
			rhs.Axpy(a, sg.gx)
		}

		mu[j] = make(dynamo.State, sw.n)
		if err := sg.f.Solve(mu[j], rhs, true); err != nil {
			return err
		}
		nu[j] = sw.nu(sg, mu[j])
	}
	return nil
}

// adjointCoupled solves the transposed FIRK block system
//
//	M_jᵀ μ_j - Σ_i a_ij L_iᵀ μ_i = b_j λ + Σ_i a_ij gx_i.
func (sw *sweep) adjointCoupled(st *step, lam dynamo.State, mu, nu []dynamo.State) error {
	n, s := sw.n, sw.s
	big := make([]float64, s*n)
	for j := 0; j < s; j++ {
		rhs := dynamo.State(big[j*n : (j+1)*n])
		rhs.Axpy(sw.tab.B(j), lam)
		for i := 0; i < s; i++ {
			if a := sw.tab.A(i, j); a != 0 && st.stages[i].gx != nil {
				rhs.Axpy(a, st.stages[i].gx)
			}
		}
	}
	if err := st.w.Solve(big, big, true); err != nil {
		return err
	}
	for j := 0; j < s; j++ {
		mu[j] = dynamo.State(big[j*n : (j+1)*n]).Clone()
		nu[j] = sw.nu(&st.stages[j], mu[j])
	}
	return nil
}

// adjointRosenbrock solves, for j from the last stage down,
//
//	Wᵀ μ_j = b_j λ + Σ_{i>j} (α_ij ν_i + Γ_ij (hJ0)ᵀ μ_i).
func (sw *sweep) adjointRosenbrock(st *step, lam dynamo.State, mu, nu []dynamo.State) error {
	s := sw.s
	tmp := make(dynamo.State, sw.n)
	for p := 0; p < s; p++ {
		j := s - 1 - p
		rhs := make(dynamo.State, sw.n)
		rhs.Axpy(sw.adj.B(p), lam)

		coupled := false
		clear(tmp)
		for q := 0; q < p; q++ {
			i := s - 1 - q
			if a := sw.adj.A(p, q); a != 0 {
				rhs.Axpy(a, nu[i])
			}
			if g := sw.adj.Gamma(p, q); g != 0 {
				tmp.Axpy(g, mu[i])
				coupled = true
			}
		}
		if coupled {
			linalg.MulTransVecAdd(1, st.hj0, tmp, rhs)
		}

		mu[j] = make(dynamo.State, sw.n)
		if err := st.w.Solve(mu[j], rhs, true); err != nil {
			return err
		}
		nu[j] = sw.nu(&st.stages[j], mu[j])
	}
	return nil
}

// applyJumpTranspose maps a multiplier backward across a reset.
func applyJumpTranspose(j trajectory.Jump, lam dynamo.State) dynamo.State {
	if j.Jacobian == nil {
		return lam
	}
	_, c := j.Jacobian.Dims()
	out := make(dynamo.State, c)
	linalg.MulTransVecAdd(1, j.Jacobian, lam, out)
	return out
}
