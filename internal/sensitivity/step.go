package sensitivity

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/san-kum/daesim/internal/dynamo"
	"github.com/san-kum/daesim/internal/linalg"
	"github.com/san-kum/daesim/internal/tableau"
	"github.com/san-kum/daesim/internal/trajectory"
)

// stage is the linearization of one stage equation of a recorded step. For
// Runge-Kutta classes the stage equation M_i k_i = h f(T_i, X_i, u)
// differentiates to
//
//	M_i δk_i = L_i δX_i + Fu_i δu,  L_i = h J_i - d(M_i k_i)/dx,  Fu_i = h f_u.
//
// Rosenbrock stages add the frozen-Jacobian terms P_i δx and fold the
// control terms into Fu_i.
type stage struct {
	t  float64
	x  dynamo.State
	m  *mat.Dense
	l  *mat.Dense
	fu *mat.Dense
	p  *mat.Dense
	f  *linalg.Factor
	// cost gradient at the stage point, pre-scaled by h b_i
	gx dynamo.State
	gu dynamo.Control
}

type step struct {
	rec    *trajectory.StageRecord
	stages []stage
	// w factors the coupled FIRK block matrix or the Rosenbrock W.
	w   *linalg.Factor
	hj0 *mat.Dense
}

// sweep linearizes the records of one segment.
type sweep struct {
	tab *tableau.Tableau
	// adj is the reversed transposed tableau; row p of adj is stage s-1-p
	// of the backward sweep.
	adj     *tableau.Tableau
	ev      *dynamo.Evaluator
	lin     *linalg.Solver
	u       dynamo.Control
	n, m, s int
	stats   *Stats

	dm   *mat.Dense
	scr  *mat.Dense
	fuw  *mat.Dense
	cost bool
}

func newSweep(seg *trajectory.Segment, lin *linalg.Solver, stats *Stats) (*sweep, error) {
	tab := seg.Tableau
	switch tab.Class() {
	case tableau.LinearMultistep, tableau.Generalized:
		return nil, fmt.Errorf("%w: no discrete sensitivities for %s (%s)",
			dynamo.ErrUnsupportedMethod, tab.Name(), tab.Class())
	}
	ev := dynamo.NewEvaluator(seg.Problem)
	n, m := ev.Dim(), ev.ControlDim()
	sw := &sweep{
		tab:   tab,
		adj:   tab.Transpose().Reflect(),
		ev:    ev,
		lin:   lin,
		u:     seg.U,
		n:     n,
		m:     m,
		s:     tab.Stages(),
		stats: stats,
		dm:    mat.NewDense(n, n, nil),
		scr:   mat.NewDense(n, n, nil),
		cost:  ev.HasRunningCost(),
	}
	if m > 0 {
		sw.fuw = mat.NewDense(n, m, nil)
	}
	return sw, nil
}

func (sw *sweep) rosenbrock() bool { return sw.tab.Class() == tableau.RosenbrockW }

// stagePoint returns T_i and X_i = x + Σ_j a_ij k_j of rec.
func (sw *sweep) stagePoint(rec *trajectory.StageRecord, i int) (float64, dynamo.State) {
	x := rec.X.Clone()
	for j := 0; j < sw.s; j++ {
		if a := sw.tab.A(i, j); a != 0 {
			x.Axpy(a, rec.K[j])
		}
	}
	return rec.T + sw.tab.C(i)*rec.H, x
}

// retained returns the forward factor of stage i if the record kept one.
func (sw *sweep) retained(rec *trajectory.StageRecord, i int) *linalg.Factor {
	if len(rec.Factors) != sw.s {
		return nil
	}
	return rec.Factors[i]
}

func (sw *sweep) factor(a *mat.Dense) (*linalg.Factor, error) {
	sw.stats.Factorizations++
	return sw.lin.Factorize(a)
}

func (sw *sweep) prepare(rec *trajectory.StageRecord) (*step, error) {
	if len(rec.K) != sw.s {
		return nil, fmt.Errorf("%w: record has %d stages, method %s has %d",
			dynamo.ErrIncompleteTrajectory, len(rec.K), sw.tab.Name(), sw.s)
	}
	sw.stats.Steps++
	st := &step{rec: rec, stages: make([]stage, sw.s)}
	if sw.rosenbrock() {
		return st, sw.prepareRosenbrock(st)
	}

	h := rec.H
	for i := range st.stages {
		sg := &st.stages[i]
		sg.t, sg.x = sw.stagePoint(rec, i)
		sg.m = mat.NewDense(sw.n, sw.n, nil)
		sw.ev.Mass(sg.t, sg.x, sg.m)
		sg.l = mat.NewDense(sw.n, sw.n, nil)
		sw.ev.Jacobian(sg.t, sg.x, sw.u, sg.l)
		sg.l.Scale(h, sg.l)
		if sw.ev.HasMass() {
			sw.ev.MassDirectional(sg.t, sg.x, rec.K[i], sw.dm)
			sg.l.Sub(sg.l, sw.dm)
		}
		if sw.m > 0 {
			sg.fu = mat.NewDense(sw.n, sw.m, nil)
			sw.ev.ControlJacobian(sg.t, sg.x, sw.u, sg.fu)
			sg.fu.Scale(h, sg.fu)
		}
		sw.costGradient(sg, h*sw.tab.B(i))
	}

	if sw.tab.Class() == tableau.FIRK {
		if f := sw.retained(rec, 0); f != nil {
			sw.stats.Reused++
			st.w = f
			return st, nil
		}
		big := mat.NewDense(sw.s*sw.n, sw.s*sw.n, nil)
		for i := range st.stages {
			linalg.AddBlock(big, i, i, sw.n, 1, st.stages[i].m)
			for j := 0; j < sw.s; j++ {
				if a := sw.tab.A(i, j); a != 0 {
					linalg.AddBlock(big, i, j, sw.n, -a, st.stages[i].l)
				}
			}
		}
		f, err := sw.factor(big)
		if err != nil {
			return nil, err
		}
		st.w = f
		return st, nil
	}

	for i := range st.stages {
		sg := &st.stages[i]
		if f := sw.retained(rec, i); f != nil {
			sw.stats.Reused++
			sg.f = f
			continue
		}
		// M_i - a_ii L_i, the Newton matrix at the converged stage
		linalg.Shifted(sw.scr, sg.m, sg.l, sw.tab.A(i, i))
		f, err := sw.factor(sw.scr)
		if err != nil {
			return nil, err
		}
		sg.f = f
	}
	return st, nil
}

// prepareRosenbrock linearizes
//
//	M0 k_i = h f(T_i, X_i) + hJ0 w_i + h² δ_i f_t,  w_i = Σ_{j≤i} Γ_ij k_j,
//
// with J0 = f_x(t, x) and f_t taken at the step start. The dependence of
// the frozen mass matrix on x is not differentiated.
func (sw *sweep) prepareRosenbrock(st *step) error {
	rec := st.rec
	n, h := sw.n, rec.H
	gamma := sw.tab.Gamma(0, 0)

	j0 := mat.NewDense(n, n, nil)
	sw.ev.Jacobian(rec.T, rec.X, sw.u, j0)
	st.hj0 = mat.NewDense(n, n, nil)
	st.hj0.Scale(h, j0)

	if f := sw.retained(rec, 0); f != nil {
		sw.stats.Reused++
		st.w = f
	} else {
		m0 := mat.NewDense(n, n, nil)
		sw.ev.Mass(rec.T, rec.X, m0)
		linalg.Shifted(sw.scr, m0, j0, h*gamma)
		f, err := sw.factor(sw.scr)
		if err != nil {
			return err
		}
		st.w = f
	}

	var jt, fut *mat.Dense
	for i := 0; i < sw.s; i++ {
		if sw.tab.Delta(i) != 0 {
			jt = mat.NewDense(n, n, nil)
			sw.ev.JacobianTime(rec.T, rec.X, sw.u, jt)
			if sw.m > 0 {
				fut = mat.NewDense(n, sw.m, nil)
				sw.ev.ControlJacobianTime(rec.T, rec.X, sw.u, fut)
			}
			break
		}
	}

	w := make(dynamo.State, n)
	for i := range st.stages {
		sg := &st.stages[i]
		sg.t, sg.x = sw.stagePoint(rec, i)
		sg.l = mat.NewDense(n, n, nil)
		sw.ev.Jacobian(sg.t, sg.x, sw.u, sg.l)
		sg.l.Scale(h, sg.l)

		clear(w)
		for j := 0; j < i; j++ {
			if g := sw.tab.Gamma(i, j); g != 0 {
				w.Axpy(g, rec.K[j])
			}
		}
		w.Axpy(gamma, rec.K[i])

		d := sw.tab.Delta(i)
		sg.p = mat.NewDense(n, n, nil)
		sw.ev.JacobianDirectional(rec.T, rec.X, sw.u, w, sg.p)
		sg.p.Scale(h, sg.p)
		if d != 0 {
			floats.AddScaled(sg.p.RawMatrix().Data, h*h*d, jt.RawMatrix().Data)
		}

		if sw.m > 0 {
			sg.fu = mat.NewDense(n, sw.m, nil)
			sw.ev.ControlJacobian(sg.t, sg.x, sw.u, sg.fu)
			sg.fu.Scale(h, sg.fu)
			sw.ev.ControlJacobianDirectional(rec.T, rec.X, sw.u, w, sw.fuw)
			floats.AddScaled(sg.fu.RawMatrix().Data, h, sw.fuw.RawMatrix().Data)
			if d != 0 {
				floats.AddScaled(sg.fu.RawMatrix().Data, h*h*d, fut.RawMatrix().Data)
			}
		}
		sw.costGradient(sg, h*sw.tab.B(i))
	}
	return nil
}

func (sw *sweep) costGradient(sg *stage, scale float64) {
	if !sw.cost || scale == 0 {
		return
	}
	sg.gx = make(dynamo.State, sw.n)
	sg.gu = make(dynamo.Control, sw.m)
	sw.ev.RunningCostGradient(sg.t, sg.x, sw.u, sg.gx, sg.gu)
	for i := range sg.gx {
		sg.gx[i] *= scale
	}
	for i := range sg.gu {
		sg.gu[i] *= scale
	}
}
