package integrators

import (
	"github.com/san-kum/daesim/internal/linalg"
)

// rosenbrockStepper is a linearly implicit W-method:
//
//	(M - hγJ) k_i = h f(T_i, x + Σ_{j<i} α_ij k_j) + hJ Σ_{j<i} Γ_ij k_j + h² γ_i f_t
//
// with J = f_x(t,x) and M = M(t,x) frozen over the step, so one
// factorization serves all stages.
type rosenbrockStepper struct{}

func (rosenbrockStepper) computeStages(w *work) error {
	t, h := w.t, w.h
	gamma := w.tab.Gamma(0, 0)

	w.ev.Jacobian(t, w.x, w.u, w.jac)
	w.ev.Mass(t, w.x, w.mass)
	linalg.Shifted(w.smat, w.mass, w.jac, h*gamma)
	f, err := w.lin.Factorize(w.smat)
	if err != nil {
		return err
	}

	needFt := false
	for i := 0; i < w.s; i++ {
		if w.tab.Delta(i) != 0 {
			needFt = true
			break
		}
	}
	if needFt {
		w.ev.TimeDerivative(t, w.x, w.u, w.ft)
	}

	for i := 0; i < w.s; i++ {
		ti := w.stageBase(i, w.xs)
		w.ev.Source(ti, w.xs, w.u, w.fs)
		for j := range w.fs {
			w.fs[j] *= h
		}

		coupled := false
		clear(w.tmp)
		for j := 0; j < i; j++ {
			if g := w.tab.Gamma(i, j); g != 0 {
				w.tmp.Axpy(g, w.k[j])
				coupled = true
			}
		}
		if coupled {
			linalg.MulVecAdd(h, w.jac, w.tmp, w.fs)
		}
		if d := w.tab.Delta(i); d != 0 {
			w.fs.Axpy(h*h*d, w.ft)
		}

		if err := f.Solve(w.k[i], w.fs, false); err != nil {
			return err
		}
		if w.retain {
			w.factors[i] = f
		}
	}
	return nil
}

func (rosenbrockStepper) errorEstimate(w *work) (float64, bool) {
	return w.embeddedError()
}
