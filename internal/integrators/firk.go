package integrators

import (
	"gonum.org/v1/gonum/mat"

	"github.com/san-kum/daesim/internal/linalg"
	"github.com/san-kum/daesim/internal/nonlinear"
)

// firkStepper solves all stages of a fully implicit method as one coupled
// system of size s·n. Block (i,j) of its Jacobian is
// δ_ij M_i + a_ij (dM_i/dx k_i - h J_i).
type firkStepper struct{}

func (firkStepper) computeStages(w *work) error {
	n, s := w.n, w.s
	if w.big == nil {
		w.big = mat.NewDense(s*n, s*n, nil)
		w.bigK = make([]float64, s*n)
	}

	w.ev.Source(w.t, w.x, w.u, w.fs)
	for i := 0; i < s; i++ {
		for j := 0; j < n; j++ {
			w.bigK[i*n+j] = w.h * w.fs[j]
		}
	}

	sys := w.coupledSystem()
	if err := w.solve(sys, w.bigK); err != nil {
		return err
	}
	for i := 0; i < s; i++ {
		copy(w.k[i], w.bigK[i*n:(i+1)*n])
	}

	if w.retain {
		sys.Jacobian(w.bigK, w.big)
		if f, err := w.lin.Factorize(w.big); err == nil {
			for i := range w.factors {
				w.factors[i] = f
			}
		}
	}
	return nil
}

func (firkStepper) errorEstimate(w *work) (float64, bool) {
	return w.embeddedError()
}

// blocks views the stacked increments as one row per stage.
func (w *work) blocks(big []float64) [][]float64 {
	rows := make([][]float64, w.s)
	for i := range rows {
		rows[i] = big[i*w.n : (i+1)*w.n]
	}
	return rows
}

func (w *work) coupledSystem() nonlinear.System {
	n, s := w.n, w.s
	return nonlinear.System{
		N: s * n,
		Residual: func(big, out []float64) {
			k := w.blocks(big)
			for i := 0; i < s; i++ {
				ti := w.stagePoint(i, k, w.xs)
				w.ev.Source(ti, w.xs, w.u, w.fs)
				oi := out[i*n : (i+1)*n]
				if w.ev.HasMass() {
					w.ev.Mass(ti, w.xs, w.mass)
					linalg.MulVec(w.mass, k[i], oi)
				} else {
					copy(oi, k[i])
				}
				for j := range oi {
					oi[j] -= w.h * w.fs[j]
				}
			}
		},
		Jacobian: func(big []float64, out *mat.Dense) {
			k := w.blocks(big)
			out.Zero()
			for i := 0; i < s; i++ {
				ti := w.stagePoint(i, k, w.xs)
				w.ev.Jacobian(ti, w.xs, w.u, w.jac)
				w.ev.Mass(ti, w.xs, w.mass)
				if w.ev.HasMass() {
					w.ev.MassDirectional(ti, w.xs, k[i], w.dmk)
				}
				linalg.AddBlock(out, i, i, n, 1, w.mass)
				for j := 0; j < s; j++ {
					a := w.tab.A(i, j)
					if a == 0 {
						continue
					}
					linalg.AddBlock(out, i, j, n, -w.h*a, w.jac)
					if w.ev.HasMass() {
						linalg.AddBlock(out, i, j, n, a, w.dmk)
					}
				}
			}
		},
		Key: w.h,
	}
}
