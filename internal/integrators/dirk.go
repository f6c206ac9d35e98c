package integrators

// dirkStepper solves the stages of a diagonally implicit method one after
// the other. Stages with a zero diagonal entry are explicit; the first
// stage of an ESDIRK method on a DAE is solved in the least-squares sense.
type dirkStepper struct{}

func (dirkStepper) computeStages(w *work) error {
	for i := 0; i < w.s; i++ {
		aii := w.tab.A(i, i)
		if aii == 0 {
			if err := w.explicitStage(i); err != nil {
				return err
			}
			continue
		}

		ti := w.stageBase(i, w.base)
		if i == 0 {
			w.ev.Source(w.t, w.x, w.u, w.k[0])
			for j := range w.k[0] {
				w.k[0][j] *= w.h
			}
		} else {
			copy(w.k[i], w.k[i-1])
		}

		sys := w.implicitStage(ti, aii)
		if err := w.solve(sys, w.k[i]); err != nil {
			return err
		}
		if w.retain {
			w.retainFactor(i, sys, w.k[i], w.smat)
		}
	}
	return nil
}

func (dirkStepper) errorEstimate(w *work) (float64, bool) {
	return w.embeddedError()
}
