package integrators

// explicitStepper evaluates the stages in order. With a mass matrix each
// stage needs one linear solve.
type explicitStepper struct{}

func (explicitStepper) computeStages(w *work) error {
	for i := 0; i < w.s; i++ {
		if err := w.explicitStage(i); err != nil {
			return err
		}
	}
	return nil
}

func (explicitStepper) errorEstimate(w *work) (float64, bool) {
	return w.embeddedError()
}
