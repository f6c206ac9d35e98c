package integrators

import (
	"fmt"
	"math"

	"github.com/san-kum/daesim/internal/dynamo"
)

// StepControl holds the step-size controller parameters.
type StepControl struct {
	AbsTol float64
	RelTol float64
	// MinStep is the smallest step the controller may propose.
	MinStep float64
	// MaxStep bounds every step; zero means unbounded.
	MaxStep float64
	// InitialStep is the first step; zero selects an estimate. Methods
	// without an error estimator run with this fixed step.
	InitialStep float64
	// Fixed disables adaptation even when the method has an error estimate.
	Fixed  bool
	Safety float64
	// FacMin bounds the shrink of a rejected step and is the shrink applied
	// after a failed stage solve.
	FacMin float64
	FacMax float64
	// MaxRejections bounds consecutive rejections of one step.
	MaxRejections int
	// MaxSteps bounds accepted steps of one Integrate call; zero means unbounded.
	MaxSteps int
}

func DefaultStepControl() StepControl {
	return StepControl{
		AbsTol:        1e-8,
		RelTol:        1e-3,
		MinStep:       1e-12,
		Safety:        0.8,
		FacMin:        0.1,
		FacMax:        5.0,
		MaxRejections: 25,
		MaxSteps:      1_000_000,
	}
}

func (c StepControl) Validate() error {
	if c.AbsTol <= 0 || c.RelTol < 0 {
		return fmt.Errorf("integrators: need atol > 0 and rtol >= 0, got atol=%g rtol=%g", c.AbsTol, c.RelTol)
	}
	if c.MinStep < 0 || c.MaxStep < 0 || c.InitialStep < 0 {
		return fmt.Errorf("integrators: negative step bound")
	}
	if c.MaxStep > 0 && c.MinStep > c.MaxStep {
		return fmt.Errorf("integrators: min step %g above max step %g", c.MinStep, c.MaxStep)
	}
	if c.Safety <= 0 || c.Safety > 1 {
		return fmt.Errorf("integrators: safety factor %g outside (0, 1]", c.Safety)
	}
	if c.FacMin <= 0 || c.FacMin >= 1 || c.FacMax <= 1 {
		return fmt.Errorf("integrators: growth bounds need 0 < facmin < 1 < facmax, got %g, %g", c.FacMin, c.FacMax)
	}
	return nil
}

func (c StepControl) maxStep() float64 {
	if c.MaxStep <= 0 {
		return math.Inf(1)
	}
	return c.MaxStep
}

// ErrorNorm is the mixed absolute/relative RMS norm of e.
func (c StepControl) ErrorNorm(e []float64, x, xNew dynamo.State) float64 {
	if len(e) == 0 {
		return 0
	}
	sum := 0.0
	for i, v := range e {
		sc := c.AbsTol + c.RelTol*math.Max(math.Abs(x[i]), math.Abs(xNew[i]))
		r := v / sc
		sum += r * r
	}
	return math.Sqrt(sum / float64(len(e)))
}

// Factor is the step multiplier for scaled error err and error order q.
func (c StepControl) Factor(err float64, q int) float64 {
	if math.IsNaN(err) || math.IsInf(err, 0) {
		return c.FacMin
	}
	fac := c.FacMax
	if err > 0 {
		fac = c.Safety * math.Pow(1/err, 1/float64(q+1))
	}
	return math.Min(c.FacMax, math.Max(c.FacMin, fac))
}

// Next returns the following step size, clipped to MaxStep.
func (c StepControl) Next(h, err float64, q int) float64 {
	return math.Min(h*c.Factor(err, q), c.maxStep())
}

// InitialStepFor estimates a first step from the local behavior of f, after
// Hairer, Norsett and Wanner.
func (c StepControl) InitialStepFor(ev *dynamo.Evaluator, t float64, x dynamo.State, u dynamo.Control, span float64, order int) float64 {
	if c.InitialStep > 0 {
		return math.Min(c.InitialStep, c.maxStep())
	}
	n := len(x)
	f0 := make(dynamo.State, n)
	ev.Source(t, x, u, f0)

	dnf, dny := 0.0, 0.0
	for i := range x {
		sc := c.AbsTol + c.RelTol*math.Abs(x[i])
		dnf += (f0[i] / sc) * (f0[i] / sc)
		dny += (x[i] / sc) * (x[i] / sc)
	}

	var h float64
	if math.Min(dnf, dny) < 1e-10 {
		h = 1e-6
	} else {
		h = 1e-2 * math.Sqrt(dny/dnf)
	}
	h = math.Min(h, c.maxStep())
	if span > 0 {
		h = math.Min(h, span)
	}

	// explicit Euler step to sample the second derivative
	x1 := x.Clone()
	x1.Axpy(h, f0)
	f1 := make(dynamo.State, n)
	ev.Source(t+h, x1, u, f1)

	der2 := 0.0
	for i := range x {
		sc := c.AbsTol + c.RelTol*math.Abs(x[i])
		d := (f1[i] - f0[i]) / sc
		der2 += d * d
	}
	der2 = math.Sqrt(der2) / h
	der12 := math.Max(der2, math.Sqrt(dnf))

	var h1 float64
	if der12 <= 1e-15 {
		h1 = math.Max(1e-6, h*1e-3)
	} else {
		h1 = math.Pow(1e-2/der12, 1/float64(order+1))
	}
	h = math.Min(100*h, math.Min(h1, c.maxStep()))
	if span > 0 {
		h = math.Min(h, span)
	}
	if math.IsNaN(h) || h <= 0 {
		// non-finite source; let the controller shrink from here
		h = 1e-6
	}
	return math.Max(h, c.MinStep)
}
