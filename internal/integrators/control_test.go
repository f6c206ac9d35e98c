package integrators

import (
	"math"
	"testing"

	"github.com/san-kum/daesim/internal/dynamo"
	"github.com/san-kum/daesim/internal/problems"
)

func TestErrorNorm(t *testing.T) {
	c := DefaultStepControl()
	c.AbsTol, c.RelTol = 1, 0
	got := c.ErrorNorm([]float64{3, 4}, dynamo.State{0, 0}, dynamo.State{0, 0})
	if want := math.Sqrt(12.5); math.Abs(got-want) > 1e-12 {
		t.Errorf("norm = %g, want %g", got, want)
	}

	c.AbsTol, c.RelTol = 1e-3, 1
	// scale uses the larger of the old and new magnitude
	got = c.ErrorNorm([]float64{1}, dynamo.State{1}, dynamo.State{-9})
	if want := 1 / (1e-3 + 9); math.Abs(got-want) > 1e-12 {
		t.Errorf("norm = %g, want %g", got, want)
	}
}

func TestFactorClipping(t *testing.T) {
	c := DefaultStepControl()
	tests := []struct {
		name string
		err  float64
		want float64
	}{
		{"zero error grows maximally", 0, c.FacMax},
		{"tiny error clipped", 1e-12, c.FacMax},
		{"huge error clipped", 1e12, c.FacMin},
		{"nan shrinks", math.NaN(), c.FacMin},
		{"unit error", 1, c.Safety},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.Factor(tt.err, 3); math.Abs(got-tt.want) > 1e-12 {
				t.Errorf("factor = %g, want %g", got, tt.want)
			}
		})
	}

	c.MaxStep = 0.5
	if got := c.Next(1, 0, 3); got != 0.5 {
		t.Errorf("next = %g, want max step", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*StepControl)
		ok     bool
	}{
		{"defaults", func(*StepControl) {}, true},
		{"zero atol", func(c *StepControl) { c.AbsTol = 0 }, false},
		{"negative rtol", func(c *StepControl) { c.RelTol = -1 }, false},
		{"min above max", func(c *StepControl) { c.MinStep, c.MaxStep = 1, 0.1 }, false},
		{"safety above one", func(c *StepControl) { c.Safety = 1.2 }, false},
		{"facmin above one", func(c *StepControl) { c.FacMin = 2 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultStepControl()
			tt.modify(&c)
			if err := c.Validate(); (err == nil) != tt.ok {
				t.Errorf("validate = %v, ok %v", err, tt.ok)
			}
		})
	}
}

func TestInitialStepFor(t *testing.T) {
	c := DefaultStepControl()
	ev := dynamo.NewEvaluator(problems.NewDecay())
	h := c.InitialStepFor(ev, 0, dynamo.State{1}, nil, 10, 4)
	if h <= c.MinStep || h > 10 {
		t.Errorf("initial step %g out of range", h)
	}

	c.InitialStep = 0.3
	c.MaxStep = 0.2
	if h := c.InitialStepFor(ev, 0, dynamo.State{1}, nil, 10, 4); h != 0.2 {
		t.Errorf("initial step = %g, want max step", h)
	}
}
