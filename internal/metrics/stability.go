package metrics

import (
	"math"

	"github.com/san-kum/daesim/internal/integrators"
)

// Bounded is the share of accepted steps whose state stays inside
// [-threshold, threshold] componentwise. Non-finite states count as
// violations.
type Bounded struct {
	threshold  float64
	violations int
	samples    int
}

func NewBounded(threshold float64) *Bounded {
	return &Bounded{threshold: threshold}
}

func (b *Bounded) Name() string { return "bounded" }

func (b *Bounded) OnStep(ev integrators.StepEvent) {
	if !ev.Accepted {
		return
	}
	b.samples++
	for _, v := range ev.X {
		if math.IsNaN(v) || math.Abs(v) > b.threshold {
			b.violations++
			break
		}
	}
}

func (b *Bounded) Value() float64 {
	if b.samples == 0 {
		return 1
	}
	return 1 - float64(b.violations)/float64(b.samples)
}

func (b *Bounded) Reset() {
	b.violations = 0
	b.samples = 0
}
