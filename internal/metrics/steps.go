package metrics

import "github.com/san-kum/daesim/internal/integrators"

// StepSize is the mean accepted step.
type StepSize struct {
	sum     float64
	samples int
}

func NewStepSize() *StepSize { return &StepSize{} }

func (s *StepSize) Name() string { return "mean_step" }

func (s *StepSize) OnStep(ev integrators.StepEvent) {
	if !ev.Accepted {
		return
	}
	s.sum += ev.H
	s.samples++
}

func (s *StepSize) Value() float64 {
	if s.samples == 0 {
		return 0
	}
	return s.sum / float64(s.samples)
}

func (s *StepSize) Reset() {
	s.sum = 0
	s.samples = 0
}

// RejectionRate is the share of attempts the controller rejected.
type RejectionRate struct {
	accepted int
	rejected int
}

func NewRejectionRate() *RejectionRate { return &RejectionRate{} }

func (r *RejectionRate) Name() string { return "rejection_rate" }

func (r *RejectionRate) OnStep(ev integrators.StepEvent) {
	if ev.Accepted {
		r.accepted++
	} else {
		r.rejected++
	}
}

func (r *RejectionRate) Value() float64 {
	n := r.accepted + r.rejected
	if n == 0 {
		return 0
	}
	return float64(r.rejected) / float64(n)
}

func (r *RejectionRate) Reset() {
	r.accepted = 0
	r.rejected = 0
}
