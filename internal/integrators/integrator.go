// Package integrators advances DAE problems M(t,x) x' = f(t,x,u) with the
// methods described by a [tableau.Tableau].
//
// An [Integrator] is built once per method and is read-only afterwards. All
// mutable stepping state lives in a [Run]: the current point, the proposed
// step, the quasi-Newton cache and the scratch space of the method. A step
// is split into [Integrator.Propose], which runs the controller until an
// attempt is accepted, and [Integrator.Commit], which makes it permanent.
// Callers that need to inspect a step before keeping it (event location)
// use the two halves directly; everyone else calls [Integrator.Advance] or
// [Integrator.Integrate].
package integrators

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"

	"github.com/san-kum/daesim/internal/dynamo"
	"github.com/san-kum/daesim/internal/linalg"
	"github.com/san-kum/daesim/internal/nonlinear"
	"github.com/san-kum/daesim/internal/tableau"
	"github.com/san-kum/daesim/internal/trajectory"
)

type Option func(*Integrator)

func WithStepControl(c StepControl) Option {
	return func(in *Integrator) { in.control = c }
}

// WithNonlinear overrides the stage solver options. Without it the solver
// tolerances follow the step tolerances.
func WithNonlinear(o nonlinear.Options) Option {
	return func(in *Integrator) {
		in.nlOpts = o
		in.nlSet = true
	}
}

func WithLinear(kind linalg.Kind) Option {
	return func(in *Integrator) { in.linKind = kind }
}

func WithLogger(l *slog.Logger) Option {
	return func(in *Integrator) {
		if l != nil {
			in.log = l
		}
	}
}

// WithRule supplies the step rule of a Generalized or LinearMultistep
// tableau.
func WithRule(r Rule) Option {
	return func(in *Integrator) { in.rule = r }
}

// WithRetainFactors keeps the converged stage factorizations in every
// StageRecord so sensitivity sweeps can reuse them.
func WithRetainFactors() Option {
	return func(in *Integrator) { in.retain = true }
}

func WithObserver(o Observer) Option {
	return func(in *Integrator) {
		if o != nil {
			in.observers = append(in.observers, o)
		}
	}
}

type Integrator struct {
	tab       *tableau.Tableau
	step      stepper
	control   StepControl
	nlOpts    nonlinear.Options
	nlSet     bool
	linKind   linalg.Kind
	rule      Rule
	retain    bool
	adaptive  bool
	log       *slog.Logger
	observers []Observer
}

// New builds an integrator for tab. The method class selects the stepper.
func New(tab *tableau.Tableau, opts ...Option) (*Integrator, error) {
	if tab == nil {
		return nil, fmt.Errorf("%w: nil tableau", dynamo.ErrInvalidTableau)
	}
	in := &Integrator{
		tab:     tab,
		control: DefaultStepControl(),
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, o := range opts {
		o(in)
	}
	if err := in.control.Validate(); err != nil {
		return nil, err
	}
	if !in.nlSet {
		in.nlOpts = nonlinear.DefaultOptions()
		in.nlOpts.AbsTol = 1e-2 * in.control.AbsTol
		in.nlOpts.RelTol = 1e-2 * in.control.RelTol
	}

	st, err := newStepper(tab, in.rule)
	if err != nil {
		return nil, err
	}
	in.step = st
	in.adaptive = !in.control.Fixed && estimates(st, tab)
	return in, nil
}

// Must is New that panics on error.
func Must(tab *tableau.Tableau, opts ...Option) *Integrator {
	in, err := New(tab, opts...)
	if err != nil {
		panic(err)
	}
	return in
}

func (in *Integrator) Tableau() *tableau.Tableau { return in.tab }
func (in *Integrator) Control() StepControl      { return in.control }

// Adaptive reports whether step sizes follow the error estimate.
func (in *Integrator) Adaptive() bool { return in.adaptive }

// Rule returns the step rule of a multistep or generalized integrator.
func (in *Integrator) Rule() Rule {
	if rs, ok := in.step.(ruleStepper); ok {
		return rs.rule
	}
	return nil
}

// Retains reports whether records carry stage factorizations.
func (in *Integrator) Retains() bool { return in.retain }

// StepEvent describes one step attempt.
type StepEvent struct {
	T          float64
	H          float64
	Err        float64
	X          dynamo.State
	Accepted   bool
	Iterations int
}

// Observer is notified of every accepted step and every rejection. X is
// only valid during the call.
type Observer interface {
	OnStep(ev StepEvent)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(StepEvent)

func (f ObserverFunc) OnStep(ev StepEvent) { f(ev) }

func (in *Integrator) notify(ev StepEvent) {
	for _, o := range in.observers {
		o.OnStep(ev)
	}
}

// Propose attempts steps from the current point of r towards tStop until
// one is accepted and returns it without committing. It returns nil when r
// already sits at tStop. Rejected attempts shrink r.H.
func (in *Integrator) Propose(ctx context.Context, r *Run, tStop float64) (*trajectory.StageRecord, error) {
	if r.in != in {
		return nil, fmt.Errorf("integrators: run belongs to another integrator")
	}
	remaining := tStop - r.T
	if remaining <= endTolerance(tStop) {
		return nil, nil
	}
	if r.H <= 0 {
		r.H = in.firstStep(r, remaining)
	}

	h := math.Min(r.H, remaining)
	truncated := h < r.H
	q := in.tab.ErrorOrder()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		rec, err := in.attempt(r, h)
		var hNew float64
		switch {
		case err != nil:
			if !dynamo.Recoverable(err) {
				return nil, dynamo.Fail(r.Steps, r.T, r.X, err)
			}
			r.stats.StageFailures++
			r.Solver.Invalidate()
			hNew = h * in.control.FacMin
			in.log.Debug("stage solve failed", "t", r.T, "h", h, "err", err)
		case !in.adaptive || rec.Err <= 1:
			rec.HNext = in.nextStep(r, rec, truncated)
			return rec, nil
		default:
			hNew = in.control.Next(h, rec.Err, q)
			in.log.Debug("step rejected", "t", r.T, "h", h, "err", rec.Err)
			in.notify(StepEvent{T: r.T, H: h, Err: rec.Err, X: r.X, Iterations: rec.Iterations})
		}

		r.Rejections++
		r.stats.Rejected++
		if r.Rejections > in.control.MaxRejections || hNew < in.control.MinStep {
			return nil, dynamo.Fail(r.Steps, r.T, r.X,
				fmt.Errorf("%w: h=%g after %d rejections", dynamo.ErrStepSizeUnderflow, hNew, r.Rejections))
		}
		if !in.adaptive {
			// keep the fixed step for the following steps
			h = hNew
		} else {
			r.H = hNew
			h = hNew
		}
		truncated = false
	}
}

func (in *Integrator) nextStep(r *Run, rec *trajectory.StageRecord, truncated bool) float64 {
	if !in.adaptive {
		return r.H
	}
	next := in.control.Next(rec.H, rec.Err, in.tab.ErrorOrder())
	if truncated {
		// a step cut short by tStop says little about the proposal
		next = math.Max(next, r.H)
	}
	return math.Max(next, in.control.MinStep)
}

// StepTo performs one attempt of exactly h from the current point of r,
// without the controller and without committing. Stage solve failures are
// returned as is.
func (in *Integrator) StepTo(r *Run, h float64) (*trajectory.StageRecord, error) {
	if h <= 0 {
		return nil, fmt.Errorf("integrators: non-positive step %g", h)
	}
	rec, err := in.attempt(r, h)
	if err != nil {
		return nil, err
	}
	rec.HNext = r.H
	if in.adaptive && rec.Err <= 1 {
		rec.HNext = math.Max(in.control.Next(h, rec.Err, in.tab.ErrorOrder()), in.control.MinStep)
	}
	return rec, nil
}

// Commit accepts rec, which must start at the current point of r.
func (in *Integrator) Commit(r *Run, rec *trajectory.StageRecord) error {
	if math.Abs(rec.T-r.T) > endTolerance(r.T) {
		return fmt.Errorf("integrators: record starts at %g, run is at %g", rec.T, r.T)
	}
	if r.seg != nil {
		if err := r.seg.Append(*rec); err != nil {
			return err
		}
	}
	if r.ev.HasRunningCost() {
		r.Cost += r.w.stageCost(rec)
	}

	r.T = rec.End()
	r.X = rec.XNew.Clone()
	if rec.HNext > 0 {
		r.H = rec.HNext
	}
	r.Steps++
	r.Rejections = 0
	r.pushHistory()

	r.stats.Accepted++
	if r.stats.MinStep == 0 || rec.H < r.stats.MinStep {
		r.stats.MinStep = rec.H
	}
	r.stats.MaxStep = math.Max(r.stats.MaxStep, rec.H)

	in.log.Debug("step accepted", "t", r.T, "h", rec.H, "err", rec.Err)
	in.notify(StepEvent{T: r.T, H: rec.H, Err: rec.Err, X: r.X, Accepted: true, Iterations: rec.Iterations})
	return nil
}

// Advance proposes and commits one step towards tStop. It reports false
// once r has reached tStop.
func (in *Integrator) Advance(ctx context.Context, r *Run, tStop float64) (bool, error) {
	rec, err := in.Propose(ctx, r, tStop)
	if err != nil || rec == nil {
		return false, err
	}
	if err := in.Commit(r, rec); err != nil {
		return false, err
	}
	return true, nil
}

type Result struct {
	Times      []float64
	States     []dynamo.State
	Trajectory *trajectory.Trajectory
	// Cost is the integral of the running cost plus the terminal cost.
	Cost  float64
	Stats Stats
}

// Integrate runs p from (t0, x0) to tEnd and records the trajectory.
func (in *Integrator) Integrate(ctx context.Context, p dynamo.Problem, t0, tEnd float64, x0 dynamo.State, u dynamo.Control) (*Result, error) {
	if tEnd < t0 {
		return nil, fmt.Errorf("integrators: end time %g before start %g", tEnd, t0)
	}
	r, err := in.NewRun(p, t0, x0, u)
	if err != nil {
		return nil, err
	}
	tr := trajectory.New()
	if err := r.Record(tr); err != nil {
		return nil, err
	}

	for {
		if in.control.MaxSteps > 0 && r.Steps >= in.control.MaxSteps && tEnd-r.T > endTolerance(tEnd) {
			return nil, dynamo.Fail(r.Steps, r.T, r.X, fmt.Errorf("integrators: step limit %d reached", in.control.MaxSteps))
		}
		more, err := in.Advance(ctx, r, tEnd)
		if err != nil {
			return nil, err
		}
		if !more {
			break
		}
	}
	tr.Close()

	times, states := tr.Samples()
	res := &Result{
		Times:      times,
		States:     states,
		Trajectory: tr,
		Cost:       r.Cost + r.ev.TerminalCost(r.T, r.X, r.U),
		Stats:      r.Stats(),
	}
	in.log.Info("integration finished",
		"method", in.tab.Name(),
		"steps", res.Stats.Accepted,
		"rejected", res.Stats.Rejected,
		"t", r.T)
	return res, nil
}

func (in *Integrator) firstStep(r *Run, span float64) float64 {
	if !in.adaptive {
		if in.control.InitialStep > 0 {
			return math.Min(in.control.InitialStep, in.control.maxStep())
		}
		return math.Min(span/100, in.control.maxStep())
	}
	return in.control.InitialStepFor(r.ev, r.T, r.X, r.U, span, in.tab.ErrorOrder())
}

// attempt computes one step of size h from the current point of r.
func (in *Integrator) attempt(r *Run, h float64) (*trajectory.StageRecord, error) {
	w := r.w
	w.begin(r, h)
	if err := in.step.computeStages(w); err != nil {
		return nil, err
	}
	w.combine()

	errNorm, estimated := in.step.errorEstimate(w)
	if !w.xNew.IsValid() {
		if !in.adaptive {
			return nil, fmt.Errorf("%w: non-finite state after step of %g", dynamo.ErrInvalidState, h)
		}
		errNorm, estimated = math.Inf(1), true
	}
	if !estimated {
		errNorm = 0
	}
	return w.record(errNorm), nil
}

func endTolerance(t float64) float64 {
	return 1e-13 * math.Max(1, math.Abs(t))
}
