package experiment

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/san-kum/daesim/internal/config"
	"github.com/san-kum/daesim/internal/dynamo"
	"github.com/san-kum/daesim/internal/hybrid"
	"github.com/san-kum/daesim/internal/integrators"
	"github.com/san-kum/daesim/internal/logging"
	"github.com/san-kum/daesim/internal/metrics"
	"github.com/san-kum/daesim/internal/sensitivity"
	"github.com/san-kum/daesim/internal/tableau"
	"github.com/san-kum/daesim/internal/trajectory"
)

type Option func(*Experiment)

func WithLogger(l *slog.Logger) Option {
	return func(e *Experiment) {
		if l != nil {
			e.log = l
		}
	}
}

func WithRegistry(r *Registry) Option {
	return func(e *Experiment) {
		if r != nil {
			e.reg = r
		}
	}
}

// WithObserver is notified of every step of Run.
func WithObserver(o integrators.Observer) Option {
	return func(e *Experiment) {
		if o != nil {
			e.observers = append(e.observers, o)
		}
	}
}

// Experiment wires a configuration to the solver packages.
type Experiment struct {
	cfg       *config.Config
	reg       *Registry
	log       *slog.Logger
	observers []integrators.Observer
}

func New(cfg *config.Config, opts ...Option) *Experiment {
	e := &Experiment{
		cfg: cfg,
		reg: NewRegistry(),
		log: logging.Discard(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Experiment) Config() *config.Config { return e.cfg }

// Setup builds the configured problem with its parameters, initial state
// and controls.
func (e *Experiment) Setup() (dynamo.Problem, dynamo.State, dynamo.Control, error) {
	p, err := e.reg.Problem(e.cfg.Problem)
	if err != nil {
		return nil, nil, nil, err
	}
	if len(e.cfg.Params) > 0 {
		c, ok := p.(dynamo.Configurable)
		if !ok {
			return nil, nil, nil, fmt.Errorf("problem %s has no parameters", e.cfg.Problem)
		}
		for k, v := range e.cfg.Params {
			if err := c.SetParam(k, v); err != nil {
				return nil, nil, nil, err
			}
		}
	}

	var x0 dynamo.State
	switch {
	case len(e.cfg.InitialState) > 0:
		x0 = dynamo.State(e.cfg.InitialState).Clone()
	case isInitializer(p):
		x0 = p.(dynamo.Initializer).DefaultState()
	default:
		x0 = make(dynamo.State, p.Dim())
	}
	if len(x0) != p.Dim() {
		return nil, nil, nil, fmt.Errorf("%w: %s has %d states, got %d",
			dynamo.ErrDimensionMismatch, e.cfg.Problem, p.Dim(), len(x0))
	}

	u := make(dynamo.Control, p.ControlDim())
	if len(e.cfg.Controls) > 0 {
		if len(e.cfg.Controls) != len(u) {
			return nil, nil, nil, fmt.Errorf("%w: %s has %d controls, got %d",
				dynamo.ErrDimensionMismatch, e.cfg.Problem, len(u), len(e.cfg.Controls))
		}
		copy(u, e.cfg.Controls)
	}
	return p, x0, u, nil
}

func isInitializer(p dynamo.Problem) bool {
	_, ok := p.(dynamo.Initializer)
	return ok
}

// Integrator builds the configured method with extra options appended.
func (e *Experiment) Integrator(extra ...integrators.Option) (*integrators.Integrator, error) {
	tab, err := tableau.Build(e.cfg.Method)
	if err != nil {
		return nil, err
	}
	opts, err := e.cfg.IntegratorOptions()
	if err != nil {
		return nil, err
	}
	opts = append(opts, integrators.WithLogger(e.log))
	for _, o := range e.observers {
		opts = append(opts, integrators.WithObserver(o))
	}
	return integrators.New(tab, append(opts, extra...)...)
}

type Result struct {
	Problem     string
	Method      string
	Integration *integrators.Result
	Metrics     map[string]float64
	Elapsed     time.Duration
}

// Metadata describes r for a trajectory.Store.
func (r *Result) Metadata(cfg *config.Config) trajectory.RunMetadata {
	return trajectory.RunMetadata{
		Problem:  r.Problem,
		Method:   r.Method,
		T0:       cfg.T0,
		TEnd:     cfg.TEnd,
		AbsTol:   cfg.Step.AbsTol,
		RelTol:   cfg.Step.RelTol,
		Rejected: r.Integration.Stats.Rejected,
		Cost:     r.Integration.Cost,
		Metrics:  r.Metrics,
	}
}

// Run integrates the configured problem over [T0, TEnd] with the default
// metrics attached.
func (e *Experiment) Run(ctx context.Context) (*Result, error) {
	p, x0, u, err := e.Setup()
	if err != nil {
		return nil, err
	}
	ms := metrics.Default(p, x0)
	in, err := e.Integrator(metrics.Options(ms)...)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	res, err := in.Integrate(ctx, p, e.cfg.T0, e.cfg.TEnd, x0, u)
	if err != nil {
		return nil, err
	}
	out := &Result{
		Problem:     e.cfg.Problem,
		Method:      in.Tableau().Name(),
		Integration: res,
		Metrics:     metrics.Collect(ms),
		Elapsed:     time.Since(start),
	}
	e.log.Info("run finished", "problem", out.Problem, "method", out.Method,
		"steps", res.Stats.Accepted, "elapsed", out.Elapsed)
	return out, nil
}

// SensitivityReport holds the cost gradient with respect to the initial
// state and the controls, by adjoint, tangent or both.
type SensitivityReport struct {
	Cost    float64
	Adjoint *sensitivity.AdjointResult
	// Tangent holds one direction per initial state component followed by
	// one per control.
	Tangent *sensitivity.TangentResult
	// MaxDiff is the largest gap between the two gradients when both ran.
	MaxDiff float64
	Run     *Result
}

// GradX0 returns the gradient with respect to x0 from whichever sweep ran.
func (r *SensitivityReport) GradX0() []float64 {
	if r.Adjoint != nil {
		return r.Adjoint.GradX0
	}
	n := len(r.Tangent.Cost) - len(r.GradU())
	return r.Tangent.Cost[:n]
}

func (r *SensitivityReport) GradU() []float64 {
	if r.Adjoint != nil {
		return r.Adjoint.GradU
	}
	m := len(r.Run.Integration.Trajectory.Segments()[0].U)
	return r.Tangent.Cost[len(r.Tangent.Cost)-m:]
}

// Sensitivity runs the configured problem forward with retained stage
// factors and differentiates its cost.
func (e *Experiment) Sensitivity(ctx context.Context) (*SensitivityReport, error) {
	p, x0, u, err := e.Setup()
	if err != nil {
		return nil, err
	}
	in, err := e.Integrator(integrators.WithRetainFactors())
	if err != nil {
		return nil, err
	}
	start := time.Now()
	res, err := in.Integrate(ctx, p, e.cfg.T0, e.cfg.TEnd, x0, u)
	if err != nil {
		return nil, err
	}
	rep := &SensitivityReport{
		Cost: res.Cost,
		Run: &Result{
			Problem:     e.cfg.Problem,
			Method:      in.Tableau().Name(),
			Integration: res,
			Elapsed:     time.Since(start),
		},
	}

	kind, err := e.cfg.LinearKind()
	if err != nil {
		return nil, err
	}
	eng := sensitivity.New(
		sensitivity.WithWorkers(e.cfg.Sensitivity.Workers),
		sensitivity.WithLinear(kind),
		sensitivity.WithLogger(e.log))

	mode := e.cfg.Sensitivity.Mode
	if mode == "" || mode == "adjoint" || mode == "both" {
		if rep.Adjoint, err = eng.Adjoint(res.Trajectory); err != nil {
			return nil, err
		}
	}
	if mode == "tangent" || mode == "both" {
		if rep.Tangent, err = eng.Tangent(res.Trajectory, unitDirections(len(x0), len(u))); err != nil {
			return nil, err
		}
	}
	if rep.Adjoint != nil && rep.Tangent != nil {
		grad := append(append([]float64(nil), rep.Adjoint.GradX0...), rep.Adjoint.GradU...)
		for i, g := range grad {
			rep.MaxDiff = math.Max(rep.MaxDiff, math.Abs(g-rep.Tangent.Cost[i]))
		}
	}
	e.log.Info("sensitivity finished", "problem", e.cfg.Problem, "mode", mode, "cost", rep.Cost)
	return rep, nil
}

func unitDirections(n, m int) []sensitivity.Direction {
	dirs := make([]sensitivity.Direction, 0, n+m)
	for i := 0; i < n; i++ {
		x := make(dynamo.State, n)
		x[i] = 1
		dirs = append(dirs, sensitivity.Direction{X0: x})
	}
	for j := 0; j < m; j++ {
		v := make(dynamo.Control, m)
		v[j] = 1
		dirs = append(dirs, sensitivity.Direction{U: v})
	}
	return dirs
}

// Hybrid runs the named scenario. tEnd <= 0 uses the scenario horizon.
func (e *Experiment) Hybrid(ctx context.Context, name string, tEnd float64) (*hybrid.Result, error) {
	sc, err := e.reg.Scenario(name)
	if err != nil {
		return nil, err
	}
	opts, err := e.cfg.MachineOptions()
	if err != nil {
		return nil, err
	}
	intOpts, err := e.cfg.IntegratorOptions()
	if err != nil {
		return nil, err
	}
	opts = append(append(sc.Options, opts...),
		hybrid.WithIntegratorOptions(intOpts...),
		hybrid.WithLogger(e.log))
	m, err := hybrid.New(sc.States, opts...)
	if err != nil {
		return nil, err
	}
	if tEnd <= 0 {
		tEnd = sc.TEnd
	}
	x0 := sc.X0
	if len(e.cfg.InitialState) > 0 {
		x0 = dynamo.State(e.cfg.InitialState).Clone()
	}
	return m.Run(ctx, e.cfg.T0, tEnd, x0)
}
