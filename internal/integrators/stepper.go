package integrators

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/san-kum/daesim/internal/dynamo"
	"github.com/san-kum/daesim/internal/linalg"
	"github.com/san-kum/daesim/internal/nonlinear"
	"github.com/san-kum/daesim/internal/tableau"
	"github.com/san-kum/daesim/internal/trajectory"
)

// stepper computes the stage increments of one method class. The set of
// implementations is closed: newStepper is the only constructor.
type stepper interface {
	computeStages(w *work) error
	errorEstimate(w *work) (float64, bool)
}

func newStepper(tab *tableau.Tableau, rule Rule) (stepper, error) {
	switch tab.Class() {
	case tableau.Explicit:
		return explicitStepper{}, nil
	case tableau.DIRK, tableau.SDIRK, tableau.ESDIRK:
		return dirkStepper{}, nil
	case tableau.FIRK:
		return firkStepper{}, nil
	case tableau.RosenbrockW:
		return rosenbrockStepper{}, nil
	case tableau.LinearMultistep:
		if rule == nil {
			rule = BDFRule{}
		}
		return ruleStepper{rule: rule}, nil
	case tableau.Generalized:
		if rule == nil {
			return nil, fmt.Errorf("%w: %s needs a step rule", dynamo.ErrUnsupportedMethod, tab.Name())
		}
		return ruleStepper{rule: rule}, nil
	}
	return nil, fmt.Errorf("%w: class %s", dynamo.ErrUnsupportedMethod, tab.Class())
}

func estimates(st stepper, tab *tableau.Tableau) bool {
	if rs, ok := st.(ruleStepper); ok {
		return rs.rule.Adaptive()
	}
	return tab.HasEmbedded()
}

// work is the per-run scratch space of the steppers. begin loads the
// current attempt; the steppers fill k.
type work struct {
	tab    *tableau.Tableau
	ev     *dynamo.Evaluator
	lin    *linalg.Solver
	nls    *nonlinear.State
	nlOpts nonlinear.Options
	ctl    StepControl
	retain bool

	n, s    int
	t, h    float64
	x       dynamo.State
	u       dynamo.Control
	history []HistoryPoint

	k       [][]float64
	xNew    dynamo.State
	iters   int
	factors []*linalg.Factor

	base, xs, fs, tmp, e, ft dynamo.State
	mass, jac, dmk, smat     *mat.Dense

	// coupled FIRK system
	big  *mat.Dense
	bigK []float64

	ruleErr float64
}

func newWork(in *Integrator, r *Run) *work {
	n, s := r.ev.Dim(), in.tab.Stages()
	w := &work{
		tab:    in.tab,
		ev:     r.ev,
		lin:    r.lin,
		nls:    &r.Solver,
		nlOpts: in.nlOpts,
		ctl:    in.control,
		retain: in.retain,
		n:      n,
		s:      s,
		k:      make([][]float64, s),
		xNew:   make(dynamo.State, n),
		base:   make(dynamo.State, n),
		xs:     make(dynamo.State, n),
		fs:     make(dynamo.State, n),
		tmp:    make(dynamo.State, n),
		e:      make(dynamo.State, n),
		ft:     make(dynamo.State, n),
		mass:   mat.NewDense(n, n, nil),
		jac:    mat.NewDense(n, n, nil),
		dmk:    mat.NewDense(n, n, nil),
		smat:   mat.NewDense(n, n, nil),
	}
	for i := range w.k {
		w.k[i] = make([]float64, n)
	}
	return w
}

func (w *work) begin(r *Run, h float64) {
	w.t, w.h = r.T, h
	w.x, w.u = r.X, r.U
	w.history = r.history
	w.iters = 0
	w.ruleErr = 0
	for i := range w.k {
		clear(w.k[i])
	}
	if w.retain {
		w.factors = make([]*linalg.Factor, w.s)
	} else {
		w.factors = nil
	}
}

// stageBase writes x + sum_{j<i} a_ij k_j into dst and returns T_i.
func (w *work) stageBase(i int, dst dynamo.State) float64 {
	copy(dst, w.x)
	for j := 0; j < i; j++ {
		if a := w.tab.A(i, j); a != 0 {
			dst.Axpy(a, w.k[j])
		}
	}
	return w.t + w.tab.C(i)*w.h
}

// stagePoint writes the full stage value x + sum_j a_ij k_j into dst.
func (w *work) stagePoint(i int, k [][]float64, dst dynamo.State) float64 {
	copy(dst, w.x)
	for j := 0; j < w.s; j++ {
		if a := w.tab.A(i, j); a != 0 {
			dst.Axpy(a, k[j])
		}
	}
	return w.t + w.tab.C(i)*w.h
}

// solveMass solves M(t,x) dst = rhs. With retained factors the mass
// factorization is kept as the stage matrix of stage i.
func (w *work) solveMass(i int, t float64, x dynamo.State, rhs, dst []float64) error {
	if !w.ev.HasMass() {
		copy(dst, rhs)
		return nil
	}
	w.ev.Mass(t, x, w.mass)
	f, err := w.lin.Factorize(w.mass)
	if err != nil {
		return err
	}
	if err := f.Solve(dst, rhs, false); err != nil {
		return err
	}
	if w.retain {
		w.factors[i] = f
	}
	return nil
}

// explicitStage computes k_i = h M^-1 f(T_i, X_i) at the base point.
func (w *work) explicitStage(i int) error {
	ti := w.stageBase(i, w.base)
	w.ev.Source(ti, w.base, w.u, w.fs)
	for j := range w.fs {
		w.fs[j] *= w.h
	}
	return w.solveMass(i, ti, w.base, w.fs, w.k[i])
}

func (w *work) combine() {
	copy(w.xNew, w.x)
	for i := 0; i < w.s; i++ {
		if b := w.tab.B(i); b != 0 {
			w.xNew.Axpy(b, w.k[i])
		}
	}
}

// embeddedError is the scaled norm of sum_i (b_i - bhat_i) k_i.
func (w *work) embeddedError() (float64, bool) {
	if !w.tab.HasEmbedded() {
		return 0, false
	}
	clear(w.e)
	for i := 0; i < w.s; i++ {
		if d := w.tab.E(i); d != 0 {
			w.e.Axpy(d, w.k[i])
		}
	}
	return w.ctl.ErrorNorm(w.e, w.x, w.xNew), true
}

func (w *work) record(errNorm float64) *trajectory.StageRecord {
	k := make([][]float64, w.s)
	for i := range k {
		k[i] = append([]float64(nil), w.k[i]...)
	}
	rec := &trajectory.StageRecord{
		T:          w.t,
		H:          w.h,
		X:          w.x.Clone(),
		XNew:       w.xNew.Clone(),
		K:          k,
		Err:        errNorm,
		Iterations: w.iters,
	}
	if w.retain {
		rec.Factors = w.factors
	}
	return rec
}

// stageCost is h sum_i b_i g(T_i, X_i, u) over the stages of rec. It
// reloads the attempt fields from rec.
func (w *work) stageCost(rec *trajectory.StageRecord) float64 {
	w.x, w.t, w.h = rec.X, rec.T, rec.H
	sum := 0.0
	for i := 0; i < w.s; i++ {
		b := w.tab.B(i)
		if b == 0 {
			continue
		}
		ti := w.stagePoint(i, rec.K, w.xs)
		sum += b * w.ev.RunningCost(ti, w.xs, w.u)
	}
	return rec.H * sum
}

// implicitStage is the residual M(X) k - h f(X) of one diagonally implicit
// stage with X = base + a_ii k.
func (w *work) implicitStage(ti, aii float64) nonlinear.System {
	return nonlinear.System{
		N: w.n,
		Residual: func(k, out []float64) {
			copy(w.xs, w.base)
			w.xs.Axpy(aii, k)
			w.ev.Source(ti, w.xs, w.u, w.fs)
			if w.ev.HasMass() {
				w.ev.Mass(ti, w.xs, w.mass)
				linalg.MulVec(w.mass, k, out)
			} else {
				copy(out, k)
			}
			for j := range out {
				out[j] -= w.h * w.fs[j]
			}
		},
		Jacobian: func(k []float64, out *mat.Dense) {
			copy(w.xs, w.base)
			w.xs.Axpy(aii, k)
			w.ev.Jacobian(ti, w.xs, w.u, w.jac)
			w.ev.Mass(ti, w.xs, w.mass)
			linalg.Shifted(out, w.mass, w.jac, w.h*aii)
			if w.ev.HasMass() {
				w.ev.MassDirectional(ti, w.xs, k, w.dmk)
				w.dmk.Scale(aii, w.dmk)
				out.Add(out, w.dmk)
			}
		},
		Key: w.h * aii,
	}
}

// retainFactor stores the factorization of the exact stage matrix at the
// converged point.
func (w *work) retainFactor(i int, sys nonlinear.System, k []float64, m *mat.Dense) {
	sys.Jacobian(k, m)
	if f, err := w.lin.Factorize(m); err == nil {
		w.factors[i] = f
	}
}

func (w *work) solve(sys nonlinear.System, k []float64) error {
	it, err := nonlinear.Solve(sys, k, w.nlOpts, w.nls, w.lin)
	w.iters += it
	return err
}
