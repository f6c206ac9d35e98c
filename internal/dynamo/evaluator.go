package dynamo

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// cbrtEps is the central-difference perturbation scale.
var cbrtEps = math.Cbrt(2.220446049250313e-16)

// secondOrderStep is used when differentiating a Jacobian that is itself a
// finite-difference approximation.
const secondOrderStep = 1e-4

func fdStep(v float64) float64 {
	return cbrtEps * math.Max(1, math.Abs(v))
}

// Counts tallies problem evaluations.
type Counts struct {
	Source   int
	Jacobian int
	Mass     int
}

// Evaluator wraps a Problem and resolves its optional derivative interfaces.
// Missing derivatives are approximated by central differences scaled to the
// magnitude of the perturbed variable.
type Evaluator struct {
	p    Problem
	n, m int

	mass MassMatrix
	jac  Jacobian
	ft   TimeDerivative
	dm   MassDerivative
	fu   ControlJacobian
	rc   RunningCost
	rcg  RunningCostGradient
	tc   TerminalCost
	tcg  TerminalCostGradient

	Counts Counts

	xp, xm, xd State
	fp, fm     State
	up, um     Control
	jp, jm     *mat.Dense
	mp, mm     *mat.Dense
	cp, cm     *mat.Dense
}

func NewEvaluator(p Problem) *Evaluator {
	n, m := p.Dim(), p.ControlDim()
	e := &Evaluator{
		p:  p,
		n:  n,
		m:  m,
		xp: make(State, n),
		xm: make(State, n),
		xd: make(State, n),
		fp: make(State, n),
		fm: make(State, n),
		up: make(Control, m),
		um: make(Control, m),
	}
	e.mass, _ = p.(MassMatrix)
	e.jac, _ = p.(Jacobian)
	e.ft, _ = p.(TimeDerivative)
	e.dm, _ = p.(MassDerivative)
	e.fu, _ = p.(ControlJacobian)
	e.rc, _ = p.(RunningCost)
	e.rcg, _ = p.(RunningCostGradient)
	e.tc, _ = p.(TerminalCost)
	e.tcg, _ = p.(TerminalCostGradient)
	return e
}

// Fork returns an Evaluator over the same problem with its own scratch space.
func (e *Evaluator) Fork() *Evaluator {
	return NewEvaluator(e.p)
}

func (e *Evaluator) Problem() Problem { return e.p }
func (e *Evaluator) Dim() int         { return e.n }
func (e *Evaluator) ControlDim() int  { return e.m }
func (e *Evaluator) HasMass() bool    { return e.mass != nil }

func (e *Evaluator) HasRunningCost() bool  { return e.rc != nil }
func (e *Evaluator) HasTerminalCost() bool { return e.tc != nil }

func (e *Evaluator) Source(t float64, x State, u Control, out State) {
	e.Counts.Source++
	e.p.Source(t, x, u, out)
}

// Mass writes M(t,x) into out, or the identity when the problem has none.
func (e *Evaluator) Mass(t float64, x State, out *mat.Dense) {
	if e.mass != nil {
		e.Counts.Mass++
		e.mass.Mass(t, x, out)
		return
	}
	out.Zero()
	for i := 0; i < e.n; i++ {
		out.Set(i, i, 1)
	}
}

// Jacobian writes df/dx into out.
func (e *Evaluator) Jacobian(t float64, x State, u Control, out *mat.Dense) {
	e.Counts.Jacobian++
	if e.jac != nil {
		e.jac.Jacobian(t, x, u, out)
		return
	}
	for j := 0; j < e.n; j++ {
		d := fdStep(x[j])
		copy(e.xp, x)
		copy(e.xm, x)
		e.xp[j] += d
		e.xm[j] -= d
		e.Source(t, e.xp, u, e.fp)
		e.Source(t, e.xm, u, e.fm)
		for i := 0; i < e.n; i++ {
			out.Set(i, j, (e.fp[i]-e.fm[i])/(2*d))
		}
	}
}

// TimeDerivative writes df/dt into out.
func (e *Evaluator) TimeDerivative(t float64, x State, u Control, out State) {
	if e.ft != nil {
		e.ft.TimeDerivative(t, x, u, out)
		return
	}
	d := fdStep(t)
	e.Source(t+d, x, u, e.fp)
	e.Source(t-d, x, u, e.fm)
	for i := range out {
		out[i] = (e.fp[i] - e.fm[i]) / (2 * d)
	}
}

// MassDirectional writes d(M(t,x) v)/dx into out. It is zero for problems
// without a mass matrix.
func (e *Evaluator) MassDirectional(t float64, x, v State, out *mat.Dense) {
	if e.mass == nil {
		out.Zero()
		return
	}
	if e.dm != nil {
		e.dm.MassDerivative(t, x, v, out)
		return
	}
	if e.mp == nil {
		e.mp = mat.NewDense(e.n, e.n, nil)
		e.mm = mat.NewDense(e.n, e.n, nil)
	}
	for j := 0; j < e.n; j++ {
		d := fdStep(x[j])
		copy(e.xp, x)
		copy(e.xm, x)
		e.xp[j] += d
		e.xm[j] -= d
		e.Mass(t, e.xp, e.mp)
		e.Mass(t, e.xm, e.mm)
		for i := 0; i < e.n; i++ {
			s := 0.0
			for k := 0; k < e.n; k++ {
				s += (e.mp.At(i, k) - e.mm.At(i, k)) * v[k]
			}
			out.Set(i, j, s/(2*d))
		}
	}
}

// ControlJacobian writes df/du (n×m) into out.
func (e *Evaluator) ControlJacobian(t float64, x State, u Control, out *mat.Dense) {
	if e.m == 0 {
		return
	}
	if e.fu != nil {
		e.fu.ControlJacobian(t, x, u, out)
		return
	}
	for j := 0; j < e.m; j++ {
		d := fdStep(u[j])
		copy(e.up, u)
		copy(e.um, u)
		e.up[j] += d
		e.um[j] -= d
		e.Source(t, x, e.up, e.fp)
		e.Source(t, x, e.um, e.fm)
		for i := 0; i < e.n; i++ {
			out.Set(i, j, (e.fp[i]-e.fm[i])/(2*d))
		}
	}
}

func (e *Evaluator) secondStep(scale float64) float64 {
	if e.jac != nil {
		return cbrtEps * math.Max(1, scale)
	}
	return secondOrderStep * math.Max(1, scale)
}

func infNorm(v []float64) float64 {
	m := 0.0
	for _, x := range v {
		m = math.Max(m, math.Abs(x))
	}
	return m
}

// JacobianDirectional writes d(J(t,x) v)/dx, which by symmetry of second
// derivatives equals the derivative of J along v.
func (e *Evaluator) JacobianDirectional(t float64, x State, u Control, v State, out *mat.Dense) {
	vn := infNorm(v)
	if vn == 0 {
		out.Zero()
		return
	}
	e.ensureJacScratch()
	eps := e.secondStep(infNorm(x)) / vn
	copy(e.xd, x)
	e.xd.Axpy(eps, v)
	e.Jacobian(t, e.xd, u, e.jp)
	copy(e.xd, x)
	e.xd.Axpy(-eps, v)
	e.Jacobian(t, e.xd, u, e.jm)
	out.Sub(e.jp, e.jm)
	out.Scale(1/(2*eps), out)
}

// JacobianTime writes dJ/dt, equal to d(df/dt)/dx.
func (e *Evaluator) JacobianTime(t float64, x State, u Control, out *mat.Dense) {
	e.ensureJacScratch()
	eps := e.secondStep(math.Abs(t))
	e.Jacobian(t+eps, x, u, e.jp)
	e.Jacobian(t-eps, x, u, e.jm)
	out.Sub(e.jp, e.jm)
	out.Scale(1/(2*eps), out)
}

// ControlJacobianDirectional writes d(J(t,x) v)/du, the derivative of df/du
// along v.
func (e *Evaluator) ControlJacobianDirectional(t float64, x State, u Control, v State, out *mat.Dense) {
	if e.m == 0 {
		return
	}
	vn := infNorm(v)
	if vn == 0 {
		out.Zero()
		return
	}
	e.ensureControlScratch()
	eps := secondOrderStep * math.Max(1, infNorm(x)) / vn
	copy(e.xd, x)
	e.xd.Axpy(eps, v)
	e.ControlJacobian(t, e.xd, u, e.cp)
	copy(e.xd, x)
	e.xd.Axpy(-eps, v)
	e.ControlJacobian(t, e.xd, u, e.cm)
	out.Sub(e.cp, e.cm)
	out.Scale(1/(2*eps), out)
}

// ControlJacobianTime writes d(df/du)/dt.
func (e *Evaluator) ControlJacobianTime(t float64, x State, u Control, out *mat.Dense) {
	if e.m == 0 {
		return
	}
	e.ensureControlScratch()
	eps := secondOrderStep * math.Max(1, math.Abs(t))
	e.ControlJacobian(t+eps, x, u, e.cp)
	e.ControlJacobian(t-eps, x, u, e.cm)
	out.Sub(e.cp, e.cm)
	out.Scale(1/(2*eps), out)
}

func (e *Evaluator) ensureJacScratch() {
	if e.jp == nil {
		e.jp = mat.NewDense(e.n, e.n, nil)
		e.jm = mat.NewDense(e.n, e.n, nil)
	}
}

func (e *Evaluator) ensureControlScratch() {
	if e.cp == nil {
		e.cp = mat.NewDense(e.n, e.m, nil)
		e.cm = mat.NewDense(e.n, e.m, nil)
	}
}

func (e *Evaluator) RunningCost(t float64, x State, u Control) float64 {
	if e.rc == nil {
		return 0
	}
	return e.rc.RunningCost(t, x, u)
}

// RunningCostGradient writes dg/dx and dg/du. gu may be nil.
func (e *Evaluator) RunningCostGradient(t float64, x State, u Control, gx State, gu Control) {
	if e.rc == nil {
		clear(gx)
		clear(gu)
		return
	}
	if e.rcg != nil {
		e.rcg.RunningCostGradient(t, x, u, gx, gu)
		return
	}
	e.scalarGradient(func(x State, u Control) float64 { return e.rc.RunningCost(t, x, u) }, x, u, gx, gu)
}

func (e *Evaluator) TerminalCost(t float64, x State, u Control) float64 {
	if e.tc == nil {
		return 0
	}
	return e.tc.TerminalCost(t, x, u)
}

// TerminalCostGradient writes dJ/dx and dJ/du. gu may be nil.
func (e *Evaluator) TerminalCostGradient(t float64, x State, u Control, gx State, gu Control) {
	if e.tc == nil {
		clear(gx)
		clear(gu)
		return
	}
	if e.tcg != nil {
		e.tcg.TerminalCostGradient(t, x, u, gx, gu)
		return
	}
	e.scalarGradient(func(x State, u Control) float64 { return e.tc.TerminalCost(t, x, u) }, x, u, gx, gu)
}

func (e *Evaluator) scalarGradient(g func(State, Control) float64, x State, u Control, gx State, gu Control) {
	xp := x.Clone()
	for j := range x {
		d := fdStep(x[j])
		xp[j] = x[j] + d
		fp := g(xp, u)
		xp[j] = x[j] - d
		fm := g(xp, u)
		xp[j] = x[j]
		gx[j] = (fp - fm) / (2 * d)
	}
	if gu == nil {
		return
	}
	up := u.Clone()
	for j := range u {
		d := fdStep(u[j])
		up[j] = u[j] + d
		fp := g(x, up)
		up[j] = u[j] - d
		fm := g(x, up)
		up[j] = u[j]
		gu[j] = (fp - fm) / (2 * d)
	}
}
