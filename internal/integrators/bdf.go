package integrators

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/san-kum/daesim/internal/dynamo"
	"github.com/san-kum/daesim/internal/linalg"
	"github.com/san-kum/daesim/internal/nonlinear"
)

type bdfCoefficients struct {
	g    []float64
	beta float64
}

// x_{n+1} = Σ_j g_j x_{n+1-j} + h β f(t_{n+1}, x_{n+1}) for orders 1 to 6.
var bdfTable = [6]bdfCoefficients{
	{[]float64{1.0}, 1.0},
	{[]float64{4.0 / 3.0, -1.0 / 3.0}, 2.0 / 3.0},
	{[]float64{18.0 / 11.0, -9.0 / 11.0, 2.0 / 11.0}, 6.0 / 11.0},
	{[]float64{48.0 / 25.0, -36.0 / 25.0, 16.0 / 25.0, -3.0 / 25.0}, 12.0 / 25.0},
	{[]float64{300.0 / 137.0, -300.0 / 137.0, 200.0 / 137.0, -75.0 / 137.0, 12.0 / 137.0}, 60.0 / 137.0},
	{[]float64{360.0 / 147.0, -450.0 / 147.0, 400.0 / 147.0, -225.0 / 147.0, 72.0 / 147.0, -10.0 / 147.0}, 60.0 / 147.0},
}

// BDFRule is the fixed-step backward differentiation rule of the
// LinearMultistep class. The tableau's G row holds the history weights and
// D[0] the weight of f. Until enough equally spaced points are available,
// and after every change of step size, it runs at the highest lower order
// the history allows.
type BDFRule struct{}

func (BDFRule) HistoryLen() int { return len(bdfTable) }
func (BDFRule) Adaptive() bool  { return false }

// usable counts the leading history points spaced exactly h apart.
func usable(hist []HistoryPoint, h float64, limit int) int {
	n := 1
	for j := 1; j < len(hist) && n < limit; j++ {
		dt := hist[j-1].T - hist[j].T
		if math.Abs(dt-h) > 1e-6*h {
			break
		}
		n++
	}
	return n
}

func (BDFRule) Compute(rs *RuleStep) (float64, error) {
	g := rs.Tableau.G()
	d := rs.Tableau.D()
	if len(g) != 1 || len(d) != 1 || len(g[0]) == 0 || len(g[0]) > len(bdfTable) {
		return 0, fmt.Errorf("%w: %s is not a backward differentiation formula", dynamo.ErrUnsupportedMethod, rs.Tableau.Name())
	}
	if len(rs.History) == 0 {
		return 0, fmt.Errorf("integrators: empty history")
	}

	full := len(g[0])
	order := usable(rs.History, rs.H, full)
	coef := bdfCoefficients{g: g[0], beta: d[0]}
	if order < full {
		coef = bdfTable[order-1]
	}

	n := len(rs.X)
	// r = x_n - Σ g_j x_{n+1-j}, so the new point is x_n + k with
	// M (k + r) = hβ f(t+h, x_n + k).
	r := rs.X.Clone()
	for j, gj := range coef.g {
		r.Axpy(-gj, rs.History[j].X)
	}

	k := rs.K[0]
	if order > 1 {
		copy(k, rs.History[0].X)
		for i := range k {
			k[i] -= rs.History[1].X[i]
		}
	} else {
		clear(k)
	}

	t1 := rs.T + rs.H
	hb := rs.H * coef.beta
	xs := make(dynamo.State, n)
	fs := make(dynamo.State, n)
	v := make(dynamo.State, n)
	mass := mat.NewDense(n, n, nil)
	jac := mat.NewDense(n, n, nil)
	dm := mat.NewDense(n, n, nil)
	ev := rs.Eval

	sys := nonlinear.System{
		N: n,
		Residual: func(k, out []float64) {
			copy(xs, rs.X)
			xs.Axpy(1, k)
			ev.Source(t1, xs, rs.U, fs)
			for i := range v {
				v[i] = k[i] + r[i]
			}
			if ev.HasMass() {
				ev.Mass(t1, xs, mass)
				linalg.MulVec(mass, v, out)
			} else {
				copy(out, v)
			}
			for i := range out {
				out[i] -= hb * fs[i]
			}
		},
		Jacobian: func(k []float64, out *mat.Dense) {
			copy(xs, rs.X)
			xs.Axpy(1, k)
			ev.Jacobian(t1, xs, rs.U, jac)
			ev.Mass(t1, xs, mass)
			linalg.Shifted(out, mass, jac, hb)
			if ev.HasMass() {
				for i := range v {
					v[i] = k[i] + r[i]
				}
				ev.MassDirectional(t1, xs, v, dm)
				out.Add(out, dm)
			}
		},
		Key: hb,
	}
	return 0, rs.Solve(sys, k)
}
