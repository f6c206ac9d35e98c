// Package tableau holds immutable Runge-Kutta style coefficient sets.
//
// A Tableau is built once through [Build] (named methods) or [New] (custom
// coefficients) and never changes afterwards; accessors copy or index, so
// no caller can alias the internal slices.
package tableau

import (
	"fmt"
	"math"

	"github.com/san-kum/daesim/internal/dynamo"
)

// Class tags the stage structure of a method.
type Class int

const (
	Explicit Class = iota
	DIRK
	SDIRK
	ESDIRK
	FIRK
	Generalized
	RosenbrockW
	LinearMultistep
)

func (c Class) String() string {
	switch c {
	case Explicit:
		return "explicit"
	case DIRK:
		return "dirk"
	case SDIRK:
		return "sdirk"
	case ESDIRK:
		return "esdirk"
	case FIRK:
		return "firk"
	case Generalized:
		return "generalized"
	case RosenbrockW:
		return "rosenbrock-w"
	case LinearMultistep:
		return "linear-multistep"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Implicit reports whether stages are defined by nonlinear equations.
func (c Class) Implicit() bool {
	switch c {
	case DIRK, SDIRK, ESDIRK, FIRK, LinearMultistep:
		return true
	}
	return false
}

// Spec is the raw input for New. Rows of A may be shorter than Stages; the
// missing entries are zero.
type Spec struct {
	Name          string
	Class         Class
	A             [][]float64
	B             []float64
	BHat          []float64
	C             []float64
	Order         int
	EmbeddedOrder int
	G             [][]float64
	D             []float64
}

type Tableau struct {
	name   string
	class  Class
	s      int
	a      []float64 // row-major s×s
	b      []float64
	bhat   []float64
	c      []float64
	order  int
	eorder int
	g      [][]float64
	d      []float64
}

const sumTol = 1e-12

// New validates spec and returns the immutable tableau.
func New(spec Spec) (*Tableau, error) {
	s := len(spec.B)
	if s == 0 {
		return nil, fmt.Errorf("%w: %q has no stages", dynamo.ErrInvalidTableau, spec.Name)
	}
	if len(spec.C) != s || len(spec.A) > s {
		return nil, fmt.Errorf("%w: %q dimension mismatch (b=%d c=%d a=%d)",
			dynamo.ErrInvalidTableau, spec.Name, s, len(spec.C), len(spec.A))
	}
	if spec.BHat != nil && len(spec.BHat) != s {
		return nil, fmt.Errorf("%w: %q embedded weights have %d entries, want %d",
			dynamo.ErrInvalidTableau, spec.Name, len(spec.BHat), s)
	}
	if spec.Order < 1 {
		return nil, fmt.Errorf("%w: %q order %d", dynamo.ErrInvalidTableau, spec.Name, spec.Order)
	}

	t := &Tableau{
		name:   spec.Name,
		class:  spec.Class,
		s:      s,
		a:      make([]float64, s*s),
		b:      append([]float64(nil), spec.B...),
		c:      append([]float64(nil), spec.C...),
		order:  spec.Order,
		eorder: spec.EmbeddedOrder,
		d:      append([]float64(nil), spec.D...),
	}
	if spec.BHat != nil {
		t.bhat = append([]float64(nil), spec.BHat...)
	}
	for i, row := range spec.A {
		if len(row) > s {
			return nil, fmt.Errorf("%w: %q row %d too long", dynamo.ErrInvalidTableau, spec.Name, i)
		}
		copy(t.a[i*s:], row)
	}
	for _, row := range spec.G {
		t.g = append(t.g, append([]float64(nil), row...))
	}

	if err := t.validate(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tableau) validate() error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: %q: %s", dynamo.ErrInvalidTableau, t.name, fmt.Sprintf(format, args...))
	}

	for i := 0; i < t.s; i++ {
		sum := 0.0
		for j := 0; j < t.s; j++ {
			sum += t.A(i, j)
		}
		if math.Abs(sum-t.c[i]) > sumTol*math.Max(1, math.Abs(t.c[i])) {
			return fail("row %d sums to %.17g, c=%.17g", i, sum, t.c[i])
		}
	}
	if err := checkWeights(t.b); err != nil {
		return fail("b: %v", err)
	}
	if t.bhat != nil {
		if err := checkWeights(t.bhat); err != nil {
			return fail("embedded b: %v", err)
		}
		if t.eorder < 1 {
			return fail("embedded weights without embedded order")
		}
	}

	switch t.class {
	case Explicit:
		if !t.lower(true) {
			return fail("explicit method with nonzero diagonal or upper entries")
		}
	case DIRK:
		if !t.lower(false) {
			return fail("DIRK with upper entries")
		}
	case SDIRK:
		if !t.lower(false) || !t.equalDiagonal(0) || t.A(0, 0) == 0 {
			return fail("SDIRK needs equal nonzero diagonal")
		}
	case ESDIRK:
		if !t.lower(false) || t.A(0, 0) != 0 || (t.s > 1 && (!t.equalDiagonal(1) || t.A(1, 1) == 0)) {
			return fail("ESDIRK needs explicit first stage and equal diagonal")
		}
	case FIRK:
	case RosenbrockW:
		if !t.lower(true) {
			return fail("Rosenbrock alpha must be strictly lower triangular")
		}
		if len(t.g) != t.s || len(t.d) != t.s {
			return fail("Rosenbrock needs %d×%d gamma and %d d entries", t.s, t.s, t.s)
		}
		gamma := t.g[0][0]
		for i, row := range t.g {
			if len(row) != t.s {
				return fail("gamma row %d has %d entries", i, len(row))
			}
			for j := i + 1; j < t.s; j++ {
				if row[j] != 0 {
					return fail("gamma must be lower triangular")
				}
			}
			if row[i] != gamma || gamma == 0 {
				return fail("gamma diagonal must be constant and nonzero")
			}
		}
	case LinearMultistep:
		if len(t.g) != 1 || len(t.g[0]) == 0 || len(t.d) != 1 {
			return fail("multistep needs one history row and one beta")
		}
		sum := 0.0
		for _, v := range t.g[0] {
			sum += v
		}
		if math.Abs(sum-1) > sumTol {
			return fail("history weights sum to %.17g", sum)
		}
	case Generalized:
	default:
		return fail("unknown class %d", int(t.class))
	}
	return nil
}

func checkWeights(w []float64) error {
	sum := 0.0
	for _, v := range w {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("non-finite weight")
		}
		sum += v
	}
	if math.Abs(sum-1) > sumTol {
		return fmt.Errorf("weights sum to %.17g", sum)
	}
	return nil
}

func (t *Tableau) lower(strict bool) bool {
	for i := 0; i < t.s; i++ {
		start := i + 1
		if strict {
			start = i
		}
		for j := start; j < t.s; j++ {
			if t.A(i, j) != 0 {
				return false
			}
		}
	}
	return true
}

func (t *Tableau) equalDiagonal(from int) bool {
	for i := from + 1; i < t.s; i++ {
		if math.Abs(t.A(i, i)-t.A(from, from)) > sumTol {
			return false
		}
	}
	return true
}

func (t *Tableau) Name() string { return t.name }
func (t *Tableau) Class() Class { return t.class }
func (t *Tableau) Stages() int  { return t.s }
func (t *Tableau) Order() int   { return t.order }

func (t *Tableau) A(i, j int) float64 { return t.a[i*t.s+j] }
func (t *Tableau) B(i int) float64    { return t.b[i] }
func (t *Tableau) C(i int) float64    { return t.c[i] }

// EmbeddedOrder is zero when the method carries no error estimator.
func (t *Tableau) EmbeddedOrder() int { return t.eorder }

func (t *Tableau) HasEmbedded() bool { return t.bhat != nil }

// E returns b_i - bhat_i, the error weight of stage i.
func (t *Tableau) E(i int) float64 {
	if t.bhat == nil {
		return 0
	}
	return t.b[i] - t.bhat[i]
}

// ErrorOrder is the order q used by the step controller exponent 1/(q+1).
func (t *Tableau) ErrorOrder() int {
	if t.bhat == nil {
		return t.order
	}
	return min(t.order, t.eorder)
}

// Matrix returns a copy of A as rows.
func (t *Tableau) Matrix() [][]float64 {
	rows := make([][]float64, t.s)
	for i := range rows {
		rows[i] = append([]float64(nil), t.a[i*t.s:(i+1)*t.s]...)
	}
	return rows
}

func (t *Tableau) Weights() []float64 { return append([]float64(nil), t.b...) }
func (t *Tableau) Nodes() []float64   { return append([]float64(nil), t.c...) }

func (t *Tableau) EmbeddedWeights() []float64 {
	if t.bhat == nil {
		return nil
	}
	return append([]float64(nil), t.bhat...)
}

// G returns a copy of the opaque coupling coefficients (Rosenbrock gamma,
// multistep history weights).
func (t *Tableau) G() [][]float64 {
	rows := make([][]float64, len(t.g))
	for i, r := range t.g {
		rows[i] = append([]float64(nil), r...)
	}
	return rows
}

func (t *Tableau) D() []float64 { return append([]float64(nil), t.d...) }

func (t *Tableau) Gamma(i, j int) float64 {
	if i >= len(t.g) || j >= len(t.g[i]) {
		return 0
	}
	return t.g[i][j]
}

func (t *Tableau) Delta(i int) float64 {
	if i >= len(t.d) {
		return 0
	}
	return t.d[i]
}

// Spec returns the coefficients as a fresh Spec, suitable for New.
func (t *Tableau) Spec() Spec {
	return Spec{
		Name:          t.name,
		Class:         t.class,
		A:             t.Matrix(),
		B:             t.Weights(),
		BHat:          t.EmbeddedWeights(),
		C:             t.Nodes(),
		Order:         t.order,
		EmbeddedOrder: t.eorder,
		G:             t.G(),
		D:             t.D(),
	}
}

func (t *Tableau) String() string {
	return fmt.Sprintf("%s (%s, s=%d, p=%d)", t.name, t.class, t.s, t.order)
}
