// Package nonlinear solves the implicit stage equations R(k) = 0.
//
// The cached linearization is carried in an explicit [State] value that the
// caller threads through successive solves; nothing is kept in package or
// solver globals.
package nonlinear

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/san-kum/daesim/internal/dynamo"
	"github.com/san-kum/daesim/internal/linalg"
)

type Method int

const (
	QuasiNewton Method = iota
	Newton
	FixedPoint
)

func (m Method) String() string {
	switch m {
	case Newton:
		return "newton"
	case FixedPoint:
		return "fixed-point"
	default:
		return "quasi-newton"
	}
}

func ParseMethod(s string) (Method, error) {
	switch s {
	case "", "quasi-newton", "simplified-newton":
		return QuasiNewton, nil
	case "newton":
		return Newton, nil
	case "fixed-point":
		return FixedPoint, nil
	}
	return QuasiNewton, fmt.Errorf("nonlinear: unknown method %q", s)
}

type Options struct {
	Method Method
	AbsTol float64
	RelTol float64
	// MaxIter caps the iterations of one solve.
	MaxIter int
	// Relaxation is the fixed-point damping factor.
	Relaxation float64
	// RefreshAfter re-linearizes a quasi-Newton solve at the current iterate
	// after this many iterations without convergence.
	RefreshAfter int
}

func DefaultOptions() Options {
	return Options{
		Method:       QuasiNewton,
		AbsTol:       1e-12,
		RelTol:       1e-10,
		MaxIter:      10,
		Relaxation:   1,
		RefreshAfter: 4,
	}
}

// System is one nonlinear stage problem of size N.
type System struct {
	N        int
	Residual func(k, out []float64)
	// Jacobian writes dR/dk at k. Unused by FixedPoint.
	Jacobian func(k []float64, out *mat.Dense)
	// Key identifies the linearization family, typically h*a_ii. A cached
	// factor is only reused for an equal key.
	Key float64
}

// State carries the quasi-Newton factorization between solves.
type State struct {
	factor *linalg.Factor
	key    float64
	n      int

	jac *mat.Dense
	r   []float64
	dk  []float64

	Iterations int
	Solves     int
	Refreshes  int
	Failures   int
}

// Invalidate drops the cached factorization.
func (s *State) Invalidate() {
	s.factor = nil
}

// Factor returns the factorization used by the last iteration, if any.
func (s *State) Factor() *linalg.Factor {
	return s.factor
}

func (s *State) ensure(n int) {
	if s.n != n || s.jac == nil {
		s.n = n
		s.jac = mat.NewDense(n, n, nil)
		s.r = make([]float64, n)
		s.dk = make([]float64, n)
		s.factor = nil
	}
}

func (s *State) refresh(sys System, k []float64, lin *linalg.Solver) error {
	sys.Jacobian(k, s.jac)
	f, err := lin.Factorize(s.jac)
	if err != nil {
		s.factor = nil
		return err
	}
	s.factor = f
	s.key = sys.Key
	s.Refreshes++
	return nil
}

// Solve iterates k (initial guess on entry) towards R(k) = 0 and returns the
// number of iterations used. Failure leaves k at the last iterate.
func Solve(sys System, k []float64, opts Options, st *State, lin *linalg.Solver) (int, error) {
	if len(k) != sys.N {
		return 0, fmt.Errorf("%w: guess has %d entries, system %d", dynamo.ErrDimensionMismatch, len(k), sys.N)
	}
	if opts.MaxIter <= 0 {
		opts.MaxIter = DefaultOptions().MaxIter
	}
	st.ensure(sys.N)
	st.Solves++

	if opts.Method == QuasiNewton && (st.factor == nil || st.key != sys.Key) {
		if err := st.refresh(sys, k, lin); err != nil {
			st.Failures++
			return 0, err
		}
	}

	prev := math.Inf(1)
	for it := 1; it <= opts.MaxIter; it++ {
		st.Iterations++
		sys.Residual(k, st.r)

		switch opts.Method {
		case FixedPoint:
			w := opts.Relaxation
			if w <= 0 {
				w = 1
			}
			for i := range st.dk {
				st.dk[i] = w * st.r[i]
			}
		default:
			if opts.Method == Newton {
				if err := st.refresh(sys, k, lin); err != nil {
					st.Failures++
					return it, err
				}
			}
			if err := st.factor.Solve(st.dk, st.r, false); err != nil {
				st.Failures++
				return it, err
			}
		}

		norm := 0.0
		for i := range k {
			k[i] -= st.dk[i]
			w := opts.AbsTol + opts.RelTol*math.Abs(k[i])
			norm = math.Max(norm, math.Abs(st.dk[i])/w)
		}
		if math.IsNaN(norm) || math.IsInf(norm, 0) {
			break
		}
		if norm <= 1 {
			return it, nil
		}

		if opts.Method == QuasiNewton {
			stalled := it > 1 && norm > 0.9*prev
			if stalled || (opts.RefreshAfter > 0 && it%opts.RefreshAfter == 0) {
				if err := st.refresh(sys, k, lin); err != nil {
					st.Failures++
					return it, err
				}
			}
		}
		prev = norm
	}

	st.Failures++
	st.Invalidate()
	return opts.MaxIter, fmt.Errorf("%w after %d iterations", dynamo.ErrConvergenceFailure, opts.MaxIter)
}
