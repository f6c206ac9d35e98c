// Package linalg solves the linear stage systems of the integrators.
//
// Factorizations are computed once and reused for many right-hand sides,
// including transposed solves for adjoint sweeps. A Factor is read-only after
// Factorize returns and may be shared between goroutines.
package linalg

import (
	"fmt"
	"io"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/san-kum/daesim/internal/dynamo"
)

// Kind selects the factorization strategy.
type Kind int

const (
	// Auto tries LU and falls back to a minimum-norm SVD solve when the
	// matrix is singular or badly conditioned.
	Auto Kind = iota
	// Direct is dense LU with partial pivoting.
	Direct
	// LeastSquares is a rank-revealing SVD minimum-norm solve.
	LeastSquares
)

func (k Kind) String() string {
	switch k {
	case Direct:
		return "direct"
	case LeastSquares:
		return "least-squares"
	default:
		return "auto"
	}
}

// ParseKind maps a configuration string onto a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "", "auto":
		return Auto, nil
	case "direct", "lu":
		return Direct, nil
	case "least-squares", "lsq", "svd":
		return LeastSquares, nil
	}
	return Auto, fmt.Errorf("linalg: unknown solver kind %q", s)
}

const (
	DefaultMaxCond = 1e13
	// rankTol is relative to the largest singular value.
	rankTol = 1e-12
)

type Option func(*Solver)

func WithMaxCond(c float64) Option {
	return func(s *Solver) {
		if c > 1 {
			s.maxCond = c
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Solver) {
		if l != nil {
			s.log = l
		}
	}
}

// Stats counts work done by a Solver.
type Stats struct {
	Factorizations int
	Fallbacks      int
}

type Solver struct {
	kind    Kind
	maxCond float64
	log     *slog.Logger

	Stats Stats
}

func NewSolver(kind Kind, opts ...Option) *Solver {
	s := &Solver{
		kind:    kind,
		maxCond: DefaultMaxCond,
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Solver) Kind() Kind { return s.kind }

// Factor is a reusable factorization of a square matrix.
type Factor struct {
	n     int
	lu    *mat.LU
	u, v  *mat.Dense
	sigma []float64
	rank  int
}

func (f *Factor) Dim() int { return f.n }

// LeastSquares reports whether the factor is the SVD fallback.
func (f *Factor) LeastSquares() bool { return f.lu == nil }

// Rank is the numerical rank (n for an LU factor).
func (f *Factor) Rank() int {
	if f.lu != nil {
		return f.n
	}
	return f.rank
}

// Factorize factors a square matrix. a is not retained.
func (s *Solver) Factorize(a *mat.Dense) (*Factor, error) {
	r, c := a.Dims()
	if r != c {
		return nil, fmt.Errorf("%w: %d×%d stage matrix", dynamo.ErrDimensionMismatch, r, c)
	}
	s.Stats.Factorizations++

	if s.kind != LeastSquares {
		f, err := s.factorLU(a, r)
		if err == nil || s.kind == Direct {
			return f, err
		}
		s.Stats.Fallbacks++
		s.log.Debug("lu factorization failed, using least squares", "n", r, "error", err)
	}
	return s.factorSVD(a, r)
}

func (s *Solver) factorLU(a *mat.Dense, n int) (*Factor, error) {
	lu := &mat.LU{}
	lu.Factorize(a)
	cond := lu.Cond()
	if math.IsNaN(cond) || math.IsInf(cond, 0) || cond > s.maxCond {
		return nil, fmt.Errorf("%w: condition estimate %.3g", dynamo.ErrSingularMatrix, cond)
	}
	return &Factor{n: n, lu: lu}, nil
}

func (s *Solver) factorSVD(a *mat.Dense, n int) (*Factor, error) {
	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDThin); !ok {
		return nil, fmt.Errorf("%w: svd did not converge", dynamo.ErrSingularMatrix)
	}
	f := &Factor{n: n, u: &mat.Dense{}, v: &mat.Dense{}}
	f.sigma = svd.Values(nil)
	svd.UTo(f.u)
	svd.VTo(f.v)

	if len(f.sigma) == 0 || f.sigma[0] == 0 || math.IsNaN(f.sigma[0]) {
		return nil, fmt.Errorf("%w: zero matrix", dynamo.ErrSingularMatrix)
	}
	cut := rankTol * f.sigma[0]
	for _, sv := range f.sigma {
		if sv > cut {
			f.rank++
		}
	}
	return f, nil
}

// Solve writes the solution of A x = b (trans=false) or Aᵀ x = b
// (trans=true) into dst. dst and b may alias.
func (f *Factor) Solve(dst, b []float64, trans bool) error {
	if len(dst) != f.n || len(b) != f.n {
		return fmt.Errorf("%w: solve with n=%d, len(b)=%d, len(dst)=%d",
			dynamo.ErrDimensionMismatch, f.n, len(b), len(dst))
	}
	if f.lu != nil {
		rhs := mat.NewVecDense(f.n, append([]float64(nil), b...))
		x := mat.NewVecDense(f.n, dst)
		if err := f.lu.SolveVecTo(x, trans, rhs); err != nil {
			return fmt.Errorf("%w: %v", dynamo.ErrSingularMatrix, err)
		}
		return nil
	}

	// A = U S Vᵀ: x = V S⁺ Uᵀ b, and for Aᵀ the roles of U and V swap.
	left, right := f.u, f.v
	if trans {
		left, right = f.v, f.u
	}
	coef := make([]float64, f.rank)
	for k := 0; k < f.rank; k++ {
		s := 0.0
		for i := 0; i < f.n; i++ {
			s += left.At(i, k) * b[i]
		}
		coef[k] = s / f.sigma[k]
	}
	for i := 0; i < f.n; i++ {
		s := 0.0
		for k := 0; k < f.rank; k++ {
			s += right.At(i, k) * coef[k]
		}
		dst[i] = s
	}
	return nil
}

// Solve factors a and solves a single system.
func (s *Solver) Solve(a *mat.Dense, b, dst []float64) error {
	f, err := s.Factorize(a)
	if err != nil {
		return err
	}
	return f.Solve(dst, b, false)
}
