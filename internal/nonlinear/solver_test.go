package nonlinear

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/san-kum/daesim/internal/dynamo"
	"github.com/san-kum/daesim/internal/linalg"
)

func quadratic() System {
	return System{
		N: 2,
		Residual: func(k, out []float64) {
			out[0] = k[0]*k[0] - 2
			out[1] = k[0]*k[1] - 1
		},
		Jacobian: func(k []float64, out *mat.Dense) {
			out.Set(0, 0, 2*k[0])
			out.Set(0, 1, 0)
			out.Set(1, 0, k[1])
			out.Set(1, 1, k[0])
		},
		Key: 1,
	}
}

func linearSystem(b0, b1, key float64) System {
	a := mat.NewDense(2, 2, []float64{3, 1, 1, 2})
	return System{
		N: 2,
		Residual: func(k, out []float64) {
			linalg.MulVec(a, k, out)
			out[0] -= b0
			out[1] -= b1
		},
		Jacobian: func(_ []float64, out *mat.Dense) { out.Copy(a) },
		Key:      key,
	}
}

func TestSolveMethods(t *testing.T) {
	tests := []struct {
		method Method
	}{
		{Newton},
		{QuasiNewton},
	}
	for _, tt := range tests {
		t.Run(tt.method.String(), func(t *testing.T) {
			opts := DefaultOptions()
			opts.Method = tt.method
			opts.MaxIter = 30
			var st State
			k := []float64{1, 1}
			_, err := Solve(quadratic(), k, opts, &st, linalg.NewSolver(linalg.Auto))
			require.NoError(t, err)
			assert.InDelta(t, math.Sqrt2, k[0], 1e-9)
			assert.InDelta(t, 1/math.Sqrt2, k[1], 1e-9)
		})
	}
}

func TestFixedPoint(t *testing.T) {
	sys := System{
		N: 1,
		Residual: func(k, out []float64) {
			out[0] = k[0] - 0.5*math.Cos(k[0])
		},
	}
	opts := DefaultOptions()
	opts.Method = FixedPoint
	opts.MaxIter = 200
	var st State
	k := []float64{0}
	_, err := Solve(sys, k, opts, &st, linalg.NewSolver(linalg.Auto))
	require.NoError(t, err)
	assert.InDelta(t, 0.5*math.Cos(k[0]), k[0], 1e-10)
	assert.Zero(t, st.Refreshes)
}

func TestQuasiNewtonReusesFactor(t *testing.T) {
	lin := linalg.NewSolver(linalg.Direct)
	opts := DefaultOptions()
	var st State

	k := []float64{0, 0}
	_, err := Solve(linearSystem(5, 5, 0.1), k, opts, &st, lin)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{1, 2}, k, 1e-12)

	k = []float64{0, 0}
	_, err = Solve(linearSystem(4, 3, 0.1), k, opts, &st, lin)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{1, 1}, k, 1e-12)
	assert.Equal(t, 1, st.Refreshes)
	assert.Equal(t, 1, lin.Stats.Factorizations)
	assert.NotNil(t, st.Factor())

	k = []float64{0, 0}
	_, err = Solve(linearSystem(4, 3, 0.2), k, opts, &st, lin)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Refreshes)
	assert.Equal(t, 3, st.Solves)
}

func TestConvergenceFailure(t *testing.T) {
	sys := System{
		N: 1,
		Residual: func(k, out []float64) {
			out[0] = k[0]*k[0] + 1
		},
		Jacobian: func(k []float64, out *mat.Dense) {
			out.Set(0, 0, 2*k[0])
		},
	}
	opts := DefaultOptions()
	opts.Method = Newton
	opts.MaxIter = 3
	var st State
	_, err := Solve(sys, []float64{3}, opts, &st, linalg.NewSolver(linalg.Auto))
	require.ErrorIs(t, err, dynamo.ErrConvergenceFailure)
	assert.True(t, dynamo.Recoverable(err))
	assert.Nil(t, st.Factor())
	assert.Equal(t, 1, st.Failures)
}

func TestDimensionMismatch(t *testing.T) {
	var st State
	_, err := Solve(quadratic(), []float64{1}, DefaultOptions(), &st, linalg.NewSolver(linalg.Auto))
	require.ErrorIs(t, err, dynamo.ErrDimensionMismatch)
}

func TestParseMethod(t *testing.T) {
	m, err := ParseMethod("newton")
	require.NoError(t, err)
	assert.Equal(t, Newton, m)
	m, err = ParseMethod("")
	require.NoError(t, err)
	assert.Equal(t, QuasiNewton, m)
	_, err = ParseMethod("broyden")
	assert.Error(t, err)
}
