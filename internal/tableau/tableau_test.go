package tableau

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/san-kum/daesim/internal/dynamo"
)

func TestRegisteredTableauxAreConsistent(t *testing.T) {
	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			tab, err := Build(name)
			require.NoError(t, err)

			sumB := 0.0
			for i := 0; i < tab.Stages(); i++ {
				sumB += tab.B(i)
				row := 0.0
				for j := 0; j < tab.Stages(); j++ {
					row += tab.A(i, j)
				}
				assert.InDelta(t, tab.C(i), row, 1e-12, "row %d", i)
			}
			assert.InDelta(t, 1.0, sumB, 1e-12)

			if tab.HasEmbedded() {
				sumE := 0.0
				for i := 0; i < tab.Stages(); i++ {
					sumE += tab.E(i)
				}
				assert.InDelta(t, 0.0, sumE, 1e-12)
			}
		})
	}
}

// Order conditions up to p=4 for the methods whose stages follow the
// classical Runge-Kutta structure.
func TestOrderConditions(t *testing.T) {
	for _, name := range Names() {
		tab := MustBuild(name)
		switch tab.Class() {
		case RosenbrockW, LinearMultistep, Generalized:
			continue
		}
		t.Run(name, func(t *testing.T) {
			s := tab.Stages()
			b, c, A := tab.Weights(), tab.Nodes(), tab.Matrix()
			ac := make([]float64, s)
			ac2 := make([]float64, s)
			for i := 0; i < s; i++ {
				for j := 0; j < s; j++ {
					ac[i] += A[i][j] * c[j]
					ac2[i] += A[i][j] * c[j] * c[j]
				}
			}
			aac := make([]float64, s)
			for i := 0; i < s; i++ {
				for j := 0; j < s; j++ {
					aac[i] += A[i][j] * ac[j]
				}
			}

			sum := func(f func(i int) float64) float64 {
				v := 0.0
				for i := 0; i < s; i++ {
					v += f(i)
				}
				return v
			}
			p := tab.Order()
			if p >= 2 {
				assert.InDelta(t, 0.5, sum(func(i int) float64 { return b[i] * c[i] }), 1e-12)
			}
			if p >= 3 {
				assert.InDelta(t, 1.0/3, sum(func(i int) float64 { return b[i] * c[i] * c[i] }), 1e-12)
				assert.InDelta(t, 1.0/6, sum(func(i int) float64 { return b[i] * ac[i] }), 1e-12)
			}
			if p >= 4 {
				assert.InDelta(t, 0.25, sum(func(i int) float64 { return b[i] * c[i] * c[i] * c[i] }), 1e-12)
				assert.InDelta(t, 1.0/8, sum(func(i int) float64 { return b[i] * c[i] * ac[i] }), 1e-12)
				assert.InDelta(t, 1.0/12, sum(func(i int) float64 { return b[i] * ac2[i] }), 1e-12)
				assert.InDelta(t, 1.0/24, sum(func(i int) float64 { return b[i] * aac[i] }), 1e-12)
			}
		})
	}
}

func TestBuildUnknownMethod(t *testing.T) {
	_, err := Build("rk-nonexistent")
	require.ErrorIs(t, err, dynamo.ErrInvalidTableau)
}

func TestNewRejectsInconsistentRows(t *testing.T) {
	tests := []struct {
		name string
		spec Spec
	}{
		{"row sum", Spec{Name: "bad", Class: Explicit, A: [][]float64{{}, {0.4}}, B: []float64{0.5, 0.5}, C: []float64{0, 0.5}, Order: 1}},
		{"weights", Spec{Name: "bad", Class: Explicit, A: [][]float64{{}, {0.5}}, B: []float64{0.5, 0.6}, C: []float64{0, 0.5}, Order: 1}},
		{"explicit diagonal", Spec{Name: "bad", Class: Explicit, A: [][]float64{{1}}, B: []float64{1}, C: []float64{1}, Order: 1}},
		{"sdirk diagonal", Spec{Name: "bad", Class: SDIRK, A: [][]float64{{0.25}, {0.25, 0.5}}, B: []float64{0.5, 0.5}, C: []float64{0.25, 0.75}, Order: 1}},
		{"embedded order", Spec{Name: "bad", Class: Explicit, A: [][]float64{{}, {1}}, B: []float64{0.5, 0.5}, BHat: []float64{1, 0}, C: []float64{0, 1}, Order: 2}},
		{"rosenbrock gamma", Spec{Name: "bad", Class: RosenbrockW, A: [][]float64{{0}}, B: []float64{1}, C: []float64{0}, Order: 1}},
		{"no stages", Spec{Name: "bad", Order: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.spec)
			require.ErrorIs(t, err, dynamo.ErrInvalidTableau)
		})
	}
}

func TestAccessorsDoNotAlias(t *testing.T) {
	tab := MustBuild("bs32")
	rows := tab.Matrix()
	rows[1][0] = 42
	b := tab.Weights()
	b[0] = 42

	assert.Equal(t, 0.5, tab.A(1, 0))
	assert.InDelta(t, 2.0/9.0, tab.B(0), 1e-15)

	again := MustBuild("bs32")
	assert.NotSame(t, tab, again)
}

func TestClassTags(t *testing.T) {
	tests := map[string]Class{
		"dopri5":         Explicit,
		"sdirk3":         SDIRK,
		"dirk2":          DIRK,
		"trbdf2":         ESDIRK,
		"radau-iia3":     FIRK,
		"ros2":           RosenbrockW,
		"bdf2":           LinearMultistep,
		"implicit-euler": SDIRK,
	}
	for name, class := range tests {
		assert.Equal(t, class, MustBuild(name).Class(), name)
	}
	assert.True(t, SDIRK.Implicit())
	assert.False(t, RosenbrockW.Implicit())
}

func TestReflectPermutesStages(t *testing.T) {
	tab := MustBuild("trbdf2")
	r := tab.Reflect()
	s := tab.Stages()
	for i := 0; i < s; i++ {
		assert.Equal(t, tab.B(s-1-i), r.B(i))
		assert.Equal(t, tab.C(s-1-i), r.C(i))
		for j := 0; j < s; j++ {
			assert.Equal(t, tab.A(s-1-i, s-1-j), r.A(i, j))
		}
	}
	// reflecting twice restores the original coefficients
	rr := r.Reflect()
	assert.Equal(t, tab.Matrix(), rr.Matrix())
	assert.Equal(t, tab.Weights(), rr.Weights())
}

func TestAdjointCouplingIsLowerTriangularForDIRK(t *testing.T) {
	for _, name := range []string{"sdirk2", "sdirk3", "dirk2", "trbdf2", "dopri5"} {
		t.Run(name, func(t *testing.T) {
			tab := MustBuild(name)
			adj := tab.Transpose().Reflect()
			s := tab.Stages()
			for p := 0; p < s; p++ {
				for q := p + 1; q < s; q++ {
					assert.Zero(t, adj.A(p, q))
				}
				for q := 0; q < s; q++ {
					// adj[p][q] couples original stages j=s-1-p and i=s-1-q as a_ij
					assert.Equal(t, tab.A(s-1-q, s-1-p), adj.A(p, q))
				}
			}
			assert.NotEqual(t, FIRK, adj.Class())
		})
	}
}

func TestTransformsKeepHistoryWeights(t *testing.T) {
	tab := MustBuild("bdf3")
	assert.Equal(t, tab.G(), tab.Reflect().G())
	assert.Equal(t, tab.G(), tab.Transpose().G())
	assert.Equal(t, LinearMultistep, tab.Transpose().Reflect().Class())
}

func TestGeneralizedCoefficientsPreserved(t *testing.T) {
	g := [][]float64{{0.3, -1.2}, {2.5, 0.7}}
	d := []float64{0.1, -0.4}
	tab, err := New(Spec{
		Name:  "peer2",
		Class: Generalized,
		A:     [][]float64{{0.5, 0}, {0.25, 0.75}},
		B:     []float64{0.5, 0.5},
		C:     []float64{0.5, 1},
		Order: 2,
		G:     g,
		D:     d,
	})
	require.NoError(t, err)
	assert.Equal(t, g, tab.G())
	assert.Equal(t, d, tab.D())
	g[0][0] = 99
	assert.Equal(t, 0.3, tab.Gamma(0, 0))
}

func TestErrorOrder(t *testing.T) {
	assert.Equal(t, 4, MustBuild("dopri5").ErrorOrder())
	assert.Equal(t, 2, MustBuild("trbdf2").ErrorOrder())
	assert.Equal(t, 4, MustBuild("rk4").ErrorOrder())
	assert.False(t, math.IsNaN(MustBuild("sdirk3").E(2)))
}
