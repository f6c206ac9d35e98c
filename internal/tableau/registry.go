package tableau

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/san-kum/daesim/internal/dynamo"
)

var names = []string{
	"euler", "heun-euler", "rk4", "bs32", "dopri5",
	"implicit-euler", "implicit-midpoint", "sdirk2", "sdirk3", "dirk2",
	"crank-nicolson", "trbdf2",
	"radau-iia3", "gauss4",
	"ros1", "ros2",
	"bdf2", "bdf3",
}

// Names lists the methods known to Build, sorted.
func Names() []string {
	out := append([]string(nil), names...)
	sort.Strings(out)
	return out
}

// Build constructs the named method. Each call returns a fresh value.
func Build(name string) (*Tableau, error) {
	spec, ok := lookup(strings.ToLower(strings.TrimSpace(name)))
	if !ok {
		return nil, fmt.Errorf("%w: unknown method %q", dynamo.ErrInvalidTableau, name)
	}
	return New(spec)
}

// MustBuild is Build for names known at compile time.
func MustBuild(name string) *Tableau {
	t, err := Build(name)
	if err != nil {
		panic(err)
	}
	return t
}

func lookup(name string) (Spec, bool) {
	switch name {
	case "euler":
		return Spec{Name: name, Class: Explicit, A: [][]float64{{0}}, B: []float64{1}, C: []float64{0}, Order: 1}, true
	case "heun-euler":
		return heunEuler(), true
	case "rk4":
		return rk4(), true
	case "bs32":
		return bogackiShampine(), true
	case "dopri5":
		return dormandPrince(), true
	case "implicit-euler":
		return Spec{Name: name, Class: SDIRK, A: [][]float64{{1}}, B: []float64{1}, C: []float64{1}, Order: 1}, true
	case "implicit-midpoint":
		return Spec{Name: name, Class: SDIRK, A: [][]float64{{0.5}}, B: []float64{1}, C: []float64{0.5}, Order: 2}, true
	case "sdirk2":
		return alexander2(), true
	case "sdirk3":
		return alexander3(), true
	case "dirk2":
		return dirk2(), true
	case "crank-nicolson":
		return crankNicolson(), true
	case "trbdf2":
		return trbdf2(), true
	case "radau-iia3":
		return radauIIA3(), true
	case "gauss4":
		return gauss4(), true
	case "ros1":
		return Spec{
			Name: name, Class: RosenbrockW,
			A: [][]float64{{0}}, B: []float64{1}, C: []float64{0}, Order: 1,
			G: [][]float64{{1}}, D: []float64{1},
		}, true
	case "ros2":
		return ros2(), true
	case "bdf2":
		return bdf(name, []float64{4.0 / 3.0, -1.0 / 3.0}, 2.0/3.0, 2), true
	case "bdf3":
		return bdf(name, []float64{18.0 / 11.0, -9.0 / 11.0, 2.0 / 11.0}, 6.0/11.0, 3), true
	}
	return Spec{}, false
}

func heunEuler() Spec {
	return Spec{
		Name:          "heun-euler",
		Class:         Explicit,
		A:             [][]float64{{}, {1}},
		B:             []float64{0.5, 0.5},
		BHat:          []float64{1, 0},
		C:             []float64{0, 1},
		Order:         2,
		EmbeddedOrder: 1,
	}
}

func rk4() Spec {
	return Spec{
		Name:  "rk4",
		Class: Explicit,
		A: [][]float64{
			{},
			{0.5},
			{0, 0.5},
			{0, 0, 1},
		},
		B:     []float64{1.0 / 6.0, 1.0 / 3.0, 1.0 / 3.0, 1.0 / 6.0},
		C:     []float64{0, 0.5, 0.5, 1},
		Order: 4,
	}
}

// Bogacki-Shampine 3(2), first-same-as-last.
func bogackiShampine() Spec {
	return Spec{
		Name:  "bs32",
		Class: Explicit,
		A: [][]float64{
			{},
			{0.5},
			{0, 0.75},
			{2.0 / 9.0, 1.0 / 3.0, 4.0 / 9.0},
		},
		B:             []float64{2.0 / 9.0, 1.0 / 3.0, 4.0 / 9.0, 0},
		BHat:          []float64{7.0 / 24.0, 0.25, 1.0 / 3.0, 0.125},
		C:             []float64{0, 0.5, 0.75, 1},
		Order:         3,
		EmbeddedOrder: 2,
	}
}

// Dormand-Prince 5(4)
func dormandPrince() Spec {
	return Spec{
		Name:  "dopri5",
		Class: Explicit,
		A: [][]float64{
			{},
			{1.0 / 5.0},
			{3.0 / 40.0, 9.0 / 40.0},
			{44.0 / 45.0, -56.0 / 15.0, 32.0 / 9.0},
			{19372.0 / 6561.0, -25360.0 / 2187.0, 64448.0 / 6561.0, -212.0 / 729.0},
			{9017.0 / 3168.0, -355.0 / 33.0, 46732.0 / 5247.0, 49.0 / 176.0, -5103.0 / 18656.0},
			{35.0 / 384.0, 0, 500.0 / 1113.0, 125.0 / 192.0, -2187.0 / 6784.0, 11.0 / 84.0},
		},
		B: []float64{35.0 / 384.0, 0, 500.0 / 1113.0, 125.0 / 192.0, -2187.0 / 6784.0, 11.0 / 84.0, 0},
		BHat: []float64{
			5179.0 / 57600.0, 0, 7571.0 / 16695.0, 393.0 / 640.0,
			-92097.0 / 339200.0, 187.0 / 2100.0, 1.0 / 40.0,
		},
		C:             []float64{0, 1.0 / 5.0, 3.0 / 10.0, 4.0 / 5.0, 8.0 / 9.0, 1, 1},
		Order:         5,
		EmbeddedOrder: 4,
	}
}

// Alexander's L-stable two stage SDIRK, gamma = 1 - 1/sqrt(2).
func alexander2() Spec {
	g := 1 - 1/math.Sqrt2
	return Spec{
		Name:          "sdirk2",
		Class:         SDIRK,
		A:             [][]float64{{g}, {1 - g, g}},
		B:             []float64{1 - g, g},
		BHat:          []float64{1, 0},
		C:             []float64{g, 1},
		Order:         2,
		EmbeddedOrder: 1,
	}
}

// Alexander's three stage SDIRK; gamma is the root of
// x^3 - 3x^2 + 3x/2 - 1/6 in (1/6, 1/2).
func alexander3() Spec {
	const g = 0.43586652150845899941601945
	b1 := -(6*g*g - 16*g + 1) / 4
	b2 := (6*g*g - 20*g + 5) / 4
	c2 := (1 + g) / 2
	// second order companion without the last stage
	e1 := g / (1 - g)
	return Spec{
		Name:  "sdirk3",
		Class: SDIRK,
		A: [][]float64{
			{g},
			{c2 - g, g},
			{b1, b2, g},
		},
		B:             []float64{b1, b2, g},
		BHat:          []float64{e1, 1 - e1, 0},
		C:             []float64{g, c2, 1},
		Order:         3,
		EmbeddedOrder: 2,
	}
}

func dirk2() Spec {
	return Spec{
		Name:          "dirk2",
		Class:         DIRK,
		A:             [][]float64{{0.25}, {0.25, 0.5}},
		B:             []float64{0.5, 0.5},
		BHat:          []float64{0, 1},
		C:             []float64{0.25, 0.75},
		Order:         2,
		EmbeddedOrder: 1,
	}
}

func crankNicolson() Spec {
	return Spec{
		Name:          "crank-nicolson",
		Class:         ESDIRK,
		A:             [][]float64{{0}, {0.5, 0.5}},
		B:             []float64{0.5, 0.5},
		BHat:          []float64{0, 1},
		C:             []float64{0, 1},
		Order:         2,
		EmbeddedOrder: 1,
	}
}

// TR-BDF2 written as a stiffly accurate ESDIRK with its third order companion.
func trbdf2() Spec {
	g := 2 - math.Sqrt2
	d := g / 2
	w := math.Sqrt2 / 4
	return Spec{
		Name:  "trbdf2",
		Class: ESDIRK,
		A: [][]float64{
			{0},
			{d, d},
			{w, w, d},
		},
		B:             []float64{w, w, d},
		BHat:          []float64{(1 - w) / 3, (3*w + 1) / 3, d / 3},
		C:             []float64{0, g, 1},
		Order:         2,
		EmbeddedOrder: 3,
	}
}

func radauIIA3() Spec {
	return Spec{
		Name:          "radau-iia3",
		Class:         FIRK,
		A:             [][]float64{{5.0 / 12.0, -1.0 / 12.0}, {0.75, 0.25}},
		B:             []float64{0.75, 0.25},
		BHat:          []float64{0, 1},
		C:             []float64{1.0 / 3.0, 1},
		Order:         3,
		EmbeddedOrder: 1,
	}
}

func gauss4() Spec {
	r := math.Sqrt(3) / 6
	return Spec{
		Name:  "gauss4",
		Class: FIRK,
		A: [][]float64{
			{0.25, 0.25 - r},
			{0.25 + r, 0.25},
		},
		B:     []float64{0.5, 0.5},
		C:     []float64{0.5 - r, 0.5 + r},
		Order: 4,
	}
}

// Two stage Rosenbrock-W method of order 2 (order 2 for any Jacobian
// approximation) with the linearly implicit Euler step as companion.
func ros2() Spec {
	g := 1 - 1/math.Sqrt2
	return Spec{
		Name:          "ros2",
		Class:         RosenbrockW,
		A:             [][]float64{{0}, {1}},
		B:             []float64{0.5, 0.5},
		BHat:          []float64{1, 0},
		C:             []float64{0, 1},
		Order:         2,
		EmbeddedOrder: 1,
		G:             [][]float64{{g, 0}, {-2 * g, g}},
		D:             []float64{g, -g},
	}
}

// bdf stores the history weights of x_{n+1} = sum g_j x_{n+1-j} + h beta f
// in G and beta in D. The single stage skeleton is the implicit Euler step
// used to start the history.
func bdf(name string, history []float64, beta float64, order int) Spec {
	return Spec{
		Name:  name,
		Class: LinearMultistep,
		A:     [][]float64{{1}},
		B:     []float64{1},
		C:     []float64{1},
		Order: order,
		G:     [][]float64{history},
		D:     []float64{beta},
	}
}
