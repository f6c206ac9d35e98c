package experiment

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/san-kum/daesim/internal/config"
	"github.com/san-kum/daesim/internal/dynamo"
	"github.com/san-kum/daesim/internal/hybrid"
	"github.com/san-kum/daesim/internal/integrators"
	"github.com/san-kum/daesim/internal/trajectory"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	for _, name := range r.ListProblems() {
		p, err := r.Problem(name)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if p.Dim() == 0 {
			t.Errorf("%s: zero dimension", name)
		}
	}
	if _, err := r.Problem("lorenz"); err == nil {
		t.Error("expected error for unknown problem")
	}
	if _, err := r.Scenario("lorenz"); err == nil {
		t.Error("expected error for unknown scenario")
	}

	want := []string{"bouncing-ball", "thermostat"}
	got := r.ListScenarios()
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("scenarios = %v, want %v", got, want)
	}
	if len(r.ListMethods()) == 0 {
		t.Error("no methods")
	}
}

func TestSetup(t *testing.T) {
	tests := []struct {
		name    string
		edit    func(*config.Config)
		x0      dynamo.State
		wantErr error
	}{
		{"defaults", func(c *config.Config) {}, dynamo.State{math.Pi / 4, 0}, nil},
		{"initial state", func(c *config.Config) { c.InitialState = []float64{0.1, 0.2} }, dynamo.State{0.1, 0.2}, nil},
		{"wrong state size", func(c *config.Config) { c.InitialState = []float64{0.1} }, nil, dynamo.ErrDimensionMismatch},
		{"wrong control size", func(c *config.Config) { c.Controls = []float64{1, 2} }, nil, dynamo.ErrDimensionMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			tt.edit(cfg)
			_, x0, u, err := New(cfg).Setup()
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if len(u) != 1 {
				t.Errorf("expected one control, got %d", len(u))
			}
			for i := range tt.x0 {
				if x0[i] != tt.x0[i] {
					t.Errorf("x0 = %v, want %v", x0, tt.x0)
				}
			}
		})
	}
}

func TestSetupParams(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Problem = "van-der-pol"
	cfg.Params = map[string]float64{"mu": 3}
	p, _, _, err := New(cfg).Setup()
	if err != nil {
		t.Fatal(err)
	}
	if got := p.(dynamo.Configurable).GetParams()["mu"]; got != 3 {
		t.Errorf("mu = %g, want 3", got)
	}

	cfg.Params = map[string]float64{"nu": 3}
	if _, _, _, err := New(cfg).Setup(); err == nil {
		t.Error("expected error for unknown parameter")
	}

	cfg.Problem = "robertson"
	cfg.Params = map[string]float64{"k1": 1}
	if _, _, _, err := New(cfg).Setup(); err == nil {
		t.Error("expected error for a problem without parameters")
	}
}

func TestRunAndSave(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Problem = "decay"
	cfg.TEnd = 2
	cfg.Step.RelTol = 1e-8

	var observed int
	res, err := New(cfg, WithObserver(observerFunc(func() { observed++ }))).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	last := res.Integration.States[len(res.Integration.States)-1][0]
	if math.Abs(last-math.Exp(-2)) > 1e-7 {
		t.Errorf("x(2) = %g, want %g", last, math.Exp(-2))
	}
	if observed < res.Integration.Stats.Accepted {
		t.Errorf("observer saw %d events for %d steps", observed, res.Integration.Stats.Accepted)
	}
	if _, ok := res.Metrics["mean_step"]; !ok {
		t.Errorf("missing step metric in %v", res.Metrics)
	}

	st := trajectory.NewStore(t.TempDir())
	if err := st.Init(); err != nil {
		t.Fatal(err)
	}
	id, err := st.Save(res.Metadata(cfg), res.Integration.Trajectory)
	if err != nil {
		t.Fatal(err)
	}
	meta, err := st.Load(id)
	if err != nil {
		t.Fatal(err)
	}
	if meta.Problem != "decay" || meta.Method != "dopri5" {
		t.Errorf("metadata = %+v", meta)
	}
	states, times, err := st.LoadStates(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(states) != len(res.Integration.States) || times[len(times)-1] != 2 {
		t.Errorf("stored %d samples ending at %g", len(states), times[len(times)-1])
	}
}

func TestSensitivityModesAgree(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Method = "sdirk3"
	cfg.TEnd = 1
	cfg.Step.RelTol = 1e-6
	cfg.Sensitivity.Mode = "both"
	cfg.Sensitivity.Workers = 2

	rep, err := New(cfg).Sensitivity(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Adjoint == nil || rep.Tangent == nil {
		t.Fatal("expected both sweeps")
	}
	if len(rep.Tangent.Cost) != 3 {
		t.Fatalf("expected 3 tangent directions, got %d", len(rep.Tangent.Cost))
	}
	if rep.MaxDiff > 1e-9 {
		t.Errorf("adjoint and tangent gradients differ by %g", rep.MaxDiff)
	}
	if len(rep.GradX0()) != 2 || len(rep.GradU()) != 1 {
		t.Errorf("gradient sizes %d, %d", len(rep.GradX0()), len(rep.GradU()))
	}

	cfg.Sensitivity.Mode = "tangent"
	tan, err := New(cfg).Sensitivity(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for i, g := range tan.GradX0() {
		if math.Abs(g-rep.Adjoint.GradX0[i]) > 1e-9 {
			t.Errorf("tangent dPsi/dx0[%d] = %g, adjoint %g", i, g, rep.Adjoint.GradX0[i])
		}
	}
	if math.Abs(tan.GradU()[0]-rep.Adjoint.GradU[0]) > 1e-9 {
		t.Errorf("tangent dPsi/du = %g, adjoint %g", tan.GradU()[0], rep.Adjoint.GradU[0])
	}
}

func TestHybridScenarios(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Step.RelTol = 1e-8
	cfg.Step.AbsTol = 1e-10
	e := New(cfg)

	ball, err := e.Hybrid(context.Background(), "bouncing-ball", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(ball.Transitions) != 6 {
		t.Errorf("ball bounced %d times before t=3, want 6", len(ball.Transitions))
	}
	if first := ball.Transitions[0].T; math.Abs(first-math.Sqrt(2/9.81)) > 1e-6 {
		t.Errorf("first impact at %g", first)
	}

	room, err := e.Hybrid(context.Background(), "thermostat", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(room.Transitions) != 2 || room.Final != "heating" {
		t.Errorf("thermostat: %d transitions, final %q", len(room.Transitions), room.Final)
	}
	if room.Status != hybrid.Running {
		t.Errorf("status = %v", room.Status)
	}

	if _, err := e.Hybrid(context.Background(), "pinball", 0); err == nil {
		t.Error("expected error for unknown scenario")
	}
}

type observerFunc func()

func (f observerFunc) OnStep(integrators.StepEvent) { f() }
