package hybrid_test

import (
	"context"
	"errors"
	"math"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/san-kum/daesim/internal/dynamo"
	"github.com/san-kum/daesim/internal/hybrid"
	"github.com/san-kum/daesim/internal/integrators"
	"github.com/san-kum/daesim/internal/problems"
	"github.com/san-kum/daesim/internal/sensitivity"
)

func tightControl() integrators.StepControl {
	c := integrators.DefaultStepControl()
	c.RelTol = 1e-10
	c.AbsTol = 1e-12
	return c
}

func fixedControl(h float64) integrators.StepControl {
	c := integrators.DefaultStepControl()
	c.Fixed = true
	c.InitialStep = h
	return c
}

func ballMachine(opts ...hybrid.Option) *hybrid.Machine {
	ball := problems.NewBouncingBall()
	states := []*hybrid.State{{
		Name: "flight",
		Transitions: []hybrid.Transition{{
			To: "flight",
			Events: []hybrid.Event{
				hybrid.ZeroCrossing{Name: "impact", Guard: ball.Height, Direction: hybrid.Falling},
			},
			Reset:         ball.Bounce,
			ResetJacobian: ball.BounceJacobian,
		}},
	}}
	opts = append([]hybrid.Option{hybrid.WithProblem(ball), hybrid.WithStepControl(tightControl())}, opts...)
	m, err := hybrid.New(states, opts...)
	Expect(err).NotTo(HaveOccurred())
	return m
}

// impactTimes lists the analytic impacts of the default ball dropped from
// rest at height 1, up to tEnd.
func impactTimes(tEnd float64) []float64 {
	const g, e = 9.81, 0.8
	t := math.Sqrt(2 / g)
	v := e * math.Sqrt(2*g)
	var out []float64
	for t <= tEnd {
		out = append(out, t)
		t += 2 * v / g
		v *= e
	}
	return out
}

func thermostat(heatingMax int) *hybrid.Machine {
	heating := &hybrid.State{
		Name:      "heating",
		Problem:   problems.NewRoom(true),
		MaxCycles: heatingMax,
		Transitions: []hybrid.Transition{{
			To: "idle",
			Events: []hybrid.Event{hybrid.ZeroCrossing{
				Name:      "upper",
				Guard:     func(t float64, x dynamo.State) float64 { return x[0] - 22 },
				Direction: hybrid.Rising,
			}},
		}},
	}
	idle := &hybrid.State{
		Name:    "idle",
		Problem: problems.NewRoom(false),
		Transitions: []hybrid.Transition{{
			To: "heating",
			Events: []hybrid.Event{hybrid.ZeroCrossing{
				Name:      "lower",
				Guard:     func(t float64, x dynamo.State) float64 { return x[0] - 18 },
				Direction: hybrid.Falling,
			}},
		}},
	}
	m, err := hybrid.New([]*hybrid.State{heating, idle}, hybrid.WithStepControl(tightControl()))
	Expect(err).NotTo(HaveOccurred())
	return m
}

func waitState(name, to string, ev hybrid.Event) *hybrid.State {
	return &hybrid.State{
		Name:        name,
		Transitions: []hybrid.Transition{{To: to, Events: []hybrid.Event{ev}}},
	}
}

var _ = Describe("Machine", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	Describe("zero-crossing events", func() {
		It("locates every impact of a bouncing ball", func() {
			res, err := ballMachine().Run(ctx, 0, 3, dynamo.State{1, 0})
			Expect(err).NotTo(HaveOccurred())

			want := impactTimes(3)
			Expect(res.Transitions).To(HaveLen(len(want)))
			for i, tr := range res.Transitions {
				Expect(tr.T).To(BeNumerically("~", want[i], 1e-8))
				Expect(tr.From).To(Equal("flight"))
				Expect(tr.To).To(Equal("flight"))
				Expect(tr.XMinus[0]).To(BeNumerically("<=", 0))
				Expect(tr.XPlus[0]).To(Equal(0.0))
				Expect(tr.XPlus[1]).To(BeNumerically("~", -0.8*tr.XMinus[1], 1e-12))
			}

			Expect(res.Status).To(Equal(hybrid.Running))
			Expect(res.Final).To(Equal("flight"))
			Expect(res.Times[len(res.Times)-1]).To(BeNumerically("~", 3, 1e-12))
			Expect(res.Modes).To(HaveLen(len(res.Times)))
		})

		It("records every reset as a trajectory jump", func() {
			res, err := ballMachine().Run(ctx, 0, 1.5, dynamo.State{1, 0})
			Expect(err).NotTo(HaveOccurred())

			tr := res.Trajectory
			Expect(tr.Complete()).To(BeTrue())
			Expect(tr.Segments()).To(HaveLen(3))
			Expect(tr.Jumps()).To(HaveLen(2))
			for _, j := range tr.Jumps() {
				Expect(j.Jacobian).NotTo(BeNil())
				Expect(j.Jacobian.At(0, 0)).To(Equal(0.0))
				Expect(j.Jacobian.At(1, 1)).To(Equal(-0.8))
			}
		})

		It("feeds resets into tangent sensitivities", func() {
			res, err := ballMachine().Run(ctx, 0, 1, dynamo.State{1, 0})
			Expect(err).NotTo(HaveOccurred())

			tan, err := sensitivity.New().Tangent(res.Trajectory, []sensitivity.Direction{{X0: dynamo.State{0, 1}}})
			Expect(err).NotTo(HaveOccurred())
			Expect(tan.S[0]).To(HaveLen(len(res.Times)))

			// before the impact a velocity change moves the height by t
			k := len(res.Trajectory.Segments()[0].Records)
			before, after := tan.S[0][k], tan.S[0][k+1]
			Expect(before[0]).To(BeNumerically("~", res.Times[k], 1e-9))
			Expect(before[1]).To(BeNumerically("~", 1, 1e-12))
			Expect(after[0]).To(BeNumerically("~", 0, 1e-15))
			Expect(after[1]).To(BeNumerically("~", -0.8, 1e-12))
		})

		It("supports linear localization", func() {
			ctl := tightControl()
			ctl.MaxStep = 0.01
			m := ballMachine(hybrid.WithLocalization(hybrid.Linear), hybrid.WithStepControl(ctl))
			Expect(m.Localization()).To(Equal(hybrid.Linear))

			res, err := m.Run(ctx, 0, 1, dynamo.State{1, 0})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Transitions).NotTo(BeEmpty())
			Expect(res.Transitions[0].T).To(BeNumerically("~", impactTimes(1)[0], 1e-8))
		})

		It("places linear localization on the impact with default step control", func() {
			for _, loc := range []hybrid.Localization{hybrid.Linear, hybrid.Bisection} {
				m := ballMachine(hybrid.WithLocalization(loc), hybrid.WithStepControl(integrators.DefaultStepControl()))

				res, err := m.Run(ctx, 0, 1, dynamo.State{1, 0})
				Expect(err).NotTo(HaveOccurred())
				Expect(res.Transitions).NotTo(BeEmpty())
				tr := res.Transitions[0]
				Expect(tr.T).To(BeNumerically("~", impactTimes(1)[0], 1e-8))
				Expect(tr.XMinus[0]).To(BeNumerically("<=", 0))
				Expect(tr.XMinus[0]).To(BeNumerically(">", -1e-7))
			}
		})

		It("switches a thermostat between its modes", func() {
			res, err := thermostat(0).Run(ctx, 0, 20, dynamo.State{18})
			Expect(err).NotTo(HaveOccurred())

			half := 10 * math.Log(1.5)
			Expect(res.Transitions).To(HaveLen(4))
			for i, tr := range res.Transitions {
				Expect(tr.T).To(BeNumerically("~", float64(i+1)*half, 1e-6))
				if i%2 == 0 {
					Expect(tr.To).To(Equal("idle"))
					Expect(tr.XMinus[0]).To(BeNumerically("~", 22, 1e-6))
				} else {
					Expect(tr.To).To(Equal("heating"))
					Expect(tr.XMinus[0]).To(BeNumerically("~", 18, 1e-6))
				}
			}
			Expect(res.Final).To(Equal("heating"))
		})
	})

	Describe("wait events", func() {
		It("hits elapsed-time deadlines exactly", func() {
			a := waitState("a", "b", hybrid.Wait{Duration: 0.25})
			b := waitState("b", hybrid.End, hybrid.Wait{Duration: 0.5})
			m, err := hybrid.New([]*hybrid.State{a, b}, hybrid.WithProblem(problems.NewDecay()))
			Expect(err).NotTo(HaveOccurred())

			res, err := m.Run(ctx, 0, 10, dynamo.State{1})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Transitions).To(HaveLen(2))
			Expect(res.Transitions[0].T).To(BeNumerically("~", 0.25, 1e-12))
			Expect(res.Transitions[1].T).To(BeNumerically("~", 0.75, 1e-12))

			Expect(res.Status).To(Equal(hybrid.Terminated))
			Expect(m.Status()).To(Equal(hybrid.Terminated))
			Expect(res.Final).To(Equal(hybrid.End))
			Expect(res.Times[len(res.Times)-1]).To(BeNumerically("~", 0.75, 1e-12))
			Expect(res.States[len(res.States)-1][0]).To(BeNumerically("~", math.Exp(-0.75), 1e-3))
			Expect(res.Trajectory.Jumps()).To(HaveLen(1))
		})

		It("counts accepted steps", func() {
			a := waitState("a", hybrid.End, hybrid.Wait{Steps: 5})
			m, err := hybrid.New([]*hybrid.State{a},
				hybrid.WithProblem(problems.NewDecay()),
				hybrid.WithMethod("rk4"),
				hybrid.WithStepControl(fixedControl(0.1)))
			Expect(err).NotTo(HaveOccurred())

			res, err := m.Run(ctx, 0, 10, dynamo.State{1})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Transitions).To(HaveLen(1))
			Expect(res.Transitions[0].T).To(BeNumerically("~", 0.5, 1e-12))
			Expect(res.Stats.Accepted).To(Equal(5))
		})
	})

	Describe("transition semantics", func() {
		var build = func(mode hybrid.Mode) *hybrid.Machine {
			s := &hybrid.State{
				Name: "decay",
				Transitions: []hybrid.Transition{{
					To:   hybrid.End,
					Mode: mode,
					Events: []hybrid.Event{
						hybrid.Wait{Duration: 0.2},
						hybrid.Predicate{Name: "half", Fn: func(t float64, x dynamo.State) bool { return x[0] < 0.5 }},
					},
				}},
			}
			m, err := hybrid.New([]*hybrid.State{s},
				hybrid.WithProblem(problems.NewDecay()),
				hybrid.WithMethod("rk4"),
				hybrid.WithStepControl(fixedControl(0.1)))
			Expect(err).NotTo(HaveOccurred())
			return m
		}

		It("fires Any on the first event", func() {
			res, err := build(hybrid.Any).Run(ctx, 0, 5, dynamo.State{1})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Transitions[0].T).To(BeNumerically("~", 0.2, 1e-12))
		})

		It("fires All once every event holds", func() {
			res, err := build(hybrid.All).Run(ctx, 0, 5, dynamo.State{1})
			Expect(err).NotTo(HaveOccurred())
			// e^-t drops below one half between 0.6 and 0.7
			Expect(res.Transitions[0].T).To(BeNumerically("~", 0.7, 1e-9))
		})

		It("prefers the transition declared first", func() {
			s := &hybrid.State{
				Name: "start",
				Transitions: []hybrid.Transition{
					{To: "first", Events: []hybrid.Event{hybrid.Wait{Duration: 0.3}}},
					{To: "second", Events: []hybrid.Event{hybrid.Wait{Duration: 0.3}}},
				},
			}
			first := waitState("first", hybrid.End, hybrid.Wait{Duration: 0.1})
			second := waitState("second", hybrid.End, hybrid.Wait{Duration: 0.1})
			m, err := hybrid.New([]*hybrid.State{s, first, second}, hybrid.WithProblem(problems.NewDecay()))
			Expect(err).NotTo(HaveOccurred())

			res, err := m.Run(ctx, 0, 1, dynamo.State{1})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Transitions[0].To).To(Equal("first"))
		})

		It("runs hooks in order", func() {
			var calls []string
			during := map[string]int{}
			hooks := func(s *hybrid.State) *hybrid.State {
				s.OnEntry = func(t float64, x dynamo.State) { calls = append(calls, "enter "+s.Name) }
				s.During = func(t float64, x dynamo.State) { during[s.Name]++ }
				s.OnExit = func(t float64, x dynamo.State) { calls = append(calls, "exit "+s.Name) }
				return s
			}
			a := hooks(waitState("a", "b", hybrid.Wait{Duration: 0.5}))
			b := hooks(waitState("b", hybrid.End, hybrid.Wait{Duration: 0.2}))
			m, err := hybrid.New([]*hybrid.State{a, b},
				hybrid.WithProblem(problems.NewDecay()),
				hybrid.WithMethod("rk4"),
				hybrid.WithStepControl(fixedControl(0.1)))
			Expect(err).NotTo(HaveOccurred())

			_, err = m.Run(ctx, 0, 5, dynamo.State{1})
			Expect(err).NotTo(HaveOccurred())
			Expect(calls).To(Equal([]string{"enter a", "exit a", "enter b", "exit b"}))
			Expect(during).To(Equal(map[string]int{"a": 5, "b": 2}))
		})

		It("applies the reset and starts the next state from it", func() {
			a := waitState("a", "b", hybrid.Wait{Duration: 0.5})
			a.Transitions[0].Reset = func(t float64, x dynamo.State) dynamo.State {
				return dynamo.State{2 * x[0]}
			}
			b := waitState("b", hybrid.End, hybrid.Wait{Duration: 0.5})
			m, err := hybrid.New([]*hybrid.State{a, b},
				hybrid.WithProblem(problems.NewDecay()),
				hybrid.WithStepControl(tightControl()))
			Expect(err).NotTo(HaveOccurred())

			res, err := m.Run(ctx, 0, 5, dynamo.State{1})
			Expect(err).NotTo(HaveOccurred())
			tr := res.Transitions[0]
			Expect(tr.XPlus[0]).To(Equal(2 * tr.XMinus[0]))
			Expect(res.States[len(res.States)-1][0]).To(BeNumerically("~", 2*math.Exp(-1), 1e-8))

			// the reset Jacobian is differenced when not supplied
			jac := res.Trajectory.Jumps()[0].Jacobian
			Expect(jac.At(0, 0)).To(BeNumerically("~", 2, 1e-8))
		})
	})

	Describe("cycle limits", func() {
		It("fails when the global transition bound is exceeded", func() {
			_, err := ballMachine(hybrid.WithMaxCycles(3)).Run(ctx, 0, 3, dynamo.State{1, 0})
			Expect(err).To(MatchError(dynamo.ErrCycleLimitExceeded))

			var simErr *dynamo.SimulationError
			Expect(errors.As(err, &simErr)).To(BeTrue())
			Expect(simErr.Kind()).To(Equal(dynamo.KindCycleLimit))
		})

		It("fails when a state is entered too often", func() {
			_, err := thermostat(2).Run(ctx, 0, 30, dynamo.State{18})
			Expect(err).To(MatchError(dynamo.ErrCycleLimitExceeded))
			Expect(err.Error()).To(ContainSubstring("heating"))
		})
	})

	Describe("construction", func() {
		decay := problems.NewDecay()

		DescribeTable("rejects invalid machines",
			func(states []*hybrid.State, opts []hybrid.Option, want error) {
				_, err := hybrid.New(states, opts...)
				Expect(err).To(MatchError(want))
			},
			Entry("no states", nil, []hybrid.Option{hybrid.WithProblem(decay)}, hybrid.ErrInvalidMachine),
			Entry("duplicate names",
				[]*hybrid.State{{Name: "a"}, {Name: "a"}},
				[]hybrid.Option{hybrid.WithProblem(decay)}, hybrid.ErrInvalidMachine),
			Entry("reserved name",
				[]*hybrid.State{{Name: hybrid.End}},
				[]hybrid.Option{hybrid.WithProblem(decay)}, hybrid.ErrInvalidMachine),
			Entry("unknown target",
				[]*hybrid.State{waitState("a", "nowhere", hybrid.Wait{Duration: 1})},
				[]hybrid.Option{hybrid.WithProblem(decay)}, hybrid.ErrInvalidMachine),
			Entry("guardless crossing",
				[]*hybrid.State{waitState("a", hybrid.End, hybrid.ZeroCrossing{})},
				[]hybrid.Option{hybrid.WithProblem(decay)}, hybrid.ErrInvalidMachine),
			Entry("empty wait",
				[]*hybrid.State{waitState("a", hybrid.End, hybrid.Wait{})},
				[]hybrid.Option{hybrid.WithProblem(decay)}, hybrid.ErrInvalidMachine),
			Entry("missing problem",
				[]*hybrid.State{{Name: "a"}}, nil, hybrid.ErrInvalidMachine),
			Entry("unknown initial state",
				[]*hybrid.State{{Name: "a"}},
				[]hybrid.Option{hybrid.WithProblem(decay), hybrid.WithInitial("b")}, hybrid.ErrInvalidMachine),
			Entry("unknown method",
				[]*hybrid.State{{Name: "a", Method: "no-such-method"}},
				[]hybrid.Option{hybrid.WithProblem(decay)}, dynamo.ErrInvalidTableau),
		)

		It("starts in the named initial state", func() {
			a := waitState("a", hybrid.End, hybrid.Wait{Duration: 0.1})
			b := waitState("b", hybrid.End, hybrid.Wait{Duration: 0.1})
			m, err := hybrid.New([]*hybrid.State{a, b}, hybrid.WithProblem(decay), hybrid.WithInitial("b"))
			Expect(err).NotTo(HaveOccurred())
			Expect(m.Initial()).To(Equal("b"))

			res, err := m.Run(ctx, 0, 1, dynamo.State{1})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Transitions[0].From).To(Equal("b"))
		})

		It("parses localization names", func() {
			l, err := hybrid.ParseLocalization("Linear")
			Expect(err).NotTo(HaveOccurred())
			Expect(l).To(Equal(hybrid.Linear))
			_, err = hybrid.ParseLocalization("secant")
			Expect(err).To(HaveOccurred())
		})
	})

	It("stops on a cancelled context", func() {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := ballMachine().Run(cctx, 0, 1, dynamo.State{1, 0})
		Expect(err).To(MatchError(context.Canceled))
	})
})
