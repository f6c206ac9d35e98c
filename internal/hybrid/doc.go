// Package hybrid switches between continuous phases when events fire.
//
// A [Machine] holds named [State] values. Each state integrates its own
// problem with its own method and step control; its [Transition] list is
// checked after every accepted step:
//
//	Running → EventPending → Transitioning → Running | Terminated
//
// Zero crossings are localized inside the step that brackets them, by
// [Bisection] or [Linear] interpolation. [Wait] deadlines cap the step so
// they are hit exactly. On a transition the exit hook runs, the reset map
// is applied and recorded as a [trajectory.Jump], the next state gets a
// fresh integrator run and its entry hook runs. Reaching [End] stops the
// run.
//
// # Example
//
//	ball := problems.NewBouncingBall()
//	m, _ := hybrid.New([]*hybrid.State{{
//		Name: "flight",
//		Transitions: []hybrid.Transition{{
//			To:     "flight",
//			Events: []hybrid.Event{hybrid.ZeroCrossing{Guard: ball.Height, Direction: hybrid.Falling}},
//			Reset:  ball.Bounce,
//		}},
//	}}, hybrid.WithProblem(ball))
//	res, err := m.Run(ctx, 0, 3, ball.DefaultState())
package hybrid
