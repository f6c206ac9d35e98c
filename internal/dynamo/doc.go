// Package dynamo provides the core contracts shared by the integration engine.
//
// The package defines the problem-facing interfaces and types for
// differential-algebraic systems M(t,x) x' = f(t,x,u):
//
//   - [State], [Control]: plain vectors
//   - [Problem]: mandatory right-hand side
//   - [MassMatrix], [Jacobian], [TimeDerivative], [MassDerivative],
//     [ControlJacobian]: optional analytic derivatives
//   - [RunningCost], [TerminalCost]: optional cost functional
//   - [Evaluator]: resolves optional derivatives, falling back to central
//     finite differences
//   - [SimulationError]: fatal run failure with time and state snapshot
//
// # Example
//
//	ev := dynamo.NewEvaluator(problems.NewVanDerPol(1000))
//	jac := mat.NewDense(2, 2, nil)
//	ev.Jacobian(0, x0, nil, jac)
//
// # Thread Safety
//
// Evaluator instances own scratch buffers and are NOT thread-safe. Give each
// goroutine its own Evaluator via [Evaluator.Fork].
package dynamo
