// Package sensitivity differentiates recorded forward runs.
//
// Both sweeps replay the stage records of a completed
// [trajectory.Trajectory] and differentiate the discrete step map, so the
// results are exact derivatives of the computed solution rather than
// approximations of the continuous one:
//
//   - [Engine.Tangent] pushes directions (δx0, δu) forward and returns the
//     state sensitivities and the directional derivative of the cost.
//   - [Engine.Adjoint] runs backward from the terminal cost and returns
//     the multipliers λ(t) with the gradients dΨ/dx0 and dΨ/du.
//
// Resets between segments are differentiated with the Jacobian stored in
// the [trajectory.Jump] at a fixed event time. Rule-driven method classes
// (LinearMultistep, Generalized) are rejected with
// [dynamo.ErrUnsupportedMethod].
//
// Stage matrices retained by the forward run (integrators.WithRetainFactors)
// are reused; otherwise they are rebuilt from the records.
package sensitivity
