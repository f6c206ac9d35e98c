// Package viz renders integration runs in the terminal.
//
// [Model] is a Bubble Tea program that advances an integrator a few steps
// per frame and shows the selected state component, the step size history
// and a braille phase portrait of the first two components.
//
// # Key Bindings
//
//	Space - Pause/Resume
//	R     - Restart from the initial state
//	Tab   - Next state component
//	+/-   - More or fewer steps per frame
//	Q     - Quit
package viz
