package hybrid

import (
	"testing"

	"github.com/san-kum/daesim/internal/dynamo"
)

func TestWaitStepsCountOnlyAcceptedSteps(t *testing.T) {
	x := dynamo.State{0}
	a := arm(Wait{Steps: 2}, 0, x)

	// re-checks at a deadline do not advance the count
	for i := 0; i < 3; i++ {
		if a.check(0, x, false, false) {
			t.Fatalf("wait fired after %d re-checks without a step", i+1)
		}
	}
	if a.steps != 0 {
		t.Fatalf("steps = %d, want 0", a.steps)
	}

	if a.check(0.1, x, false, true) {
		t.Fatal("wait fired after one accepted step")
	}
	if !a.check(0.2, x, false, true) {
		t.Fatal("wait did not fire after two accepted steps")
	}
	if !a.latched {
		t.Error("fired wait is not latched")
	}
}

func TestWaitDurationFiresOnDeadlineRecheck(t *testing.T) {
	x := dynamo.State{0}
	a := arm(Wait{Duration: 1, Steps: 5}, 0, x)

	if a.check(0.5, x, false, true) {
		t.Fatal("wait fired before its deadline")
	}
	if !a.check(1, x, false, false) {
		t.Fatal("wait did not fire on its deadline")
	}
	if a.steps != 1 {
		t.Errorf("steps = %d, want 1", a.steps)
	}
}
