package rollout

import (
	"fmt"
	"strconv"
)

// UsesCoarse reports whether iteration i (0-based) runs the coarse model.
// With a ratio of 4 that is i = 3, 7, 11, ...: every fourth step is taken
// from the state one coarse step earlier instead of the previous fine one.
func UsesCoarse(i, ratio int) bool {
	return (i+1)%ratio == 0
}

// SavePolicy decides which step indices are persisted. Step 0 is the initial
// condition and total is the index of the last step.
type SavePolicy interface {
	Keep(step, total int) bool
}

// SavePolicyFunc adapts a function to SavePolicy.
type SavePolicyFunc func(step, total int) bool

// Keep implements SavePolicy.
func (f SavePolicyFunc) Keep(step, total int) bool {
	return f(step, total)
}

var (
	// SaveAll persists every step, the initial condition included.
	SaveAll SavePolicy = SavePolicyFunc(func(int, int) bool { return true })
	// SaveFinal persists only the last step.
	SaveFinal SavePolicy = SavePolicyFunc(func(step, total int) bool { return step == total })
)

// SaveEvery persists every n-th step and the last one.
func SaveEvery(n int) SavePolicy {
	return SavePolicyFunc(func(step, total int) bool {
		return step%n == 0 || step == total
	})
}

// ParseSavePolicy accepts "all", "final" or a positive step interval.
func ParseSavePolicy(s string) (SavePolicy, error) {
	switch s {
	case "", "all":
		return SaveAll, nil
	case "final":
		return SaveFinal, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return nil, fmt.Errorf("save policy %q is not all, final or a positive interval", s)
	}
	return SaveEvery(n), nil
}
