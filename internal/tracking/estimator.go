package tracking

import "github.com/laserguidance/targeting/pkg/core"

// Estimate returns target.center - pointer.center. ok is false unless both
// markers were found in this frame.
func Estimate(pointer, target *core.MarkerDetection) (offset core.Offset, ok bool) {
	if pointer == nil || target == nil {
		return core.Offset{}, false
	}
	return target.Center.Sub(pointer.Center), true
}
