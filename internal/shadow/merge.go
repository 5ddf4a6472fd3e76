package shadow

import (
	"time"

	"github.com/laserguidance/targeting/pkg/core"
)

// Merge applies update on top of stored, a nil stored meaning the thing has
// no shadow yet. A non-zero update.Version must equal the stored version or
// ErrVersionConflict is returned. The merged document carries the next
// version and now as its timestamp.
func Merge(stored *core.ShadowDocument, update core.ShadowDocument, now time.Time) (core.ShadowDocument, error) {
	var current core.ShadowDocument
	if stored != nil {
		current = *stored
	}
	if update.Version != 0 && update.Version != current.Version {
		return core.ShadowDocument{}, ErrVersionConflict
	}

	merged := core.ShadowDocument{
		State: core.ShadowState{
			Desired:  mergeCoordinates(current.State.Desired, update.State.Desired),
			Reported: mergeCoordinates(current.State.Reported, update.State.Reported),
		},
		Version:     current.Version + 1,
		ClientToken: update.ClientToken,
		Timestamp:   now.Unix(),
	}
	return merged, nil
}

// Accepted is the body published on update/accepted: the state as sent,
// stamped with the merged version.
func Accepted(update, merged core.ShadowDocument) core.ShadowDocument {
	return core.ShadowDocument{
		State:       update.State,
		Version:     merged.Version,
		ClientToken: update.ClientToken,
		Timestamp:   merged.Timestamp,
	}
}

func mergeCoordinates(base, patch *core.Coordinates) *core.Coordinates {
	if patch.Empty() {
		return copyCoordinates(base)
	}
	out := copyCoordinates(base)
	if out == nil {
		out = &core.Coordinates{}
	}
	if patch.X != nil {
		x := *patch.X
		out.X = &x
	}
	if patch.Y != nil {
		y := *patch.Y
		out.Y = &y
	}
	return out
}

func copyCoordinates(c *core.Coordinates) *core.Coordinates {
	if c == nil {
		return nil
	}
	out := &core.Coordinates{}
	if c.X != nil {
		x := *c.X
		out.X = &x
	}
	if c.Y != nil {
		y := *c.Y
		out.Y = &y
	}
	return out
}
