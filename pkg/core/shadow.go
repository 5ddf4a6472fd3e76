// pkg/core/shadow.go
package core

// Coordinates is one half of a shadow document. Either axis may be absent
// in a partial update.
type Coordinates struct {
	X *int `json:"x,omitempty"`
	Y *int `json:"y,omitempty"`
}

// At builds fully populated coordinates.
func At(x, y int) *Coordinates {
	return &Coordinates{X: &x, Y: &y}
}

// Apply overwrites x and y with the axes present in c.
func (c *Coordinates) Apply(x, y int) (int, int) {
	if c == nil {
		return x, y
	}
	if c.X != nil {
		x = *c.X
	}
	if c.Y != nil {
		y = *c.Y
	}
	return x, y
}

// Empty reports whether no axis is set.
func (c *Coordinates) Empty() bool {
	return c == nil || (c.X == nil && c.Y == nil)
}

// ShadowState holds the desired and reported halves.
type ShadowState struct {
	Desired  *Coordinates `json:"desired,omitempty"`
	Reported *Coordinates `json:"reported,omitempty"`
}

// ShadowDocument is the wire document exchanged on the shadow topics:
//
//	{"state": {"desired": {"x": 1, "y": 2}, "reported": {"x": 0, "y": 0}}}
//
// Version and ClientToken are optional; a non-zero Version on an update
// asks the service to reject the write if the stored version differs.
type ShadowDocument struct {
	State       ShadowState `json:"state"`
	Version     int64       `json:"version,omitempty"`
	ClientToken string      `json:"clientToken,omitempty"`
	Timestamp   int64       `json:"timestamp,omitempty"`
}

// Current resolves the coordinates the actuator is heading to: reported
// first, then desired on top. Missing axes default to 0.
func (d ShadowDocument) Current() (x, y int) {
	x, y = d.State.Reported.Apply(0, 0)
	return d.State.Desired.Apply(x, y)
}

// ShadowError is the body of a rejected get or update.
type ShadowError struct {
	Code        int    `json:"code"`
	Message     string `json:"message"`
	ClientToken string `json:"clientToken,omitempty"`
	Timestamp   int64  `json:"timestamp,omitempty"`
}
