// pkg/core/vision.go
package core

import "fmt"

// Position is an integer pixel coordinate in source image space.
// Y grows downwards, as delivered by the camera.
type Position struct {
	X int
	Y int
}

// Sub returns p - o component-wise.
func (p Position) Sub(o Position) Offset {
	return Offset{DX: p.X - o.X, DY: p.Y - o.Y}
}

// MarkerDetection is the best candidate blob for one color class in one frame.
type MarkerDetection struct {
	Center Position
	Radius float64
	Area   float64
}

// Offset is target.center - pointer.center.
type Offset struct {
	DX int
	DY int
}

// Neg returns the offset pointing the other way.
func (o Offset) Neg() Offset {
	return Offset{DX: -o.DX, DY: -o.DY}
}

func (o Offset) String() string {
	return fmt.Sprintf("(%d,%d)", o.DX, o.DY)
}

// Command is the discrete output of one decision tick.
type Command int

const (
	CommandNone Command = iota
	CommandMoveUp
	CommandMoveDown
	CommandMoveLeft
	CommandMoveRight
	CommandHit
)

func (c Command) String() string {
	switch c {
	case CommandNone:
		return "NONE"
	case CommandMoveUp:
		return "MOVE_UP"
	case CommandMoveDown:
		return "MOVE_DOWN"
	case CommandMoveLeft:
		return "MOVE_LEFT"
	case CommandMoveRight:
		return "MOVE_RIGHT"
	case CommandHit:
		return "HIT"
	default:
		return fmt.Sprintf("Command(%d)", int(c))
	}
}

// Phrase is the spoken form of the command.
func (c Command) Phrase() string {
	switch c {
	case CommandMoveUp:
		return "up"
	case CommandMoveDown:
		return "down"
	case CommandMoveLeft:
		return "left"
	case CommandMoveRight:
		return "right"
	case CommandHit:
		return "hit"
	default:
		return ""
	}
}

// Directional reports whether the command asks the actuator to move.
func (c Command) Directional() bool {
	switch c {
	case CommandMoveUp, CommandMoveDown, CommandMoveLeft, CommandMoveRight:
		return true
	}
	return false
}
