package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
)

// Actuator moves the mount to absolute pan and tilt positions and returns
// once the move is done.
type Actuator interface {
	MoveTo(ctx context.Context, pan, tilt int) error
}

// LogActuator only logs each move. It stands in for the mount on machines
// without one.
type LogActuator struct {
	Logger *slog.Logger
}

func (a LogActuator) MoveTo(ctx context.Context, pan, tilt int) error {
	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "Moving arm", "pan", pan, "tilt", tilt)
	return nil
}

// ExecActuator runs Command with Args followed by the pan and tilt values.
type ExecActuator struct {
	Command string
	Args    []string
}

func (a ExecActuator) MoveTo(ctx context.Context, pan, tilt int) error {
	args := append(append([]string{}, a.Args...), strconv.Itoa(pan), strconv.Itoa(tilt))
	out, err := exec.CommandContext(ctx, a.Command, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("actuator command %s: %w: %s", a.Command, err, out)
	}
	return nil
}
