package commander

import (
	"log/slog"

	"github.com/laserguidance/targeting/pkg/core"
)

// Indicator shows the current command to the operator, e.g. on LEDs.
type Indicator interface {
	Show(cmd core.Command) error
	Off() error
}

// NopIndicator discards everything.
type NopIndicator struct{}

func (NopIndicator) Show(core.Command) error { return nil }
func (NopIndicator) Off() error              { return nil }

// LogIndicator logs each command instead of lighting anything.
type LogIndicator struct {
	Logger *slog.Logger
}

func (l LogIndicator) Show(cmd core.Command) error {
	l.logger().Info("Command", "command", cmd, "phrase", cmd.Phrase())
	return nil
}

func (l LogIndicator) Off() error {
	l.logger().Debug("Indicator off")
	return nil
}

func (l LogIndicator) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}
