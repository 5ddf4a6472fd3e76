// Package commander runs the guidance loop: frames in, detections through
// the tracking controller, commands out to the dispatcher.
package commander

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"gocv.io/x/gocv"

	"github.com/laserguidance/targeting/internal/dispatcher"
	"github.com/laserguidance/targeting/internal/frames"
	"github.com/laserguidance/targeting/internal/tracking"
	"github.com/laserguidance/targeting/pkg/core"
)

// Detector finds markers in a frame. *vision.Detector satisfies it.
type Detector interface {
	Detect(frame gocv.Mat, classes []string) map[string]*core.MarkerDetection
}

// Dispatcher fans a request out to its branches.
type Dispatcher interface {
	Dispatch(ctx context.Context, r dispatcher.Request) dispatcher.Ack
}

// QuitLine on the control input stops the loop.
const QuitLine = "q"

// Loop ties the pipeline together. Source, Detector, Controller and
// Dispatcher are required.
type Loop struct {
	Source     frames.Source
	Detector   Detector
	Controller *tracking.Controller
	Dispatcher Dispatcher
	Indicator  Indicator
	// Control, when set, is read line by line; a "q" line stops the loop.
	Control io.Reader
	Logger  *slog.Logger
}

// Run processes frames until ctx is done, the control input asks to quit,
// or the source fails. A requested stop returns nil.
func (l *Loop) Run(ctx context.Context) error {
	if l.Source == nil || l.Detector == nil || l.Controller == nil || l.Dispatcher == nil {
		return errors.New("commander: source, detector, controller and dispatcher are required")
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	indicator := l.Indicator
	if indicator == nil {
		indicator = NopIndicator{}
	}
	defer func() {
		if err := indicator.Off(); err != nil {
			logger.Warn("Failed to switch indicator off", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if l.Control != nil {
		go watchQuit(l.Control, cancel)
	}

	for {
		frame, err := l.Source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, frames.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}
		d := l.Tick(ctx, frame, indicator, logger)
		frame.Close()
		if d.Suppressed != tracking.SuppressedNone {
			logger.Debug("Command suppressed", "reason", d.Suppressed, "target", d.Target)
		}
	}
}

// Tick runs one frame through detection and control and dispatches the
// resulting command, if any.
func (l *Loop) Tick(ctx context.Context, frame gocv.Mat, indicator Indicator, logger *slog.Logger) tracking.Decision {
	d := l.Controller.Observe(l.Detector.Detect(frame, l.Controller.Classes()))
	if d.Command == core.CommandNone {
		return d
	}

	if err := indicator.Show(d.Command); err != nil {
		logger.Warn("Failed to show command", "command", d.Command, "error", err)
	}
	ack := l.Dispatcher.Dispatch(ctx, dispatcher.Request{
		Command:    d.Command,
		Offset:     d.Offset,
		Target:     d.Target,
		Previous:   d.Previous,
		Retargeted: d.Retargeted,
		Time:       d.Time,
	})
	if !ack.OK() {
		logger.Error("Command dispatch failed", "command", d.Command, "target", d.Target, "error", ack.Err())
	}
	return d
}

func watchQuit(r io.Reader, quit context.CancelFunc) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) == QuitLine {
			quit()
			return
		}
	}
}
