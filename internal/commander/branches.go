package commander

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/laserguidance/targeting/internal/dispatcher"
	"github.com/laserguidance/targeting/internal/feedback"
	"github.com/laserguidance/targeting/internal/shadow"
	"github.com/laserguidance/targeting/internal/tracking"
	"github.com/laserguidance/targeting/pkg/core"
)

// Branch names registered on the dispatcher.
const (
	BranchVoice     = "voice"
	BranchHitVoice  = "voice-hit"
	BranchActuation = "actuation"
	BranchTelemetry = "telemetry"
)

// hitVoiceBuffer bounds the hit announcements waiting to be spoken.
const hitVoiceBuffer = 4

var directional = []core.Command{core.CommandMoveUp, core.CommandMoveDown, core.CommandMoveLeft, core.CommandMoveRight}

// Sayer speaks a phrase. *feedback.Speaker satisfies it.
type Sayer interface {
	Say(ctx context.Context, text string) error
}

// Confirmer checks a phrase was understood. *feedback.Confirmer satisfies it.
type Confirmer interface {
	Confirm(ctx context.Context, text string) (feedback.Recognition, error)
}

// Mover applies a directional command. *shadow.Store satisfies it.
type Mover interface {
	Move(ctx context.Context, thing string, cmd core.Command, step int) (x, y int, err error)
}

// Recorder receives emitted decisions and desired positions.
// *telemetry.Recorder satisfies it.
type Recorder interface {
	RecordDecision(d tracking.Decision) error
	RecordMove(thing string, x, y int, at time.Time) error
}

// VoiceBranch speaks the command and, when confirm is set, checks it was
// understood. An unconfirmed phrase is logged, not returned.
func VoiceBranch(speaker Sayer, confirm Confirmer, logger *slog.Logger) dispatcher.BranchFunc {
	return func(ctx context.Context, r dispatcher.Request) error {
		text := feedback.Announcement(r.Command, r.Target, r.Retargeted)
		if text == "" {
			return nil
		}
		if err := speaker.Say(ctx, text); err != nil {
			return err
		}
		if confirm == nil {
			return nil
		}
		rec, err := confirm.Confirm(ctx, text)
		if errors.Is(err, feedback.ErrUnconfirmed) {
			logger.Warn("Feedback not confirmed", "text", text, "dialogState", rec.DialogState)
			return nil
		}
		if err != nil {
			return err
		}
		logger.Debug("Feedback confirmed", "text", text, "intent", rec.Intent)
		return nil
	}
}

// ActuationBranch moves the thing's desired position by step in the
// command's direction. Register it with dispatcher.On for directional
// commands only.
func ActuationBranch(mover Mover, thing string, step int, rec Recorder) dispatcher.BranchFunc {
	return func(ctx context.Context, r dispatcher.Request) error {
		x, y, err := mover.Move(ctx, thing, r.Command, step)
		if err != nil {
			return fmt.Errorf("move %s %s: %w", thing, r.Command, err)
		}
		if rec != nil {
			if err := rec.RecordMove(thing, x, y, r.Time); err != nil {
				return fmt.Errorf("record move: %w", err)
			}
		}
		return nil
	}
}

// TelemetryBranch records every dispatched decision.
func TelemetryBranch(rec Recorder) dispatcher.BranchFunc {
	return func(_ context.Context, r dispatcher.Request) error {
		return rec.RecordDecision(tracking.Decision{
			Time:       r.Time,
			Command:    r.Command,
			Offset:     r.Offset,
			HasOffset:  true,
			Target:     r.Target,
			Previous:   r.Previous,
			Retargeted: r.Retargeted,
		})
	}
}

// Branches holds the collaborators wired into the dispatcher.
type Branches struct {
	Speaker   Sayer
	Confirmer Confirmer
	Mover     Mover
	Thing     string
	Step      int
	Recorder  Recorder
}

// Register installs the voice and actuation branches, plus telemetry
// when a recorder is set. Directional commands wait for their voice
// feedback; a hit is announced from a queue so the tick returns at once.
func (b Branches) Register(d *dispatcher.Dispatcher, logger *slog.Logger) {
	if b.Speaker != nil {
		voice := VoiceBranch(b.Speaker, b.Confirmer, logger)
		d.Register(BranchVoice, voice, dispatcher.Logged(), dispatcher.On(directional...))
		d.Register(BranchHitVoice, voice,
			dispatcher.Logged(),
			dispatcher.On(core.CommandHit),
			dispatcher.Buffered(hitVoiceBuffer),
		)
	}
	if b.Mover != nil {
		d.Register(BranchActuation, ActuationBranch(b.Mover, b.Thing, b.Step, b.Recorder),
			dispatcher.Logged(),
			dispatcher.On(directional...),
		)
	}
	if b.Recorder != nil {
		d.Register(BranchTelemetry, TelemetryBranch(b.Recorder), dispatcher.Buffered(64))
	}
}

var _ Mover = (*shadow.Store)(nil)
