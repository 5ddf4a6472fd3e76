package feedback

import (
	"context"
	"fmt"
	"os"
	"os/exec"
)

// Player plays rendered audio to completion.
type Player interface {
	Play(ctx context.Context, audio []byte, format string) error
}

// ExecPlayer hands audio to an external player binary (omxplayer, aplay,
// ffplay). The audio is written to a temporary file whose path is appended
// to Args.
type ExecPlayer struct {
	Command string
	Args    []string
	TempDir string
}

// NewExecPlayer returns a player running command with args.
func NewExecPlayer(command string, args ...string) *ExecPlayer {
	return &ExecPlayer{Command: command, Args: args}
}

func (p *ExecPlayer) Play(ctx context.Context, audio []byte, format string) error {
	f, err := os.CreateTemp(p.TempDir, "lg-speech-*."+extension(format))
	if err != nil {
		return fmt.Errorf("create audio file: %w", err)
	}
	defer os.Remove(f.Name())

	if _, err := f.Write(audio); err != nil {
		f.Close()
		return fmt.Errorf("write audio file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close audio file: %w", err)
	}

	args := append(append([]string{}, p.Args...), f.Name())
	out, err := exec.CommandContext(ctx, p.Command, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", p.Command, err, out)
	}
	return nil
}

func extension(format string) string {
	switch format {
	case FormatOggVorbis:
		return "ogg"
	case FormatMP3:
		return "mp3"
	case FormatPCM:
		return "pcm"
	default:
		return "audio"
	}
}
