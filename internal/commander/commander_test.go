package commander

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"github.com/laserguidance/targeting/internal/dispatcher"
	"github.com/laserguidance/targeting/internal/feedback"
	"github.com/laserguidance/targeting/internal/frames"
	"github.com/laserguidance/targeting/internal/shadow"
	"github.com/laserguidance/targeting/internal/tracking"
	"github.com/laserguidance/targeting/pkg/core"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// scriptSource yields n empty frames, then ErrClosed.
type scriptSource struct {
	n int
}

func (s *scriptSource) Next(ctx context.Context) (gocv.Mat, error) {
	if err := ctx.Err(); err != nil {
		return gocv.Mat{}, err
	}
	if s.n == 0 {
		return gocv.Mat{}, frames.ErrClosed
	}
	s.n--
	return gocv.NewMat(), nil
}

func (s *scriptSource) Close() error { return nil }

// blockingSource waits for ctx.
type blockingSource struct{}

func (blockingSource) Next(ctx context.Context) (gocv.Mat, error) {
	<-ctx.Done()
	return gocv.Mat{}, ctx.Err()
}

func (blockingSource) Close() error { return nil }

type failingSource struct{}

func (failingSource) Next(context.Context) (gocv.Mat, error) {
	return gocv.Mat{}, errors.New("camera unplugged")
}

func (failingSource) Close() error { return nil }

// scriptDetector returns one prepared detection set per call.
type scriptDetector struct {
	frames []map[string]*core.MarkerDetection
	calls  int
}

func (d *scriptDetector) Detect(_ gocv.Mat, _ []string) map[string]*core.MarkerDetection {
	if d.calls >= len(d.frames) {
		return nil
	}
	out := d.frames[d.calls]
	d.calls++
	return out
}

func markers(pointer, target core.Position) map[string]*core.MarkerDetection {
	return map[string]*core.MarkerDetection{
		"green": {Center: pointer, Radius: 10},
		"blue":  {Center: target, Radius: 10},
	}
}

type recordingIndicator struct {
	mu    sync.Mutex
	shown []core.Command
	off   int
}

func (r *recordingIndicator) Show(cmd core.Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shown = append(r.shown, cmd)
	return nil
}

func (r *recordingIndicator) Off() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.off++
	return nil
}

type fakeSayer struct {
	mu   sync.Mutex
	said []string
	err  error
}

func (f *fakeSayer) Say(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.said = append(f.said, text)
	return f.err
}

type fakeConfirmer struct {
	err error
}

func (f fakeConfirmer) Confirm(context.Context, string) (feedback.Recognition, error) {
	return feedback.Recognition{DialogState: feedback.DialogElicitIntent}, f.err
}

type fakeRecorder struct {
	mu        sync.Mutex
	decisions []tracking.Decision
	moves     [][2]int
}

func (f *fakeRecorder) RecordDecision(d tracking.Decision) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decisions = append(f.decisions, d)
	return nil
}

func (f *fakeRecorder) RecordMove(_ string, x, y int, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.moves = append(f.moves, [2]int{x, y})
	return nil
}

func newController(t *testing.T, targets ...string) *tracking.Controller {
	t.Helper()
	cfg := tracking.DefaultConfig()
	cfg.Targets = targets
	cfg.CommandInterval = 0
	c, err := tracking.NewController(cfg)
	require.NoError(t, err)
	return c
}

func newDispatcher(t *testing.T, b Branches) *dispatcher.Dispatcher {
	t.Helper()
	d, err := dispatcher.New(quiet)
	require.NoError(t, err)
	t.Cleanup(d.Close)
	b.Register(d, quiet)
	return d
}

func TestLoop_MovesDesiredPosition(t *testing.T) {
	store := shadow.NewStore(shadow.NewMemoryBackend())
	speaker := &fakeSayer{}
	ind := &recordingIndicator{}
	disp := newDispatcher(t, Branches{Speaker: speaker, Mover: store, Thing: "lg_thing_1", Step: 5})

	loop := &Loop{
		Source: &scriptSource{n: 2},
		Detector: &scriptDetector{frames: []map[string]*core.MarkerDetection{
			markers(core.Position{X: 100, Y: 100}, core.Position{X: 250, Y: 100}),
			markers(core.Position{X: 100, Y: 100}, core.Position{X: 110, Y: 300}),
		}},
		Controller: newController(t, "blue"),
		Dispatcher: disp,
		Indicator:  ind,
		Logger:     quiet,
	}

	require.NoError(t, loop.Run(context.Background()))

	assert.Equal(t, []core.Command{core.CommandMoveLeft, core.CommandMoveUp}, ind.shown)
	assert.Equal(t, 1, ind.off)
	assert.Equal(t, []string{"left", "up"}, speaker.said)

	x, y, err := store.GetCurrent(context.Background(), "lg_thing_1")
	require.NoError(t, err)
	assert.Equal(t, []int{-5, 5}, []int{x, y})
}

func TestLoop_HitSkipsActuation(t *testing.T) {
	mover := &countingMover{}
	speaker := &fakeSayer{}
	disp := newDispatcher(t, Branches{Speaker: speaker, Mover: mover, Thing: "t", Step: 5})

	loop := &Loop{
		Source: &scriptSource{n: 1},
		Detector: &scriptDetector{frames: []map[string]*core.MarkerDetection{
			markers(core.Position{X: 100, Y: 100}, core.Position{X: 110, Y: 95}),
		}},
		Controller: newController(t, "blue"),
		Dispatcher: disp,
		Logger:     quiet,
	}

	require.NoError(t, loop.Run(context.Background()))
	disp.Close()

	assert.Zero(t, mover.calls)
	require.Len(t, speaker.said, 1)
	assert.Equal(t, feedback.Announcement(core.CommandHit, "blue", false), speaker.said[0])
}

// gatedSayer blocks every Say until release is closed.
type gatedSayer struct {
	release chan struct{}
	said    chan string
}

func (g *gatedSayer) Say(ctx context.Context, text string) error {
	select {
	case <-g.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	g.said <- text
	return nil
}

func TestBranches_HitDoesNotWaitForVoice(t *testing.T) {
	speaker := &gatedSayer{release: make(chan struct{}), said: make(chan string, 1)}
	disp := newDispatcher(t, Branches{Speaker: speaker})

	ack := disp.Dispatch(context.Background(), dispatcher.Request{Command: core.CommandHit, Target: "blue"})

	require.True(t, ack.OK())
	for _, r := range ack.Results {
		switch r.Branch {
		case BranchHitVoice:
			assert.True(t, r.Queued)
		case BranchVoice:
			assert.True(t, r.Skipped)
		}
	}
	close(speaker.release)
	select {
	case text := <-speaker.said:
		assert.Equal(t, feedback.Announcement(core.CommandHit, "blue", false), text)
	case <-time.After(2 * time.Second):
		t.Fatal("hit was never announced")
	}
}

func TestLoop_NoDetectionDispatchesNothing(t *testing.T) {
	speaker := &fakeSayer{}
	disp := newDispatcher(t, Branches{Speaker: speaker})

	loop := &Loop{
		Source:     &scriptSource{n: 3},
		Detector:   &scriptDetector{},
		Controller: newController(t, "blue"),
		Dispatcher: disp,
		Logger:     quiet,
	}

	require.NoError(t, loop.Run(context.Background()))
	assert.Empty(t, speaker.said)
}

func TestLoop_QuitLineStops(t *testing.T) {
	ind := &recordingIndicator{}
	loop := &Loop{
		Source:     blockingSource{},
		Detector:   &scriptDetector{},
		Controller: newController(t, "blue"),
		Dispatcher: newDispatcher(t, Branches{}),
		Indicator:  ind,
		Control:    strings.NewReader("x\nq\n"),
		Logger:     quiet,
	}

	done := make(chan error, 1)
	go func() { done <- loop.Run(context.Background()) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop on quit line")
	}
	assert.Equal(t, 1, ind.off)
}

func TestLoop_SourceFailure(t *testing.T) {
	loop := &Loop{
		Source:     failingSource{},
		Detector:   &scriptDetector{},
		Controller: newController(t, "blue"),
		Dispatcher: newDispatcher(t, Branches{}),
		Logger:     quiet,
	}

	err := loop.Run(context.Background())
	assert.ErrorContains(t, err, "camera unplugged")
}

func TestLoop_RequiresCollaborators(t *testing.T) {
	assert.Error(t, (&Loop{}).Run(context.Background()))
}

type countingMover struct {
	calls int
}

func (m *countingMover) Move(context.Context, string, core.Command, int) (int, int, error) {
	m.calls++
	return 0, 0, nil
}

func TestVoiceBranch_UnconfirmedIsNotAnError(t *testing.T) {
	speaker := &fakeSayer{}
	fn := VoiceBranch(speaker, fakeConfirmer{err: feedback.ErrUnconfirmed}, quiet)

	err := fn(context.Background(), dispatcher.Request{Command: core.CommandMoveDown})

	assert.NoError(t, err)
	assert.Equal(t, []string{"down"}, speaker.said)
}

func TestVoiceBranch_SpeakerError(t *testing.T) {
	fn := VoiceBranch(&fakeSayer{err: errors.New("no audio")}, nil, quiet)

	err := fn(context.Background(), dispatcher.Request{Command: core.CommandMoveDown})

	assert.ErrorContains(t, err, "no audio")
}

func TestActuationBranch_RecordsMove(t *testing.T) {
	store := shadow.NewStore(shadow.NewMemoryBackend())
	rec := &fakeRecorder{}
	fn := ActuationBranch(store, "t", 3, rec)

	require.NoError(t, fn(context.Background(), dispatcher.Request{Command: core.CommandMoveRight}))
	require.NoError(t, fn(context.Background(), dispatcher.Request{Command: core.CommandMoveDown}))

	assert.Equal(t, [][2]int{{3, 0}, {3, -3}}, rec.moves)
}

func TestTelemetryBranch(t *testing.T) {
	rec := &fakeRecorder{}
	fn := TelemetryBranch(rec)
	at := time.Unix(1700000000, 0)

	require.NoError(t, fn(context.Background(), dispatcher.Request{
		Command: core.CommandHit, Target: "red", Previous: "blue", Retargeted: true, Time: at,
	}))

	require.Len(t, rec.decisions, 1)
	d := rec.decisions[0]
	assert.Equal(t, core.CommandHit, d.Command)
	assert.Equal(t, "red", d.Target)
	assert.True(t, d.Retargeted)
	assert.Equal(t, at, d.Time)
}
