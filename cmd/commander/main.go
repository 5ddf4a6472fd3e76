// Command commander watches the camera, steers the pointer marker onto the
// active target through the device shadow, and announces each command.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/laserguidance/targeting/internal/bootstrap"
	"github.com/laserguidance/targeting/internal/commander"
	"github.com/laserguidance/targeting/internal/config"
	"github.com/laserguidance/targeting/internal/dispatcher"
	"github.com/laserguidance/targeting/internal/frames"
	"github.com/laserguidance/targeting/internal/shadow"
	"github.com/laserguidance/targeting/internal/telemetry"
	"github.com/laserguidance/targeting/internal/tracking"
	"github.com/laserguidance/targeting/internal/vision"
)

func main() {
	configDir := flag.String("config", ".", "directory containing "+config.FileName)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configDir); err != nil {
		fmt.Fprintln(os.Stderr, "commander:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configDir string) error {
	env, err := bootstrap.Start("commander", configDir, os.Stdout)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = env.Close(sctx)
	}()
	cfg := env.Config

	dev, err := env.Device()
	if err != nil {
		return err
	}

	backend, sess, err := env.ShadowBackend(ctx, dev)
	if err != nil {
		return err
	}
	store := shadow.NewStore(backend, shadow.WithLogger(env.Logger))

	ctrl, err := tracking.NewController(cfg.Tracking)
	if err != nil {
		return err
	}
	detector, err := vision.NewDetector(cfg.Vision)
	if err != nil {
		return err
	}
	defer detector.Close()

	source, err := openSource(cfg.Frames, env)
	if err != nil {
		return err
	}
	defer source.Close()

	disp, err := dispatcher.New(env.Logger)
	if err != nil {
		return err
	}
	defer disp.Close()

	branches := commander.Branches{Thing: dev.ThingName, Step: cfg.Commander.MoveStep}
	if cfg.Commander.Actuation {
		branches.Mover = store
	}
	if cfg.Commander.Voice {
		speaker, confirmer, err := newFeedback(env, dev.ID.String())
		if err != nil {
			return err
		}
		branches.Speaker = speaker
		if confirmer != nil {
			branches.Confirmer = confirmer
		}
	}
	if cfg.Telemetry.Enabled {
		rec, err := telemetry.Open(ctx, cfg.Telemetry, env.Logger)
		if err != nil {
			env.Logger.Error("Telemetry unavailable, continuing without", "error", err)
		} else {
			defer rec.Close()
			branches.Recorder = rec
		}
	}
	branches.Register(disp, env.Logger)

	loop := &commander.Loop{
		Source:     source,
		Detector:   detector,
		Controller: ctrl,
		Dispatcher: disp,
		Indicator:  commander.LogIndicator{Logger: env.Logger},
		Control:    os.Stdin,
		Logger:     env.Logger,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	if sess != nil {
		mon := env.Monitor(bootstrap.SessionProbes(sess))
		g.Go(func() error { return sess.Run(gctx) })
		g.Go(func() error { return mon.Run(gctx) })
	}
	g.Go(func() error {
		defer cancel()
		env.Logger.Info("Tracking", "pointer", cfg.Tracking.Pointer, "targets", cfg.Tracking.Targets, "transport", cfg.Transport.Kind)
		return loop.Run(gctx)
	})
	return g.Wait()
}

func openSource(cfg config.FramesConfig, env *bootstrap.Env) (frames.Source, error) {
	if cfg.Source == config.FramesCamera {
		return frames.OpenCapture(cfg.Camera)
	}
	return frames.DialZMQ(cfg.Endpoint, env.Logger)
}
