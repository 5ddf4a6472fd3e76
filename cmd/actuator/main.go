// Command actuator drives one mount from its device shadow: every accepted
// desired position is moved to and reported back.
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

	"github.com/laserguidance/targeting/internal/agent"
	"github.com/laserguidance/targeting/internal/bootstrap"
	"github.com/laserguidance/targeting/internal/config"
	"github.com/laserguidance/targeting/internal/transport"
)

func main() {
	configDir := flag.String("config", ".", "directory containing "+config.FileName)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configDir); err != nil {
		fmt.Fprintln(os.Stderr, "actuator:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configDir string) error {
	env, err := bootstrap.Start("actuator", configDir, os.Stdout)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = env.Close(sctx)
	}()

	dev, err := env.Device()
	if err != nil {
		return err
	}
	start, err := dev.LoadCoordinates()
	if err != nil {
		env.Logger.Error("Failed to load coordinates, starting at origin", "error", err)
	}

	var act agent.Actuator = agent.LogActuator{Logger: env.Logger}
	if c := env.Config.Actuator; c.Command != "" {
		act = agent.ExecActuator{Command: c.Command, Args: c.Args}
	}

	var ag *agent.Agent
	resync := func(ctx context.Context, s *transport.Session) error {
		return ag.Resync(ctx, s)
	}
	sess, err := env.Session(ctx, dev, resync)
	if err != nil {
		return err
	}
	ag = agent.New(dev.ThingName, act, sess, start,
		agent.WithLogger(env.Logger),
		agent.WithPrefix(env.Config.Transport.Prefix),
	)
	if err := sess.Subscribe(ctx, ag.Subscriptions()...); err != nil {
		return err
	}

	probes := bootstrap.SessionProbes(sess)
	probes["position"] = func(context.Context) (any, error) { return ag.Position(), nil }
	mon := env.Monitor(probes)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sess.Run(gctx) })
	g.Go(func() error { return mon.Run(gctx) })
	g.Go(func() error { return ag.Run(gctx, sess.Messages()) })
	runErr := g.Wait()

	final := ag.Position()
	if err := dev.SaveCoordinates(final); err != nil {
		env.Logger.Error("Failed to save coordinates", "error", err)
	} else {
		env.Logger.Info("Saved coordinates", "x", final.X, "y", final.Y)
	}
	return runErr
}
