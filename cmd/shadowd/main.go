// Command shadowd is a self-hosted shadow service: a websocket pub/sub
// broker that answers shadow get/update requests from a SQL store.
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
	"github.com/laserguidance/targeting/internal/broker"
	"github.com/laserguidance/targeting/internal/config"
	"github.com/laserguidance/targeting/internal/database"
	"github.com/laserguidance/targeting/internal/monitor"
	"github.com/laserguidance/targeting/internal/storage"
)

func main() {
	configDir := flag.String("config", ".", "directory containing "+config.FileName)
	addr := flag.String("addr", "", "listen address, overrides broker.addr")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configDir, *addr); err != nil {
		fmt.Fprintln(os.Stderr, "shadowd:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configDir, addr string) error {
	env, err := bootstrap.Start("shadowd", configDir, os.Stdout)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = env.Close(sctx)
	}()
	cfg := env.Config

	db, err := database.Open(cfg.Database, env.Logger)
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	repo := storage.New(db)
	if err := repo.Migrate(); err != nil {
		return err
	}

	opts := []broker.Option{
		broker.WithLogger(env.Logger),
		broker.WithSendBuffer(cfg.Broker.SendBuffer),
		broker.WithOperationTimeout(cfg.Transport.Session.OperationTimeout),
	}
	if cfg.Transport.Prefix != "" {
		opts = append(opts, broker.WithPrefix(cfg.Transport.Prefix))
	}
	srv, err := broker.New(repo, opts...)
	if err != nil {
		return err
	}

	if addr == "" {
		addr = cfg.Broker.Addr
	}
	mon := env.Monitor(map[string]monitor.Probe{
		"clients": func(context.Context) (any, error) { return srv.ClientCount(), nil },
		"things": func(ctx context.Context) (any, error) {
			things, err := repo.Things(ctx)
			return len(things), err
		},
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx, addr) })
	g.Go(func() error { return mon.Run(gctx) })
	return g.Wait()
}
