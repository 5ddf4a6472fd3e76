// Package bootstrap holds the start-up sequence the binaries share:
// environment, config, logging and metrics, then the device, the AWS
// session and the shadow service connection.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/afero"

	"github.com/laserguidance/targeting/internal/config"
	"github.com/laserguidance/targeting/internal/device"
	"github.com/laserguidance/targeting/internal/logging"
	"github.com/laserguidance/targeting/internal/monitor"
	intOtel "github.com/laserguidance/targeting/internal/otel"
	"github.com/laserguidance/targeting/internal/transport"
)

// Env is one running binary's ambient state.
type Env struct {
	Binary string
	Config config.Config
	Logger *slog.Logger
	Start  time.Time

	logs    *logging.SlogManager
	otel    *intOtel.Provider
	metrics io.Closer
	session atomic.Pointer[transport.Session]
	fs      afero.Fs
}

// Start loads <configDir>/.env when present, then the config, and sets up
// logging to console and to a rotating file under logsDir.
func Start(binary, configDir string, console io.Writer) (*Env, error) {
	if err := godotenv.Load(filepath.Join(configDir, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg, err := config.Load(configDir)
	if err != nil {
		return nil, err
	}

	e := &Env{
		Binary: binary,
		Config: cfg,
		Start:  time.Now(),
		logs:   logging.NewSlogManager(),
		fs:     afero.NewOsFs(),
	}

	if err := os.MkdirAll(cfg.LogsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create logs dir: %w", err)
	}
	e.logs.Setup(logging.Options{
		Level:   cfg.LogLevel,
		Console: console,
		File:    logging.NewFileWriter(logging.LogFilePath(cfg.LogsDir, binary, e.Start)),
		Context: e.contextAttrs,
	})
	e.Logger = e.logs.Logger().With("binary", binary)

	if err := e.startMetrics(); err != nil {
		_ = e.logs.Close()
		return nil, err
	}
	e.Logger.Info("Starting up", "config", filepath.Join(configDir, config.FileName))
	return e, nil
}

func (e *Env) startMetrics() error {
	oc := e.Config.OTel
	cfg := intOtel.Config{Enabled: oc.Enabled, ServiceName: oc.ServiceName, Interval: oc.Interval}
	if oc.Enabled {
		path := oc.Output
		if path == "" {
			path = filepath.Join(e.Config.LogsDir, fmt.Sprintf("%s.%s.metrics.json", e.Binary, e.Start.Format("20060102_150405")))
		}
		w := logging.NewFileWriter(path)
		cfg.Writer = w
		e.metrics = w
	}
	p, err := intOtel.New(cfg)
	if err != nil {
		return fmt.Errorf("start metrics: %w", err)
	}
	e.otel = p
	return nil
}

// contextAttrs tags every record with the tracked session's state.
func (e *Env) contextAttrs() []slog.Attr {
	s := e.session.Load()
	if s == nil {
		return nil
	}
	return []slog.Attr{slog.String("session", s.State().String())}
}

// Track makes log records carry the session's connection state.
func (e *Env) Track(s *transport.Session) {
	e.session.Store(s)
}

// Device loads the identity and thing name from the configured directory.
func (e *Env) Device() (*device.Context, error) {
	dev, err := device.Load(e.fs, e.Config.Device.Dir, e.Config.Device.ThingNumber)
	if err != nil {
		return nil, err
	}
	e.Logger = e.Logger.With("thing", dev.ThingName)
	return dev, nil
}

// Close flushes metrics and closes the log file.
func (e *Env) Close(ctx context.Context) error {
	var errs []error
	if e.otel != nil {
		errs = append(errs, e.otel.Shutdown(ctx))
	}
	if e.metrics != nil {
		errs = append(errs, e.metrics.Close())
	}
	e.Logger.Info("Shut down", "uptime", time.Since(e.Start).Round(time.Second))
	errs = append(errs, e.logs.Close())
	return errors.Join(errs...)
}

// Monitor builds a status monitor logging probes every StatusInterval.
func (e *Env) Monitor(probes map[string]monitor.Probe) *monitor.Service {
	return monitor.NewService(monitor.Dependencies{
		Logger:   e.Logger,
		Interval: e.Config.StatusInterval,
		Probes:   probes,
	})
}

// SessionProbes report a session's state and offline queue depth.
func SessionProbes(s *transport.Session) map[string]monitor.Probe {
	return map[string]monitor.Probe{
		"session": func(context.Context) (any, error) { return s.State().String(), nil },
		"pending": func(context.Context) (any, error) { return s.Pending(), nil },
	}
}
