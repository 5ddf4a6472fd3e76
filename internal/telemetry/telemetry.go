// Package telemetry records tracking decisions to InfluxDB. When the server
// cannot be reached at startup, points are appended as line protocol to a
// gzip backup file instead.
package telemetry

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxdb2_api "github.com/influxdata/influxdb-client-go/v2/api"
	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/influxdata/influxdb-client-go/v2/domain"

	"github.com/laserguidance/targeting/internal/tracking"
)

// Measurement names.
const (
	MeasurementDecision = "tracking_decision"
	MeasurementMove     = "shadow_move"
)

const retentionSeconds = 60 * 60 * 24 * 90

// Config addresses the InfluxDB server.
type Config struct {
	Enabled    bool   `mapstructure:"enabled"`
	URL        string `mapstructure:"url" validate:"required_if=Enabled true,omitempty,url"`
	Token      string `mapstructure:"token"`
	Org        string `mapstructure:"org" validate:"required_if=Enabled true"`
	Bucket     string `mapstructure:"bucket" validate:"required_if=Enabled true"`
	Provision  bool   `mapstructure:"provision"`
	BackupPath string `mapstructure:"backupPath"`
	BatchSize  uint   `mapstructure:"batchSize"`
}

// Recorder writes points asynchronously.
type Recorder struct {
	cfg    Config
	logger *slog.Logger
	client influxdb2.Client
	writer influxdb2_api.WriteAPI

	mu     sync.Mutex
	file   *os.File
	backup *gzip.Writer
}

// Open connects to InfluxDB, creating the org and bucket when Provision is
// set. If the server does not answer and BackupPath is set, the recorder
// writes to the backup file.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Recorder, error) {
	if !cfg.Enabled {
		return nil, errors.New("telemetry is disabled")
	}
	if logger == nil {
		logger = slog.Default()
	}
	batch := cfg.BatchSize
	if batch == 0 {
		batch = 500
	}

	r := &Recorder{cfg: cfg, logger: logger}
	r.client = influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(batch).
			SetFlushInterval(1000),
	)

	running, err := r.client.Ping(ctx)
	if err != nil || !running {
		r.client.Close()
		r.client = nil
		if cfg.BackupPath == "" {
			return nil, fmt.Errorf("influxdb %s unreachable: %w", cfg.URL, err)
		}
		if err := r.openBackup(); err != nil {
			return nil, err
		}
		logger.Warn("InfluxDB unreachable, writing to backup file", "url", cfg.URL, "backupPath", cfg.BackupPath, "error", err)
		return r, nil
	}

	if cfg.Provision {
		if err := r.provision(ctx); err != nil {
			r.client.Close()
			return nil, err
		}
	}

	r.writer = r.client.WriteAPI(cfg.Org, cfg.Bucket)
	go func(errs <-chan error) {
		for err := range errs {
			logger.Error("Error sending data to InfluxDB", "bucket", cfg.Bucket, "error", err)
		}
	}(r.writer.Errors())

	logger.Info("InfluxDB recorder initialized", "url", cfg.URL, "bucket", cfg.Bucket)
	return r, nil
}

func (r *Recorder) openBackup() error {
	file, err := os.OpenFile(r.cfg.BackupPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("error creating backup file: %w", err)
	}
	r.file = file
	r.backup = gzip.NewWriter(file)
	return nil
}

func (r *Recorder) provision(ctx context.Context) error {
	orgs := r.client.OrganizationsAPI()
	org, err := orgs.FindOrganizationByName(ctx, r.cfg.Org)
	if err != nil {
		r.logger.Info("Organization not found, creating", "org", r.cfg.Org)
		org, err = orgs.CreateOrganizationWithName(ctx, r.cfg.Org)
		if err != nil {
			return fmt.Errorf("create organization %s: %w", r.cfg.Org, err)
		}
	}

	buckets := r.client.BucketsAPI()
	if _, err := buckets.FindBucketByName(ctx, r.cfg.Bucket); err == nil {
		return nil
	}
	r.logger.Info("Bucket not found, creating", "bucket", r.cfg.Bucket)
	rule := domain.RetentionRuleTypeExpire
	_, err = buckets.CreateBucketWithName(ctx, org, r.cfg.Bucket, domain.RetentionRule{
		Type:         &rule,
		EverySeconds: retentionSeconds,
	})
	if err != nil {
		return fmt.Errorf("create bucket %s: %w", r.cfg.Bucket, err)
	}
	return nil
}

// RecordDecision writes one emitted or suppressed decision.
func (r *Recorder) RecordDecision(d tracking.Decision) error {
	tags := map[string]string{
		"command": d.Command.String(),
		"target":  d.Target,
	}
	if d.Suppressed != tracking.SuppressedNone {
		tags["suppressed"] = string(d.Suppressed)
	}
	fields := map[string]any{
		"has_offset": d.HasOffset,
		"retargeted": d.Retargeted,
	}
	if d.HasOffset {
		fields["dx"] = d.Offset.DX
		fields["dy"] = d.Offset.DY
	}
	return r.write(influxdb2.NewPoint(MeasurementDecision, tags, fields, d.Time))
}

// RecordMove writes the desired position after an actuation request.
func (r *Recorder) RecordMove(thing string, x, y int, at time.Time) error {
	return r.write(influxdb2.NewPoint(MeasurementMove,
		map[string]string{"thing": thing},
		map[string]any{"x": x, "y": y},
		at,
	))
}

func (r *Recorder) write(p *influxdb2_write.Point) error {
	if r.writer != nil {
		r.writer.WritePoint(p)
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.backup == nil {
		return errors.New("telemetry recorder closed")
	}
	line := influxdb2_write.PointToLineProtocol(p, time.Nanosecond)
	if _, err := r.backup.Write([]byte(line + "\n")); err != nil {
		return fmt.Errorf("error writing to InfluxDB backup file: %w", err)
	}
	return nil
}

// Close flushes pending points and releases the connection or file.
func (r *Recorder) Close() error {
	if r.client != nil {
		r.writer.Flush()
		r.client.Close()
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.backup == nil {
		return nil
	}
	err := errors.Join(r.backup.Close(), r.file.Close())
	r.backup = nil
	return err
}
