// Package config loads guidance.cfg.json into a typed, validated record.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/laserguidance/targeting/internal/database"
	"github.com/laserguidance/targeting/internal/feedback"
	"github.com/laserguidance/targeting/internal/telemetry"
	"github.com/laserguidance/targeting/internal/tracking"
	"github.com/laserguidance/targeting/internal/transport"
	"github.com/laserguidance/targeting/internal/vision"
)

// FileName is looked up in the config directory.
const FileName = "guidance.cfg.json"

// EnvPrefix prefixes environment overrides, e.g. LG_TRACKING_HITRADIUS.
const EnvPrefix = "LG"

// Transport kinds.
const (
	TransportWebsocket = "ws"
	TransportMQTT      = "mqtt"
	TransportIoTData   = "iotdata"
	TransportMemory    = "memory"
)

// Frame source kinds.
const (
	FramesZMQ    = "zmq"
	FramesCamera = "camera"
)

// Config is the full configuration shared by the binaries. Each binary
// reads the sections it needs.
type Config struct {
	LogLevel  string           `mapstructure:"logLevel" validate:"oneof=debug info warn error"`
	LogsDir   string           `mapstructure:"logsDir"`
	Device    DeviceConfig     `mapstructure:"device"`
	Tracking  tracking.Config  `mapstructure:"tracking"`
	Vision    vision.Config    `mapstructure:"vision"`
	Frames    FramesConfig     `mapstructure:"frames"`
	Transport TransportConfig  `mapstructure:"transport"`
	Feedback  feedback.Config  `mapstructure:"feedback"`
	Redis     RedisConfig      `mapstructure:"redis"`
	Database  database.Config  `mapstructure:"db"`
	Broker    BrokerConfig     `mapstructure:"broker"`
	Telemetry telemetry.Config `mapstructure:"telemetry"`
	OTel      OTelConfig       `mapstructure:"otel"`
	Actuator  ActuatorConfig   `mapstructure:"actuator"`
	Commander CommanderConfig  `mapstructure:"commander"`

	// StatusInterval between logged status snapshots; zero disables them.
	StatusInterval time.Duration `mapstructure:"statusInterval" validate:"gte=0"`
}

// DeviceConfig locates the identity files and picks the thing.
type DeviceConfig struct {
	Dir         string `mapstructure:"dir" validate:"required"`
	ThingNumber int    `mapstructure:"thingNumber" validate:"gte=0"`
}

// FramesConfig selects where camera frames come from.
type FramesConfig struct {
	Source   string `mapstructure:"source" validate:"oneof=zmq camera"`
	Endpoint string `mapstructure:"endpoint" validate:"required_if=Source zmq"`
	Camera   string `mapstructure:"camera"`
}

// TransportConfig selects and addresses the shadow service.
type TransportConfig struct {
	Kind string `mapstructure:"kind" validate:"oneof=ws mqtt iotdata memory"`
	// URL of the self-hosted broker for Kind ws.
	URL string `mapstructure:"url" validate:"required_if=Kind ws,omitempty,url"`
	// Endpoint is the AWS IoT data endpoint; empty means discover it.
	Endpoint string           `mapstructure:"endpoint"`
	Port     int              `mapstructure:"port" validate:"gte=0,lte=65535"`
	Region   string           `mapstructure:"region"`
	Prefix   string           `mapstructure:"prefix"`
	Session  transport.Config `mapstructure:"session"`
}

// RedisConfig enables the shared audio cache when Addr is set.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db" validate:"gte=0"`
	TTL      time.Duration `mapstructure:"ttl" validate:"gte=0"`
}

// BrokerConfig configures cmd/shadowd.
type BrokerConfig struct {
	Addr       string `mapstructure:"addr" validate:"required"`
	SendBuffer int    `mapstructure:"sendBuffer" validate:"gt=0"`
}

// OTelConfig controls the metric provider.
type OTelConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	ServiceName string        `mapstructure:"serviceName"`
	Interval    time.Duration `mapstructure:"interval" validate:"gte=0"`
	Output      string        `mapstructure:"output"`
}

// ActuatorConfig picks the physical actuation. An empty Command logs moves.
type ActuatorConfig struct {
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
}

// CommanderConfig tunes the guidance loop.
type CommanderConfig struct {
	MoveStep  int  `mapstructure:"moveStep" validate:"gt=0"`
	Voice     bool `mapstructure:"voice"`
	Actuation bool `mapstructure:"actuation"`
}

// Load reads FileName from configDir over the defaults, applies LG_
// environment overrides and validates the result.
func Load(configDir string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName(FileName)
	v.SetConfigType("json")
	v.AddConfigPath(configDir)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("error reading config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("error decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and that every tracked class has a
// color range.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var errs []error
	known := make([]string, 0, len(c.Vision.Classes))
	for _, cl := range c.Vision.Classes {
		known = append(known, cl.Name)
	}
	for _, name := range append([]string{c.Tracking.Pointer}, c.Tracking.Targets...) {
		if !slices.Contains(known, name) {
			errs = append(errs, fmt.Errorf("class %q has no color range", name))
		}
	}
	if slices.Contains(c.Tracking.Targets, c.Tracking.Pointer) {
		errs = append(errs, fmt.Errorf("pointer class %q cannot also be a target", c.Tracking.Pointer))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logLevel", "info")
	v.SetDefault("logsDir", "./logs")
	v.SetDefault("statusInterval", time.Minute)

	v.SetDefault("device.dir", ".")
	v.SetDefault("device.thingNumber", 1)

	tr := tracking.DefaultConfig()
	v.SetDefault("tracking.pointer", tr.Pointer)
	v.SetDefault("tracking.targets", tr.Targets)
	v.SetDefault("tracking.hitRadius", tr.HitRadius)
	v.SetDefault("tracking.noiseThreshold", tr.NoiseThreshold)
	v.SetDefault("tracking.commandInterval", tr.CommandInterval)

	vi := vision.DefaultConfig()
	v.SetDefault("vision.blurKernel", vi.BlurKernel)
	v.SetDefault("vision.morphIterations", vi.MorphIterations)
	v.SetDefault("vision.minRadius", vi.MinRadius)
	v.SetDefault("vision.classes", vi.Classes)

	v.SetDefault("frames.source", FramesZMQ)
	v.SetDefault("frames.endpoint", "tcp://127.0.0.1:5555")
	v.SetDefault("frames.camera", "0")

	v.SetDefault("transport.kind", TransportWebsocket)
	v.SetDefault("transport.url", "ws://127.0.0.1:8080/mqtt")
	v.SetDefault("transport.endpoint", "")
	v.SetDefault("transport.port", 8883)
	v.SetDefault("transport.region", "us-east-1")
	v.SetDefault("transport.prefix", "")
	ts := transport.DefaultConfig()
	v.SetDefault("transport.session.minBackoff", ts.MinBackoff)
	v.SetDefault("transport.session.maxBackoff", ts.MaxBackoff)
	v.SetDefault("transport.session.maxAttempts", ts.MaxAttempts)
	v.SetDefault("transport.session.queueDepth", ts.QueueDepth)
	v.SetDefault("transport.session.drainRate", ts.DrainRate)
	v.SetDefault("transport.session.connectTimeout", ts.ConnectTimeout)
	v.SetDefault("transport.session.operationTimeout", ts.OperationTimeout)
	v.SetDefault("transport.session.inboxSize", ts.InboxSize)

	retry := feedback.DefaultRetryPolicy()
	v.SetDefault("feedback.voice", "Joanna")
	v.SetDefault("feedback.format", "ogg_vorbis")
	v.SetDefault("feedback.confirm", false)
	v.SetDefault("feedback.botName", "")
	v.SetDefault("feedback.botAlias", "")
	v.SetDefault("feedback.contentType", feedback.DefaultContentType)
	v.SetDefault("feedback.retry.maxAttempts", retry.MaxAttempts)
	v.SetDefault("feedback.retry.initialBackoff", retry.InitialBackoff)
	v.SetDefault("feedback.retry.maxBackoff", retry.MaxBackoff)
	v.SetDefault("feedback.cacheSize", 64)
	v.SetDefault("feedback.playerCmd", []string{"ffplay", "-nodisp", "-autoexit", "-loglevel", "quiet"})

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", 24*time.Hour)

	v.SetDefault("db.driver", database.DriverSQLite)
	v.SetDefault("db.path", "shadows.db")
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", "5432")
	v.SetDefault("db.username", "postgres")
	v.SetDefault("db.password", "postgres")
	v.SetDefault("db.database", "shadows")

	v.SetDefault("broker.addr", ":8080")
	v.SetDefault("broker.sendBuffer", 256)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.url", "http://localhost:8086")
	v.SetDefault("telemetry.token", "")
	v.SetDefault("telemetry.org", "guidance")
	v.SetDefault("telemetry.bucket", "tracking")
	v.SetDefault("telemetry.provision", false)
	v.SetDefault("telemetry.backupPath", "")
	v.SetDefault("telemetry.batchSize", 100)

	v.SetDefault("otel.enabled", false)
	v.SetDefault("otel.serviceName", "laser-guidance")
	v.SetDefault("otel.interval", 30*time.Second)
	v.SetDefault("otel.output", "")

	v.SetDefault("actuator.command", "")
	v.SetDefault("actuator.args", []string{})

	v.SetDefault("commander.moveStep", 5)
	v.SetDefault("commander.voice", true)
	v.SetDefault("commander.actuation", true)
}
