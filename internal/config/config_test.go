package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/laserguidance/targeting/internal/vision"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(body), 0644))
	return dir
}

func TestLoad_DefaultValues(t *testing.T) {
	cfg, err := Load(writeConfig(t, `{}`))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 1, cfg.Device.ThingNumber)

	assert.Equal(t, "green", cfg.Tracking.Pointer)
	assert.Equal(t, []string{"blue"}, cfg.Tracking.Targets)
	assert.Equal(t, 50, cfg.Tracking.HitRadius)
	assert.Equal(t, 15, cfg.Tracking.NoiseThreshold)
	assert.Equal(t, 2*time.Second, cfg.Tracking.CommandInterval)

	assert.Equal(t, 11, cfg.Vision.BlurKernel)
	assert.Equal(t, 2, cfg.Vision.MorphIterations)
	assert.Equal(t, 10.0, cfg.Vision.MinRadius)
	require.Len(t, cfg.Vision.Classes, 3)
	assert.Equal(t, vision.HSV{29, 86, 6}, cfg.Vision.Classes[0].Lower)

	assert.Equal(t, TransportWebsocket, cfg.Transport.Kind)
	assert.Equal(t, time.Second, cfg.Transport.Session.MinBackoff)
	assert.Equal(t, 128*time.Second, cfg.Transport.Session.MaxBackoff)
	assert.Equal(t, 20, cfg.Transport.Session.MaxAttempts)
	assert.Equal(t, 90, cfg.Transport.Session.QueueDepth)
	assert.Equal(t, 3.0, cfg.Transport.Session.DrainRate)
	assert.Equal(t, 20*time.Second, cfg.Transport.Session.ConnectTimeout)
	assert.Equal(t, 5*time.Second, cfg.Transport.Session.OperationTimeout)

	assert.Equal(t, "Joanna", cfg.Feedback.Voice)
	assert.Equal(t, "ogg_vorbis", cfg.Feedback.Format)
	assert.Equal(t, "audio/x-l16; sample-rate=16000; channel-count=1", cfg.Feedback.ContentType)
	assert.Equal(t, 3, cfg.Feedback.Retry.MaxAttempts)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, ":8080", cfg.Broker.Addr)
	assert.False(t, cfg.Telemetry.Enabled)
	assert.False(t, cfg.OTel.Enabled)
	assert.Equal(t, 5, cfg.Commander.MoveStep)
}

func TestLoad_FileOverrides(t *testing.T) {
	dir := writeConfig(t, `{
		"logLevel": "debug",
		"device": { "dir": "/etc/lg", "thingNumber": 3 },
		"tracking": { "hitRadius": 120, "commandInterval": "1.5s", "targets": ["blue", "red"] },
		"vision": {
			"classes": [
				{ "name": "green", "lower": [29, 86, 6], "upper": [64, 255, 255] },
				{ "name": "blue", "lower": [100, 50, 50], "upper": [130, 255, 255] },
				{ "name": "red", "lower": [0, 0, 10], "upper": [10, 255, 255] }
			]
		},
		"transport": { "kind": "mqtt", "endpoint": "abc-ats.iot.us-west-2.amazonaws.com", "port": 443 }
	}`)

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/etc/lg", cfg.Device.Dir)
	assert.Equal(t, 3, cfg.Device.ThingNumber)
	assert.Equal(t, 120, cfg.Tracking.HitRadius)
	assert.Equal(t, 1500*time.Millisecond, cfg.Tracking.CommandInterval)
	assert.Equal(t, []string{"blue", "red"}, cfg.Tracking.Targets)
	assert.Equal(t, vision.HSV{100, 50, 50}, cfg.Vision.Classes[1].Lower)
	assert.Equal(t, TransportMQTT, cfg.Transport.Kind)
	assert.Equal(t, 443, cfg.Transport.Port)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("LG_TRACKING_HITRADIUS", "80")
	t.Setenv("LG_TRANSPORT_KIND", "memory")

	cfg, err := Load(writeConfig(t, `{}`))
	require.NoError(t, err)

	assert.Equal(t, 80, cfg.Tracking.HitRadius)
	assert.Equal(t, TransportMemory, cfg.Transport.Kind)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error reading config file")
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"zero hit radius", `{"tracking": {"hitRadius": 0}}`, "HitRadius"},
		{"no targets", `{"tracking": {"targets": []}}`, "Targets"},
		{"unknown transport", `{"transport": {"kind": "carrier-pigeon"}}`, "Kind"},
		{"unknown target class", `{"tracking": {"targets": ["purple"]}}`, `class "purple" has no color range`},
		{"pointer is target", `{"tracking": {"targets": ["green"]}}`, "cannot also be a target"},
		{"confirm without bot", `{"feedback": {"confirm": true}}`, "BotName"},
		{"postgres without host", `{"db": {"driver": "postgres", "host": ""}}`, "Host"},
		{"one color class", `{"vision": {"classes": [{"name": "green"}]}}`, "Classes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
