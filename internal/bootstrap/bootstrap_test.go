package bootstrap

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/laserguidance/targeting/internal/broker"
	"github.com/laserguidance/targeting/internal/config"
	"github.com/laserguidance/targeting/internal/shadow"
	"github.com/laserguidance/targeting/internal/transport"
	"github.com/laserguidance/targeting/pkg/streaming"
)

func startEnv(t *testing.T, extra string) (*Env, *bytes.Buffer) {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`{"logsDir": %q, "device": {"dir": %q, "thingNumber": 4}%s}`,
		filepath.Join(dir, "logs"), dir, extra)
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.FileName), []byte(body), 0o644))

	var console bytes.Buffer
	env, err := Start("test", dir, &console)
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.Close(context.Background()) })
	return env, &console
}

func TestStart_LogsToConsoleAndFile(t *testing.T) {
	env, console := startEnv(t, "")

	env.Logger.Info("probe")
	assert.Contains(t, console.String(), "probe")
	assert.Contains(t, console.String(), "binary=test")

	logs, err := filepath.Glob(filepath.Join(env.Config.LogsDir, "test.*.log"))
	require.NoError(t, err)
	require.Len(t, logs, 1)
	data, err := os.ReadFile(logs[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), "probe")
}

func TestStart_LoadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.FileName),
		[]byte(fmt.Sprintf(`{"logsDir": %q}`, filepath.Join(dir, "logs"))), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("LG_TRACKING_HITRADIUS=77\n"), 0o644))
	t.Cleanup(func() { _ = os.Unsetenv("LG_TRACKING_HITRADIUS") })

	env, err := Start("test", dir, nil)
	require.NoError(t, err)
	defer env.Close(context.Background())

	assert.Equal(t, 77, env.Config.Tracking.HitRadius)
}

func TestStart_MissingConfig(t *testing.T) {
	_, err := Start("test", t.TempDir(), nil)
	assert.ErrorContains(t, err, "error reading config file")
}

func TestDevice(t *testing.T) {
	env, _ := startEnv(t, "")

	dev, err := env.Device()
	require.NoError(t, err)

	assert.Equal(t, "lg_thing_4", dev.ThingName)
	assert.FileExists(t, filepath.Join(env.Config.Device.Dir, "lg.json"))
}

func TestShadowBackend_Memory(t *testing.T) {
	env, _ := startEnv(t, `, "transport": {"kind": "memory"}`)
	dev, err := env.Device()
	require.NoError(t, err)

	backend, sess, err := env.ShadowBackend(context.Background(), dev)
	require.NoError(t, err)

	assert.Nil(t, sess)
	assert.IsType(t, &shadow.MemoryBackend{}, backend)
}

func TestShadowBackend_WebsocketSession(t *testing.T) {
	env, console := startEnv(t, `, "transport": {"kind": "ws", "url": "ws://127.0.0.1:1/mqtt"}`)
	dev, err := env.Device()
	require.NoError(t, err)

	backend, sess, err := env.ShadowBackend(context.Background(), dev)
	require.NoError(t, err)
	require.NotNil(t, sess)
	defer sess.Close()

	assert.IsType(t, &shadow.SessionBackend{}, backend)
	assert.Equal(t, transport.StateDisconnected, sess.State())

	env.Logger.Info("tagged")
	assert.Contains(t, console.String(), "session="+transport.StateDisconnected.String())
	assert.Contains(t, console.String(), "client="+sess.ClientID())
}

func TestDialer_UnsupportedKind(t *testing.T) {
	env, _ := startEnv(t, `, "transport": {"kind": "memory"}`)
	dev, err := env.Device()
	require.NoError(t, err)

	_, err = env.Dialer(context.Background(), dev)
	assert.ErrorContains(t, err, `transport "memory" has no connection`)
}

func TestShadowBackend_SessionRequestsStateOnConnect(t *testing.T) {
	srv, err := broker.New(shadow.NewMemoryBackend())
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + broker.WebsocketPath

	// The empty get of a thing without a shadow is answered on get/rejected.
	observer, _, err := ws.DefaultDialer.Dial(url+"?"+streaming.ClientIDParam+"=observer", nil)
	require.NoError(t, err)
	defer observer.Close()
	rejected := shadow.NewTopics("", "lg_thing_4").GetRejected()
	require.NoError(t, observer.WriteJSON(streaming.Envelope{Type: streaming.TypeSubscribe, Topics: []string{rejected}}))
	var ack streaming.AckMessage
	require.NoError(t, observer.ReadJSON(&ack))
	require.Equal(t, streaming.TypeAck, ack.Type)

	env, _ := startEnv(t, fmt.Sprintf(`, "transport": {"kind": "ws", "url": %q}`, url))
	dev, err := env.Device()
	require.NoError(t, err)
	_, sess, err := env.ShadowBackend(context.Background(), dev)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sess.Run(ctx) }()

	require.NoError(t, observer.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg streaming.Envelope
	require.NoError(t, observer.ReadJSON(&msg))
	assert.Equal(t, streaming.TypeMessage, msg.Type)
	assert.Equal(t, rejected, msg.Topic)
}
