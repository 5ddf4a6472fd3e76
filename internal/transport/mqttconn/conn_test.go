package mqttconn

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/iot"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/laserguidance/targeting/internal/transport"
)

type doneToken struct {
	err  error
	done chan struct{}
}

func completed(err error) *doneToken {
	t := &doneToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func pending() *doneToken {
	return &doneToken{done: make(chan struct{})}
}

func (t *doneToken) Wait() bool {
	<-t.done
	return true
}

func (t *doneToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *doneToken) Done() <-chan struct{} { return t.done }
func (t *doneToken) Error() error          { return t.err }

type fakeMessage struct {
	mqtt.Message
	topic   string
	payload []byte
}

func (m fakeMessage) Topic() string   { return m.topic }
func (m fakeMessage) Payload() []byte { return m.payload }

type fakeClient struct {
	mqtt.Client
	opts       *mqtt.ClientOptions
	connectErr error
	connectTok *doneToken

	mu           sync.Mutex
	published    []string
	subscribed   map[string]byte
	handler      mqtt.MessageHandler
	disconnected bool
}

func (c *fakeClient) Connect() mqtt.Token {
	if c.connectTok != nil {
		return c.connectTok
	}
	return completed(c.connectErr)
}

func (c *fakeClient) Publish(topic string, qos byte, _ bool, _ interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, topic)
	return completed(nil)
}

func (c *fakeClient) SubscribeMultiple(filters map[string]byte, cb mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed = filters
	c.handler = cb
	return completed(nil)
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
}

func dialFake(t *testing.T, fc *fakeClient, d *Dialer) transport.Conn {
	t.Helper()
	d.newClient = func(o *mqtt.ClientOptions) mqtt.Client {
		fc.opts = o
		return fc
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	conn, err := d.Dial(ctx, "dev_abc")
	require.NoError(t, err)
	return conn
}

func TestDial_Options(t *testing.T) {
	fc := &fakeClient{}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}

	dialFake(t, fc, &Dialer{Endpoint: "abc-ats.iot.us-east-1.amazonaws.com", TLS: tlsCfg})

	require.Len(t, fc.opts.Servers, 1)
	assert.Equal(t, "ssl://abc-ats.iot.us-east-1.amazonaws.com:8883", fc.opts.Servers[0].String())
	assert.Equal(t, "dev_abc", fc.opts.ClientID)
	assert.False(t, fc.opts.AutoReconnect, "session owns reconnects")
	assert.True(t, fc.opts.CleanSession)
	assert.Empty(t, fc.opts.TLSConfig.NextProtos)
}

func TestDial_ALPNOn443(t *testing.T) {
	fc := &fakeClient{}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}

	dialFake(t, fc, &Dialer{Endpoint: "host", Port: 443, TLS: tlsCfg})

	assert.Equal(t, []string{"x-amzn-mqtt-ca"}, fc.opts.TLSConfig.NextProtos)
	assert.Empty(t, tlsCfg.NextProtos, "caller's config untouched")
}

func TestDial_ConnectError(t *testing.T) {
	fc := &fakeClient{connectErr: errors.New("not authorized")}
	d := &Dialer{Endpoint: "host", newClient: func(*mqtt.ClientOptions) mqtt.Client { return fc }}

	_, err := d.Dial(context.Background(), "id")

	assert.ErrorContains(t, err, "not authorized")
}

func TestDial_HonoursContext(t *testing.T) {
	fc := &fakeClient{connectTok: pending()}
	d := &Dialer{Endpoint: "host", newClient: func(*mqtt.ClientOptions) mqtt.Client { return fc }}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := d.Dial(ctx, "id")

	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConnection_SubscribeDeliverPublish(t *testing.T) {
	fc := &fakeClient{}
	conn := dialFake(t, fc, &Dialer{Endpoint: "host"})
	ctx := context.Background()

	require.NoError(t, conn.Subscribe(ctx, "a", "b"))
	assert.Equal(t, map[string]byte{"a": 1, "b": 1}, fc.subscribed)

	fc.handler(fc, fakeMessage{topic: "a", payload: []byte(`{"n":1}`)})
	select {
	case msg := <-conn.Messages():
		assert.Equal(t, "a", msg.Topic)
		assert.JSONEq(t, `{"n":1}`, string(msg.Payload))
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}

	require.NoError(t, conn.Publish(ctx, "c", []byte(`{}`)))
	assert.Equal(t, []string{"c"}, fc.published)
}

func TestConnection_LostClosesDone(t *testing.T) {
	fc := &fakeClient{}
	conn := dialFake(t, fc, &Dialer{Endpoint: "host"})

	fc.opts.OnConnectionLost(fc, errors.New("EOF"))

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed")
	}
	assert.ErrorContains(t, conn.Err(), "mqtt connection lost")
	assert.ErrorIs(t, conn.Publish(context.Background(), "x", nil), transport.ErrClosed)
}

func TestConnection_Close(t *testing.T) {
	fc := &fakeClient{}
	conn := dialFake(t, fc, &Dialer{Endpoint: "host"})

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	assert.True(t, fc.disconnected)
	assert.NoError(t, conn.Err())
}

func writePEM(t *testing.T, path, kind string, der []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: kind, Bytes: der}), 0o600))
}

func TestLoadTLS(t *testing.T) {
	dir := t.TempDir()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "lg_thing_0"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	certFile := filepath.Join(dir, "lg_thing_0.pem")
	keyFile := filepath.Join(dir, "lg_thing_0.prv")
	caFile := filepath.Join(dir, "aws-iot-rootCA.crt")
	writePEM(t, certFile, "CERTIFICATE", der)
	writePEM(t, keyFile, "EC PRIVATE KEY", keyDER)
	writePEM(t, caFile, "CERTIFICATE", der)

	cfg, err := LoadTLS(certFile, keyFile, caFile)
	require.NoError(t, err)
	assert.Len(t, cfg.Certificates, 1)
	assert.NotNil(t, cfg.RootCAs)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)

	require.NoError(t, os.WriteFile(caFile, []byte("not a pem"), 0o600))
	_, err = LoadTLS(certFile, keyFile, caFile)
	assert.ErrorContains(t, err, "no certificates found")

	_, err = LoadTLS(filepath.Join(dir, "missing.pem"), keyFile, caFile)
	assert.ErrorContains(t, err, "load client certificate")
}

func newIoTClient(t *testing.T, handler http.HandlerFunc) *iot.IoT {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	sess, err := session.NewSession(&aws.Config{
		Region:      aws.String("us-east-1"),
		Endpoint:    aws.String(srv.URL),
		Credentials: credentials.NewStaticCredentials("AKID", "SECRET", ""),
		MaxRetries:  aws.Int(0),
	})
	require.NoError(t, err)
	return iot.New(sess)
}

func TestDiscover(t *testing.T) {
	var gotType string
	api := newIoTClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotType = r.URL.Query().Get("endpointType")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"endpointAddress":"abc-ats.iot.us-east-1.amazonaws.com"}`))
	})

	addr, err := Discover(context.Background(), api)

	require.NoError(t, err)
	assert.Equal(t, "abc-ats.iot.us-east-1.amazonaws.com", addr)
	assert.Equal(t, EndpointType, gotType)
}

func TestDiscover_Empty(t *testing.T) {
	api := newIoTClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})

	_, err := Discover(context.Background(), api)

	assert.ErrorIs(t, err, errNoEndpoint)
}
