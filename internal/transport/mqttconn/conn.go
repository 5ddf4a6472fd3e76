// Package mqttconn is a transport.Dialer for the AWS IoT MQTT broker, built
// on paho. Paho's own reconnect is disabled; transport.Session owns
// reconnection, backoff and offline queueing.
package mqttconn

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/laserguidance/targeting/internal/transport"
)

const (
	// DefaultPort is the AWS IoT MQTT over TLS port.
	DefaultPort = 8883
	// alpnPort serves MQTT on 443 when the client offers alpnProtocol.
	alpnPort     = 443
	alpnProtocol = "x-amzn-mqtt-ca"

	defaultKeepAlive  = 30 * time.Second
	defaultQoS        = 1
	inboxSize         = 256
	disconnectQuiesce = 250
)

// Dialer connects to Endpoint with client certificate authentication.
type Dialer struct {
	Endpoint  string
	Port      int
	TLS       *tls.Config
	KeepAlive time.Duration
	QoS       byte
	Logger    *slog.Logger

	newClient func(*mqtt.ClientOptions) mqtt.Client
}

// LoadTLS builds a client TLS config from the certificate, key and root CA
// files.
func LoadTLS(certFile, keyFile, caFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load client certificate: %w", err)
	}
	ca, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read root CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(ca) {
		return nil, fmt.Errorf("no certificates found in %s", caFile)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func (d *Dialer) options(clientID string) *mqtt.ClientOptions {
	port := d.Port
	if port == 0 {
		port = DefaultPort
	}
	keepAlive := d.KeepAlive
	if keepAlive == 0 {
		keepAlive = defaultKeepAlive
	}

	var tlsCfg *tls.Config
	if d.TLS != nil {
		tlsCfg = d.TLS.Clone()
		if port == alpnPort {
			tlsCfg.NextProtos = []string{alpnProtocol}
		}
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("ssl://%s:%d", d.Endpoint, port))
	opts.SetClientID(clientID)
	opts.SetTLSConfig(tlsCfg)
	opts.SetKeepAlive(keepAlive)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetOrderMatters(true)
	return opts
}

// Dial connects and returns once the broker has acknowledged the session.
func (d *Dialer) Dial(ctx context.Context, clientID string) (transport.Conn, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	qos := d.QoS
	if qos == 0 {
		qos = defaultQoS
	}

	c := &connection{
		qos:    qos,
		msgs:   make(chan transport.Message, inboxSize),
		done:   make(chan struct{}),
		logger: logger.With("clientId", clientID),
	}

	opts := d.options(clientID)
	if deadline, ok := ctx.Deadline(); ok {
		opts.SetConnectTimeout(time.Until(deadline))
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.fail(fmt.Errorf("mqtt connection lost: %w", err))
	})
	opts.SetDefaultPublishHandler(c.deliver)

	newClient := d.newClient
	if newClient == nil {
		newClient = mqtt.NewClient
	}
	c.client = newClient(opts)

	if err := wait(ctx, c.client.Connect()); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", d.Endpoint, err)
	}
	c.logger.Debug("MQTT connected", "endpoint", d.Endpoint)
	return c, nil
}

// connection adapts a connected paho client to transport.Conn.
type connection struct {
	client mqtt.Client
	qos    byte
	msgs   chan transport.Message
	done   chan struct{}
	once   sync.Once

	mu  sync.Mutex
	err error

	logger *slog.Logger
}

func (c *connection) Messages() <-chan transport.Message { return c.msgs }
func (c *connection) Done() <-chan struct{}              { return c.done }

func (c *connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *connection) Publish(ctx context.Context, topic string, payload []byte) error {
	if c.closed() {
		return transport.ErrClosed
	}
	return wait(ctx, c.client.Publish(topic, c.qos, false, payload))
}

func (c *connection) Subscribe(ctx context.Context, topics ...string) error {
	if c.closed() {
		return transport.ErrClosed
	}
	filters := make(map[string]byte, len(topics))
	for _, t := range topics {
		filters[t] = c.qos
	}
	if err := wait(ctx, c.client.SubscribeMultiple(filters, c.deliver)); err != nil {
		return fmt.Errorf("mqtt subscribe: %w", err)
	}
	return nil
}

// deliver runs on paho's router goroutine; with ordering on, blocking here
// applies backpressure instead of reordering.
func (c *connection) deliver(_ mqtt.Client, m mqtt.Message) {
	msg := transport.Message{Topic: m.Topic(), Payload: append([]byte(nil), m.Payload()...)}
	select {
	case c.msgs <- msg:
	case <-c.done:
	}
}

func (c *connection) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *connection) fail(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
		c.logger.Warn("MQTT connection failed", "error", err)
	})
}

func (c *connection) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.client.Disconnect(disconnectQuiesce)
	})
	return nil
}

// wait blocks until t completes or ctx ends.
func wait(ctx context.Context, t mqtt.Token) error {
	select {
	case <-t.Done():
		return t.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
