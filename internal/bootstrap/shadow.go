package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/iot"
	"github.com/aws/aws-sdk-go/service/iotdataplane"

	"github.com/laserguidance/targeting/internal/config"
	"github.com/laserguidance/targeting/internal/device"
	"github.com/laserguidance/targeting/internal/shadow"
	"github.com/laserguidance/targeting/internal/transport"
	"github.com/laserguidance/targeting/internal/transport/mqttconn"
	"github.com/laserguidance/targeting/internal/transport/wsconn"
)

// AWS returns a session for the configured region using the shared
// credential chain.
func (e *Env) AWS() (*session.Session, error) {
	sess, err := session.NewSessionWithOptions(session.Options{
		Config:            aws.Config{Region: aws.String(e.Config.Transport.Region)},
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return nil, fmt.Errorf("create AWS session: %w", err)
	}
	return sess, nil
}

// Endpoint returns the configured IoT data endpoint, asking the IoT
// control plane when none is set.
func (e *Env) Endpoint(ctx context.Context, sess *session.Session) (string, error) {
	if ep := e.Config.Transport.Endpoint; ep != "" {
		return ep, nil
	}
	ep, err := mqttconn.Discover(ctx, iot.New(sess))
	if err != nil {
		return "", err
	}
	e.Logger.Info("Discovered IoT endpoint", "endpoint", ep)
	return ep, nil
}

// Dialer builds the connection dialer for transport kinds ws and mqtt.
func (e *Env) Dialer(ctx context.Context, dev *device.Context) (transport.Dialer, error) {
	tc := e.Config.Transport
	switch tc.Kind {
	case config.TransportWebsocket:
		return &wsconn.Dialer{URL: tc.URL, Logger: e.Logger}, nil
	case config.TransportMQTT:
		sess, err := e.AWS()
		if err != nil {
			return nil, err
		}
		endpoint, err := e.Endpoint(ctx, sess)
		if err != nil {
			return nil, err
		}
		tlsCfg, err := mqttconn.LoadTLS(dev.CertFile(), dev.KeyFile(), dev.RootCAFile())
		if err != nil {
			return nil, err
		}
		return &mqttconn.Dialer{Endpoint: endpoint, Port: tc.Port, TLS: tlsCfg, Logger: e.Logger}, nil
	default:
		return nil, fmt.Errorf("transport %q has no connection", tc.Kind)
	}
}

// Session builds a managed connection for dev. hooks run on every
// (re)connect. The caller runs it.
func (e *Env) Session(ctx context.Context, dev *device.Context, hooks ...transport.ConnectHook) (*transport.Session, error) {
	dialer, err := e.Dialer(ctx, dev)
	if err != nil {
		return nil, err
	}
	opts := []transport.Option{transport.WithLogger(e.Logger)}
	for _, h := range hooks {
		opts = append(opts, transport.OnConnect(h))
	}
	s, err := transport.NewSession(dialer, dev.ClientID(nil), e.Config.Transport.Session, opts...)
	if err != nil {
		return nil, err
	}
	e.Track(s)
	e.Logger = e.Logger.With("client", s.ClientID())
	return s, nil
}

// ShadowBackend returns the backend for dev's thing. For session based
// kinds it also returns the session, already subscribed to the response
// topics and pumping them into the backend once run.
func (e *Env) ShadowBackend(ctx context.Context, dev *device.Context) (shadow.Backend, *transport.Session, error) {
	tc := e.Config.Transport
	switch tc.Kind {
	case config.TransportMemory:
		return shadow.NewMemoryBackend(), nil, nil
	case config.TransportIoTData:
		sess, err := e.AWS()
		if err != nil {
			return nil, nil, err
		}
		endpoint, err := e.Endpoint(ctx, sess)
		if err != nil {
			return nil, nil, err
		}
		if !strings.Contains(endpoint, "://") {
			endpoint = "https://" + endpoint
		}
		api := iotdataplane.New(sess, aws.NewConfig().WithEndpoint(endpoint))
		return shadow.NewIoTDataBackend(api), nil, nil
	}

	topics := shadow.NewTopics(tc.Prefix, dev.ThingName)
	s, err := e.Session(ctx, dev, resync(topics))
	if err != nil {
		return nil, nil, err
	}
	backend := shadow.NewSessionBackend(s, tc.Prefix, tc.Session.OperationTimeout)
	if err := s.Subscribe(ctx, topics.Subscriptions()...); err != nil {
		return nil, nil, err
	}
	go backend.Serve(s.Messages())
	return backend, s, nil
}

// resync publishes an empty get on every (re)connect. The answer carries no
// client token, so SessionBackend lets it pass.
func resync(topics shadow.Topics) transport.ConnectHook {
	return func(ctx context.Context, s *transport.Session) error {
		return s.Publish(ctx, topics.Get(), []byte("{}"))
	}
}
