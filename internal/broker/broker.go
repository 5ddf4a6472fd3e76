// Package broker is the self-hosted stand-in for the AWS IoT message broker
// and device shadow service. Clients connect over websocket with a client
// id, subscribe to exact topic names and publish envelopes. Publishes to a
// thing's shadow get and update topics are served from a shadow.Backend and
// answered on the matching accepted or rejected topic. The same shadows are
// reachable over the IoT data-plane REST routes.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/laserguidance/targeting/internal/shadow"
	"github.com/laserguidance/targeting/pkg/core"
	"github.com/laserguidance/targeting/pkg/streaming"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// WebsocketPath is where clients upgrade.
const WebsocketPath = "/mqtt"

const (
	defaultSendBuffer = 256
	defaultOpTimeout  = 5 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// Lister is implemented by backends that can enumerate their things.
type Lister interface {
	Things(ctx context.Context) ([]string, error)
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithPrefix overrides the shadow topic root.
func WithPrefix(prefix string) Option {
	return func(s *Server) {
		s.prefix = prefix
	}
}

// WithSendBuffer bounds each client's outbound queue. Messages for a client
// whose queue is full are dropped.
func WithSendBuffer(n int) Option {
	return func(s *Server) {
		s.sendBuffer = n
	}
}

// WithOperationTimeout bounds each backend call.
func WithOperationTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.opTimeout = d
	}
}

// Server routes messages between connected clients.
type Server struct {
	backend    shadow.Backend
	store      *shadow.Store
	prefix     string
	logger     *slog.Logger
	sendBuffer int
	opTimeout  time.Duration
	upgrader   ws.Upgrader
	now        func() time.Time

	mu      sync.RWMutex
	clients map[string]*client
	subs    map[string]map[*client]struct{}

	connected metric.Int64ObservableGauge
	routed    metric.Int64Counter
	dropped   metric.Int64Counter
	shadowOps metric.Int64Counter
}

// New creates a server answering shadow requests from backend. A nil
// backend turns the server into a plain relay.
func New(backend shadow.Backend, opts ...Option) (*Server, error) {
	s := &Server{
		backend:    backend,
		prefix:     shadow.DefaultPrefix,
		logger:     slog.Default(),
		sendBuffer: defaultSendBuffer,
		opTimeout:  defaultOpTimeout,
		upgrader: ws.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		now:     time.Now,
		clients: make(map[string]*client),
		subs:    make(map[string]map[*client]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if backend != nil {
		s.store = shadow.NewStore(announcing{s}, shadow.WithLogger(s.logger))
	}

	m := meter()
	var err error

	s.connected, err = m.Int64ObservableGauge(
		"broker.clients.connected",
		metric.WithDescription("Current number of connected clients"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating connected gauge: %w", err)
	}
	_, err = m.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(s.connected, int64(s.ClientCount()))
			return nil
		},
		s.connected,
	)
	if err != nil {
		return nil, fmt.Errorf("registering connected callback: %w", err)
	}

	s.routed, err = m.Int64Counter(
		"broker.messages.routed",
		metric.WithDescription("Total messages delivered to subscribers"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating routed counter: %w", err)
	}

	s.dropped, err = m.Int64Counter(
		"broker.messages.dropped",
		metric.WithDescription("Total messages dropped because a client queue was full"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating dropped counter: %w", err)
	}

	s.shadowOps, err = m.Int64Counter(
		"broker.shadow.operations",
		metric.WithDescription("Total shadow get and update requests served"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating shadow operations counter: %w", err)
	}

	return s, nil
}

// Handler returns the websocket, REST and health routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(WebsocketPath, s.handleWS)
	mux.HandleFunc("GET /things", s.handleListThings)
	mux.HandleFunc("GET /things/{thing}/shadow", s.handleGetShadow)
	mux.HandleFunc("POST /things/{thing}/shadow", s.handleUpdateShadow)
	mux.HandleFunc("POST /things/{thing}/move", s.handleMove)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		s.Close()
	}()

	s.logger.Info("Shadow broker listening", "addr", addr, "prefix", s.prefix)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close disconnects every client.
func (s *Server) Close() {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for id, c := range s.clients {
		clients = append(clients, c)
		s.dropLocked(c)
		delete(s.clients, id)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

// ClientCount reports the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// attach registers c, disconnecting any earlier client with the same id.
func (s *Server) attach(c *client) {
	s.mu.Lock()
	old := s.clients[c.id]
	if old != nil {
		s.dropLocked(old)
	}
	s.clients[c.id] = c
	s.mu.Unlock()

	if old != nil {
		s.logger.Info("Client id reused, closing previous connection", "clientId", c.id)
		old.close()
	}
}

func (s *Server) detach(c *client) {
	s.mu.Lock()
	if s.clients[c.id] == c {
		delete(s.clients, c.id)
	}
	s.dropLocked(c)
	s.mu.Unlock()
}

// dropLocked removes c's subscriptions. Callers hold s.mu.
func (s *Server) dropLocked(c *client) {
	for topic := range c.topics {
		if set := s.subs[topic]; set != nil {
			delete(set, c)
			if len(set) == 0 {
				delete(s.subs, topic)
			}
		}
	}
	clear(c.topics)
}

func (s *Server) subscribe(c *client, topics []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, topic := range topics {
		set := s.subs[topic]
		if set == nil {
			set = make(map[*client]struct{})
			s.subs[topic] = set
		}
		set[c] = struct{}{}
		c.topics[topic] = struct{}{}
	}
}

// route delivers payload to every subscriber of topic.
func (s *Server) route(ctx context.Context, topic string, payload []byte) {
	data, err := streaming.Marshal(streaming.TypeMessage, topic, payload)
	if err != nil {
		s.logger.Warn("Dropping unroutable message", "topic", topic, "error", err)
		return
	}

	s.mu.RLock()
	targets := make([]*client, 0, len(s.subs[topic]))
	for c := range s.subs[topic] {
		targets = append(targets, c)
	}
	s.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if c.enqueue(data) {
			delivered++
			continue
		}
		s.dropped.Add(ctx, 1)
		s.logger.Warn("Client queue full, dropping message", "clientId", c.id, "topic", topic)
	}
	if delivered > 0 {
		s.routed.Add(ctx, int64(delivered))
	}
}

// publish relays a client publish and serves it when it is a shadow request.
func (s *Server) publish(ctx context.Context, topic string, payload []byte) {
	s.route(ctx, topic, payload)

	r, ok := shadow.Parse(s.prefix, topic)
	if !ok || r.Outcome != "" || s.backend == nil {
		return
	}

	tp := shadow.NewTopics(s.prefix, r.Thing)
	accepted, rejected := tp.GetAccepted(), tp.GetRejected()
	if r.Operation == shadow.OpUpdate {
		accepted, rejected = tp.UpdateAccepted(), tp.UpdateRejected()
	}

	opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	var doc core.ShadowDocument
	req, err := shadow.Decode(payload)
	if err == nil {
		switch r.Operation {
		case shadow.OpGet:
			doc, err = s.get(opCtx, r.Thing, req)
		case shadow.OpUpdate:
			doc, err = s.update(opCtx, r.Thing, req)
		}
	} else {
		err = errInvalidJSON
	}

	if err != nil {
		body, encErr := shadow.EncodeError(s.rejection(r.Thing, req.ClientToken, err))
		if encErr == nil {
			s.route(ctx, rejected, body)
		}
		return
	}
	if r.Operation == shadow.OpGet {
		body, encErr := shadow.Encode(doc)
		if encErr == nil {
			s.route(ctx, accepted, body)
		}
	}
}

var (
	errInvalidJSON    = errors.New("payload contains invalid json")
	errMissingState   = errors.New("missing required node: state")
	errUnknownCommand = errors.New("unknown move command")
)

func (s *Server) get(ctx context.Context, thing string, req core.ShadowDocument) (core.ShadowDocument, error) {
	s.shadowOps.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", shadow.OpGet)))
	doc, err := s.backend.Get(ctx, thing)
	if err != nil {
		return core.ShadowDocument{}, err
	}
	doc.ClientToken = req.ClientToken
	return doc, nil
}

// update applies req and announces the accepted document on update/accepted.
func (s *Server) update(ctx context.Context, thing string, req core.ShadowDocument) (core.ShadowDocument, error) {
	s.shadowOps.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", shadow.OpUpdate)))
	if req.State.Desired.Empty() && req.State.Reported.Empty() {
		return core.ShadowDocument{}, errMissingState
	}
	doc, err := s.backend.Update(ctx, thing, req)
	if err != nil {
		return core.ShadowDocument{}, err
	}
	body, err := shadow.Encode(doc)
	if err != nil {
		return core.ShadowDocument{}, err
	}
	s.route(ctx, shadow.NewTopics(s.prefix, thing).UpdateAccepted(), body)
	s.logger.Debug("Shadow updated", "thing", thing, "version", doc.Version)
	return doc, nil
}

// rejection builds the error body for err, using the service's status codes.
func (s *Server) rejection(thing, token string, err error) core.ShadowError {
	e := core.ShadowError{ClientToken: token, Timestamp: s.now().Unix()}
	switch {
	case errors.Is(err, errInvalidJSON):
		e.Code, e.Message = http.StatusBadRequest, "Payload contains invalid json"
	case errors.Is(err, errMissingState):
		e.Code, e.Message = http.StatusBadRequest, "Missing required node: state"
	case errors.Is(err, errUnknownCommand):
		e.Code, e.Message = http.StatusBadRequest, "Unknown move command"
	case errors.Is(err, shadow.ErrNotFound):
		e.Code, e.Message = http.StatusNotFound, "No shadow exists with name: '"+thing+"'"
	case errors.Is(err, shadow.ErrVersionConflict):
		e.Code, e.Message = http.StatusConflict, "Version conflict"
	default:
		s.logger.Error("Shadow request failed", "thing", thing, "error", err)
		e.Code, e.Message = http.StatusInternalServerError, "Internal service failure"
	}
	return e
}
