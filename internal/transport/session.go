// Package transport manages one publish/subscribe session to the shadow
// service: connect, reconnect with bounded exponential backoff, offline
// queueing of publishes and resubscription on every (re)connect.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/laserguidance/targeting/internal/queue"
)

var (
	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("transport: session closed")
	// ErrReconnectExhausted is returned by Run after MaxAttempts consecutive
	// failed connection attempts.
	ErrReconnectExhausted = errors.New("transport: reconnect attempts exhausted")
)

// State is the connection lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Message is one inbound or queued outbound publication.
type Message struct {
	Topic   string
	Payload []byte
}

// Conn is one live connection. Messages may be closed once Done is, but
// never before.
type Conn interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topics ...string) error
	Messages() <-chan Message
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Dialer opens connections under a client id.
type Dialer interface {
	Dial(ctx context.Context, clientID string) (Conn, error)
}

// ConnectHook runs after every successful (re)connect and resubscription.
type ConnectHook func(ctx context.Context, s *Session) error

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		s.logger = l
	}
}

// OnConnect registers a hook run on every (re)connect.
func OnConnect(h ConnectHook) Option {
	return func(s *Session) {
		s.hooks = append(s.hooks, h)
	}
}

// Session is a managed connection. Publish and Subscribe are safe for
// concurrent use; Run drives the connection and must be called once.
type Session struct {
	cfg      Config
	dialer   Dialer
	clientID string
	logger   *slog.Logger
	hooks    []ConnectHook

	state   atomic.Int32
	offline *queue.Queue[Message]
	limiter *rate.Limiter
	inbox   chan Message
	wake    chan struct{}
	closing chan struct{}
	once    sync.Once

	mu   sync.Mutex
	conn Conn
	subs []string

	// sendMu serializes sends so a direct publish cannot overtake a queued one.
	sendMu sync.Mutex

	// OTEL metrics
	stateGauge metric.Int64ObservableGauge
	reconnects metric.Int64Counter
	published  metric.Int64Counter
	queued     metric.Int64Counter
	dropped    metric.Int64Counter
}

// NewSession builds a disconnected session.
func NewSession(dialer Dialer, clientID string, cfg Config, opts ...Option) (*Session, error) {
	if clientID == "" {
		return nil, errors.New("transport: client id is required")
	}
	if cfg.InboxSize < 1 {
		cfg.InboxSize = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	limit := rate.Inf
	if cfg.DrainRate > 0 {
		limit = rate.Limit(cfg.DrainRate)
	}

	s := &Session{
		cfg:      cfg,
		dialer:   dialer,
		clientID: clientID,
		logger:   slog.Default(),
		offline:  queue.New[Message](cfg.QueueDepth),
		limiter:  rate.NewLimiter(limit, 1),
		inbox:    make(chan Message, cfg.InboxSize),
		wake:     make(chan struct{}, 1),
		closing:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("clientId", clientID)

	if err := s.initMetrics(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) initMetrics() error {
	m := meter()
	var err error

	s.stateGauge, err = m.Int64ObservableGauge(
		"transport.session.state",
		metric.WithDescription("Connection lifecycle state (0 disconnected, 2 connected)"),
	)
	if err != nil {
		return fmt.Errorf("creating state gauge: %w", err)
	}
	_, err = m.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(s.stateGauge, int64(s.State()),
				metric.WithAttributes(attribute.String("client_id", s.clientID)))
			return nil
		},
		s.stateGauge,
	)
	if err != nil {
		return fmt.Errorf("registering state callback: %w", err)
	}

	if s.reconnects, err = m.Int64Counter("transport.reconnects",
		metric.WithDescription("Connection losses followed by a reconnect attempt")); err != nil {
		return fmt.Errorf("creating reconnects counter: %w", err)
	}
	if s.published, err = m.Int64Counter("transport.published",
		metric.WithDescription("Messages written to a live connection")); err != nil {
		return fmt.Errorf("creating published counter: %w", err)
	}
	if s.queued, err = m.Int64Counter("transport.offline.queued",
		metric.WithDescription("Publishes parked in the offline queue")); err != nil {
		return fmt.Errorf("creating queued counter: %w", err)
	}
	if s.dropped, err = m.Int64Counter("transport.offline.dropped",
		metric.WithDescription("Queued publishes evicted because the offline queue was full")); err != nil {
		return fmt.Errorf("creating dropped counter: %w", err)
	}
	return nil
}

// ClientID returns the id the session connects under.
func (s *Session) ClientID() string {
	return s.clientID
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	if prev := State(s.state.Swap(int32(st))); prev != st {
		s.logger.Debug("session state changed", "from", prev.String(), "to", st.String())
	}
}

// Messages delivers inbound publications in arrival order. It is closed
// when Run returns.
func (s *Session) Messages() <-chan Message {
	return s.inbox
}

// Pending returns the number of queued outbound publishes.
func (s *Session) Pending() int {
	return s.offline.Len()
}

// Subscribe records topics and, when connected, subscribes immediately.
// Recorded topics are resubscribed on every reconnect.
func (s *Session) Subscribe(ctx context.Context, topics ...string) error {
	if s.isClosed() {
		return ErrClosed
	}
	s.mu.Lock()
	for _, t := range topics {
		if !slices.Contains(s.subs, t) {
			s.subs = append(s.subs, t)
		}
	}
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	octx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()
	if err := conn.Subscribe(octx, topics...); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

// Publish sends payload on topic. While disconnected, or while older
// publishes are still queued, the message joins the offline queue instead.
func (s *Session) Publish(ctx context.Context, topic string, payload []byte) error {
	if s.isClosed() {
		return ErrClosed
	}
	msg := Message{Topic: topic, Payload: payload}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		s.enqueue(msg)
		return nil
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if !s.offline.Empty() {
		s.enqueue(msg)
		return nil
	}

	octx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()
	if err := conn.Publish(octx, topic, payload); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("publish failed, queueing", "topic", topic, "error", err)
		s.enqueue(msg)
		return nil
	}
	s.published.Add(ctx, 1)
	return nil
}

func (s *Session) enqueue(msg Message) {
	ctx := context.Background()
	if dropped := s.offline.Push(msg); dropped > 0 {
		s.dropped.Add(ctx, int64(dropped))
		s.logger.Warn("offline queue full, dropped oldest", "dropped", dropped, "depth", s.cfg.QueueDepth)
	}
	s.queued.Add(ctx, 1)
	s.signal()
}

func (s *Session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Close stops Run and rejects further operations.
func (s *Session) Close() error {
	s.once.Do(func() { close(s.closing) })
	return nil
}

func (s *Session) isClosed() bool {
	select {
	case <-s.closing:
		return true
	default:
		return false
	}
}

// Run connects and keeps the session alive until ctx is done or Close is
// called, both of which return nil. It returns ErrReconnectExhausted when
// MaxAttempts consecutive attempts fail.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.inbox)
	defer s.setState(StateDisconnected)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.closing:
			cancel()
		case <-ctx.Done():
		}
	}()

	initial := true
	for {
		conn, err := s.connect(ctx, initial)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		initial = false

		lost := s.serve(ctx, conn)
		if ctx.Err() != nil {
			return nil
		}
		s.reconnects.Add(ctx, 1)
		s.logger.Warn("connection lost", "error", lost)
	}
}

func (s *Session) connect(ctx context.Context, initial bool) (Conn, error) {
	state := StateReconnecting
	if initial {
		state = StateConnecting
	}

	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		s.setState(state)

		dctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		conn, err := s.dialer.Dial(dctx, s.clientID)
		cancel()
		if err == nil {
			if err = s.attach(ctx, conn); err == nil {
				s.logger.Info("connected", "attempt", attempt)
				return conn, nil
			}
			s.detach(conn)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err
		backoff := s.cfg.Backoff(attempt)
		s.logger.Warn("connect failed", "attempt", attempt, "maxAttempts", s.cfg.MaxAttempts, "backoff", backoff, "error", err)
		if attempt == s.cfg.MaxAttempts {
			break
		}
		if err := sleep(ctx, backoff); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrReconnectExhausted, s.cfg.MaxAttempts, lastErr)
}

// attach makes conn the live connection and subscribes every recorded
// topic. Publishing the connection and snapshotting the topics under one
// lock means a concurrent Subscribe either lands in the snapshot or sees conn.
func (s *Session) attach(ctx context.Context, conn Conn) error {
	s.mu.Lock()
	s.conn = conn
	subs := slices.Clone(s.subs)
	s.mu.Unlock()
	if len(subs) == 0 {
		return nil
	}
	octx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()
	if err := conn.Subscribe(octx, subs...); err != nil {
		return fmt.Errorf("resubscribe: %w", err)
	}
	return nil
}

func (s *Session) detach(conn Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	_ = conn.Close()
}

// serve owns conn until it is lost or ctx ends.
func (s *Session) serve(ctx context.Context, conn Conn) error {
	s.setState(StateConnected)
	defer s.detach(conn)

	for _, h := range s.hooks {
		if err := h(ctx, s); err != nil {
			s.logger.Error("connect hook failed", "error", err)
		}
	}

	dctx, stopDrain := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.drain(dctx, conn)
	}()
	defer func() {
		stopDrain()
		wg.Wait()
	}()
	s.signal()

	msgs := conn.Messages()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-conn.Done():
			return s.connErr(conn)
		case msg, ok := <-msgs:
			if !ok {
				<-conn.Done()
				return s.connErr(conn)
			}
			select {
			case s.inbox <- msg:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (s *Session) connErr(conn Conn) error {
	if err := conn.Err(); err != nil {
		return err
	}
	return errors.New("connection closed by peer")
}

// drain flushes the offline queue at DrainRate while conn is live. A failed
// send stays at the head of the queue and is retried after a backoff.
func (s *Session) drain(ctx context.Context, conn Conn) {
	failures := 0
	for {
		if s.offline.Empty() {
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
			}
			continue
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}

		msg, err := s.sendQueued(ctx, conn)
		if err == nil {
			failures = 0
			continue
		}
		if ctx.Err() != nil {
			return
		}
		failures++
		backoff := s.cfg.Backoff(failures)
		s.logger.Warn("offline drain interrupted", "topic", msg.Topic, "pending", s.offline.Len(), "backoff", backoff, "error", err)
		if err := sleep(ctx, backoff); err != nil {
			return
		}
	}
}

// sendQueued publishes the head of the offline queue, putting it back on
// failure.
func (s *Session) sendQueued(ctx context.Context, conn Conn) (Message, error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	msg, ok := s.offline.Pop()
	if !ok {
		return Message{}, nil
	}
	octx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	err := conn.Publish(octx, msg.Topic, msg.Payload)
	cancel()
	if err != nil {
		if !s.offline.PushFront(msg) {
			s.dropped.Add(context.Background(), 1)
		}
		return msg, err
	}
	s.published.Add(ctx, 1)
	return msg, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
