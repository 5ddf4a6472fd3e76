// Package agent is the actuator side of the shadow protocol. It applies the
// desired position from shadow responses to the mount and reports the
// position it reached.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/laserguidance/targeting/internal/device"
	"github.com/laserguidance/targeting/internal/shadow"
	"github.com/laserguidance/targeting/internal/transport"
	"github.com/laserguidance/targeting/pkg/core"
)

// Publisher sends shadow requests. *transport.Session satisfies it.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Option configures an Agent.
type Option func(*Agent)

// WithLogger sets the agent's logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) {
		a.logger = l
	}
}

// WithPrefix overrides the shadow topic root.
func WithPrefix(prefix string) Option {
	return func(a *Agent) {
		a.prefix = prefix
	}
}

// Agent tracks the mount position of one thing.
type Agent struct {
	thing  string
	prefix string
	topics shadow.Topics
	act    Actuator
	pub    Publisher
	logger *slog.Logger

	mu   sync.Mutex
	x, y int
}

// New builds an agent for thing starting at start.
func New(thing string, act Actuator, pub Publisher, start device.Position, opts ...Option) *Agent {
	a := &Agent{
		thing:  thing,
		prefix: shadow.DefaultPrefix,
		act:    act,
		pub:    pub,
		logger: slog.Default(),
		x:      start.X,
		y:      start.Y,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.topics = shadow.NewTopics(a.prefix, thing)
	a.logger = a.logger.With("thing", thing)
	return a
}

// Subscriptions are the topics the agent reacts to.
func (a *Agent) Subscriptions() []string {
	return a.topics.Responses()
}

// Position returns the last position the mount reached.
func (a *Agent) Position() device.Position {
	a.mu.Lock()
	defer a.mu.Unlock()
	return device.Position{X: a.x, Y: a.y}
}

// Resync requests the full shadow. It is meant to run on every connect.
func (a *Agent) Resync(ctx context.Context, _ *transport.Session) error {
	if err := a.pub.Publish(ctx, a.topics.Get(), []byte("{}")); err != nil {
		return fmt.Errorf("request shadow: %w", err)
	}
	return nil
}

// Run handles messages in order until ctx is done or msgs is closed.
// Failed messages are logged and skipped.
func (a *Agent) Run(ctx context.Context, msgs <-chan transport.Message) error {
	a.logger.Info("Actuator agent started", "x", a.x, "y", a.y)
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			if err := a.Handle(ctx, msg); err != nil {
				a.logger.Error("Failed to apply shadow message", "topic", msg.Topic, "error", err)
			}
		}
	}
}

// Handle applies one message. Messages without a desired position, or
// not addressed to this thing's accepted topics, are ignored.
func (a *Agent) Handle(ctx context.Context, msg transport.Message) error {
	route, ok := shadow.Parse(a.prefix, msg.Topic)
	if !ok || route.Thing != a.thing || route.Outcome != shadow.OutcomeAccepted {
		return nil
	}
	doc, err := shadow.Decode(msg.Payload)
	if err != nil {
		return err
	}
	if doc.State.Desired.Empty() {
		return nil
	}

	a.mu.Lock()
	x, y := doc.State.Desired.Apply(a.x, a.y)
	dx, dy := x-a.x, y-a.y
	a.mu.Unlock()

	a.logger.Debug("Desired position received", "x", x, "y", y, "dx", dx, "dy", dy, "version", doc.Version)
	if err := a.act.MoveTo(ctx, x, y); err != nil {
		return fmt.Errorf("move to (%d,%d): %w", x, y, err)
	}

	a.mu.Lock()
	a.x, a.y = x, y
	a.mu.Unlock()

	payload, err := shadow.Encode(core.ShadowDocument{State: core.ShadowState{Reported: core.At(x, y)}})
	if err != nil {
		return err
	}
	if err := a.pub.Publish(ctx, a.topics.Update(), payload); err != nil {
		return fmt.Errorf("report position: %w", err)
	}
	a.logger.Info("Moved arm", "x", x, "y", y)
	return nil
}
