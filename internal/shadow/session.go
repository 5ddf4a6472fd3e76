package shadow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/laserguidance/targeting/internal/transport"
	"github.com/laserguidance/targeting/pkg/core"
)

// Publisher sends one message. *transport.Session satisfies it.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

type response struct {
	doc core.ShadowDocument
	err error
}

// SessionBackend performs shadow get/update as request/response over a
// pub/sub session. Requests carry a clientToken; the matching accepted or
// rejected response completes the call. Responses must be fed in through
// Handle, and the session must be subscribed to the thing's response topics.
type SessionBackend struct {
	pub     Publisher
	prefix  string
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]chan response
}

// NewSessionBackend sends requests through pub under prefix and fails each
// call that receives no response within timeout.
func NewSessionBackend(pub Publisher, prefix string, timeout time.Duration) *SessionBackend {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &SessionBackend{
		pub:     pub,
		prefix:  prefix,
		timeout: timeout,
		pending: make(map[string]chan response),
	}
}

func (b *SessionBackend) Get(ctx context.Context, thing string) (core.ShadowDocument, error) {
	token := ulid.Make().String()
	payload, err := json.Marshal(struct {
		ClientToken string `json:"clientToken"`
	}{token})
	if err != nil {
		return core.ShadowDocument{}, err
	}
	return b.call(ctx, NewTopics(b.prefix, thing).Get(), token, payload)
}

func (b *SessionBackend) Update(ctx context.Context, thing string, doc core.ShadowDocument) (core.ShadowDocument, error) {
	token := ulid.Make().String()
	doc.ClientToken = token
	payload, err := Encode(doc)
	if err != nil {
		return core.ShadowDocument{}, err
	}
	return b.call(ctx, NewTopics(b.prefix, thing).Update(), token, payload)
}

func (b *SessionBackend) call(ctx context.Context, topic, token string, payload []byte) (core.ShadowDocument, error) {
	ch := make(chan response, 1)
	b.mu.Lock()
	b.pending[token] = ch
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, token)
		b.mu.Unlock()
	}()

	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	if err := b.pub.Publish(ctx, topic, payload); err != nil {
		return core.ShadowDocument{}, fmt.Errorf("publish %s: %w", topic, err)
	}

	select {
	case r := <-ch:
		return r.doc, r.err
	case <-ctx.Done():
		return core.ShadowDocument{}, fmt.Errorf("waiting for response to %s: %w", topic, ctx.Err())
	}
}

// Handle completes the pending call a response belongs to. It reports
// whether msg was such a response.
func (b *SessionBackend) Handle(msg transport.Message) bool {
	route, ok := Parse(b.prefix, msg.Topic)
	if !ok || route.Outcome == "" {
		return false
	}
	token := clientToken(msg.Payload)
	if token == "" {
		return false
	}

	b.mu.Lock()
	ch, ok := b.pending[token]
	b.mu.Unlock()
	if !ok {
		return false
	}

	var r response
	if route.Outcome == OutcomeAccepted {
		r.doc, r.err = Decode(msg.Payload)
	} else {
		r.err = rejection(msg.Payload)
	}
	select {
	case ch <- r:
	default:
	}
	return true
}

// rejection maps a rejected body onto the package sentinels.
func rejection(payload []byte) error {
	e, err := DecodeError(payload)
	if err != nil {
		return err
	}
	switch e.Code {
	case 404:
		return fmt.Errorf("%w: %s", ErrNotFound, e.Message)
	case 409:
		return fmt.Errorf("%w: %s", ErrVersionConflict, e.Message)
	default:
		return fmt.Errorf("shadow request rejected (%d): %s", e.Code, e.Message)
	}
}

// Serve feeds msgs into Handle until the channel is closed.
func (b *SessionBackend) Serve(msgs <-chan transport.Message) {
	for msg := range msgs {
		b.Handle(msg)
	}
}
