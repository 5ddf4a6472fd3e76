package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/laserguidance/targeting/internal/device"
	"github.com/laserguidance/targeting/internal/shadow"
	"github.com/laserguidance/targeting/internal/transport"
)

const thing = "lg_thing_0"

type move struct{ pan, tilt int }

type fakeActuator struct {
	mu    sync.Mutex
	moves []move
	err   error
}

func (f *fakeActuator) MoveTo(_ context.Context, pan, tilt int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.moves = append(f.moves, move{pan, tilt})
	return nil
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []transport.Message
	err  error
}

func (f *fakePublisher) Publish(_ context.Context, topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, transport.Message{Topic: topic, Payload: payload})
	return nil
}

func (f *fakePublisher) messages() []transport.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.Message(nil), f.sent...)
}

var topics = shadow.NewTopics("", thing)

func TestHandle_MovesToAbsoluteDesiredAndReports(t *testing.T) {
	act := &fakeActuator{}
	pub := &fakePublisher{}
	a := New(thing, act, pub, device.Position{X: 10, Y: 10})

	err := a.Handle(context.Background(), transport.Message{
		Topic:   topics.UpdateAccepted(),
		Payload: []byte(`{"state":{"desired":{"x":40,"y":-5}},"version":3}`),
	})

	require.NoError(t, err)
	assert.Equal(t, []move{{40, -5}}, act.moves, "absolute position, not the delta")
	assert.Equal(t, device.Position{X: 40, Y: -5}, a.Position())
	require.Len(t, pub.sent, 1)
	assert.Equal(t, topics.Update(), pub.sent[0].Topic)
	assert.JSONEq(t, `{"state":{"reported":{"x":40,"y":-5}}}`, string(pub.sent[0].Payload))
}

func TestHandle_PartialDesiredKeepsOtherAxis(t *testing.T) {
	act := &fakeActuator{}
	a := New(thing, act, &fakePublisher{}, device.Position{X: 7, Y: 8})

	require.NoError(t, a.Handle(context.Background(), transport.Message{
		Topic:   topics.GetAccepted(),
		Payload: []byte(`{"state":{"desired":{"y":20},"reported":{"x":1,"y":1}}}`),
	}))

	assert.Equal(t, []move{{7, 20}}, act.moves)
}

func TestHandle_Ignores(t *testing.T) {
	tests := []struct {
		name string
		msg  transport.Message
	}{
		{"reported only", transport.Message{Topic: topics.UpdateAccepted(), Payload: []byte(`{"state":{"reported":{"x":1,"y":1}}}`)}},
		{"rejected topic", transport.Message{Topic: topics.UpdateRejected(), Payload: []byte(`{"code":409}`)}},
		{"request topic", transport.Message{Topic: topics.Update(), Payload: []byte(`{"state":{"desired":{"x":1,"y":1}}}`)}},
		{"other thing", transport.Message{Topic: shadow.NewTopics("", "lg_thing_9").UpdateAccepted(), Payload: []byte(`{"state":{"desired":{"x":1,"y":1}}}`)}},
		{"foreign topic", transport.Message{Topic: "lg/cmd", Payload: []byte(`{}`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			act := &fakeActuator{}
			pub := &fakePublisher{}
			a := New(thing, act, pub, device.Position{})

			require.NoError(t, a.Handle(context.Background(), tt.msg))
			assert.Empty(t, act.moves)
			assert.Empty(t, pub.sent)
		})
	}
}

func TestHandle_ActuatorFailureKeepsPosition(t *testing.T) {
	pub := &fakePublisher{}
	a := New(thing, &fakeActuator{err: errors.New("servo stalled")}, pub, device.Position{X: 1, Y: 2})

	err := a.Handle(context.Background(), transport.Message{
		Topic:   topics.UpdateAccepted(),
		Payload: []byte(`{"state":{"desired":{"x":5,"y":5}}}`),
	})

	assert.ErrorContains(t, err, "servo stalled")
	assert.Equal(t, device.Position{X: 1, Y: 2}, a.Position())
	assert.Empty(t, pub.sent)
}

func TestHandle_InvalidPayload(t *testing.T) {
	a := New(thing, &fakeActuator{}, &fakePublisher{}, device.Position{})

	err := a.Handle(context.Background(), transport.Message{Topic: topics.UpdateAccepted(), Payload: []byte(`{`)})

	assert.Error(t, err)
}

func TestRun_ProcessesInOrderUntilClosed(t *testing.T) {
	act := &fakeActuator{}
	pub := &fakePublisher{}
	a := New(thing, act, pub, device.Position{})
	msgs := make(chan transport.Message, 3)
	msgs <- transport.Message{Topic: topics.UpdateAccepted(), Payload: []byte(`{"state":{"desired":{"x":1,"y":0}}}`)}
	msgs <- transport.Message{Topic: topics.UpdateAccepted(), Payload: []byte(`not json`)}
	msgs <- transport.Message{Topic: topics.UpdateAccepted(), Payload: []byte(`{"state":{"desired":{"x":2,"y":0}}}`)}
	close(msgs)

	require.NoError(t, a.Run(context.Background(), msgs))

	assert.Equal(t, []move{{1, 0}, {2, 0}}, act.moves, "bad message skipped")
	assert.Equal(t, device.Position{X: 2, Y: 0}, a.Position())
	assert.Len(t, pub.messages(), 2)
}

func TestRun_StopsOnCancel(t *testing.T) {
	a := New(thing, &fakeActuator{}, &fakePublisher{}, device.Position{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, make(chan transport.Message)) }()

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestResync(t *testing.T) {
	pub := &fakePublisher{}
	a := New(thing, &fakeActuator{}, pub, device.Position{})

	require.NoError(t, a.Resync(context.Background(), nil))

	require.Len(t, pub.sent, 1)
	assert.Equal(t, topics.Get(), pub.sent[0].Topic)
	assert.Equal(t, []string{topics.GetAccepted(), topics.UpdateAccepted()}, a.Subscriptions())

	pub.err = errors.New("offline")
	assert.Error(t, a.Resync(context.Background(), nil))
}

func TestExecActuator(t *testing.T) {
	require.NoError(t, ExecActuator{Command: "true"}.MoveTo(context.Background(), 1, 2))

	err := ExecActuator{Command: "false"}.MoveTo(context.Background(), 1, 2)
	assert.ErrorContains(t, err, "actuator command false")
}

func TestLogActuator(t *testing.T) {
	assert.NoError(t, LogActuator{}.MoveTo(context.Background(), 3, 4))
}
