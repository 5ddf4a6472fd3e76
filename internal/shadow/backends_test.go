package shadow

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/iotdataplane"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/laserguidance/targeting/internal/transport"
	"github.com/laserguidance/targeting/pkg/core"
)

// fakeShadowService serves the IoT data-plane shadow REST routes from a
// MemoryBackend.
func fakeShadowService(t *testing.T, mem *MemoryBackend) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/things/"), "/shadow")
		fail := func(status int, code, msg string) {
			w.Header().Set("X-Amzn-Errortype", code)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = io.WriteString(w, `{"message":"`+msg+`"}`)
		}

		switch r.Method {
		case http.MethodGet:
			doc, err := mem.Get(r.Context(), name)
			if err != nil {
				fail(http.StatusNotFound, iotdataplane.ErrCodeResourceNotFoundException, "No shadow exists with name: "+name)
				return
			}
			body, _ := Encode(doc)
			_, _ = w.Write(body)
		case http.MethodPost:
			raw, _ := io.ReadAll(r.Body)
			doc, err := Decode(raw)
			if err != nil {
				fail(http.StatusBadRequest, iotdataplane.ErrCodeInvalidRequestException, "bad payload")
				return
			}
			acc, err := mem.Update(r.Context(), name, doc)
			if err != nil {
				fail(http.StatusConflict, iotdataplane.ErrCodeConflictException, "Version conflict")
				return
			}
			body, _ := Encode(acc)
			_, _ = w.Write(body)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
}

func newIoTDataBackend(t *testing.T, srv *httptest.Server) *IoTDataBackend {
	t.Helper()
	sess, err := session.NewSession(&aws.Config{
		Region:      aws.String("us-east-1"),
		Endpoint:    aws.String(srv.URL),
		Credentials: credentials.NewStaticCredentials("AKID", "SECRET", ""),
		MaxRetries:  aws.Int(0),
	})
	require.NoError(t, err)
	return NewIoTDataBackend(iotdataplane.New(sess))
}

func TestIoTDataBackend_StoreContract(t *testing.T) {
	mem := NewMemoryBackend()
	srv := fakeShadowService(t, mem)
	defer srv.Close()
	s := NewStore(newIoTDataBackend(t, srv))
	ctx := context.Background()

	x, y, err := s.GetCurrent(ctx, thing)
	require.NoError(t, err, "ResourceNotFoundException means origin")
	assert.Equal(t, []int{0, 0}, []int{x, y})

	require.NoError(t, s.SetDesired(ctx, thing, 3, 4))
	x, y, err = s.GetCurrent(ctx, thing)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4}, []int{x, y})

	x, y, err = s.MoveRight(ctx, thing, 5)
	require.NoError(t, err)
	assert.Equal(t, []int{8, 4}, []int{x, y})
}

func TestIoTDataBackend_ErrorMapping(t *testing.T) {
	mem := NewMemoryBackend()
	srv := fakeShadowService(t, mem)
	defer srv.Close()
	b := newIoTDataBackend(t, srv)
	ctx := context.Background()

	_, err := b.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = b.Update(ctx, thing, core.ShadowDocument{State: core.ShadowState{Desired: core.At(1, 1)}})
	require.NoError(t, err)
	_, err = b.Update(ctx, thing, core.ShadowDocument{State: core.ShadowState{Desired: core.At(2, 2)}, Version: 9})
	assert.ErrorIs(t, err, ErrVersionConflict)
}

// loopback answers requests the way the shadow service would, by feeding
// responses back into the backend.
type loopback struct {
	mu      sync.Mutex
	backend *SessionBackend
	mem     *MemoryBackend
	silent  bool
	topics  []string
}

func (l *loopback) Publish(ctx context.Context, topic string, payload []byte) error {
	l.mu.Lock()
	l.topics = append(l.topics, topic)
	silent := l.silent
	l.mu.Unlock()
	if silent {
		return nil
	}

	route, ok := Parse("", topic)
	if !ok {
		return nil
	}
	token := clientToken(payload)
	tp := NewTopics("", route.Thing)
	reply := func(topic string, body []byte) {
		go l.backend.Handle(transport.Message{Topic: topic, Payload: body})
	}

	switch route.Operation {
	case OpGet:
		doc, err := l.mem.Get(ctx, route.Thing)
		if err != nil {
			body, _ := EncodeError(core.ShadowError{Code: 404, Message: "not found", ClientToken: token})
			reply(tp.GetRejected(), body)
			return nil
		}
		doc.ClientToken = token
		body, _ := Encode(doc)
		reply(tp.GetAccepted(), body)
	case OpUpdate:
		doc, _ := Decode(payload)
		acc, err := l.mem.Update(ctx, route.Thing, doc)
		if err != nil {
			body, _ := EncodeError(core.ShadowError{Code: 409, Message: "Version conflict", ClientToken: token})
			reply(tp.UpdateRejected(), body)
			return nil
		}
		body, _ := Encode(acc)
		reply(tp.UpdateAccepted(), body)
	}
	return nil
}

func newLoopback() *loopback {
	l := &loopback{mem: NewMemoryBackend()}
	l.backend = NewSessionBackend(l, "", time.Second)
	return l
}

func TestSessionBackend_StoreContract(t *testing.T) {
	l := newLoopback()
	s := NewStore(l.backend)
	ctx := context.Background()

	x, y, err := s.GetCurrent(ctx, thing)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 0}, []int{x, y})

	require.NoError(t, s.SetDesired(ctx, thing, 3, 4))
	x, y, err = s.GetCurrent(ctx, thing)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4}, []int{x, y})

	_, y, err = s.MoveUp(ctx, thing, 10)
	require.NoError(t, err)
	assert.Equal(t, 14, y)

	assert.Equal(t, NewTopics("", thing).Get(), l.topics[0])
}

func TestSessionBackend_VersionConflict(t *testing.T) {
	l := newLoopback()
	ctx := context.Background()
	_, err := l.backend.Update(ctx, thing, core.ShadowDocument{State: core.ShadowState{Reported: core.At(0, 0)}})
	require.NoError(t, err)

	_, err = l.backend.Update(ctx, thing, core.ShadowDocument{Version: 5})

	assert.ErrorIs(t, err, ErrVersionConflict)
}

func TestSessionBackend_Timeout(t *testing.T) {
	l := newLoopback()
	l.silent = true
	l.backend.timeout = 20 * time.Millisecond

	_, err := l.backend.Get(context.Background(), thing)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, l.backend.pending, "pending call cleaned up")
}

func TestSessionBackend_HandleIgnoresForeignMessages(t *testing.T) {
	b := NewSessionBackend(&loopback{}, "", time.Second)

	assert.False(t, b.Handle(transport.Message{Topic: "$aws/things/t/shadow/update", Payload: []byte(`{"clientToken":"x"}`)}))
	assert.False(t, b.Handle(transport.Message{Topic: "$aws/things/t/shadow/update/accepted", Payload: []byte(`{}`)}))
	assert.False(t, b.Handle(transport.Message{Topic: "$aws/things/t/shadow/update/accepted", Payload: []byte(`{"clientToken":"unknown"}`)}))
	assert.False(t, b.Handle(transport.Message{Topic: "sensors/temp", Payload: []byte(`{}`)}))
}
