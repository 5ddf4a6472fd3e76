// Package wsconn is a transport.Dialer speaking the streaming envelope
// protocol of the self-hosted shadow broker over gorilla/websocket.
package wsconn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"

	"github.com/laserguidance/targeting/internal/transport"
	"github.com/laserguidance/targeting/pkg/streaming"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	sendChSize = 256
	ackChSize  = 16
	inboxSize  = 256
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	closeWait  = time.Second
)

// Dialer connects to a broker URL such as ws://host:8883/mqtt.
type Dialer struct {
	URL    string
	Header http.Header
	Logger *slog.Logger
	WS     *ws.Dialer
}

// Dial opens a connection identified by clientID.
func (d *Dialer) Dial(ctx context.Context, clientID string) (transport.Conn, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid websocket URL: %w", err)
	}
	q := u.Query()
	q.Set(streaming.ClientIDParam, clientID)
	u.RawQuery = q.Encode()

	dialer := d.WS
	if dialer == nil {
		dialer = ws.DefaultDialer
	}
	raw, _, err := dialer.DialContext(ctx, u.String(), d.Header)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := newConnection(raw, logger.With("clientId", clientID))
	go c.writeLoop()
	go c.readLoop()
	return c, nil
}

type outgoing struct {
	data   []byte
	result chan error
}

// connection owns one websocket with a single write goroutine.
type connection struct {
	conn   *ws.Conn
	sendCh chan outgoing
	ackCh  chan streaming.AckMessage
	msgs   chan transport.Message
	done   chan struct{}
	once   sync.Once

	mu  sync.Mutex
	err error

	logger *slog.Logger
}

func newConnection(conn *ws.Conn, logger *slog.Logger) *connection {
	return &connection{
		conn:   conn,
		sendCh: make(chan outgoing, sendChSize),
		ackCh:  make(chan streaming.AckMessage, ackChSize),
		msgs:   make(chan transport.Message, inboxSize),
		done:   make(chan struct{}),
		logger: logger,
	}
}

func (c *connection) Messages() <-chan transport.Message { return c.msgs }
func (c *connection) Done() <-chan struct{}              { return c.done }

func (c *connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Publish writes a publish envelope and waits for the write to complete.
func (c *connection) Publish(ctx context.Context, topic string, payload []byte) error {
	data, err := streaming.Marshal(streaming.TypePublish, topic, payload)
	if err != nil {
		return err
	}
	return c.write(ctx, data)
}

// Subscribe sends a subscribe envelope and waits for the broker's ack.
func (c *connection) Subscribe(ctx context.Context, topics ...string) error {
	data, err := json.Marshal(streaming.Envelope{Type: streaming.TypeSubscribe, Topics: topics})
	if err != nil {
		return fmt.Errorf("marshal subscribe envelope: %w", err)
	}
	if err := c.write(ctx, data); err != nil {
		return err
	}
	for {
		select {
		case ack := <-c.ackCh:
			if ack.For != streaming.TypeSubscribe {
				continue
			}
			if ack.Type == streaming.TypeError {
				return fmt.Errorf("subscribe rejected: %s", ack.Error)
			}
			return nil
		case <-ctx.Done():
			return fmt.Errorf("waiting for subscribe ack: %w", ctx.Err())
		case <-c.done:
			return c.closedErr()
		}
	}
}

func (c *connection) write(ctx context.Context, data []byte) error {
	req := outgoing{data: data, result: make(chan error, 1)}
	select {
	case c.sendCh <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return c.closedErr()
	}
	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return c.closedErr()
	}
}

func (c *connection) closedErr() error {
	if err := c.Err(); err != nil {
		return err
	}
	return transport.ErrClosed
}

// writeLoop serializes writes and keeps the connection alive with pings.
func (c *connection) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case req := <-c.sendCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				req.result <- err
				c.fail(fmt.Errorf("set write deadline: %w", err))
				return
			}
			if err := c.conn.WriteMessage(ws.TextMessage, req.data); err != nil {
				req.result <- err
				c.fail(fmt.Errorf("websocket write: %w", err))
				return
			}
			req.result <- nil
		case <-ticker.C:
			if err := c.conn.WriteControl(ws.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.fail(fmt.Errorf("websocket ping: %w", err))
				return
			}
		}
	}
}

// readLoop routes message envelopes to msgs and acks to ackCh.
func (c *connection) readLoop() {
	defer close(c.msgs)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.fail(fmt.Errorf("websocket read: %w", err))
			}
			return
		}

		var env streaming.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.logger.Debug("Malformed frame received", "raw", string(raw))
			continue
		}

		switch env.Type {
		case streaming.TypeMessage:
			select {
			case c.msgs <- transport.Message{Topic: env.Topic, Payload: []byte(env.Payload)}:
			case <-c.done:
				return
			}
		case streaming.TypeAck, streaming.TypeError:
			var ack streaming.AckMessage
			if err := json.Unmarshal(raw, &ack); err != nil {
				continue
			}
			select {
			case c.ackCh <- ack:
			default:
				c.logger.Debug("Ack channel full, dropping", "for", ack.For)
			}
		default:
			c.logger.Debug("Unexpected frame type", "type", env.Type)
		}
	}
}

func (c *connection) fail(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
		_ = c.conn.Close()
	})
}

// Close sends a close frame and releases the socket.
func (c *connection) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.WriteControl(
			ws.CloseMessage,
			ws.FormatCloseMessage(ws.CloseNormalClosure, ""),
			time.Now().Add(closeWait),
		)
		err = c.conn.Close()
	})
	if errors.Is(err, ws.ErrCloseSent) {
		return nil
	}
	return err
}
