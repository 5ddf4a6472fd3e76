package broker

import (
	"net/http"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"

	"github.com/laserguidance/targeting/pkg/streaming"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

// client is one websocket connection. topics is guarded by Server.mu.
type client struct {
	id     string
	conn   *ws.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	topics map[string]struct{}
}

func newClient(id string, conn *ws.Conn, buffer int) *client {
	return &client{
		id:     id,
		conn:   conn,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
		topics: make(map[string]struct{}),
	}
}

// enqueue reports false when the client is gone or its queue is full.
func (c *client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.WriteControl(
			ws.CloseMessage,
			ws.FormatCloseMessage(ws.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		_ = c.conn.Close()
	})
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(ws.TextMessage, data); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(ws.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *client) ack(msgType, errMsg string) {
	kind := streaming.TypeAck
	if errMsg != "" {
		kind = streaming.TypeError
	}
	data, err := json.Marshal(streaming.AckMessage{Type: kind, For: msgType, Error: errMsg})
	if err != nil {
		return
	}
	c.enqueue(data)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get(streaming.ClientIDParam)
	if id == "" {
		http.Error(w, "client_id is required", http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("Websocket upgrade failed", "error", err)
		return
	}

	c := newClient(id, conn, s.sendBuffer)
	s.attach(c)
	s.logger.Info("Client connected", "clientId", id, "remote", r.RemoteAddr)
	go c.writeLoop()

	defer func() {
		s.detach(c)
		c.close()
		s.logger.Info("Client disconnected", "clientId", id)
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	ctx := r.Context()
	for {
		messageType, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != ws.TextMessage {
			continue
		}

		var env streaming.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.ack("", "malformed envelope")
			continue
		}

		switch env.Type {
		case streaming.TypeSubscribe:
			if len(env.Topics) == 0 {
				c.ack(env.Type, "no topics given")
				continue
			}
			s.subscribe(c, env.Topics)
			c.ack(env.Type, "")
			s.logger.Debug("Client subscribed", "clientId", id, "topics", env.Topics)
		case streaming.TypePublish:
			if env.Topic == "" {
				c.ack(env.Type, "topic is required")
				continue
			}
			s.publish(ctx, env.Topic, env.Payload)
		default:
			c.ack(env.Type, "unsupported message type")
		}
	}
}
