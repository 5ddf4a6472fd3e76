// Package streaming defines the websocket framing shared by the shadow
// broker and its clients.
package streaming

import (
	"encoding/json"
	"fmt"
)

// Message type constants matching the streaming protocol.
const (
	TypeSubscribe = "subscribe"
	TypePublish   = "publish"
	TypeMessage   = "message"
	TypeAck       = "ack"
	TypeError     = "error"
)

// ClientIDParam is the query parameter carrying the connection's client id.
const ClientIDParam = "client_id"

// Envelope wraps all messages sent over the WebSocket.
type Envelope struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic,omitempty"`
	Topics  []string        `json:"topics,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AckMessage is the server's acknowledgement response.
type AckMessage struct {
	Type  string `json:"type"` // always "ack" or "error"
	For   string `json:"for"`  // the message type being acknowledged
	Error string `json:"error,omitempty"`
}

// Marshal builds a JSON-encoded envelope. An empty payload is sent as {}.
func Marshal(msgType, topic string, payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("payload for %q is not valid JSON", topic)
	}
	return json.Marshal(Envelope{Type: msgType, Topic: topic, Payload: payload})
}
