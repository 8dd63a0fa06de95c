package streaming

import (
	"encoding/json"
	"time"

	"github.com/geoclaim/engine/pkg/core"
)

// Message type constants matching the streaming protocol.
const (
	TypeHello   = "hello"
	TypeEvent   = "territory_event"
	TypeGoodbye = "goodbye"
)

// Envelope wraps all messages sent over the WebSocket.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// AckMessage is the server's acknowledgement response.
type AckMessage struct {
	Type string `json:"type"` // always "ack"
	For  string `json:"for"`  // the message type being acknowledged
}

// HelloPayload identifies the engine instance. It is replayed after every
// reconnect.
type HelloPayload struct {
	Service   string    `json:"service"`
	Storage   string    `json:"storage"`
	StartedAt time.Time `json:"startedAt"`
}

// EventPayload is one territory event.
type EventPayload = core.Event
