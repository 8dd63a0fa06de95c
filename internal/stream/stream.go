// Package stream relays territory events to a presentation server over a
// WebSocket. Each event is sent as a JSON envelope; the connection is
// re-established with exponential backoff when it drops.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/geoclaim/engine/internal/config"
	"github.com/geoclaim/engine/pkg/core"
	"github.com/geoclaim/engine/pkg/streaming"
)

// ErrDropped is returned by Handle when the send queue is full.
var ErrDropped = errors.New("stream send queue full")

// Relay streams territory events to the configured WebSocket endpoint.
type Relay struct {
	conn  *connection
	cfg   config.StreamConfig
	hello streaming.HelloPayload
}

// New creates a relay. hello is sent on connect and after every reconnect.
func New(cfg config.StreamConfig, hello streaming.HelloPayload, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	if hello.StartedAt.IsZero() {
		hello.StartedAt = time.Now().UTC()
	}
	return &Relay{
		conn:  newConnection(logger.With("component", "stream")),
		cfg:   cfg,
		hello: hello,
	}
}

// Start connects and waits for the server to acknowledge hello.
func (r *Relay) Start(ctx context.Context) error {
	if err := r.conn.dial(r.cfg.URL, r.cfg.Secret); err != nil {
		return err
	}

	data, err := marshalEnvelope(streaming.TypeHello, r.hello)
	if err != nil {
		return err
	}
	r.conn.mu.Lock()
	r.conn.cachedHello = data
	r.conn.mu.Unlock()

	return r.conn.sendAndWait(data, streaming.TypeHello, ackWait(ctx))
}

// Handle matches dispatcher.HandlerFunc. Events are queued, not acknowledged.
func (r *Relay) Handle(ctx context.Context, e core.Event) error {
	data, err := marshalEnvelope(streaming.TypeEvent, e)
	if err != nil {
		return err
	}
	if !r.conn.send(data) {
		return ErrDropped
	}
	return nil
}

// Close says goodbye, waiting briefly for the ack, then disconnects.
func (r *Relay) Close(ctx context.Context) error {
	var byeErr error
	if data, err := marshalEnvelope(streaming.TypeGoodbye, nil); err == nil {
		byeErr = r.conn.sendAndWait(data, streaming.TypeGoodbye, ackWait(ctx))
	}
	return errors.Join(byeErr, r.conn.close())
}

// Reconnects reports how many times the connection was re-established.
func (r *Relay) Reconnects() int {
	return r.conn.reconnectCount()
}

// marshalEnvelope builds a JSON-encoded Envelope from a message type and payload.
func marshalEnvelope(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	env := streaming.Envelope{Type: msgType, Payload: raw}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", msgType, err)
	}
	return data, nil
}

func ackWait(ctx context.Context) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d > 0 {
			return d
		}
		return time.Millisecond
	}
	return ackTimeout
}
