// Package stream pushes engine activity to external consumers. Integrators
// subscribe to the exchange instead of polling the REST API.
package stream

import (
	"context"
	"encoding/json"
	"time"
)

// Envelope is the wire form of every published record.
type Envelope struct {
	Kind       string          `json:"kind"`
	RoutingKey string          `json:"routing_key"`
	Payload    json.RawMessage `json:"payload"`
	EmittedAt  time.Time       `json:"emitted_at"`
}

// Publisher pushes envelopes to an external broker.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
	Close() error
}

// Nop is the default publisher when no broker is configured.
type Nop struct{}

func (Nop) Publish(context.Context, string, any) error { return nil }
func (Nop) Close() error                               { return nil }

var _ Publisher = Nop{}
