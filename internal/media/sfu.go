package media

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrResourceClosed is returned for operations against a transport or
// routing context that has already been torn down. Callers should re-issue
// the negotiation from scratch rather than retry the same handle.
var ErrResourceClosed = errors.New("media resource no longer available")

// Transport is the server-side half of a media transport handshake. Params
// carries the SFU-generated connection parameters the client needs to
// complete it.
type Transport struct {
	ID     string          `json:"id"`
	Params json.RawMessage `json:"params"`
}

// Consumer describes a subscription to a remote producer's stream.
type Consumer struct {
	ID         string          `json:"id"`
	ProducerID string          `json:"producer_id"`
	Kind       string          `json:"kind"`
	Params     json.RawMessage `json:"params"`
}

// SFU is the narrow surface of the external selective-forwarding unit the
// manager drives. Closing a routing context cascades to its transports on
// the SFU side; producer teardown is explicit.
type SFU interface {
	CreateRoutingContext(ctx context.Context, callID string) (string, error)
	CreateTransport(ctx context.Context, contextID string) (Transport, error)
	ConnectTransport(ctx context.Context, transportID string, clientParams json.RawMessage) error
	Produce(ctx context.Context, transportID, kind string, params json.RawMessage) (string, error)
	Consume(ctx context.Context, transportID, producerID string, clientCaps json.RawMessage) (Consumer, error)
	CloseProducer(ctx context.Context, producerID string) error
	CloseContext(ctx context.Context, contextID string) error
}
