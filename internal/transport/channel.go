package transport

import (
	"context"
)

// Channel carries one JSON document per frame in each direction. Receive
// returns io.EOF once the peer is gone for good.
type Channel interface {
	Receive(ctx context.Context) ([]byte, error)
	Send(ctx context.Context, payload []byte) error
}

// Receiver is the inbound half of a Channel.
type Receiver interface {
	Receive(ctx context.Context) ([]byte, error)
}

// Sender is the outbound half of a Channel.
type Sender interface {
	Send(ctx context.Context, payload []byte) error
}

type split struct {
	Receiver
	Sender
}

// Split joins an inbound and an outbound transport into one Channel.
func Split(in Receiver, out Sender) Channel {
	return split{Receiver: in, Sender: out}
}
