// Package channel carries token update messages from producing contexts to
// the coordinator.
//
// Delivery is fire-and-forget and at-most-once. Messages from one producer
// arrive in the order they were sent; there is no ordering across producers
// and no acknowledgement. The coordinator only depends on Receiver, so the
// same coordination logic runs over an in-process channel, a websocket hub or
// redis pub/sub.
package channel

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/gnana997/tokensync/pkg/tokens"
)

// MessageTypeUpdate is the only message type the coordinator acts on.
const MessageTypeUpdate = "update"

// ErrClosed is returned by Send and Receive after Close.
var ErrClosed = errors.New("channel closed")

// Message is one update on the wire.
type Message struct {
	Type     string            `json:"type"`
	State    tokens.TokenState `json:"state"`
	Producer string            `json:"producer,omitempty"`
	Seq      uint64            `json:"seq,omitempty"`
}

// NewUpdate wraps a state in an update message.
func NewUpdate(state tokens.TokenState) Message {
	return Message{Type: MessageTypeUpdate, State: state}
}

// Sender publishes messages.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Receiver yields messages in arrival order. Receive blocks until a message
// arrives, ctx is done, or the channel closes (ErrClosed).
type Receiver interface {
	Receive(ctx context.Context) (Message, error)
}

// Channel is a bidirectional transport.
type Channel interface {
	Sender
	Receiver
	Close() error
}

// producer stamps outgoing messages with a stable id and a per-producer
// sequence number.
type producer struct {
	id  string
	seq atomic.Uint64
}

func newProducer() *producer {
	return &producer{id: uuid.NewString()}
}

func (p *producer) stamp(msg Message) Message {
	if msg.Producer == "" {
		msg.Producer = p.id
	}
	msg.Seq = p.seq.Add(1)
	return msg
}
