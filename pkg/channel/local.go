package channel

import (
	"context"
	"sync"
)

// Local is an in-process channel backed by a buffered Go channel.
type Local struct {
	ch        chan Message
	done      chan struct{}
	closeOnce sync.Once
}

// NewLocal creates a local channel. Send blocks once buffer messages are
// queued and unread.
func NewLocal(buffer int) *Local {
	if buffer < 0 {
		buffer = 0
	}
	return &Local{
		ch:   make(chan Message, buffer),
		done: make(chan struct{}),
	}
}

// Send enqueues msg.
func (l *Local) Send(ctx context.Context, msg Message) error {
	select {
	case <-l.done:
		return ErrClosed
	default:
	}

	select {
	case l.ch <- msg:
		return nil
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive dequeues the next message.
func (l *Local) Receive(ctx context.Context) (Message, error) {
	select {
	case msg := <-l.ch:
		return msg, nil
	case <-l.done:
		return Message{}, ErrClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Close stops the channel. Queued messages are discarded. Idempotent.
func (l *Local) Close() error {
	l.closeOnce.Do(func() { close(l.done) })
	return nil
}
