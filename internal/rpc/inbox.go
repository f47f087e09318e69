package rpc

import (
	"context"
	"sync"

	apperrors "github.com/fhaynes/saga/pkg/errors"
)

// Sender accepts messages for the node processing loop.
type Sender interface {
	Send(ctx context.Context, msg *Message) error
}

// Inbox is the multi-producer queue feeding a node's processing loop. It is
// shared by the RPC server, the switchboard and local callers.
type Inbox struct {
	ch   chan *Message
	done chan struct{}
	once sync.Once
}

func NewInbox(size int) *Inbox {
	return &Inbox{
		ch:   make(chan *Message, size),
		done: make(chan struct{}),
	}
}

// Send queues msg, blocking while the inbox is full.
func (in *Inbox) Send(ctx context.Context, msg *Message) error {
	select {
	case <-in.done:
		return apperrors.ErrInboxClosed
	default:
	}
	select {
	case in.ch <- msg:
		return nil
	case <-in.done:
		return apperrors.ErrInboxClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Messages is the receiving end used by the processing loop.
func (in *Inbox) Messages() <-chan *Message {
	return in.ch
}

// Done is closed once the inbox stops accepting messages.
func (in *Inbox) Done() <-chan struct{} {
	return in.done
}

// Close stops the inbox. Further sends fail with ErrInboxClosed.
func (in *Inbox) Close() {
	in.once.Do(func() { close(in.done) })
}
