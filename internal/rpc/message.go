// Package rpc implements the node-to-node message protocol: a JSON message
// envelope carried in length-prefixed frames over TCP, the in-process inbox
// those messages are delivered to, and one-shot reply slots for callers that
// wait on an answer.
package rpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/fhaynes/saga/pkg/errors"
)

// MessageType is the kind of a Message.
type MessageType int

const (
	Heartbeat MessageType = iota + 1
	Register
	ListNodes
	Shutdown
)

var messageTypeNames = map[MessageType]string{
	Heartbeat: "HEARTBEAT",
	Register:  "REGISTER",
	ListNodes: "LIST_NODES",
	Shutdown:  "SHUTDOWN",
}

func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("MessageType(%d)", int(t))
}

func ParseMessageType(s string) (MessageType, error) {
	for t, name := range messageTypeNames {
		if name == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", apperrors.ErrUnknownMessage, s)
}

func (t MessageType) MarshalText() ([]byte, error) {
	name, ok := messageTypeNames[t]
	if !ok {
		return nil, fmt.Errorf("%w: %d", apperrors.ErrUnknownMessage, int(t))
	}
	return []byte(name), nil
}

func (t *MessageType) UnmarshalText(b []byte) error {
	parsed, err := ParseMessageType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Message is the envelope exchanged between nodes and between in-process
// callers and the node loop. Reply is local only and never serialized.
type Message struct {
	Type         MessageType `json:"message_type"`
	ID           uuid.UUID   `json:"message_id"`
	CreationTime time.Time   `json:"creation_time"`
	Args         []string    `json:"args"`
	Error        string      `json:"error,omitempty"`
	Reply        *ReplySlot  `json:"-"`
}

// NewMessage stamps a fresh id and creation time.
func NewMessage(t MessageType, args ...string) *Message {
	if args == nil {
		args = []string{}
	}
	return &Message{
		Type:         t,
		ID:           uuid.New(),
		CreationTime: time.Now().UTC(),
		Args:         args,
	}
}

// NewReply builds the answer to m. The reply carries its own id.
func NewReply(m *Message, args ...string) *Message {
	return NewMessage(m.Type, args...)
}

// NewErrorReply builds an answer to m carrying err.
func NewErrorReply(m *Message, err error) *Message {
	r := NewMessage(m.Type)
	r.Error = err.Error()
	return r
}

// ReplySlot carries exactly one reply back to a waiting caller.
type ReplySlot struct {
	ch   chan *Message
	once sync.Once
}

func NewReplySlot() *ReplySlot {
	return &ReplySlot{ch: make(chan *Message, 1)}
}

// Respond delivers msg. Only the first call succeeds.
func (s *ReplySlot) Respond(msg *Message) error {
	sent := false
	s.once.Do(func() {
		s.ch <- msg
		sent = true
	})
	if !sent {
		return apperrors.ErrReplyAlreadySent
	}
	return nil
}

// Wait blocks until a reply arrives or ctx is done.
func (s *ReplySlot) Wait(ctx context.Context) (*Message, error) {
	select {
	case msg := <-s.ch:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
