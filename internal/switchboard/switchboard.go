// Package switchboard lets in-process callers such as HTTP handlers talk to
// the node processing loop and wait for its answer.
package switchboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fhaynes/saga/internal/rpc"
	apperrors "github.com/fhaynes/saga/pkg/errors"
	"github.com/fhaynes/saga/pkg/metrics"
	"github.com/fhaynes/saga/pkg/tracing"
)

// Switchboard wraps the node's inbox. Sends are serialized by a lock that is
// released before waiting on the reply.
type Switchboard struct {
	mu      sync.Mutex
	sender  rpc.Sender
	metrics *metrics.Metrics
	logger  *slog.Logger
}

type Option func(*Switchboard)

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Switchboard) { s.metrics = m }
}

func New(sender rpc.Sender, opts ...Option) *Switchboard {
	s := &Switchboard{
		sender: sender,
		logger: slog.Default().With("component", "switchboard"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SendAndWait attaches a fresh reply slot to msg, queues it and blocks until
// the reply arrives or ctx is done. Failures to queue are reported as
// ErrInternal, a missed deadline as ErrTimeout, and an error carried in the
// reply is returned as an error.
func (s *Switchboard) SendAndWait(ctx context.Context, msg *rpc.Message) (*rpc.Message, error) {
	ctx, span := tracing.Start(ctx, "switchboard."+msg.Type.String())
	reply, err := s.sendAndWait(ctx, msg)
	span.End(err)
	return reply, err
}

func (s *Switchboard) sendAndWait(ctx context.Context, msg *rpc.Message) (*rpc.Message, error) {
	start := time.Now()
	msg.Reply = rpc.NewReplySlot()

	s.mu.Lock()
	err := s.sender.Send(ctx, msg)
	s.mu.Unlock()
	if err != nil {
		s.logger.Error("queueing message failed", "type", msg.Type, "message_id", msg.ID, "error", err)
		return nil, fmt.Errorf("%w: queueing %s: %v", apperrors.ErrInternal, msg.Type, err)
	}

	reply, err := msg.Reply.Wait(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: waiting for %s reply", apperrors.ErrTimeout, msg.Type)
		}
		return nil, fmt.Errorf("%w: waiting for %s reply: %v", apperrors.ErrInternal, msg.Type, err)
	}
	if s.metrics != nil {
		s.metrics.SwitchboardRoundTrip.WithLabelValues(msg.Type.String()).Observe(time.Since(start).Seconds())
	}
	if reply.Error != "" {
		return reply, fmt.Errorf("%w: %s", apperrors.ErrInternal, reply.Error)
	}
	return reply, nil
}

// ListNodes asks the node for every registered node name.
func (s *Switchboard) ListNodes(ctx context.Context) ([]string, error) {
	reply, err := s.SendAndWait(ctx, rpc.NewMessage(rpc.ListNodes))
	if err != nil {
		return nil, err
	}
	return reply.Args, nil
}

// Register asks the node to record a member.
func (s *Switchboard) Register(ctx context.Context, name, host string, port uint16) error {
	_, err := s.SendAndWait(ctx, rpc.NewMessage(rpc.Register, name, host, fmt.Sprint(port)))
	return err
}
