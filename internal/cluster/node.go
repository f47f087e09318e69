// Package cluster implements a saga node's membership role: the RPC
// listener, the loop that processes inbound messages against the membership
// table, and the client side of registering with the metadata server.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/fhaynes/saga/internal/rpc"
	apperrors "github.com/fhaynes/saga/pkg/errors"
	"github.com/fhaynes/saga/pkg/metrics"
	"github.com/fhaynes/saga/pkg/resilience"
)

// Configuration describes a node and how it reaches the metadata server.
type Configuration struct {
	Name              string
	MetadataAddress   string
	MetadataPort      uint16
	DataPath          string
	AmMetadataServer  bool
	Inbox             *rpc.Inbox
	RPCAddress        string
	RPCPort           uint16
	Register          resilience.RetryConfig
	DialTimeout       time.Duration
	MaxFrameSize      int
	HeartbeatInterval time.Duration
}

// RegistrationState tracks a node's progress towards being registered.
type RegistrationState int

const (
	Disconnected RegistrationState = iota
	Connecting
	Registered
)

func (s RegistrationState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Registered:
		return "registered"
	default:
		return fmt.Sprintf("RegistrationState(%d)", int(s))
	}
}

// Option customizes a Node.
type Option func(*Node)

// WithMembership replaces the bolt-backed membership table.
func WithMembership(m Membership) Option {
	return func(n *Node) { n.membership = m }
}

// WithPresence mirrors heartbeats into a presence tracker.
func WithPresence(p Presence) Option {
	return func(n *Node) { n.presence = p }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(n *Node) { n.metrics = m }
}

type Node struct {
	cfg        Configuration
	membership Membership
	presence   Presence
	metrics    *metrics.Metrics
	logger     *slog.Logger

	mu    sync.Mutex
	conn  *rpc.Conn
	state RegistrationState

	serverMu sync.Mutex
	server   *rpc.Server
}

// New builds a node. It never fails: when the membership file cannot be
// opened the node keeps its table in memory, and when the metadata server is
// unreachable the connection is retried on demand.
func New(cfg Configuration, opts ...Option) *Node {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.Inbox == nil {
		cfg.Inbox = rpc.NewInbox(64)
	}
	n := &Node{
		cfg:    cfg,
		logger: slog.Default().With("component", "node", "node", cfg.Name),
	}
	for _, opt := range opts {
		opt(n)
	}

	if n.membership == nil {
		path := MembershipPath(cfg.DataPath)
		m, err := OpenBoltMembership(path)
		if err != nil {
			n.logger.Warn("membership db unavailable, using in-memory table", "path", path, "error", err)
			n.membership = NewMemoryMembership()
		} else {
			n.membership = m
		}
	}

	if !cfg.AmMetadataServer {
		conn, err := rpc.Dial(n.MetadataAddr(), cfg.DialTimeout)
		if err != nil {
			n.logger.Info("metadata server not reachable yet", "addr", n.MetadataAddr(), "error", err)
		} else {
			n.conn = conn
			n.state = Connecting
		}
	}
	return n
}

func (n *Node) Name() string { return n.cfg.Name }

func (n *Node) Membership() Membership { return n.membership }

// Inbox is where the RPC server and local callers deliver messages.
func (n *Node) Inbox() *rpc.Inbox { return n.cfg.Inbox }

func (n *Node) MetadataAddr() string {
	return net.JoinHostPort(n.cfg.MetadataAddress, strconv.Itoa(int(n.cfg.MetadataPort)))
}

func (n *Node) RPCAddr() string {
	return net.JoinHostPort(n.cfg.RPCAddress, strconv.Itoa(int(n.cfg.RPCPort)))
}

func (n *Node) State() RegistrationState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// StartRPCServer listens on the node's RPC address and serves until ctx is
// done.
func (n *Node) StartRPCServer(ctx context.Context) error {
	ln, err := net.Listen("tcp", n.RPCAddr())
	if err != nil {
		return fmt.Errorf("binding rpc listener on %s: %w", n.RPCAddr(), err)
	}
	return n.ServeRPC(ctx, ln)
}

// ServeRPC serves the RPC protocol on an existing listener until ctx is done.
func (n *Node) ServeRPC(ctx context.Context, ln net.Listener) error {
	srv := rpc.NewServer(n.cfg.Inbox, rpc.ServerConfig{
		MaxFrameSize: n.cfg.MaxFrameSize,
		Metrics:      n.metrics,
	})
	n.serverMu.Lock()
	n.server = srv
	n.serverMu.Unlock()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			srv.Stop()
		case <-stop:
		}
	}()
	err := srv.ServeListener(ln)
	srv.Stop()
	return err
}

// RPCListenAddr returns the address the RPC server is bound to, or nil
// before it starts.
func (n *Node) RPCListenAddr() net.Addr {
	n.serverMu.Lock()
	defer n.serverMu.Unlock()
	if n.server == nil {
		return nil
	}
	return n.server.Addr()
}

// ReceiveMessages processes the inbox until a SHUTDOWN message arrives, the
// inbox is closed or ctx is done. A bad message never stops the loop.
func (n *Node) ReceiveMessages(ctx context.Context) error {
	in := n.cfg.Inbox
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-in.Done():
			n.logger.Info("inbox closed, stopping message loop")
			return nil
		case msg := <-in.Messages():
			if n.handle(ctx, msg) {
				n.logger.Info("shutdown received, stopping message loop")
				return nil
			}
		}
	}
}

// handle dispatches one message and reports whether the loop should stop.
func (n *Node) handle(ctx context.Context, msg *rpc.Message) bool {
	if n.metrics != nil {
		n.metrics.RPCMessagesTotal.WithLabelValues(msg.Type.String()).Inc()
	}
	logger := n.logger.With("type", msg.Type, "message_id", msg.ID)

	switch msg.Type {
	case rpc.Heartbeat:
		n.handleHeartbeat(ctx, logger, msg)
	case rpc.Register:
		n.handleRegister(ctx, logger, msg)
	case rpc.ListNodes:
		n.handleListNodes(ctx, logger, msg)
	case rpc.Shutdown:
		n.respond(logger, msg, rpc.NewReply(msg))
		return true
	default:
		logger.Warn("ignoring message of unknown type")
		n.respond(logger, msg, rpc.NewErrorReply(msg, apperrors.ErrUnknownMessage))
	}
	return false
}

func (n *Node) handleHeartbeat(ctx context.Context, logger *slog.Logger, msg *rpc.Message) {
	if len(msg.Args) == 0 {
		logger.Debug("anonymous heartbeat")
		n.respond(logger, msg, rpc.NewReply(msg))
		return
	}
	name := msg.Args[0]
	if err := n.membership.Touch(ctx, name, time.Now().UTC()); err != nil {
		logger.Warn("heartbeat from unregistered node", "from", name, "error", err)
	}
	if n.presence != nil {
		if err := n.presence.MarkAlive(ctx, name); err != nil {
			logger.Warn("recording presence failed", "from", name, "error", err)
		}
	}
	n.respond(logger, msg, rpc.NewReply(msg))
}

func (n *Node) handleRegister(ctx context.Context, logger *slog.Logger, msg *rpc.Message) {
	member, err := parseRegisterArgs(msg.Args)
	if err != nil {
		logger.Warn("rejecting register message", "args", msg.Args, "error", err)
		n.respond(logger, msg, rpc.NewErrorReply(msg, err))
		return
	}
	if err := n.membership.RegisterNode(ctx, member); err != nil {
		logger.Error("registering node failed", "member", member.Name, "error", err)
		n.respond(logger, msg, rpc.NewErrorReply(msg, err))
		return
	}
	logger.Info("node registered", "member", member.Name, "host", member.Host, "port", member.Port)
	n.refreshNodeCount(ctx)
	n.respond(logger, msg, rpc.NewReply(msg))
}

func (n *Node) handleListNodes(ctx context.Context, logger *slog.Logger, msg *rpc.Message) {
	if msg.Reply == nil {
		logger.Warn("list nodes request without reply slot", "error", apperrors.ErrNoReplyChannel)
		return
	}
	nodes, err := n.membership.ListNodes(ctx)
	if err != nil {
		logger.Error("listing nodes failed", "error", err)
		n.respond(logger, msg, rpc.NewErrorReply(msg, err))
		return
	}
	n.respond(logger, msg, rpc.NewReply(msg, nodes...))
}

// respond answers msg when the sender attached a reply slot.
func (n *Node) respond(logger *slog.Logger, msg, reply *rpc.Message) {
	if msg.Reply == nil {
		return
	}
	if err := msg.Reply.Respond(reply); err != nil {
		logger.Warn("reply not delivered", "error", err)
	}
}

func (n *Node) refreshNodeCount(ctx context.Context) {
	if n.metrics == nil {
		return
	}
	nodes, err := n.membership.ListNodes(ctx)
	if err != nil {
		return
	}
	n.metrics.MembershipNodeCount.Set(float64(len(nodes)))
}

func parseRegisterArgs(args []string) (Member, error) {
	if len(args) != 3 {
		return Member{}, fmt.Errorf("%w: register wants name, host and port, got %d args",
			apperrors.ErrInvalidArguments, len(args))
	}
	if args[0] == "" {
		return Member{}, fmt.Errorf("%w: empty node name", apperrors.ErrInvalidArguments)
	}
	port, err := strconv.ParseUint(args[2], 10, 16)
	if err != nil {
		return Member{}, fmt.Errorf("%w: port %q: %v", apperrors.ErrInvalidArguments, args[2], err)
	}
	return Member{
		Name:      args[0],
		Host:      args[1],
		Port:      uint16(port),
		LastHeard: time.Now().UTC(),
	}, nil
}

// RegisterWithMetadataServer makes one registration attempt. With an open
// connection it writes a REGISTER message and reports the write's outcome.
// Without one it dials the metadata server, keeps the connection for the next
// call and returns an error wrapping ErrRetry whether or not the dial worked.
func (n *Node) RegisterWithMetadataServer() error {
	if n.cfg.AmMetadataServer {
		return n.registerLocally()
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.conn != nil {
		msg := rpc.NewMessage(rpc.Register, n.cfg.Name, n.cfg.RPCAddress, strconv.Itoa(int(n.cfg.RPCPort)))
		if err := n.conn.Send(msg); err != nil {
			n.conn.Close()
			n.conn = nil
			n.state = Disconnected
			n.recordAttempt("write_failed")
			return fmt.Errorf("%w: register with %s: %v", apperrors.ErrRetry, n.MetadataAddr(), err)
		}
		n.state = Registered
		n.recordAttempt("registered")
		n.logger.Info("registered with metadata server", "addr", n.MetadataAddr())
		return nil
	}

	conn, err := rpc.Dial(n.MetadataAddr(), n.cfg.DialTimeout)
	if err != nil {
		n.state = Disconnected
		n.recordAttempt("dial_failed")
		return fmt.Errorf("%w: metadata server %s unreachable: %v", apperrors.ErrRetry, n.MetadataAddr(), err)
	}
	n.conn = conn
	n.state = Connecting
	n.recordAttempt("connected")
	return fmt.Errorf("%w: connected to %s, register pending", apperrors.ErrRetry, n.MetadataAddr())
}

func (n *Node) registerLocally() error {
	member := Member{
		Name:      n.cfg.Name,
		Host:      n.cfg.RPCAddress,
		Port:      n.cfg.RPCPort,
		LastHeard: time.Now().UTC(),
	}
	if err := n.membership.RegisterNode(context.Background(), member); err != nil {
		n.recordAttempt("local_failed")
		return fmt.Errorf("registering metadata server locally: %w", err)
	}
	n.mu.Lock()
	n.state = Registered
	n.mu.Unlock()
	n.recordAttempt("registered")
	return nil
}

func (n *Node) recordAttempt(result string) {
	if n.metrics != nil {
		n.metrics.RegistrationAttempts.WithLabelValues(result).Inc()
	}
}

// RegisterUntilSuccess calls RegisterWithMetadataServer with the configured
// backoff until it succeeds, ctx is done or the attempt budget runs out.
func (n *Node) RegisterUntilSuccess(ctx context.Context) error {
	cfg := n.cfg.Register
	cfg.Retryable = apperrors.IsRetry
	return resilience.Retry(ctx, "register", cfg, n.RegisterWithMetadataServer)
}

// SendHeartbeat tells the metadata server this node is alive. The metadata
// server records its own heartbeat directly.
func (n *Node) SendHeartbeat(ctx context.Context) error {
	if n.cfg.AmMetadataServer {
		return n.membership.Touch(ctx, n.cfg.Name, time.Now().UTC())
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn == nil {
		return fmt.Errorf("%w: not connected to %s", apperrors.ErrRetry, n.MetadataAddr())
	}
	if err := n.conn.Send(rpc.NewMessage(rpc.Heartbeat, n.cfg.Name)); err != nil {
		n.conn.Close()
		n.conn = nil
		n.state = Disconnected
		return fmt.Errorf("%w: heartbeat: %v", apperrors.ErrRetry, err)
	}
	return nil
}

// RunHeartbeats sends a heartbeat every HeartbeatInterval until ctx is done.
// A lost connection sends the node back through registration.
func (n *Node) RunHeartbeats(ctx context.Context) error {
	interval := n.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			err := n.SendHeartbeat(ctx)
			if err == nil {
				continue
			}
			if !errors.Is(err, apperrors.ErrRetry) {
				n.logger.Warn("heartbeat failed", "error", err)
				continue
			}
			n.logger.Info("lost metadata server, registering again", "error", err)
			if err := n.RegisterUntilSuccess(ctx); err != nil && ctx.Err() == nil {
				n.logger.Error("re-registration failed", "error", err)
			}
		}
	}
}

// Close drops the metadata connection and closes the membership table.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.conn != nil {
		n.conn.Close()
		n.conn = nil
	}
	n.state = Disconnected
	n.mu.Unlock()
	return n.membership.Close()
}
