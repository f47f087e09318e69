package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	apperrors "github.com/fhaynes/saga/pkg/errors"
	"github.com/fhaynes/saga/pkg/metrics"
)

// ServerConfig tunes the RPC server. Zero values select defaults.
type ServerConfig struct {
	MaxFrameSize int
	Metrics      *metrics.Metrics
}

// Server accepts TCP connections and forwards every decoded message into
// the node inbox. Each connection is served by its own goroutine.
type Server struct {
	inbox    Sender
	cfg      ServerConfig
	listener net.Listener
	logger   *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once
}

func NewServer(inbox Sender, cfg ServerConfig) *Server {
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = DefaultMaxFrameSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		inbox:  inbox,
		cfg:    cfg,
		logger: slog.Default().With("component", "rpc-server"),
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[net.Conn]struct{}),
		done:   make(chan struct{}),
	}
}

// Serve listens on addr and blocks until Stop is called.
func (s *Server) Serve(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.ServeListener(ln)
}

// ServeListener accepts connections on ln until Stop is called.
func (s *Server) ServeListener(ln net.Listener) error {
	s.mu.Lock()
	if s.stopping() {
		s.mu.Unlock()
		return ln.Close()
	}
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("rpc server listening", "addr", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Error("accept error", "error", err)
			continue
		}
		if !s.track(conn) {
			conn.Close()
			return nil
		}
		go s.handleConn(conn)
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return false
	default:
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RPCActiveConnections.Inc()
	}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[conn]; ok {
		delete(s.conns, conn)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RPCActiveConnections.Dec()
		}
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer conn.Close()

	logger := s.logger.With("remote", conn.RemoteAddr().String())
	logger.Debug("connection accepted")

	for {
		msg, err := ReadFrame(conn, s.cfg.MaxFrameSize)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			logger.Debug("peer closed connection")
			return
		case errors.Is(err, ErrMalformedFrame):
			logger.Warn("discarding undecodable frame", "error", err)
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.RPCDecodeErrorsTotal.Inc()
			}
			continue
		default:
			if s.stopping() {
				return
			}
			logger.Warn("closing connection after read error", "error", err)
			return
		}

		if err := s.inbox.Send(s.ctx, msg); err != nil {
			if errors.Is(err, apperrors.ErrInboxClosed) || s.stopping() {
				logger.Info("inbox unavailable, closing connection", "error", err)
				return
			}
			logger.Error("forwarding message failed", "type", msg.Type, "error", err)
			return
		}
		logger.Debug("message forwarded", "type", msg.Type, "message_id", msg.ID)
	}
}

func (s *Server) stopping() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and every open connection, then waits for the
// connection handlers to return.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		close(s.done)
		s.cancel()
		if s.listener != nil {
			s.listener.Close()
		}
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
		s.wg.Wait()
		s.logger.Info("rpc server stopped")
	})
}
