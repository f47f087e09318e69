package rpc

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// Conn is an outbound connection to a peer's RPC server. Writes are
// serialized so a Conn may be shared.
type Conn struct {
	conn net.Conn
	mu   sync.Mutex
}

// Dial connects to the RPC server at addr.
func Dial(addr string, timeout time.Duration) (*Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	return &Conn{conn: conn}, nil
}

// Send writes msg as one frame.
func (c *Conn) Send(msg *Message) error {
	frame, err := Encode(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("sending %s to %s: %w", msg.Type, c.conn.RemoteAddr(), err)
	}
	return nil
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close closes the underlying TCP connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}
