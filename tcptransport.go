package vines

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const (
	// dialTimeout bounds connection attempts to unresponsive peers.
	dialTimeout = time.Second * 5

	// streamTimeout bounds the lifetime of a single conversation. The
	// longest exchange is the three message gossip dance which completes
	// well within this.
	streamTimeout = time.Second * 10
)

// TCPTransport is a Transport implementation exchanging newline-framed JSON
// messages over TCP.
type TCPTransport struct {
	ln net.Listener

	mu      sync.Mutex
	handler Handler

	wg       sync.WaitGroup
	shutdown *atomic.Bool

	logger *zap.Logger
}

// NewTCPTransport returns a TCP transport listening on the given addr.
func NewTCPTransport(bindAddr string, logger *zap.Logger) (*TCPTransport, error) {
	ln, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to start TCP listener on %s: %w", bindAddr, err)
	}

	return &TCPTransport{
		ln:       ln,
		shutdown: atomic.NewBool(false),
		logger:   logger,
	}, nil
}

func (t *TCPTransport) Serve(h Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()

	t.wg.Add(1)
	go t.acceptLoop()
}

func (t *TCPTransport) Send(addr string, m *Message) error {
	if t.shutdown.Load() {
		return fmt.Errorf("transport is shut down")
	}

	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Now().Add(streamTimeout))

	c := newStreamConn(conn)
	if err := c.Send(m); err != nil {
		c.Close()
		return err
	}

	// Service replies arriving on this conversation.
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.readLoop(c)
	}()
	return nil
}

func (t *TCPTransport) BindAddr() string {
	return t.ln.Addr().String()
}

func (t *TCPTransport) Shutdown() error {
	// This will avoid log spam about errors when we shut down.
	t.shutdown.Store(true)

	// Close the listener, which will stop the accept loop. Open
	// conversations are left to drain; every conversation carries a
	// deadline so the wait is bounded.
	err := t.ln.Close()
	t.wg.Wait()
	return err
}

func (t *TCPTransport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || t.shutdown.Load() {
				return
			}
			t.logger.Warn("failed to accept connection", zap.Error(err))
			continue
		}

		t.logger.Debug(
			"accepted conn",
			zap.String("addr", conn.RemoteAddr().String()),
		)

		_ = conn.SetDeadline(time.Now().Add(streamTimeout))

		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.readLoop(newStreamConn(conn))
		}()
	}
}

// readLoop reads frames off the conversation until it closes, handing each
// decoded message to the handler. Unparseable frames are dropped without
// reply.
func (t *TCPTransport) readLoop(c *streamConn) {
	defer c.Close()

	r := bufio.NewReader(c.conn)
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) && !t.shutdown.Load() && !c.closed.Load() {
				t.logger.Debug("conversation closed", zap.Error(err))
			}
			return
		}

		m, err := decodeMessage(line)
		if err != nil {
			t.logger.Debug("dropping malformed message", zap.Error(err))
			continue
		}

		t.mu.Lock()
		handler := t.handler
		t.mu.Unlock()
		if handler == nil {
			continue
		}
		handler(m, c)
	}
}

// streamConn wraps a net.Conn as one side of a conversation.
type streamConn struct {
	conn   net.Conn
	mu     sync.Mutex
	closed *atomic.Bool
}

func newStreamConn(conn net.Conn) *streamConn {
	return &streamConn{
		conn:   conn,
		closed: atomic.NewBool(false),
	}
}

func (c *streamConn) Send(m *Message) error {
	b, err := encodeMessage(m)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return fmt.Errorf("conversation is closed")
	}
	if _, err := c.conn.Write(b); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (c *streamConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.Close()
}

func (c *streamConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
