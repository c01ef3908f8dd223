package vines

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// mockLatency is applied to every in-memory delivery so message circulation
// paces like a real network instead of a busy loop.
const mockLatency = time.Millisecond

// MockNetwork is used as a factory that produces MockTransport instances
// which are uniquely addressed and wired up to talk to each other in
// process. Used for deterministic multi-node tests without sockets.
type MockNetwork struct {
	mu         sync.Mutex
	transports map[string]*MockTransport
	nextPort   int
}

func NewMockNetwork() *MockNetwork {
	return &MockNetwork{
		transports: make(map[string]*MockTransport),
		nextPort:   20000,
	}
}

func (n *MockNetwork) NewTransport() *MockTransport {
	n.mu.Lock()
	defer n.mu.Unlock()

	addr := fmt.Sprintf("127.0.0.1:%d", n.nextPort)
	n.nextPort++
	transport := &MockTransport{
		net:      n,
		bindAddr: addr,
		shutdown: atomic.NewBool(false),
	}
	n.transports[addr] = transport
	return transport
}

func (n *MockNetwork) lookup(addr string) (*MockTransport, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	t, ok := n.transports[addr]
	return t, ok
}

func (n *MockNetwork) remove(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	delete(n.transports, addr)
}

// MockTransport is an in-memory Transport. Conversations are a pair of
// linked endpoints; messages are delivered to the receivers handler on a
// fresh goroutine to mirror the asynchrony of a real network.
type MockTransport struct {
	net      *MockNetwork
	bindAddr string

	mu      sync.Mutex
	handler Handler

	shutdown *atomic.Bool
}

func (t *MockTransport) Serve(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.handler = h
}

func (t *MockTransport) Send(addr string, m *Message) error {
	if t.shutdown.Load() {
		return fmt.Errorf("transport is shut down")
	}

	dest, ok := t.net.lookup(addr)
	if !ok {
		return fmt.Errorf("no route to %s", addr)
	}

	_, remote := newMockConnPair(t, dest)
	remote.deliver(m)
	return nil
}

func (t *MockTransport) BindAddr() string {
	return t.bindAddr
}

func (t *MockTransport) Shutdown() error {
	t.shutdown.Store(true)
	t.net.remove(t.bindAddr)
	return nil
}

func (t *MockTransport) currentHandler() Handler {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.handler
}

// mockConn is one endpoint of an in-memory conversation. Sending on an
// endpoint delivers to the owner of the opposite endpoint.
type mockConn struct {
	owner *MockTransport
	peer  *mockConn
	// closed is shared between both endpoints; closing either side ends
	// the conversation.
	closed *atomic.Bool
}

func newMockConnPair(initiator *MockTransport, target *MockTransport) (*mockConn, *mockConn) {
	closed := atomic.NewBool(false)
	local := &mockConn{owner: initiator, closed: closed}
	remote := &mockConn{owner: target, closed: closed}
	local.peer = remote
	remote.peer = local
	return local, remote
}

func (c *mockConn) Send(m *Message) error {
	if c.closed.Load() {
		return fmt.Errorf("conversation is closed")
	}
	c.peer.deliver(m)
	return nil
}

func (c *mockConn) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *mockConn) RemoteAddr() string {
	return c.peer.owner.bindAddr
}

// deliver hands the message to this endpoints owner on a fresh goroutine.
func (c *mockConn) deliver(m *Message) {
	if c.closed.Load() || c.owner.shutdown.Load() {
		return
	}
	// A message accepted here is delivered even if the conversation closes
	// while it is in flight, matching a stream that is closed after the
	// final write.
	go func() {
		time.Sleep(mockLatency)
		if c.owner.shutdown.Load() {
			return
		}
		handler := c.owner.currentHandler()
		if handler == nil {
			return
		}
		handler(m, c)
	}()
}
