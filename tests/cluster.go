package tests

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/0x00A/vines"
	multierror "github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// ChannelSubscriber buffers engine events on channels so tests can wait on
// them with a timeout. Full buffers drop events rather than block.
type ChannelSubscriber struct {
	QuorumCh   chan vines.Event
	DeadlineCh chan vines.Event
}

func NewChannelSubscriber() *ChannelSubscriber {
	return &ChannelSubscriber{
		QuorumCh:   make(chan vines.Event, 64),
		DeadlineCh: make(chan vines.Event, 64),
	}
}

func (s *ChannelSubscriber) Notify(e vines.Event) {
	switch e.Kind {
	case vines.EventQuorum:
		select {
		case s.QuorumCh <- e:
		default:
		}
	case vines.EventDeadline:
		select {
		case s.DeadlineCh <- e:
		default:
		}
	}
}

func (s *ChannelSubscriber) WaitQuorumWithTimeout(t time.Duration) (vines.Event, bool) {
	select {
	case e := <-s.QuorumCh:
		return e, true
	case <-time.After(t):
		return vines.Event{}, false
	}
}

func (s *ChannelSubscriber) WaitDeadlineWithTimeout(t time.Duration) (vines.Event, bool) {
	select {
	case e := <-s.DeadlineCh:
		return e, true
	case <-time.After(t):
		return vines.Event{}, false
	}
}

// Cluster manages a set of local nodes used for testing.
type Cluster struct {
	nodes map[string]*vines.Vines
}

func NewCluster() *Cluster {
	return &Cluster{
		nodes: make(map[string]*vines.Vines),
	}
}

// AddNode starts a node listening on an ephemeral local port.
func (c *Cluster) AddNode(id string, timeout time.Duration) (*vines.Vines, error) {
	logger := zap.NewNop()

	// Let the system assign a free port.
	transport, err := vines.NewTCPTransport("127.0.0.1:0", logger)
	if err != nil {
		return nil, err
	}

	node, err := vines.Create(&vines.Config{
		UUID:              id,
		Transport:         transport,
		Timeout:           timeout,
		HeartbeatInterval: time.Millisecond * 20,
		ListInterval:      time.Millisecond * 50,
		HashInterval:      time.Millisecond * 50,
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}
	if err := node.Listen(); err != nil {
		return nil, err
	}

	c.nodes[id] = node
	return node, nil
}

// JoinAll seeds every node other than seed with the seed nodes address.
func (c *Cluster) JoinAll(seed *vines.Vines) error {
	host, port, err := HostPort(seed)
	if err != nil {
		return err
	}

	var errs error
	for _, node := range c.nodes {
		if node == seed {
			continue
		}
		if err := node.Join(port, host); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs
}

func (c *Cluster) Shutdown() error {
	var errs error
	for _, node := range c.nodes {
		if err := node.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs
}

// HostPort splits a nodes bound address.
func HostPort(node *vines.Vines) (string, int, error) {
	host, portStr, err := net.SplitHostPort(node.BindAddr())
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}

// WaitFor polls the condition until it holds or the timeout elapses.
func WaitFor(timeout time.Duration, cond func() bool) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return nil
		}
		time.Sleep(time.Millisecond * 10)
	}
	return fmt.Errorf("condition not reached within %s", timeout)
}
