package vines

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// channelSubscriber buffers engine events for assertions. Full buffers drop
// events rather than block the engine.
type channelSubscriber struct {
	events chan Event
}

func newChannelSubscriber() *channelSubscriber {
	return &channelSubscriber{
		events: make(chan Event, 256),
	}
}

func (s *channelSubscriber) Notify(e Event) {
	select {
	case s.events <- e:
	default:
	}
}

func (s *channelSubscriber) WaitForKind(kind EventKind, timeout time.Duration) (Event, bool) {
	deadline := time.After(timeout)
	for {
		select {
		case e := <-s.events:
			if e.Kind == kind {
				return e, true
			}
		case <-deadline:
			return Event{}, false
		}
	}
}

func newTestNode(t *testing.T, network *MockNetwork, id string) *Vines {
	t.Helper()

	v, err := Create(&Config{
		UUID:              id,
		Transport:         network.NewTransport(),
		Timeout:           time.Second * 5,
		HeartbeatInterval: time.Millisecond * 10,
		ListInterval:      time.Millisecond * 30,
		HashInterval:      time.Millisecond * 30,
		Logger:            zap.NewNop(),
	})
	require.Nil(t, err)
	require.Nil(t, v.Listen())
	return v
}

func hostPort(t *testing.T, v *Vines) (string, int) {
	t.Helper()

	host, portStr, err := net.SplitHostPort(v.BindAddr())
	require.Nil(t, err)
	port, err := strconv.Atoi(portStr)
	require.Nil(t, err)
	return host, port
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond * 5)
	}
	t.Fatal("condition not reached before timeout")
}

func TestVines_JoinDiscoversPeers(t *testing.T) {
	network := NewMockNetwork()

	n1 := newTestNode(t, network, "node-1")
	defer n1.Close()
	n2 := newTestNode(t, network, "node-2")
	defer n2.Close()

	host, port := hostPort(t, n1)
	require.Nil(t, n2.Join(port, host))

	waitFor(t, time.Second*3, func() bool {
		_, ok := n1.Peers()["node-2"]
		return ok
	})
	waitFor(t, time.Second*3, func() bool {
		_, ok := n2.Peers()["node-1"]
		return ok
	})

	p := n1.Peers()["node-2"]
	assert.True(t, p.Alive)
	assert.Equal(t, n2.BindAddr(), p.Addr())
}

func TestVines_JoinRequiresListen(t *testing.T) {
	v, err := Create(&Config{
		UUID:      "node-1",
		Transport: NewMockNetwork().NewTransport(),
		Logger:    zap.NewNop(),
	})
	require.Nil(t, err)
	defer v.Close()

	assert.NotNil(t, v.Join(8992, "127.0.0.1"))
}

func TestVines_DataDissemination(t *testing.T) {
	network := NewMockNetwork()

	n1 := newTestNode(t, network, "node-1")
	defer n1.Close()
	n2 := newTestNode(t, network, "node-2")
	defer n2.Close()

	host, port := hostPort(t, n1)
	require.Nil(t, n2.Join(port, host))

	n1.Set("x", "42")

	waitFor(t, time.Second*3, func() bool {
		value, ok := n2.Get("x")
		return ok && value == "42"
	})

	// A later write must replace the old value everywhere.
	n2.Set("x", "43")
	waitFor(t, time.Second*3, func() bool {
		value, ok := n1.Get("x")
		return ok && value == "43"
	})
}

func TestVines_GossipOnlyRequestedWhenInteresting(t *testing.T) {
	network := NewMockNetwork()

	n1 := newTestNode(t, network, "node-1")
	defer n1.Close()

	n1.Set("x", "42")

	// A bare transport stands in for a remote peer so we can observe the
	// reply, if any.
	remote := network.NewTransport()
	replies := make(chan *Message, 1)
	remote.Serve(func(m *Message, conn Conn) {
		replies <- m
	})

	// Advertising a version the node already holds is of no interest.
	m, err := newMessage(VerbGossip, keyVersion{Key: "x", Version: 1})
	require.Nil(t, err)
	require.Nil(t, remote.Send(n1.BindAddr(), m))

	select {
	case <-replies:
		t.Fatal("expected no request for an uninteresting pair")
	case <-time.After(time.Millisecond * 100):
	}

	// A newer version must be requested.
	m, err = newMessage(VerbGossip, keyVersion{Key: "x", Version: 5})
	require.Nil(t, err)
	require.Nil(t, remote.Send(n1.BindAddr(), m))

	select {
	case reply := <-replies:
		assert.Equal(t, VerbRequest, reply.Meta.Type)
	case <-time.After(time.Second):
		t.Fatal("expected a request for a newer pair")
	}
}

func TestVines_UnknownVerbDroppedAfterDataEvent(t *testing.T) {
	network := NewMockNetwork()

	n1 := newTestNode(t, network, "node-1")
	defer n1.Close()

	sub := newChannelSubscriber()
	n1.Subscribe(sub)

	remote := network.NewTransport()
	m := &Message{
		Meta: &Meta{Type: Verb("bogus")},
		Data: []byte(`{}`),
	}
	require.Nil(t, remote.Send(n1.BindAddr(), m))

	e, ok := sub.WaitForKind(EventData, time.Second)
	require.True(t, ok)
	assert.Equal(t, Verb("bogus"), e.Msg.Meta.Type)
}

func TestVines_FailureDetection(t *testing.T) {
	network := NewMockNetwork()

	n1 := newTestNode(t, network, "node-1")
	defer n1.Close()

	n2, err := Create(&Config{
		UUID:              "node-2",
		Transport:         network.NewTransport(),
		Timeout:           time.Millisecond * 300,
		HeartbeatInterval: time.Millisecond * 10,
		ListInterval:      time.Millisecond * 30,
		HashInterval:      time.Millisecond * 30,
		Logger:            zap.NewNop(),
	})
	require.Nil(t, err)
	require.Nil(t, n2.Listen())

	host, port := hostPort(t, n1)
	require.Nil(t, n2.Join(port, host))

	waitFor(t, time.Second*3, func() bool {
		p, ok := n1.Peers()["node-2"]
		return ok && p.Alive
	})

	// Kill node-2; with no further lifetime advances node-1 must mark it
	// dead once the failure window elapses.
	require.Nil(t, n2.Close())

	waitFor(t, time.Second*3, func() bool {
		p, ok := n1.Peers()["node-2"]
		return ok && !p.Alive
	})
}

func TestVines_Revival(t *testing.T) {
	network := NewMockNetwork()

	n1 := newTestNode(t, network, "node-1")
	defer n1.Close()

	n2, err := Create(&Config{
		UUID:              "node-2",
		Transport:         network.NewTransport(),
		Timeout:           time.Millisecond * 200,
		HeartbeatInterval: time.Millisecond * 10,
		ListInterval:      time.Millisecond * 30,
		HashInterval:      time.Millisecond * 30,
		Logger:            zap.NewNop(),
	})
	require.Nil(t, err)
	require.Nil(t, n2.Listen())

	host, port := hostPort(t, n1)
	require.Nil(t, n2.Join(port, host))

	waitFor(t, time.Second*3, func() bool {
		p, ok := n1.Peers()["node-2"]
		return ok && p.Alive
	})
	require.Nil(t, n2.Close())
	waitFor(t, time.Second*3, func() bool {
		p, ok := n1.Peers()["node-2"]
		return ok && !p.Alive
	})

	// Restart with the same uuid. Its lifetime restarts from zero so the
	// node keeps re-joining until its clock overtakes the old entry and
	// node-1 accepts the revival.
	n3, err := Create(&Config{
		UUID:              "node-2",
		Transport:         network.NewTransport(),
		Timeout:           time.Millisecond * 200,
		HeartbeatInterval: time.Millisecond * 5,
		ListInterval:      time.Millisecond * 30,
		HashInterval:      time.Millisecond * 30,
		Logger:            zap.NewNop(),
	})
	require.Nil(t, err)
	require.Nil(t, n3.Listen())
	defer n3.Close()

	deadline := time.Now().Add(time.Second * 10)
	revived := false
	for time.Now().Before(deadline) {
		_ = n3.Join(port, host)
		if p, ok := n1.Peers()["node-2"]; ok && p.Alive {
			revived = true
			break
		}
		time.Sleep(time.Millisecond * 50)
	}
	assert.True(t, revived)
}

func TestVines_ElectionByQuorum(t *testing.T) {
	network := NewMockNetwork()

	n1 := newTestNode(t, network, "node-1")
	defer n1.Close()
	n2 := newTestNode(t, network, "node-2")
	defer n2.Close()

	host, port := hostPort(t, n1)
	require.Nil(t, n2.Join(port, host))
	waitFor(t, time.Second*3, func() bool {
		_, ok1 := n1.Peers()["node-2"]
		_, ok2 := n2.Peers()["node-1"]
		return ok1 && ok2
	})

	sub1 := newChannelSubscriber()
	n1.Subscribe(sub1)
	sub2 := newChannelSubscriber()
	n2.Subscribe(sub2)

	_, err := n1.Election(ElectionOpts{Topic: "leader", Quorum: 2})
	require.Nil(t, err)
	_, err = n2.Election(ElectionOpts{Topic: "leader", Quorum: 2})
	require.Nil(t, err)

	n1.Vote("leader", "a")
	n2.Vote("leader", "a")

	e1, ok := sub1.WaitForKind(EventQuorum, time.Second*5)
	require.True(t, ok)
	e2, ok := sub2.WaitForKind(EventQuorum, time.Second*5)
	require.True(t, ok)

	assert.Equal(t, "leader", e1.Topic)
	assert.Equal(t, 2, e1.Results["a"])
	assert.Equal(t, 2, e2.Results["a"])

	winner, ok := e1.Election.Winner()
	require.True(t, ok)
	assert.Equal(t, "a", winner)
}

func TestVines_ElectionByDeadline(t *testing.T) {
	network := NewMockNetwork()

	n1 := newTestNode(t, network, "node-1")
	defer n1.Close()
	n2 := newTestNode(t, network, "node-2")
	defer n2.Close()

	host, port := hostPort(t, n1)
	require.Nil(t, n2.Join(port, host))

	sub1 := newChannelSubscriber()
	n1.Subscribe(sub1)
	sub2 := newChannelSubscriber()
	n2.Subscribe(sub2)

	expires := time.Now().Add(time.Millisecond * 150)
	_, err := n1.Election(ElectionOpts{Topic: "leader", Quorum: 5, Expires: expires})
	require.Nil(t, err)
	_, err = n2.Election(ElectionOpts{Topic: "leader", Quorum: 5, Expires: expires})
	require.Nil(t, err)

	n1.Vote("leader", "a")

	e1, ok := sub1.WaitForKind(EventDeadline, time.Second*3)
	require.True(t, ok)
	assert.True(t, e1.Election.Expired)

	_, ok = sub2.WaitForKind(EventDeadline, time.Second*3)
	require.True(t, ok)

	// Votes after the deadline are no-ops reporting the closed status.
	closed, expired := n2.Vote("leader", "b")
	assert.True(t, closed)
	assert.True(t, expired)
}

func TestVines_VoteOnMissingElection(t *testing.T) {
	network := NewMockNetwork()

	n1 := newTestNode(t, network, "node-1")
	defer n1.Close()

	closed, expired := n1.Vote("leader", "a")
	assert.False(t, closed)
	assert.False(t, expired)
}

func TestVines_ElectionDuplicateTopic(t *testing.T) {
	network := NewMockNetwork()

	n1 := newTestNode(t, network, "node-1")
	defer n1.Close()

	_, err := n1.Election(ElectionOpts{Topic: "leader", Quorum: 2})
	require.Nil(t, err)
	_, err = n1.Election(ElectionOpts{Topic: "leader", Quorum: 2})
	assert.NotNil(t, err)
}

func TestVines_CloseIsIdempotent(t *testing.T) {
	network := NewMockNetwork()

	n1 := newTestNode(t, network, "node-1")
	require.Nil(t, n1.Close())
	require.Nil(t, n1.Close())
}
