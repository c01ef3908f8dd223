package vines

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Vines is a gossip node participating in three eventually consistent
// flows: membership (peer table plus failure detection), data dissemination
// (interest driven exchange of a versioned store) and voting (decentralized
// elections closed on quorum or deadline).
//
// This is thread safe.
type Vines struct {
	conf *Config

	peers   *peerMap
	store   *sHash
	ballots *ballotBox

	// peerTimers holds the per-peer failure timers, electionTimers the
	// per-topic deadline timers.
	peerTimers     *timerRegistry
	electionTimers *timerRegistry

	transport Transport

	metrics *Metrics

	subsMu sync.Mutex
	subs   []Subscriber

	done      chan struct{}
	wg        sync.WaitGroup
	listening *atomic.Bool
	closed    *atomic.Bool

	logger *zap.Logger
}

// Create will create a new Vines node using the given configuration. This
// does not bind the listener or start gossiping; see Listen. After this the
// given configuration should not be modified again.
func Create(conf *Config) (*Vines, error) {
	conf = conf.withDefaults()

	id := conf.UUID
	if id == "" {
		id = uuid.New().String()
	}
	logger := conf.Logger.With(zap.String("uuid", id))

	local := &Peer{
		UUID:              id,
		Address:           conf.Address,
		Port:              conf.Port,
		Alive:             true,
		Timeout:           conf.Timeout.Milliseconds(),
		HeartbeatInterval: conf.HeartbeatInterval.Milliseconds(),
		ListInterval:      conf.ListInterval.Milliseconds(),
		HashInterval:      conf.HashInterval.Milliseconds(),
	}

	v := &Vines{
		conf:           conf,
		peers:          newPeerMap(local, logger),
		store:          newSHash(),
		ballots:        newBallotBox(),
		peerTimers:     newTimerRegistry(),
		electionTimers: newTimerRegistry(),
		transport:      conf.Transport,
		metrics:        newMetrics(),
		done:           make(chan struct{}),
		wg:             sync.WaitGroup{},
		listening:      atomic.NewBool(false),
		closed:         atomic.NewBool(false),
		logger:         logger,
	}
	if conf.Registry != nil {
		v.metrics.Register(conf.Registry)
	}

	for _, p := range conf.Peers {
		v.applyPeer(p)
	}
	v.metrics.PeersAlive.Set(float64(v.peers.AliveCount()))

	return v, nil
}

// UUID returns the local nodes identity.
func (v *Vines) UUID() string {
	return v.peers.LocalID()
}

// BindAddr returns the address the transport listener is bound to. Note
// this may be different from the configured addr if the system chooses the
// addr (such as using a port of 0). Empty until Listen is called when no
// Transport was configured.
func (v *Vines) BindAddr() string {
	if v.transport == nil {
		return ""
	}
	return v.transport.BindAddr()
}

// Peers returns a snapshot of the known peer table, including the local
// node.
func (v *Vines) Peers() map[string]*Peer {
	return v.peers.Snapshot()
}

// Subscribe registers a subscriber for engine events.
func (v *Vines) Subscribe(s Subscriber) {
	v.subsMu.Lock()
	defer v.subsMu.Unlock()

	v.subs = append(v.subs, s)
}

// Set updates the local store, bumping the entrys version so it propagates
// through data gossip.
func (v *Vines) Set(key string, value string) {
	v.store.Set(key, value)
}

// Get returns the current value for the key, which may have been written
// locally or received from a peer.
func (v *Vines) Get(key string) (string, bool) {
	return v.store.Get(key)
}

// Listen binds the server and starts the periodic emitters.
func (v *Vines) Listen() error {
	if v.closed.Load() {
		return fmt.Errorf("node is closed")
	}
	if v.listening.Swap(true) {
		return fmt.Errorf("already listening")
	}

	if v.transport == nil {
		bindAddr := net.JoinHostPort(v.conf.Address, strconv.Itoa(v.conf.Port))
		transport, err := NewTCPTransport(bindAddr, v.logger)
		if err != nil {
			v.listening.Store(false)
			return err
		}
		v.transport = transport
	}

	// Advertise the address the transport actually bound, not the
	// configured one, as these may differ if the system assigns the port.
	bound := v.transport.BindAddr()
	host, err := advertiseHost(bound)
	if err != nil {
		v.listening.Store(false)
		return err
	}
	_, portStr, err := net.SplitHostPort(bound)
	if err != nil {
		v.listening.Store(false)
		return fmt.Errorf("invalid bind addr %s: %w", bound, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		v.listening.Store(false)
		return fmt.Errorf("invalid bind addr %s: %w", bound, err)
	}
	v.peers.SetLocalAddr(host, port)

	v.logger.Debug("listening", zap.String("addr", bound))

	v.transport.Serve(v.onMessage)
	v.schedule()
	return nil
}

// Join seeds this node into an existing cluster by sending our peer table
// to the member at the given location. The seed merges it and spreads
// knowledge of this node through its own periodic emitters.
func (v *Vines) Join(port int, address string) error {
	if !v.listening.Load() {
		return fmt.Errorf("not listening")
	}
	return v.sendAddr(VerbList, v.peers.Snapshot(), address, port)
}

// Election registers a new election with this node as origin.
func (v *Vines) Election(opts ElectionOpts) (*Election, error) {
	opts.Origin = v.peers.LocalID()

	e, ok := v.ballots.Register(opts)
	if !ok {
		return e, fmt.Errorf("election already registered for topic %s", opts.Topic)
	}
	v.metrics.ElectionsOpen.Set(float64(v.ballots.OpenCount()))

	v.logger.Debug("election registered", zap.Object("election", e))

	if !opts.Expires.IsZero() {
		v.armDeadline(opts.Topic, opts.Expires)
	}
	if opts.Value != "" {
		e, _ = v.ballots.Vote(opts.Origin, opts.Topic, opts.Value, v.peers.Lifetime())
	}
	return e, nil
}

// Vote records the local nodes ballot on the topic. On immediate close the
// terminal event is emitted and the closed status returned; otherwise the
// current election record is gossiped to a random peer. Voting on a
// nonexistent or closed election is a no-op that reports the current
// status.
func (v *Vines) Vote(topic string, value string) (closed bool, expired bool) {
	self := v.peers.LocalID()

	rec, accepted := v.ballots.Vote(self, topic, value, v.peers.Lifetime())
	if rec == nil {
		return false, false
	}
	if !accepted {
		return rec.Closed, rec.Expired
	}

	if e, decided := v.ballots.Decide(topic, v.peers.Count()); decided {
		v.emitClose(e)
		return true, false
	}

	v.sendToRandom(VerbVotes, rec)
	return false, false
}

// Close stops the periodic emitters, cancels all peer and election timers
// and stops listening. In-flight conversations are left to drain.
func (v *Vines) Close() error {
	if v.closed.Swap(true) {
		return nil
	}

	v.logger.Debug("close")

	if v.listening.Load() {
		close(v.done)
		v.wg.Wait()
	}
	v.peerTimers.Clear()
	v.electionTimers.Clear()

	if v.transport != nil {
		return v.transport.Shutdown()
	}
	return nil
}

// Metrics returns the engine metrics. They are registered on the
// configured registry, if any.
func (v *Vines) Metrics() *Metrics {
	return v.metrics
}

func (v *Vines) schedule() {
	v.wg.Add(4)
	go v.heartbeatLoop()
	go v.listLoop()
	go v.hashLoop()
	go v.votesLoop()
}

// heartbeatLoop advances the local lifetime so peers observe this node as
// live even when it has nothing to send.
func (v *Vines) heartbeatLoop() {
	defer v.wg.Done()

	ticker := time.NewTicker(v.conf.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			v.peers.BumpLifetime()
		case <-v.done:
			return
		}
	}
}

// listLoop periodically sends the full peer table to one random live peer.
func (v *Vines) listLoop() {
	defer v.wg.Done()

	ticker := time.NewTicker(v.conf.ListInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			v.sendToRandom(VerbList, v.peers.Snapshot())
		case <-v.done:
			return
		}
	}
}

// hashLoop periodically gossips one random (key, version) pair from the
// store to one random live peer.
func (v *Vines) hashLoop() {
	defer v.wg.Done()

	ticker := time.NewTicker(v.conf.HashInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if key, version, ok := v.store.RandomPair(); ok {
				v.sendToRandom(VerbGossip, keyVersion{Key: key, Version: version})
			}
		case <-v.done:
			return
		}
	}
}

// votesLoop periodically re-gossips every open election record to one
// random live peer. A single vote send can be dropped (no live peer known
// yet) or closure can circulate past a node; re-gossiping guarantees every
// open record eventually meets the decision.
func (v *Vines) votesLoop() {
	defer v.wg.Done()

	ticker := time.NewTicker(v.conf.HashInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, topic := range v.ballots.Topics() {
				if e, ok := v.ballots.Get(topic); ok && !e.Closed {
					v.sendToRandom(VerbVotes, e)
				}
			}
		case <-v.done:
			return
		}
	}
}

// sendToRandom sends to one random live peer; if none is found within the
// selection budget the send is silently dropped.
func (v *Vines) sendToRandom(verb Verb, payload interface{}) {
	peer, ok := v.peers.RandomAlive()
	if !ok {
		return
	}
	_ = v.sendAddr(verb, payload, peer.Address, peer.Port)
}

func (v *Vines) sendAddr(verb Verb, payload interface{}, address string, port int) error {
	// Every outgoing send bumps the local lifetime, including failed
	// sends; lifetime is a logical clock, not a delivery counter.
	v.peers.BumpLifetime()

	if v.transport == nil {
		return fmt.Errorf("not listening")
	}

	m, err := newMessage(verb, payload)
	if err != nil {
		return err
	}
	addr := net.JoinHostPort(address, strconv.Itoa(port))

	v.notify(Event{Kind: EventSend, Msg: m, Addr: address, Port: port})

	if err := v.transport.Send(addr, m); err != nil {
		// Dead peers may refuse the connection; failure detection runs
		// independently.
		v.metrics.SendFailures.Inc()
		v.logger.Debug(
			"send failed",
			zap.String("verb", string(verb)),
			zap.String("addr", addr),
			zap.Error(err),
		)
		return err
	}

	v.metrics.MessagesOutbound.WithLabelValues(string(verb)).Inc()
	v.notify(Event{Kind: EventSent, Msg: m, Addr: address, Port: port})
	return nil
}

// applyPeer merges a remote descriptor into the peer table and keeps the
// failure timer in step: armed on insert, reset whenever the lifetime
// advances.
func (v *Vines) applyPeer(remote *Peer) {
	res := v.peers.AddOrMerge(remote)
	if remote.UUID == v.peers.LocalID() {
		return
	}

	if res.Joined || res.Merged {
		timeout := time.Duration(remote.Timeout) * time.Millisecond
		if remote.Timeout <= 0 {
			timeout = v.conf.Timeout
		}
		peerID := remote.UUID
		v.peerTimers.Reset(peerID, timeout, func() {
			v.onPeerTimeout(peerID)
		})
		v.metrics.PeersAlive.Set(float64(v.peers.AliveCount()))
	}
}

// onPeerTimeout fires when a peers failure window elapsed with no lifetime
// advance. The descriptor is retained so a future higher-lifetime message
// can revive it.
func (v *Vines) onPeerTimeout(peerID string) {
	if v.peers.MarkDead(peerID) {
		v.metrics.PeersAlive.Set(float64(v.peers.AliveCount()))
	}
}

func (v *Vines) armDeadline(topic string, expires time.Time) {
	v.electionTimers.Reset(topic, time.Until(expires), func() {
		if e, ok := v.ballots.Expire(topic); ok {
			v.metrics.ElectionsOpen.Set(float64(v.ballots.OpenCount()))
			v.notify(Event{
				Kind:     EventDeadline,
				Topic:    e.Topic,
				Election: e,
				Results:  e.Results,
			})
		}
	})
}

// emitClose surfaces a closed election as a quorum or deadline event and
// cancels its pending deadline timer.
func (v *Vines) emitClose(e *Election) {
	v.electionTimers.Cancel(e.Topic)
	v.metrics.ElectionsOpen.Set(float64(v.ballots.OpenCount()))

	kind := EventQuorum
	if e.Expired {
		kind = EventDeadline
	}
	v.notify(Event{
		Kind:     kind,
		Topic:    e.Topic,
		Election: e,
		Results:  e.Results,
	})
}

func (v *Vines) notify(e Event) {
	v.subsMu.Lock()
	subs := make([]Subscriber, len(v.subs))
	copy(subs, v.subs)
	v.subsMu.Unlock()

	for _, s := range subs {
		s.Notify(e)
	}
}
