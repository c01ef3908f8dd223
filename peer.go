package vines

import (
	"net"
	"strconv"

	"go.uber.org/zap/zapcore"
)

// Peer describes a node in the cluster. Peers are exchanged in full via
// 'list' messages so all fields are part of the wire format.
type Peer struct {
	UUID    string `json:"uuid"`
	Address string `json:"address"`
	Port    int    `json:"port"`
	Alive   bool   `json:"alive"`

	// Lifetime is the peers logical clock. It is incremented locally on
	// every heartbeat tick and on every outgoing send, and only moves
	// forward; membership merges are ordered by it.
	Lifetime uint64 `json:"lifetime"`

	// Timeout is the failure detection window in milliseconds. A peer that
	// has not advanced its lifetime within the window is marked dead.
	Timeout int64 `json:"timeout,omitempty"`

	HeartbeatInterval int64 `json:"heartbeatInterval,omitempty"`
	ListInterval      int64 `json:"listInterval,omitempty"`
	HashInterval      int64 `json:"hashInterval,omitempty"`
}

// Addr returns the peers network address as host:port.
func (p *Peer) Addr() string {
	return net.JoinHostPort(p.Address, strconv.Itoa(p.Port))
}

func (p *Peer) Clone() *Peer {
	c := *p
	return &c
}

func (p *Peer) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("uuid", p.UUID)
	enc.AddString("address", p.Address)
	enc.AddInt("port", p.Port)
	enc.AddBool("alive", p.Alive)
	enc.AddUint64("lifetime", p.Lifetime)
	return nil
}
