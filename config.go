package vines

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	DefaultPort              = 8992
	DefaultTimeout           = time.Millisecond * 10000
	DefaultHeartbeatInterval = time.Millisecond * 100
	DefaultListInterval      = time.Millisecond * 300
	DefaultHashInterval      = time.Millisecond * 300
)

type Config struct {
	// UUID of this node. This must be unique in the cluster. If unset a
	// random uuid is generated.
	UUID string

	// Address is the host to bind to. If unset the node listens on all
	// interfaces and advertises its private IP.
	Address string

	// Port is the listen port. If not set defaults to 8992. To let the
	// system assign a free port, supply a Transport bound to port 0
	// instead.
	Port int

	// Peers is an optional initial peer map.
	Peers map[string]*Peer

	// Timeout is the default failure detection window. A peer whose
	// lifetime does not advance within the window is marked dead.
	// If not set defaults to 10s.
	Timeout time.Duration

	// HeartbeatInterval is the period of the local lifetime tick.
	// If not set defaults to 100ms.
	HeartbeatInterval time.Duration

	// ListInterval is the period of full peer table exchange.
	// If not set defaults to 300ms.
	ListInterval time.Duration

	// HashInterval is the period of data gossip rounds.
	// If not set defaults to 300ms.
	HashInterval time.Duration

	// Transport used to communicate with other nodes. If unset the node
	// uses a TCPTransport listening on Address:Port.
	Transport Transport

	// Registry, if set, has the engine metrics registered on it.
	Registry *prometheus.Registry

	Logger *zap.Logger
}

func (c *Config) withDefaults() *Config {
	conf := *c
	if conf.Port == 0 {
		conf.Port = DefaultPort
	}
	if conf.Timeout == 0 {
		conf.Timeout = DefaultTimeout
	}
	if conf.HeartbeatInterval == 0 {
		conf.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if conf.ListInterval == 0 {
		conf.ListInterval = DefaultListInterval
	}
	if conf.HashInterval == 0 {
		conf.HashInterval = DefaultHashInterval
	}
	if conf.Logger == nil {
		logger, _ := zap.NewDevelopment()
		conf.Logger = logger
	}
	return &conf
}
