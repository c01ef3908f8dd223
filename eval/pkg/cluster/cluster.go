package cluster

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/0x00A/vines"
	"github.com/google/uuid"
	multierror "github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

type Node struct {
	ID     string
	Engine *vines.Vines
}

func (n *Node) DiscoveredNode(nodeID string) bool {
	if nodeID == n.ID {
		return true
	}
	_, ok := n.Engine.Peers()[nodeID]
	return ok
}

func (n *Node) ReceivedUpdate(key string, value string) bool {
	val, ok := n.Engine.Get(key)
	return ok && val == value
}

// Cluster manages a local cluster used for testing and evaluation. Every
// node after the first joins via the first node as seed.
type Cluster struct {
	nodes []*Node
}

func NewCluster() *Cluster {
	return &Cluster{}
}

func (c *Cluster) Nodes() []*Node {
	return c.nodes
}

func (c *Cluster) AddNode() (*Node, error) {
	id := uuid.New().String()[:7]
	logger, _ := zap.NewDevelopment()
	logger = logger.With(zap.String("peer-id", id))

	transport, err := vines.NewTCPTransport("127.0.0.1:0", logger)
	if err != nil {
		return nil, err
	}

	engine, err := vines.Create(&vines.Config{
		UUID:              id,
		Transport:         transport,
		Timeout:           time.Second * 5,
		HeartbeatInterval: time.Millisecond * 50,
		ListInterval:      time.Millisecond * 100,
		HashInterval:      time.Millisecond * 100,
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}
	if err := engine.Listen(); err != nil {
		return nil, err
	}

	node := &Node{
		ID:     id,
		Engine: engine,
	}

	if len(c.nodes) > 0 {
		seed := c.nodes[0].Engine
		host, portStr, err := net.SplitHostPort(seed.BindAddr())
		if err != nil {
			return nil, err
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, err
		}
		if err := engine.Join(port, host); err != nil {
			return nil, err
		}
	}

	c.nodes = append(c.nodes, node)
	return node, nil
}

func (c *Cluster) AddNodes(n int) error {
	var errs error
	for i := 0; i < n; i++ {
		if _, err := c.AddNode(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs
}

// WaitForHealthy waits for all nodes to discover each other.
func (c *Cluster) WaitForHealthy(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			healthyNodes := 0
			for _, node := range c.nodes {
				if len(node.Engine.Peers()) == len(c.nodes) {
					healthyNodes += 1
				}
			}
			if healthyNodes == len(c.nodes) {
				return nil
			}
		}
	}
}

// WaitToPropagate waits for every node to hold the given value for the key.
func (c *Cluster) WaitToPropagate(ctx context.Context, key string, value string) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			received := 0
			for _, node := range c.nodes {
				if node.ReceivedUpdate(key, value) {
					received += 1
				}
			}
			if received == len(c.nodes) {
				return nil
			}
		}
	}
}

func (c *Cluster) Shutdown() error {
	var errs error
	for _, node := range c.nodes {
		if err := node.Engine.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs
}
