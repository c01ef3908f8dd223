package vines

import (
	"math/rand"
	"sync"

	"go.uber.org/zap"
)

// randomAliveAttempts bounds the number of draws when selecting a random
// alive peer so selection stays cheap when most of the table is dead.
const randomAliveAttempts = 10

// mergeResult describes what addOrMerge did with a remote descriptor so the
// caller can arm or reset failure timers outside the lock.
type mergeResult struct {
	// Joined is set when the peer was previously unknown.
	Joined bool
	// Merged is set when the remote lifetime advanced the local entry.
	Merged bool
	// Revived is set when a dead peer came back alive.
	Revived bool
}

// peerMap contains this nodes view of all known peers in the cluster,
// keyed by uuid. The local nodes descriptor is always present and always
// alive.
//
// Note this is thread safe.
type peerMap struct {
	localID string
	peers   map[string]*Peer
	// mu protects all above fields. Using a RWMutex since the workload is
	// quite read heavy (snapshots and peer selection).
	mu sync.RWMutex

	logger *zap.Logger
}

func newPeerMap(local *Peer, logger *zap.Logger) *peerMap {
	local = local.Clone()
	local.Alive = true
	return &peerMap{
		localID: local.UUID,
		peers: map[string]*Peer{
			local.UUID: local,
		},
		mu:     sync.RWMutex{},
		logger: logger,
	}
}

func (m *peerMap) LocalID() string {
	return m.localID
}

func (m *peerMap) Local() *Peer {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.peers[m.localID].Clone()
}

// SetLocalAddr records the address the local node is actually reachable on.
// This may differ from the configured address when the system assigns the
// port.
func (m *peerMap) SetLocalAddr(address string, port int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	local := m.peers[m.localID]
	local.Address = address
	local.Port = port
}

func (m *peerMap) Get(uuid string) (*Peer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if p, ok := m.peers[uuid]; ok {
		return p.Clone(), true
	}
	return nil, false
}

// Snapshot returns a copy of the full peer table, which is the payload of an
// outgoing 'list' message.
func (m *peerMap) Snapshot() map[string]*Peer {
	m.mu.RLock()
	defer m.mu.RUnlock()

	peers := make(map[string]*Peer, len(m.peers))
	for uuid, p := range m.peers {
		peers[uuid] = p.Clone()
	}
	return peers
}

// Count returns the number of known peers, including the local node.
func (m *peerMap) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.peers)
}

func (m *peerMap) AliveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	alive := 0
	for _, p := range m.peers {
		if p.Alive {
			alive++
		}
	}
	return alive
}

// BumpLifetime increments the local nodes lifetime and returns the new
// value. Called on every heartbeat tick and on every outgoing send.
func (m *peerMap) BumpLifetime() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	local := m.peers[m.localID]
	local.Lifetime++
	return local.Lifetime
}

// Lifetime returns the local nodes current lifetime.
func (m *peerMap) Lifetime() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.peers[m.localID].Lifetime
}

// AddOrMerge applies a remote descriptor to the table. Unknown peers are
// inserted; known peers are only updated when the remote lifetime is
// strictly greater, so stale and reordered updates are ignored. Updates
// about the local node may advance its lifetime but never its liveness.
func (m *peerMap) AddOrMerge(remote *Peer) mergeResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	if remote.UUID == "" {
		return mergeResult{}
	}

	if remote.UUID == m.localID {
		local := m.peers[m.localID]
		if remote.Lifetime > local.Lifetime {
			local.Lifetime = remote.Lifetime
		}
		return mergeResult{}
	}

	local, ok := m.peers[remote.UUID]
	if !ok {
		m.logger.Info("peer joined", zap.Object("peer", remote))

		m.peers[remote.UUID] = remote.Clone()
		return mergeResult{Joined: true}
	}

	if remote.Lifetime <= local.Lifetime {
		return mergeResult{}
	}

	local.Lifetime = remote.Lifetime
	local.Address = remote.Address
	local.Port = remote.Port

	revived := false
	if remote.Alive && !local.Alive {
		m.logger.Info("peer revived", zap.Object("peer", remote))
		local.Alive = true
		revived = true
	}
	return mergeResult{Merged: true, Revived: revived}
}

// MarkDead flags the peer as dead, retaining the descriptor so a future
// higher-lifetime update can revive it. Returns false if the peer is
// unknown or already dead.
func (m *peerMap) MarkDead(uuid string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.peers[uuid]
	if !ok || uuid == m.localID || !p.Alive {
		return false
	}

	m.logger.Info("peer died", zap.String("uuid", uuid))

	p.Alive = false
	return true
}

// RandomAlive selects a random peer that is alive and not the local node.
// It makes up to randomAliveAttempts uniform draws and returns false if
// none of them lands on a live peer.
func (m *peerMap) RandomAlive() (*Peer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	uuids := make([]string, 0, len(m.peers))
	for uuid := range m.peers {
		uuids = append(uuids, uuid)
	}
	if len(uuids) == 0 {
		return nil, false
	}

	for i := 0; i != randomAliveAttempts; i++ {
		uuid := uuids[rand.Intn(len(uuids))]
		if uuid == m.localID {
			continue
		}
		if p := m.peers[uuid]; p.Alive {
			return p.Clone(), true
		}
	}
	return nil, false
}
