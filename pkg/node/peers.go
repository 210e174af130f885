package node

import (
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/atvirokodosprendimai/fedchat/pkg/identity"
)

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

const (
	// PeerHeartbeatInterval is how often nodes beacon HEARTBEAT to peers.
	PeerHeartbeatInterval = 15 * time.Second
	// PeerDeadTimeout marks a peer dead after three missed beats.
	PeerDeadTimeout = 45 * time.Second
)

// PeerInfo describes one federated peer. Pubkey is pinned: it is set
// when the peer is first learned and updates are caller-audited.
type PeerInfo struct {
	ID       identity.ID
	Host     string
	Port     int
	Pubkey   string
	LastSeen time.Time
}

// Addr returns the advertised host:port.
func (p PeerInfo) Addr() string {
	return joinHostPort(p.Host, p.Port)
}

// PeerStore tracks known peers. Invariant: every present id has a
// non-empty address and pubkey.
type PeerStore struct {
	mu    sync.RWMutex
	peers map[identity.ID]*PeerInfo
}

func NewPeerStore() *PeerStore {
	return &PeerStore{peers: make(map[identity.ID]*PeerInfo)}
}

// Upsert installs or refreshes a peer. Returns true when the peer was
// new and whether an existing pinned pubkey was replaced by a different
// one (callers log that).
func (s *PeerStore) Upsert(id identity.ID, host string, port int, pubkey string) (created, repinned bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.peers[id]
	if !ok {
		s.peers[id] = &PeerInfo{ID: id, Host: host, Port: port, Pubkey: pubkey, LastSeen: time.Now()}
		metricPeersKnown.Add(bgCtx, 1)
		return true, false
	}
	repinned = pubkey != "" && existing.Pubkey != "" && existing.Pubkey != pubkey
	existing.Host = host
	existing.Port = port
	if pubkey != "" {
		existing.Pubkey = pubkey
	}
	existing.LastSeen = time.Now()
	return false, repinned
}

// Get returns a copy.
func (s *PeerStore) Get(id identity.ID) (PeerInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.peers[id]
	if !ok {
		return PeerInfo{}, false
	}
	return *p, true
}

// Pubkey returns the pinned pubkey for a peer.
func (s *PeerStore) Pubkey(id identity.ID) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.peers[id]
	if !ok {
		return "", false
	}
	return p.Pubkey, true
}

// All returns copies of every peer.
func (s *PeerStore) All() []PeerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PeerInfo, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, *p)
	}
	return out
}

// IDs returns every peer id.
func (s *PeerStore) IDs() []identity.ID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]identity.ID, 0, len(s.peers))
	for id := range s.peers {
		out = append(out, id)
	}
	return out
}

// MarkAlive stamps LastSeen for a known peer; unknown ids are ignored.
func (s *PeerStore) MarkAlive(id identity.ID, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[id]
	if !ok {
		return false
	}
	p.LastSeen = at
	return true
}

// Remove drops a peer.
func (s *PeerStore) Remove(id identity.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.peers[id]; !ok {
		return false
	}
	delete(s.peers, id)
	metricPeersKnown.Add(bgCtx, -1)
	return true
}

// Len reports the peer count.
func (s *PeerStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// Counts splits peers into alive and dead against PeerDeadTimeout.
func (s *PeerStore) Counts(now time.Time) (alive, dead int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.peers {
		if now.Sub(p.LastSeen) > PeerDeadTimeout {
			dead++
		} else {
			alive++
		}
	}
	return alive, dead
}
