package node

import (
	"sync"
	"time"

	"github.com/atvirokodosprendimai/fedchat/pkg/identity"
	"github.com/atvirokodosprendimai/fedchat/pkg/protocol"
)

// HomeLocal is the user_home value for users hosted on this node.
const HomeLocal = "local"

const (
	// SweepInterval is the liveness sweep cadence.
	SweepInterval = 15 * time.Second
	// UserStaleAfter evicts local users whose last heartbeat is older.
	UserStaleAfter = 45 * time.Second
)

// LocalUser is a user whose home is this node.
type LocalUser struct {
	ID            identity.ID
	Client        string
	Pubkey        string
	EncPubkey     string
	DisplayName   string
	Meta          protocol.UserMetadata
	LastHeartbeat time.Time
}

// KnownUser pairs a user with its home for WELCOME snapshots.
type KnownUser struct {
	UserID identity.ID
	Home   string
	Pubkey string
}

// UserStore tracks local users and the global presence view. A user id
// appears in the local table iff this node is its home; user_home covers
// both local and remote users.
type UserStore struct {
	mu      sync.RWMutex
	local   map[identity.ID]*LocalUser
	home    map[identity.ID]string
	pubkeys map[identity.ID]string
}

func NewUserStore() *UserStore {
	return &UserStore{
		local:   make(map[identity.ID]*LocalUser),
		home:    make(map[identity.ID]string),
		pubkeys: make(map[identity.ID]string),
	}
}

// UpsertLocal installs a local user: local table, user_home="local",
// heartbeat stamped now. Re-hello of a present user refreshes in place.
func (s *UserStore) UpsertLocal(u LocalUser) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.DisplayName == "" {
		u.DisplayName = u.ID.String()
	}
	u.LastHeartbeat = time.Now()
	if _, ok := s.local[u.ID]; !ok {
		metricUsersLocal.Add(bgCtx, 1)
	}
	s.local[u.ID] = &u
	s.home[u.ID] = HomeLocal
	if u.Pubkey != "" {
		s.pubkeys[u.ID] = u.Pubkey
	}
}

// RemoveLocal evicts a local user from every table it appears in.
func (s *UserStore) RemoveLocal(id identity.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.local[id]; !ok {
		return false
	}
	delete(s.local, id)
	delete(s.home, id)
	metricUsersLocal.Add(bgCtx, -1)
	return true
}

// IsLocal reports whether this node hosts the user.
func (s *UserStore) IsLocal(id identity.ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.local[id]
	return ok
}

// Local returns a copy of a local user.
func (s *UserStore) Local(id identity.ID) (LocalUser, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.local[id]
	if !ok {
		return LocalUser{}, false
	}
	return *u, true
}

// AllLocal returns copies of every local user.
func (s *UserStore) AllLocal() []LocalUser {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]LocalUser, 0, len(s.local))
	for _, u := range s.local {
		out = append(out, *u)
	}
	return out
}

// Heartbeat refreshes a local user's liveness; false for non-local ids.
func (s *UserStore) Heartbeat(id identity.ID, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.local[id]
	if !ok {
		return false
	}
	u.LastHeartbeat = at
	return true
}

// Stale returns local users whose heartbeat is older than the threshold.
func (s *UserStore) Stale(now time.Time, threshold time.Duration) []identity.ID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []identity.ID
	for id, u := range s.local {
		if now.Sub(u.LastHeartbeat) > threshold {
			out = append(out, id)
		}
	}
	return out
}

// SetRemote records a remote user's home server and pubkey, as learned
// from USER_ADVERTISE or WELCOME.
func (s *UserStore) SetRemote(id identity.ID, serverID, pubkey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.home[id] = serverID
	if pubkey != "" {
		s.pubkeys[id] = pubkey
	}
}

// Home returns the user's home marker: HomeLocal, a server id string,
// or false when unknown.
func (s *UserStore) Home(id identity.ID) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.home[id]
	return h, ok
}

// RemoveIfHomedAt drops the user only while its home still points at
// serverID. This keeps USER_REMOVE from undoing a later re-home, and
// makes duplicate removes idempotent.
func (s *UserStore) RemoveIfHomedAt(id identity.ID, serverID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.home[id]
	if !ok || h != serverID {
		return false
	}
	delete(s.home, id)
	delete(s.pubkeys, id)
	return true
}

// Pubkey returns a user's pubkey from the directory.
func (s *UserStore) Pubkey(id identity.ID) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pk, ok := s.pubkeys[id]
	return pk, ok
}

// DisplayName resolves a sender's display name, falling back to the id.
func (s *UserStore) DisplayName(id identity.ID) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if u, ok := s.local[id]; ok && u.DisplayName != "" {
		return u.DisplayName
	}
	return id.String()
}

// Known snapshots every user in the presence view with home and pubkey.
func (s *UserStore) Known() []KnownUser {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]KnownUser, 0, len(s.home))
	for id, home := range s.home {
		out = append(out, KnownUser{UserID: id, Home: home, Pubkey: s.pubkeys[id]})
	}
	return out
}
