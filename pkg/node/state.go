// Package node holds the in-memory state of one chat server: the peer
// table, the user/presence tables, per-user mailboxes, and the public
// channel. Every table carries its own lock.
//
// Lock order, for the rare composite reads (WELCOME construction,
// status): Peers → Users → Mail → Channel. Locks are never held across
// I/O; callers snapshot what they need and release before sending.
package node

import (
	"fmt"

	"github.com/atvirokodosprendimai/fedchat/pkg/crypto"
	"github.com/atvirokodosprendimai/fedchat/pkg/identity"
	"github.com/atvirokodosprendimai/fedchat/pkg/protocol"
)

// Node is the root state object. ID, Keys and PubkeyB64 are immutable
// after construction; Bootstrapped moves false→true exactly once.
type Node struct {
	ID        identity.ID
	Keys      *crypto.Keypair
	PubkeyB64 string

	Peers   *PeerStore
	Users   *UserStore
	Mail    *MailboxStore
	Channel *ChannelState

	bootstrapped chan struct{}
}

// New builds a node around an identity and keypair.
func New(id identity.ID, keys *crypto.Keypair) (*Node, error) {
	pub, err := keys.PublicKeyBase64()
	if err != nil {
		return nil, fmt.Errorf("node: encode pubkey: %w", err)
	}
	return &Node{
		ID:           id,
		Keys:         keys,
		PubkeyB64:    pub,
		Peers:        NewPeerStore(),
		Users:        NewUserStore(),
		Mail:         NewMailboxStore(),
		Channel:      NewChannelState(),
		bootstrapped: make(chan struct{}),
	}, nil
}

// Identifier returns the node's own envelope identifier.
func (n *Node) Identifier() identity.Identifier {
	return identity.FromID(n.ID)
}

// SetBootstrapped marks bootstrap completion. Safe to call repeatedly.
func (n *Node) SetBootstrapped() {
	select {
	case <-n.bootstrapped:
	default:
		close(n.bootstrapped)
	}
}

// Bootstrapped reports whether bootstrap has completed.
func (n *Node) Bootstrapped() bool {
	select {
	case <-n.bootstrapped:
		return true
	default:
		return false
	}
}

// WelcomeView snapshots the network view for a WELCOME to joiner,
// excluding the joiner itself. Locks are taken in the documented order,
// one table at a time.
func (n *Node) WelcomeView(joiner identity.ID) ([]protocol.ServerInfo, []protocol.ClientInfo) {
	servers := make([]protocol.ServerInfo, 0)
	for _, p := range n.Peers.All() {
		if p.ID == joiner {
			continue
		}
		servers = append(servers, protocol.ServerInfo{
			ServerID: p.ID.String(),
			Host:     p.Host,
			Port:     p.Port,
			Pubkey:   p.Pubkey,
		})
	}

	clients := make([]protocol.ClientInfo, 0)
	for _, c := range n.Users.Known() {
		home := c.Home
		if home == HomeLocal {
			home = n.ID.String()
		}
		clients = append(clients, protocol.ClientInfo{
			UserID:   c.UserID.String(),
			Pubkey:   c.Pubkey,
			ServerID: home,
		})
	}
	return servers, clients
}
