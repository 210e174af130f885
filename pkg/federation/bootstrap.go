// Package federation implements the server-to-server join protocol:
// dialing configured introducers at startup, answering HELLO_JOIN with a
// WELCOME snapshot, and absorbing ANNOUNCE gossip.
package federation

import (
	"fmt"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atvirokodosprendimai/fedchat/pkg/config"
	"github.com/atvirokodosprendimai/fedchat/pkg/identity"
	"github.com/atvirokodosprendimai/fedchat/pkg/node"
	"github.com/atvirokodosprendimai/fedchat/pkg/peerlink"
	"github.com/atvirokodosprendimai/fedchat/pkg/protocol"
)

const (
	dialTimeout    = 5 * time.Second
	welcomeTimeout = 10 * time.Second
)

// Federation binds the node state to the peer sockets for the join
// handshake. Host and port are what this node advertises to peers.
type Federation struct {
	node  *node.Node
	links *peerlink.Manager
	host  string
	port  int

	welcomeWait time.Duration
}

func New(n *node.Node, links *peerlink.Manager, host string, port int) *Federation {
	return &Federation{node: n, links: links, host: host, port: port,
		welcomeWait: welcomeTimeout}
}

// Bootstrap joins the network through the configured introducers, trying
// each in order until one answers with a WELCOME. The rest of the network
// is learned from that WELCOME's server list and from ANNOUNCE gossip, so
// one successful join is enough. Failures are logged and skipped; when no
// introducer is reachable the node comes up isolated and waits for peers
// to find it. The bootstrapped flag is set either way.
func (f *Federation) Bootstrap(servers []config.BootstrapServer) {
	joined := false
	for _, bs := range servers {
		if err := f.joinVia(bs); err != nil {
			log.Printf("[Federation] bootstrap via %s failed: %v", bs.Addr(), err)
			continue
		}
		joined = true
		break
	}
	if !joined && len(servers) > 0 {
		log.Printf("[Federation] no bootstrap server reachable, starting isolated")
	}
	f.node.SetBootstrapped()
	if joined {
		f.Announce()
	}
}

// joinVia performs one HELLO_JOIN / WELCOME exchange on a fresh socket.
// The WELCOME signature is checked against the introducer's configured
// pubkey, not whatever the reply claims.
func (f *Federation) joinVia(bs config.BootstrapServer) error {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.Dial("ws://"+bs.Addr()+"/", nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	hello, err := protocol.NewMessage(protocol.TypeServerHelloJoin,
		f.node.Identifier(), identity.Bootstrap(bs.Addr()), nowMillis(),
		protocol.ServerHelloJoinPayload{Host: f.host, Port: f.port, Pubkey: f.node.PubkeyB64})
	if err != nil {
		return err
	}
	if err := protocol.SignMessage(&hello, f.node.Keys); err != nil {
		return fmt.Errorf("sign hello: %w", err)
	}
	if err := conn.WriteJSON(hello); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(f.welcomeWait))
	var welcome protocol.Message
	if err := conn.ReadJSON(&welcome); err != nil {
		return fmt.Errorf("read welcome: %w", err)
	}
	if err := protocol.ExpectType(welcome, protocol.TypeServerWelcome); err != nil {
		return err
	}
	if err := protocol.VerifyMessageB64(welcome, bs.Pubkey); err != nil {
		return fmt.Errorf("welcome from %s: %w", bs.Addr(), err)
	}

	payload, err := protocol.ExtractPayload[protocol.ServerWelcomePayload](welcome)
	if err != nil {
		return err
	}
	if payload.AssignedID != f.node.ID.String() {
		log.Printf("[Federation] introducer %s assigned id %s, keeping own %s",
			bs.Addr(), payload.AssignedID, f.node.ID)
	}

	introducer, ok := welcome.From.AsID()
	if !ok {
		return fmt.Errorf("welcome from %s carries non-id sender %s", bs.Addr(), welcome.From)
	}
	f.node.Peers.Upsert(introducer, bs.Host, bs.Port, bs.Pubkey)
	f.links.Track(introducer)
	f.installView(payload)

	log.Printf("[Federation] joined via %s: %d servers, %d users known",
		bs.Addr(), len(payload.Servers), len(payload.Clients))
	return nil
}

// installView absorbs the server and client lists of a WELCOME.
func (f *Federation) installView(payload protocol.ServerWelcomePayload) {
	for _, s := range payload.Servers {
		id, err := identity.ParseID(s.ServerID)
		if err != nil {
			log.Printf("[Federation] welcome lists bad server id %q, skipping", s.ServerID)
			continue
		}
		if id == f.node.ID {
			continue
		}
		if _, repinned := f.node.Peers.Upsert(id, s.Host, s.Port, s.Pubkey); repinned {
			log.Printf("[Federation] pubkey for peer %s changed via welcome", id)
		}
		f.links.Track(id)
	}
	for _, c := range payload.Clients {
		id, err := identity.ParseID(c.UserID)
		if err != nil {
			log.Printf("[Federation] welcome lists bad user id %q, skipping", c.UserID)
			continue
		}
		if c.ServerID == f.node.ID.String() {
			continue
		}
		f.node.Users.SetRemote(id, c.ServerID, c.Pubkey)
	}
}

// Announce introduces this node to every tracked peer.
func (f *Federation) Announce() {
	msg, err := protocol.NewMessage(protocol.TypeServerAnnounce,
		f.node.Identifier(), identity.Broadcast(), nowMillis(),
		protocol.ServerAnnouncePayload{Host: f.host, Port: f.port, Pubkey: f.node.PubkeyB64})
	if err != nil {
		log.Printf("[Federation] build announce: %v", err)
		return
	}
	if err := protocol.SignMessage(&msg, f.node.Keys); err != nil {
		log.Printf("[Federation] sign announce: %v", err)
		return
	}
	f.links.Broadcast(msg)
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
