// Package presence tracks who is online where: local user arrivals and
// heartbeats over HTTP, USER_ADVERTISE/USER_REMOVE gossip between
// nodes, and the liveness sweep that evicts silent users.
package presence

import (
	"fmt"
	"log"
	"time"

	"github.com/atvirokodosprendimai/fedchat/pkg/identity"
	"github.com/atvirokodosprendimai/fedchat/pkg/node"
	"github.com/atvirokodosprendimai/fedchat/pkg/peerlink"
	"github.com/atvirokodosprendimai/fedchat/pkg/protocol"
)

// Presence binds the user tables to the peer sockets.
type Presence struct {
	node  *node.Node
	links *peerlink.Manager
}

func New(n *node.Node, links *peerlink.Manager) *Presence {
	return &Presence{node: n, links: links}
}

// HelloRequest is the HTTP user_hello body.
type HelloRequest struct {
	UserID    string                 `json:"user_id"`
	Client    string                 `json:"client"`
	Pubkey    string                 `json:"pubkey"`
	EncPubkey string                 `json:"enc_pubkey"`
	Meta      *protocol.UserMetadata `json:"meta,omitempty"`
}

// Hello installs an arriving local user and advertises it to every
// peer. The advertise is best-effort; the user is local either way.
func (p *Presence) Hello(req HelloRequest) error {
	id, err := identity.ParseID(req.UserID)
	if err != nil {
		return err
	}
	u := node.LocalUser{
		ID:        id,
		Client:    req.Client,
		Pubkey:    req.Pubkey,
		EncPubkey: req.EncPubkey,
	}
	if req.Meta != nil {
		u.Meta = *req.Meta
		u.DisplayName = req.Meta.DisplayName
	}
	p.node.Users.UpsertLocal(u)
	log.Printf("[Presence] user %s is now local (client %q)", id, req.Client)

	p.advertise(id, req.Pubkey, u.Meta)
	return nil
}

// HandleUserHello is the peer-socket variant of Hello: the envelope's
// from id names the user and the payload carries the keys.
func (p *Presence) HandleUserHello(msg protocol.Message) error {
	if err := protocol.ExpectType(msg, protocol.TypeUserHello); err != nil {
		return err
	}
	id, ok := msg.From.AsID()
	if !ok {
		return &protocol.PayloadExtractionError{Detail: fmt.Sprintf("user_hello from non-id sender %s", msg.From)}
	}
	payload, err := protocol.ExtractPayload[protocol.UserHelloPayload](msg)
	if err != nil {
		return err
	}
	u := node.LocalUser{
		ID:        id,
		Client:    payload.Client,
		Pubkey:    payload.Pubkey,
		EncPubkey: payload.EncPubkey,
	}
	if payload.Meta != nil {
		u.Meta = *payload.Meta
		u.DisplayName = payload.Meta.DisplayName
	}
	p.node.Users.UpsertLocal(u)
	log.Printf("[Presence] user %s is now local via socket", id)

	p.advertise(id, payload.Pubkey, u.Meta)
	return nil
}

// Heartbeat refreshes a local user's liveness stamp.
func (p *Presence) Heartbeat(id identity.ID) bool {
	return p.node.Users.Heartbeat(id, time.Now())
}

// RemoveLocal evicts a local user and gossips its departure. The
// mailbox is purged with it; queued envelopes for a dead user have no
// reader left.
func (p *Presence) RemoveLocal(id identity.ID, reason string) {
	if !p.node.Users.RemoveLocal(id) {
		return
	}
	p.node.Mail.Purge(id)
	log.Printf("[Presence] user %s removed (%s)", id, reason)

	msg, err := protocol.NewMessage(protocol.TypeUserRemove,
		p.node.Identifier(), identity.Broadcast(), time.Now().UnixMilli(),
		protocol.UserRemovePayload{UserID: id.String(), ServerID: p.node.ID.String()})
	if err != nil {
		log.Printf("[Presence] build user_remove for %s: %v", id, err)
		return
	}
	if err := protocol.SignMessage(&msg, p.node.Keys); err != nil {
		log.Printf("[Presence] sign user_remove for %s: %v", id, err)
		return
	}
	p.links.Broadcast(msg)
}

// HandleAdvertise absorbs a remote user's arrival: home and pubkey are
// recorded as the advertising server claims them.
func (p *Presence) HandleAdvertise(msg protocol.Message) error {
	if err := protocol.ExpectType(msg, protocol.TypeUserAdvertise); err != nil {
		return err
	}
	payload, err := protocol.ExtractPayload[protocol.UserAdvertisePayload](msg)
	if err != nil {
		return err
	}
	if sender, ok := msg.From.AsID(); ok {
		if pub, found := p.node.Peers.Pubkey(sender); found {
			if err := protocol.VerifyMessageB64(msg, pub); err != nil {
				return err
			}
		}
	}
	id, err := identity.ParseID(payload.UserID)
	if err != nil {
		return &protocol.PayloadExtractionError{Detail: "user_advertise: " + err.Error()}
	}
	if payload.ServerID == p.node.ID.String() {
		// Our own gossip reflected back; the user is already local.
		return nil
	}
	p.node.Users.SetRemote(id, payload.ServerID, payload.Pubkey)
	log.Printf("[Presence] user %s lives on server %s", id, payload.ServerID)
	return nil
}

// HandleRemove drops a remote user, but only while the presence table
// still points at the removing server. A stale remove after a re-home
// is a no-op, and duplicates collapse to one removal.
func (p *Presence) HandleRemove(msg protocol.Message) error {
	if err := protocol.ExpectType(msg, protocol.TypeUserRemove); err != nil {
		return err
	}
	payload, err := protocol.ExtractPayload[protocol.UserRemovePayload](msg)
	if err != nil {
		return err
	}
	id, err := identity.ParseID(payload.UserID)
	if err != nil {
		return &protocol.PayloadExtractionError{Detail: "user_remove: " + err.Error()}
	}
	if p.node.Users.RemoveIfHomedAt(id, payload.ServerID) {
		log.Printf("[Presence] user %s removed from server %s", id, payload.ServerID)
	}
	return nil
}

// HandlePeerHeartbeat records a known peer as alive. Unknown senders
// are ignored rather than inserted; peers are only learned through the
// join protocol.
func (p *Presence) HandlePeerHeartbeat(msg protocol.Message) error {
	if err := protocol.ExpectType(msg, protocol.TypeHeartbeat); err != nil {
		return err
	}
	sender, ok := msg.From.AsID()
	if !ok {
		return nil
	}
	if !p.node.Peers.MarkAlive(sender, time.Now()) {
		log.Printf("[Presence] heartbeat from unknown server %s ignored", sender)
	}
	return nil
}

// advertise signs and broadcasts a USER_ADVERTISE for a local user.
func (p *Presence) advertise(id identity.ID, pubkey string, meta protocol.UserMetadata) {
	msg, err := protocol.NewMessage(protocol.TypeUserAdvertise,
		p.node.Identifier(), identity.Broadcast(), time.Now().UnixMilli(),
		protocol.UserAdvertisePayload{
			UserID:   id.String(),
			ServerID: p.node.ID.String(),
			Meta:     meta,
			Pubkey:   pubkey,
		})
	if err != nil {
		log.Printf("[Presence] build user_advertise for %s: %v", id, err)
		return
	}
	if err := protocol.SignMessage(&msg, p.node.Keys); err != nil {
		log.Printf("[Presence] sign user_advertise for %s: %v", id, err)
		return
	}
	p.links.Broadcast(msg)
}
