// Package routing decides what happens to every user-facing envelope:
// local delivery via the recipient's mailbox, forwarding to the
// recipient's home server, public-channel recording, and the file
// relay. Message bodies stay opaque throughout; the router moves
// ciphertext, it never reads it.
package routing

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/atvirokodosprendimai/fedchat/pkg/identity"
	"github.com/atvirokodosprendimai/fedchat/pkg/node"
	"github.com/atvirokodosprendimai/fedchat/pkg/peerlink"
	"github.com/atvirokodosprendimai/fedchat/pkg/protocol"
)

// ErrUserNotFound marks a recipient absent from the presence view. The
// HTTP layer maps it to the USER_NOT_FOUND protocol code.
var ErrUserNotFound = errors.New("routing: user not found")

// Router binds node state to the peer sockets.
type Router struct {
	node  *node.Node
	links *peerlink.Manager
}

func New(n *node.Node, links *peerlink.Manager) *Router {
	return &Router{node: n, links: links}
}

// RouteDirect applies the direct-message decision table: wrap and queue
// for a local recipient, forward to the home server of a remote one,
// reject an unknown one.
func (r *Router) RouteDirect(msg protocol.Message) error {
	if err := protocol.ExpectType(msg, protocol.TypeMsgDirect); err != nil {
		return err
	}
	from, ok := msg.From.AsID()
	if !ok {
		return &protocol.PayloadExtractionError{Detail: fmt.Sprintf("direct message from non-id sender %s", msg.From)}
	}
	to, ok := msg.To.AsID()
	if !ok {
		return &protocol.PayloadExtractionError{Detail: fmt.Sprintf("direct message to non-id recipient %s", msg.To)}
	}
	fields, err := protocol.ExtractPayload[protocol.DirectCipherFields](msg)
	if err != nil {
		return err
	}

	home, known := r.node.Users.Home(to)
	switch {
	case known && home == node.HomeLocal:
		if err := r.deliverLocal(from, to, msg.TS, fields); err != nil {
			return err
		}
		node.RecordRouted("local")
		return nil
	case known:
		homeID, err := identity.ParseID(home)
		if err != nil {
			return fmt.Errorf("routing: home of %s is unparseable (%q): %w", to, home, err)
		}
		if err := r.forward(homeID, from, to, msg.TS, fields); err != nil {
			return err
		}
		node.RecordRouted("forwarded")
		return nil
	default:
		node.RecordRouted("unknown")
		return fmt.Errorf("%w: %s", ErrUserNotFound, to)
	}
}

// deliverLocal authors a USER_DELIVER envelope for a local recipient.
// The envelope is from this server and carries a real signature; the
// content signature inside the payload stays the sender's.
func (r *Router) deliverLocal(from, to identity.ID, ts int64, fields protocol.DirectCipherFields) error {
	deliver, err := protocol.NewMessage(protocol.TypeUserDeliver,
		r.node.Identifier(), identity.FromID(to), ts,
		protocol.UserDeliverPayload{
			Sender:     r.node.Users.DisplayName(from),
			SenderPub:  fields.SenderPub,
			Ciphertext: fields.Ciphertext,
			ContentSig: fields.ContentSig,
		})
	if err != nil {
		return err
	}
	if err := protocol.SignMessage(&deliver, r.node.Keys); err != nil {
		return fmt.Errorf("routing: sign user_deliver: %w", err)
	}
	r.node.Mail.Enqueue(to, deliver)
	log.Printf("[Routing] direct message from %s queued for local user %s", from, to)
	return nil
}

// forward sends a SERVER_DELIVER to the recipient's home server. Like
// all peer traffic it is best-effort; the peerlink layer logs failures.
func (r *Router) forward(homeID, from, to identity.ID, ts int64, fields protocol.DirectCipherFields) error {
	msg, err := protocol.NewMessage(protocol.TypeServerDeliver,
		r.node.Identifier(), identity.FromID(homeID), ts,
		protocol.ServerDeliverPayload{
			UserID:     to.String(),
			Ciphertext: rawToString(fields.Ciphertext),
			Sender:     r.node.Users.DisplayName(from),
			SenderPub:  fields.SenderPub,
			ContentSig: rawToString(fields.ContentSig),
		})
	if err != nil {
		return err
	}
	if err := protocol.SignMessage(&msg, r.node.Keys); err != nil {
		return fmt.Errorf("routing: sign server_deliver: %w", err)
	}
	r.links.Send(homeID, msg)
	log.Printf("[Routing] direct message for %s forwarded to server %s", to, homeID)
	return nil
}

// HandleServerDeliver accepts a forwarded message from a peer and
// queues it for the local recipient. A recipient that is not local is
// dropped with a log line; re-forwarding would risk routing loops when
// two nodes disagree about a user's home.
func (r *Router) HandleServerDeliver(msg protocol.Message) error {
	if err := protocol.ExpectType(msg, protocol.TypeServerDeliver); err != nil {
		return err
	}
	if sender, ok := msg.From.AsID(); ok {
		if pub, found := r.node.Peers.Pubkey(sender); found {
			if err := protocol.VerifyMessageB64(msg, pub); err != nil {
				return err
			}
		}
	}
	payload, err := protocol.ExtractPayload[protocol.ServerDeliverPayload](msg)
	if err != nil {
		return err
	}
	to, err := identity.ParseID(payload.UserID)
	if err != nil {
		return &protocol.PayloadExtractionError{Detail: "server_deliver: " + err.Error()}
	}
	if !r.node.Users.IsLocal(to) {
		log.Printf("[Routing] server_deliver for non-local user %s dropped", to)
		return nil
	}

	deliver, err := protocol.NewMessage(protocol.TypeUserDeliver,
		r.node.Identifier(), identity.FromID(to), msg.TS,
		protocol.UserDeliverPayload{
			Sender:     payload.Sender,
			SenderPub:  payload.SenderPub,
			Ciphertext: stringToRaw(payload.Ciphertext),
			ContentSig: stringToRaw(payload.ContentSig),
		})
	if err != nil {
		return err
	}
	if err := protocol.SignMessage(&deliver, r.node.Keys); err != nil {
		return fmt.Errorf("routing: sign user_deliver: %w", err)
	}
	r.node.Mail.Enqueue(to, deliver)
	log.Printf("[Routing] forwarded message queued for local user %s", to)
	return nil
}

// PollDirect drains the recipient's mailbox, FIFO, atomically.
func (r *Router) PollDirect(user identity.ID) []protocol.Message {
	return r.node.Mail.Drain(user)
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// rawToString unwraps a JSON string value; any other shape keeps its
// raw JSON text.
func rawToString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// stringToRaw re-wraps a ciphertext string as a JSON string value.
func stringToRaw(s string) json.RawMessage {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil
	}
	return raw
}
