package federation

import (
	"fmt"
	"log"

	"github.com/atvirokodosprendimai/fedchat/pkg/protocol"
)

// HandleHelloJoin admits a joining server and returns the signed WELCOME
// to send back on the same socket. The joiner's signature is checked
// against the pubkey it presents; trust accrues through pinning from
// here on.
func (f *Federation) HandleHelloJoin(msg protocol.Message) (protocol.Message, error) {
	if err := protocol.ExpectType(msg, protocol.TypeServerHelloJoin); err != nil {
		return protocol.Message{}, err
	}
	joiner, ok := msg.From.AsID()
	if !ok {
		return protocol.Message{}, fmt.Errorf("hello_join from non-id sender %s", msg.From)
	}
	payload, err := protocol.ExtractPayload[protocol.ServerHelloJoinPayload](msg)
	if err != nil {
		return protocol.Message{}, err
	}
	if err := protocol.VerifyMessageB64(msg, payload.Pubkey); err != nil {
		return protocol.Message{}, err
	}

	created, repinned := f.node.Peers.Upsert(joiner, payload.Host, payload.Port, payload.Pubkey)
	if created {
		log.Printf("[Federation] server %s joined from %s:%d", joiner, payload.Host, payload.Port)
	}
	if repinned {
		log.Printf("[Federation] pubkey for peer %s changed on rejoin", joiner)
	}
	f.links.Track(joiner)

	servers, clients := f.node.WelcomeView(joiner)
	welcome, err := protocol.NewMessage(protocol.TypeServerWelcome,
		f.node.Identifier(), msg.From, nowMillis(),
		protocol.ServerWelcomePayload{
			AssignedID: joiner.String(),
			Servers:    servers,
			Clients:    clients,
		})
	if err != nil {
		return protocol.Message{}, err
	}
	if err := protocol.SignMessage(&welcome, f.node.Keys); err != nil {
		return protocol.Message{}, fmt.Errorf("sign welcome: %w", err)
	}
	return welcome, nil
}

// HandleWelcome absorbs a WELCOME arriving outside the bootstrap dial,
// which happens when an introducer answers on a long-lived socket.
func (f *Federation) HandleWelcome(msg protocol.Message) error {
	if err := protocol.ExpectType(msg, protocol.TypeServerWelcome); err != nil {
		return err
	}
	sender, ok := msg.From.AsID()
	if ok {
		if pub, found := f.node.Peers.Pubkey(sender); found {
			if err := protocol.VerifyMessageB64(msg, pub); err != nil {
				return err
			}
		}
	}
	payload, err := protocol.ExtractPayload[protocol.ServerWelcomePayload](msg)
	if err != nil {
		return err
	}
	if payload.AssignedID != f.node.ID.String() {
		log.Printf("[Federation] welcome assigned id %s, keeping own %s", payload.AssignedID, f.node.ID)
	}
	f.installView(payload)
	f.node.SetBootstrapped()
	return nil
}

// HandleAnnounce upserts an announcing peer. Announces are idempotent
// and self-announces are dropped.
func (f *Federation) HandleAnnounce(msg protocol.Message) error {
	if err := protocol.ExpectType(msg, protocol.TypeServerAnnounce); err != nil {
		return err
	}
	sender, ok := msg.From.AsID()
	if !ok {
		return fmt.Errorf("announce from non-id sender %s", msg.From)
	}
	if sender == f.node.ID {
		return nil
	}
	payload, err := protocol.ExtractPayload[protocol.ServerAnnouncePayload](msg)
	if err != nil {
		return err
	}
	if err := protocol.VerifyMessageB64(msg, payload.Pubkey); err != nil {
		return err
	}

	created, repinned := f.node.Peers.Upsert(sender, payload.Host, payload.Port, payload.Pubkey)
	if created {
		log.Printf("[Federation] learned peer %s at %s:%d via announce", sender, payload.Host, payload.Port)
	}
	if repinned {
		log.Printf("[Federation] pubkey for peer %s changed via announce", sender)
	}
	f.links.Track(sender)
	return nil
}
