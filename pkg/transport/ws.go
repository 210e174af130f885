package transport

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"

	"github.com/atvirokodosprendimai/fedchat/pkg/protocol"
	"github.com/atvirokodosprendimai/fedchat/pkg/routing"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Peers and socket clients connect from arbitrary origins.
	CheckOrigin: func(*http.Request) bool { return true },
}

// connKind tracks what the remote end of a socket turned out to be. A
// fresh connection is Unknown until its first identifying frame.
type connKind int

const (
	connUnknown connKind = iota
	connClient
	connServer
)

func (k connKind) String() string {
	switch k {
	case connClient:
		return "client"
	case connServer:
		return "server"
	default:
		return "unknown"
	}
}

// handlePeerSocket upgrades the root path to a WebSocket and runs the
// frame loop until the remote closes or errors.
func (s *Server) handlePeerSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] upgrade from %s: %v", r.RemoteAddr, err)
		return
	}
	defer conn.Close()

	kind := connUnknown
	reply := func(m protocol.Message) {
		if err := conn.WriteJSON(m); err != nil {
			log.Printf("[WS] write to %s: %v", r.RemoteAddr, err)
		}
	}

	for {
		frameType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[WS] %s socket %s closed: %v", kind, r.RemoteAddr, err)
			}
			return
		}
		switch frameType {
		case websocket.TextMessage:
		case websocket.BinaryMessage:
			// Binary frames are accepted when they hold UTF-8 JSON.
			if !utf8.Valid(data) {
				log.Printf("[WS] dropping non-UTF-8 binary frame from %s", r.RemoteAddr)
				continue
			}
		default:
			continue
		}

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("[WS] dropping undecodable frame from %s: %v", r.RemoteAddr, err)
			continue
		}

		promoted := s.DispatchFrame(msg, reply)
		if promoted != connUnknown && kind == connUnknown {
			kind = promoted
			log.Printf("[WS] socket %s identified as %s", r.RemoteAddr, kind)
		}
	}
}

// DispatchFrame routes one decoded envelope to its handler. reply, when
// non-nil, sends a response frame back the way the envelope came; the
// peerlink read loop passes a reply that writes to the originating
// peer. The return value reports whether the frame identified its
// socket as a client or a server connection.
func (s *Server) DispatchFrame(msg protocol.Message, reply func(protocol.Message)) connKind {
	if !msg.Type.Known() {
		log.Printf("[WS] unknown envelope type %q from %s", string(msg.Type), msg.From)
		return connUnknown
	}

	switch msg.Type {
	case protocol.TypeServerHelloJoin:
		welcome, err := s.fed.HandleHelloJoin(msg)
		if err != nil {
			s.logDispatchError(msg, err, reply)
			return connUnknown
		}
		if reply != nil {
			reply(welcome)
		}
		return connServer

	case protocol.TypeServerWelcome:
		s.logDispatchError(msg, s.fed.HandleWelcome(msg), reply)
		return connServer

	case protocol.TypeServerAnnounce:
		s.logDispatchError(msg, s.fed.HandleAnnounce(msg), reply)
		return connServer

	case protocol.TypeUserAdvertise:
		s.logDispatchError(msg, s.pres.HandleAdvertise(msg), reply)
		return connServer

	case protocol.TypeUserRemove:
		s.logDispatchError(msg, s.pres.HandleRemove(msg), reply)
		return connServer

	case protocol.TypeServerDeliver:
		s.logDispatchError(msg, s.router.HandleServerDeliver(msg), reply)
		return connServer

	case protocol.TypeHeartbeat:
		s.logDispatchError(msg, s.pres.HandlePeerHeartbeat(msg), reply)
		return connServer

	case protocol.TypeUserHello:
		if err := s.pres.HandleUserHello(msg); err != nil {
			s.logDispatchError(msg, err, reply)
			return connUnknown
		}
		s.ack(msg, reply)
		return connClient

	case protocol.TypeListUsers:
		s.replyUserList(msg, reply)
		return connClient

	case protocol.TypeUserLogin, protocol.TypeUserRegister:
		s.replyStatus(msg, reply, "not_implemented")
		return connClient

	case protocol.TypeMsgDirect:
		s.logDispatchError(msg, s.router.RouteDirect(msg), reply)
		return connClient

	case protocol.TypeFileStart, protocol.TypeFileChunk, protocol.TypeFileEnd:
		s.logDispatchError(msg, s.router.RelayFile(msg), reply)
		return connClient

	case protocol.TypePublicChannelAdd, protocol.TypePublicChannelUpdated,
		protocol.TypePublicChannelKeyShare, protocol.TypeMsgPublicChannel:
		// Public-channel traffic is HTTP-only.
		log.Printf("[WS] ignoring %s over socket from %s", msg.Type.Name(), msg.From)
		return connUnknown

	case protocol.TypeUserDeliver:
		// Server-authored, pulled via polling; never accepted inbound.
		log.Printf("[WS] rejecting inbound %s from %s", msg.Type.Name(), msg.From)
		return connUnknown

	case protocol.TypeAck:
		log.Printf("[WS] ack from %s", msg.From)
		return connUnknown

	case protocol.TypeError:
		payload, err := protocol.ExtractPayload[protocol.ErrorPayload](msg)
		if err != nil {
			log.Printf("[WS] malformed error envelope from %s: %v", msg.From, err)
			return connUnknown
		}
		log.Printf("[WS] error from %s: %s %s", msg.From, payload.Code, payload.Detail)
		return connUnknown
	}
	return connUnknown
}

// logDispatchError logs a handler failure and, for errors the sender
// caused, sends back an ERROR envelope when the code has a wire
// representation.
func (s *Server) logDispatchError(msg protocol.Message, err error, reply func(protocol.Message)) {
	if err == nil {
		return
	}
	log.Printf("[WS] handling %s from %s: %v", msg.Type.Name(), msg.From, err)
	if reply == nil {
		return
	}
	var code protocol.ErrorCode
	var sigErr *protocol.InvalidSigError
	switch {
	case errors.Is(err, routing.ErrUserNotFound):
		code = protocol.CodeUserNotFound
	case errors.As(err, &sigErr):
		code = protocol.CodeInvalidSig
	default:
		return
	}
	out, mkErr := protocol.NewMessage(protocol.TypeError, s.node.Identifier(), msg.From,
		time.Now().UnixMilli(), protocol.ErrorPayload{Code: code, Detail: err.Error()})
	if mkErr != nil {
		return
	}
	if signErr := protocol.SignMessage(&out, s.node.Keys); signErr != nil {
		return
	}
	reply(out)
}

func (s *Server) ack(msg protocol.Message, reply func(protocol.Message)) {
	s.replyStatus(msg, reply, "ok")
}

func (s *Server) replyStatus(msg protocol.Message, reply func(protocol.Message), status string) {
	if reply == nil {
		return
	}
	out, err := protocol.NewMessage(protocol.TypeAck, s.node.Identifier(), msg.From,
		time.Now().UnixMilli(), protocol.StatusPayload{Status: status})
	if err != nil {
		return
	}
	if err := protocol.SignMessage(&out, s.node.Keys); err != nil {
		log.Printf("[WS] sign ack: %v", err)
		return
	}
	reply(out)
}

// replyUserList answers a LIST_USERS envelope with the node's local
// roster, mirroring GET /api/users/online.
func (s *Server) replyUserList(msg protocol.Message, reply func(protocol.Message)) {
	if reply == nil {
		return
	}
	locals := s.node.Users.AllLocal()
	users := make([]onlineUser, 0, len(locals))
	for _, u := range locals {
		users = append(users, onlineUser{UserID: u.ID.String(), DisplayName: u.DisplayName})
	}
	out, err := protocol.NewMessage(protocol.TypeListUsers, s.node.Identifier(), msg.From,
		time.Now().UnixMilli(), map[string]any{"users": users})
	if err != nil {
		return
	}
	if err := protocol.SignMessage(&out, s.node.Keys); err != nil {
		log.Printf("[WS] sign user list: %v", err)
		return
	}
	reply(out)
}
