// Package transport is the node's outer surface: the HTTP API clients
// poll against, and the persistent WebSocket endpoint peers and
// socket-mode clients connect to.
package transport

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/atvirokodosprendimai/fedchat/pkg/federation"
	"github.com/atvirokodosprendimai/fedchat/pkg/identity"
	"github.com/atvirokodosprendimai/fedchat/pkg/node"
	"github.com/atvirokodosprendimai/fedchat/pkg/presence"
	"github.com/atvirokodosprendimai/fedchat/pkg/protocol"
	"github.com/atvirokodosprendimai/fedchat/pkg/routing"
)

// Server wires the HTTP routes and the peer socket to the handler
// packages. It implements http.Handler.
type Server struct {
	node   *node.Node
	fed    *federation.Federation
	pres   *presence.Presence
	router *routing.Router
	mux    *http.ServeMux
}

func NewServer(n *node.Node, fed *federation.Federation, pres *presence.Presence, router *routing.Router) *Server {
	s := &Server{node: n, fed: fed, pres: pres, router: router, mux: http.NewServeMux()}
	s.registerRoutes()
	return s
}

// ServeHTTP applies CORS and panic isolation around every route.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cors(recoverPanic(s.mux.ServeHTTP))(w, r)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /{$}", s.handlePeerSocket)

	s.mux.HandleFunc("POST /api/user_hello", s.handleUserHello)
	s.mux.HandleFunc("POST /api/heartbeat", s.handleHeartbeat)
	s.mux.HandleFunc("GET /api/users/online", s.handleUsersOnline)
	s.mux.HandleFunc("GET /api/users/pubkey/{user_id}", s.handleUserPubkey)
	s.mux.HandleFunc("POST /api/user_login", s.handleNotImplemented(protocol.TypeUserLogin))
	s.mux.HandleFunc("POST /api/user_register", s.handleNotImplemented(protocol.TypeUserRegister))

	s.mux.HandleFunc("POST /api/direct_message", s.handleDirectMessage)
	s.mux.HandleFunc("POST /api/poll_direct_messages", s.handlePollDirect)

	s.mux.HandleFunc("POST /api/file_start", s.handleFileRelay)
	s.mux.HandleFunc("POST /api/file_chunk", s.handleFileRelay)
	s.mux.HandleFunc("POST /api/file_end", s.handleFileRelay)
	s.mux.HandleFunc("POST /api/poll_file_events", s.handlePollFileEvents)

	s.mux.HandleFunc("POST /api/public_channel/add", s.handleChannelEnvelope(s.router.HandleChannelAdd))
	s.mux.HandleFunc("POST /api/public_channel/updated", s.handleChannelEnvelope(s.router.HandleChannelUpdated))
	s.mux.HandleFunc("POST /api/public_channel/key_share", s.handleChannelEnvelope(s.router.HandleChannelKeyShare))
	s.mux.HandleFunc("POST /api/public_channel/message", s.handleChannelMessage)
	s.mux.HandleFunc("GET /api/public_channel/messages", s.handleChannelMessagesPoll)
	s.mux.HandleFunc("POST /api/public_channel/file_start", s.handleChannelFile)
	s.mux.HandleFunc("POST /api/public_channel/file_chunk", s.handleChannelFile)
	s.mux.HandleFunc("POST /api/public_channel/file_end", s.handleChannelFile)
	s.mux.HandleFunc("GET /api/public_channel/file_events", s.handleChannelFilesPoll)
}

// --- Middleware ---

// cors is allow-all: browser clients talk to arbitrary home nodes.
func cors(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "*")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next(w, r)
	}
}

// recoverPanic keeps one panicking handler from taking the process
// down; the request gets a 500 and the cause is logged.
func recoverPanic(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				log.Printf("[API] panic in %s %s: %v", r.Method, r.URL.Path, v)
				writeError(w, http.StatusInternalServerError, "", "internal error")
			}
		}()
		next(w, r)
	}
}

// --- Presence ---

func (s *Server) handleUserHello(w http.ResponseWriter, r *http.Request) {
	var req presence.HelloRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusOK, "invalid id")
		return
	}
	if err := s.pres.Hello(req); err != nil {
		writeJSON(w, http.StatusOK, "invalid id")
		return
	}
	writeJSON(w, http.StatusOK, "ok")
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusOK, "invalid id")
		return
	}
	id, err := identity.ParseID(req.UserID)
	if err != nil {
		writeJSON(w, http.StatusOK, "invalid id")
		return
	}
	if s.pres.Heartbeat(id) {
		writeJSON(w, http.StatusOK, "ok")
	} else {
		writeJSON(w, http.StatusOK, "not found")
	}
}

type onlineUser struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

func (s *Server) handleUsersOnline(w http.ResponseWriter, _ *http.Request) {
	locals := s.node.Users.AllLocal()
	users := make([]onlineUser, 0, len(locals))
	for _, u := range locals {
		users = append(users, onlineUser{UserID: u.ID.String(), DisplayName: u.DisplayName})
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (s *Server) handleUserPubkey(w http.ResponseWriter, r *http.Request) {
	id, err := identity.ParseID(r.PathValue("user_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "", "invalid user id")
		return
	}
	pk, ok := s.node.Users.Pubkey(id)
	if !ok {
		writeError(w, http.StatusNotFound, protocol.CodeUserNotFound, "no pubkey for user")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"pubkey": pk})
}

func (s *Server) handleNotImplemented(want protocol.PayloadType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msg, err := decodeEnvelope(r)
		if err != nil {
			s.writeHandlerError(w, err)
			return
		}
		if err := protocol.ExpectType(msg, want); err != nil {
			s.writeHandlerError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, protocol.StatusPayload{Status: "not_implemented"})
	}
}

// --- Direct messages ---

func (s *Server) handleDirectMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := decodeEnvelope(r)
	if err != nil {
		s.writeHandlerError(w, err)
		return
	}
	if err := s.router.RouteDirect(msg); err != nil {
		s.writeHandlerError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handlePollDirect(w http.ResponseWriter, r *http.Request) {
	id, err := decodeUserID(r)
	if err != nil {
		s.writeHandlerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.router.PollDirect(id))
}

// --- File relay ---

func (s *Server) handleFileRelay(w http.ResponseWriter, r *http.Request) {
	msg, err := decodeEnvelope(r)
	if err != nil {
		s.writeHandlerError(w, err)
		return
	}
	if err := s.router.RelayFile(msg); err != nil {
		s.writeHandlerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, "ok")
}

func (s *Server) handlePollFileEvents(w http.ResponseWriter, r *http.Request) {
	id, err := decodeUserID(r)
	if err != nil {
		s.writeHandlerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.router.PollFileEvents(id))
}

// --- Public channel ---

func (s *Server) handleChannelEnvelope(handle func(protocol.Message) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msg, err := decodeEnvelope(r)
		if err != nil {
			s.writeHandlerError(w, err)
			return
		}
		if err := handle(msg); err != nil {
			s.writeHandlerError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, protocol.StatusPayload{Status: "ok"})
	}
}

func (s *Server) handleChannelMessage(w http.ResponseWriter, r *http.Request) {
	var req routing.ChannelPost
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeHandlerError(w, &protocol.DeserializationError{Cause: err})
		return
	}
	if _, err := s.router.PostChannelMessage(req); err != nil {
		s.writeHandlerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "delivered": true})
}

func (s *Server) handleChannelMessagesPoll(w http.ResponseWriter, r *http.Request) {
	since := parseSince(r)
	exclude := r.URL.Query().Get("exclude_from")
	writeJSON(w, http.StatusOK, s.router.ChannelMessages(since, exclude))
}

func (s *Server) handleChannelFile(w http.ResponseWriter, r *http.Request) {
	msg, err := decodeEnvelope(r)
	if err != nil {
		s.writeHandlerError(w, err)
		return
	}
	if err := s.router.AppendChannelFile(msg); err != nil {
		s.writeHandlerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, "ok")
}

func (s *Server) handleChannelFilesPoll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.router.ChannelFileEvents(parseSince(r)))
}

// --- Helpers ---

func decodeEnvelope(r *http.Request) (protocol.Message, error) {
	var msg protocol.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		return protocol.Message{}, &protocol.DeserializationError{Cause: err}
	}
	return msg, nil
}

func decodeUserID(r *http.Request) (identity.ID, error) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return identity.ID{}, &protocol.DeserializationError{Cause: err}
	}
	id, err := identity.ParseID(req.UserID)
	if err != nil {
		return identity.ID{}, &protocol.PayloadExtractionError{Detail: err.Error()}
	}
	return id, nil
}

func parseSince(r *http.Request) int64 {
	since, err := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	if err != nil {
		return 0
	}
	return since
}

// writeHandlerError maps the two error taxonomies: client-induced
// failures carry their message with a 400-class status, everything
// else is a bare internal error with the cause logged.
func (s *Server) writeHandlerError(w http.ResponseWriter, err error) {
	if errors.Is(err, routing.ErrUserNotFound) {
		writeError(w, http.StatusBadRequest, protocol.CodeUserNotFound, err.Error())
		return
	}
	var ce protocol.ClientError
	if errors.As(err, &ce) {
		status := http.StatusBadRequest
		var sigErr *protocol.InvalidSigError
		if errors.As(err, &sigErr) {
			writeError(w, status, protocol.CodeInvalidSig, err.Error())
			return
		}
		writeError(w, status, "", err.Error())
		return
	}
	log.Printf("[API] internal error: %v", err)
	writeError(w, http.StatusInternalServerError, "", "internal error")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[API] write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code protocol.ErrorCode, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]any{"error": detail}
	if code != "" {
		body["code"] = code
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("[API] write error response: %v", err)
	}
}
