package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// PeerData represents one federated peer for RPC
type PeerData struct {
	ServerID string
	Addr     string
	Pubkey   string
	LastSeen time.Time
	Alive    bool
}

// UserData represents one known user for RPC
type UserData struct {
	UserID      string
	DisplayName string
	Home        string
}

// StatusData represents node status for RPC
type StatusData struct {
	ServerID     string
	Addr         string
	Pubkey       string
	Uptime       time.Duration
	Bootstrapped bool
	PeersAlive   int
	PeersTotal   int
	LocalUsers   int
}

// ServerConfig configures the RPC server with callback functions
type ServerConfig struct {
	SocketPath string
	Version    string
	GetPeers   func() []*PeerData
	GetUsers   func() []*UserData
	GetStatus  func() *StatusData
}

// Server implements an RPC server using Unix domain sockets
type Server struct {
	socketPath  string
	listener    net.Listener
	version     string
	ctx         context.Context
	cancel      context.CancelFunc
	getPeersFn  func() []*PeerData
	getUsersFn  func() []*UserData
	getStatusFn func() *StatusData
}

// NewServer creates a new RPC server
func NewServer(config ServerConfig) (*Server, error) {
	// Remove existing socket if it exists
	if _, err := os.Stat(config.SocketPath); err == nil {
		if err := os.Remove(config.SocketPath); err != nil {
			return nil, fmt.Errorf("failed to remove existing socket: %w", err)
		}
	}

	// Ensure directory exists
	dir := filepath.Dir(config.SocketPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		socketPath:  config.SocketPath,
		version:     config.Version,
		ctx:         ctx,
		cancel:      cancel,
		getPeersFn:  config.GetPeers,
		getUsersFn:  config.GetUsers,
		getStatusFn: config.GetStatus,
	}

	return s, nil
}

// Start starts the RPC server
func (s *Server) Start() error {
	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on socket: %w", err)
	}
	s.listener = listener

	// Set socket permissions to 0600 (owner only)
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		s.listener.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	log.Printf("[RPC] server listening on %s", s.socketPath)

	// Accept connections
	go s.acceptLoop()

	return nil
}

// acceptLoop accepts incoming connections
func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				log.Printf("[RPC] accept error: %v", err)
				continue
			}
		}

		go s.handleConnection(conn)
	}
}

// handleConnection handles a single connection
func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	writer := bufio.NewWriter(conn)

	for scanner.Scan() {
		line := scanner.Bytes()

		// Parse request
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			resp := &Response{
				JSONRPC: "2.0",
				Error: &Error{
					Code:    ErrCodeParseError,
					Message: fmt.Sprintf("failed to parse request: %v", err),
				},
				ID: nil,
			}
			s.writeResponse(writer, resp)
			continue
		}

		// Handle request
		resp := s.handleRequest(&req)
		s.writeResponse(writer, resp)
	}

	if err := scanner.Err(); err != nil {
		log.Printf("[RPC] connection error: %v", err)
	}
}

// writeResponse writes a response to the connection
func (s *Server) writeResponse(w *bufio.Writer, resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		log.Printf("[RPC] failed to encode response: %v", err)
		return
	}

	if _, err := w.Write(append(data, '\n')); err != nil {
		log.Printf("[RPC] failed to write response: %v", err)
		return
	}

	if err := w.Flush(); err != nil {
		log.Printf("[RPC] failed to flush response: %v", err)
	}
}

// handleRequest handles a single RPC request
func (s *Server) handleRequest(req *Request) *Response {
	resp := &Response{
		JSONRPC: "2.0",
		ID:      req.ID,
	}

	// Validate JSON-RPC version
	if req.JSONRPC != "2.0" {
		resp.Error = &Error{
			Code:    ErrCodeInvalidRequest,
			Message: "invalid jsonrpc version, must be 2.0",
		}
		return resp
	}

	// Dispatch to handler
	switch req.Method {
	case "peers.list":
		resp.Result = s.handlePeersList()

	case "users.list":
		resp.Result = s.handleUsersList()

	case "node.status":
		resp.Result = s.handleNodeStatus()

	case "node.ping":
		resp.Result = s.handleNodePing()

	default:
		resp.Error = &Error{
			Code:    ErrCodeMethodNotFound,
			Message: fmt.Sprintf("method not found: %s", req.Method),
		}
	}

	return resp
}

// handlePeersList implements peers.list
func (s *Server) handlePeersList() *PeersListResult {
	peers := s.getPeersFn()

	result := &PeersListResult{
		Peers: make([]*PeerInfo, 0, len(peers)),
	}

	for _, peer := range peers {
		result.Peers = append(result.Peers, &PeerInfo{
			ServerID: peer.ServerID,
			Addr:     peer.Addr,
			Pubkey:   peer.Pubkey,
			LastSeen: peer.LastSeen.Format(time.RFC3339),
			Alive:    peer.Alive,
		})
	}

	return result
}

// handleUsersList implements users.list
func (s *Server) handleUsersList() *UsersListResult {
	users := s.getUsersFn()

	result := &UsersListResult{
		Users: make([]*UserInfo, 0, len(users)),
	}

	for _, user := range users {
		result.Users = append(result.Users, &UserInfo{
			UserID:      user.UserID,
			DisplayName: user.DisplayName,
			Home:        user.Home,
		})
	}

	return result
}

// handleNodeStatus implements node.status
func (s *Server) handleNodeStatus() *NodeStatusResult {
	status := s.getStatusFn()

	return &NodeStatusResult{
		ServerID:     status.ServerID,
		Addr:         status.Addr,
		Pubkey:       status.Pubkey,
		Uptime:       status.Uptime,
		Bootstrapped: status.Bootstrapped,
		PeersAlive:   status.PeersAlive,
		PeersTotal:   status.PeersTotal,
		LocalUsers:   status.LocalUsers,
		Version:      s.version,
	}
}

// handleNodePing implements node.ping
func (s *Server) handleNodePing() *NodePingResult {
	return &NodePingResult{
		Pong:    true,
		Version: s.version,
	}
}

// Stop stops the RPC server
func (s *Server) Stop() error {
	s.cancel()

	if s.listener != nil {
		s.listener.Close()
	}

	// Remove socket file
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove socket: %w", err)
	}

	log.Printf("[RPC] server stopped")
	return nil
}

// GetSocketPath determines the appropriate socket path
func GetSocketPath() string {
	// Check environment variable first
	if path := os.Getenv("FEDCHAT_SOCKET"); path != "" {
		return path
	}

	// Try /var/run (requires root)
	if IsWritable("/var/run") {
		return "/var/run/fedchat.sock"
	}

	// Fallback to XDG_RUNTIME_DIR for non-root
	if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
		return filepath.Join(runtimeDir, "fedchat.sock")
	}

	// Last resort: /tmp
	return "/tmp/fedchat.sock"
}

// IsWritable checks if a directory is writable
func IsWritable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}

	if !info.IsDir() {
		return false
	}

	// Try to create a temporary file
	testFile := filepath.Join(path, ".fedchat-test")
	f, err := os.Create(testFile)
	if err != nil {
		return false
	}
	f.Close()
	os.Remove(testFile)

	return true
}

// FormatSocketPath formats a socket path for display, shortening home directory
func FormatSocketPath(path string) string {
	home, err := os.UserHomeDir()
	if err == nil && strings.HasPrefix(path, home) {
		return "~" + strings.TrimPrefix(path, home)
	}
	return path
}
