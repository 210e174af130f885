package rpc

import (
	"time"
)

// JSON-RPC 2.0 protocol structures

// Request represents a JSON-RPC 2.0 request
type Request struct {
	JSONRPC string                 `json:"jsonrpc"`
	Method  string                 `json:"method"`
	Params  map[string]interface{} `json:"params,omitempty"`
	ID      interface{}            `json:"id"`
}

// Response represents a JSON-RPC 2.0 response
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error represents a JSON-RPC 2.0 error
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Standard JSON-RPC 2.0 error codes
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// PeerInfo represents one federated peer in RPC responses
type PeerInfo struct {
	ServerID string `json:"server_id"`
	Addr     string `json:"addr"`
	Pubkey   string `json:"pubkey"`
	LastSeen string `json:"last_seen"` // ISO 8601 format
	Alive    bool   `json:"alive"`
}

// PeersListResult represents the result of peers.list
type PeersListResult struct {
	Peers []*PeerInfo `json:"peers"`
}

// UserInfo represents one known user in RPC responses
type UserInfo struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
	Home        string `json:"home"`
}

// UsersListResult represents the result of users.list
type UsersListResult struct {
	Users []*UserInfo `json:"users"`
}

// NodeStatusResult represents the result of node.status
type NodeStatusResult struct {
	ServerID     string        `json:"server_id"`
	Addr         string        `json:"addr"`
	Pubkey       string        `json:"pubkey"`
	Uptime       time.Duration `json:"uptime"`
	Bootstrapped bool          `json:"bootstrapped"`
	PeersAlive   int           `json:"peers_alive"`
	PeersTotal   int           `json:"peers_total"`
	LocalUsers   int           `json:"local_users"`
	Version      string        `json:"version"`
}

// NodePingResult represents the result of node.ping
type NodePingResult struct {
	Pong    bool   `json:"pong"`
	Version string `json:"version"`
}
