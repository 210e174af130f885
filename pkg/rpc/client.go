package rpc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync/atomic"
)

// Client is an RPC client that connects to the node via Unix socket
type Client struct {
	socketPath string
	conn       net.Conn
	nextID     atomic.Int64
}

// NewClient creates a new RPC client connected to the given socket path
func NewClient(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to socket: %w", err)
	}

	client := &Client{
		socketPath: socketPath,
		conn:       conn,
	}
	client.nextID.Store(1)

	return client, nil
}

// Call makes an RPC call to the node
func (c *Client) Call(method string, params map[string]interface{}) (interface{}, error) {
	// Build request
	req := &Request{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID.Add(1),
	}

	// Encode request
	reqData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	// Send request (line-delimited JSON)
	if _, err := c.conn.Write(append(reqData, '\n')); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	// Read response
	reader := bufio.NewReader(c.conn)
	respData, err := reader.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	// Decode response
	var resp Response
	if err := json.Unmarshal(respData, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	// Check for errors
	if resp.Error != nil {
		return nil, fmt.Errorf("RPC error %d: %s", resp.Error.Code, resp.Error.Message)
	}

	return resp.Result, nil
}

// callInto performs a call and decodes the result into a typed struct.
func (c *Client) callInto(method string, out interface{}) error {
	result, err := c.Call(method, nil)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to re-encode result: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return nil
}

// Ping calls node.ping.
func (c *Client) Ping() (*NodePingResult, error) {
	var out NodePingResult
	if err := c.callInto("node.ping", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status calls node.status.
func (c *Client) Status() (*NodeStatusResult, error) {
	var out NodeStatusResult
	if err := c.callInto("node.status", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Peers calls peers.list.
func (c *Client) Peers() (*PeersListResult, error) {
	var out PeersListResult
	if err := c.callInto("peers.list", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Users calls users.list.
func (c *Client) Users() (*UsersListResult, error) {
	var out UsersListResult
	if err := c.callInto("users.list", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Close closes the connection to the node
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
