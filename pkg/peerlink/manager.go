// Package peerlink owns the persistent server-to-server sockets. Every
// peer gets one writer goroutine fed by a buffered channel, so no caller
// ever holds a lock across a socket write; sends are best-effort and
// dropped with a log line when the peer is unreachable.
package peerlink

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/atvirokodosprendimai/fedchat/pkg/identity"
	"github.com/atvirokodosprendimai/fedchat/pkg/node"
	"github.com/atvirokodosprendimai/fedchat/pkg/protocol"
)

const (
	sendBuffer      = 64
	dialTimeout     = 5 * time.Second
	writeTimeout    = 10 * time.Second
	maxDialAttempts = 3
	initialBackoff  = 250 * time.Millisecond
)

// Resolver maps a peer id to its current dialable address.
type Resolver func(id identity.ID) (addr string, ok bool)

// MessageHandler receives frames read back on an outbound peer socket.
type MessageHandler func(from identity.ID, msg protocol.Message)

// Manager multiplexes sends to all peers.
type Manager struct {
	resolve   Resolver
	onMessage MessageHandler

	mu     sync.Mutex
	links  map[identity.ID]*link
	closed bool
}

// NewManager builds a manager. onMessage may be nil when inbound frames
// on outbound sockets should only be logged.
func NewManager(resolve Resolver, onMessage MessageHandler) *Manager {
	return &Manager{
		resolve:   resolve,
		onMessage: onMessage,
		links:     make(map[identity.ID]*link),
	}
}

// Send queues one envelope for a peer. It never blocks: a full queue
// drops the envelope, which is within the best-effort contract.
func (m *Manager) Send(id identity.ID, msg protocol.Message) {
	l := m.linkFor(id)
	if l == nil {
		return
	}
	select {
	case l.sendCh <- msg:
	default:
		log.Printf("[PeerLink] queue full for peer %s, dropping %s", id, msg.Type)
		node.RecordPeerSendFailure()
	}
}

// Broadcast queues one envelope for every known peer except the listed
// ids.
func (m *Manager) Broadcast(msg protocol.Message, except ...identity.ID) {
	skip := make(map[identity.ID]struct{}, len(except))
	for _, id := range except {
		skip[id] = struct{}{}
	}
	m.mu.Lock()
	ids := make([]identity.ID, 0, len(m.links))
	for id := range m.links {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		if _, ok := skip[id]; ok {
			continue
		}
		m.Send(id, msg)
	}
}

// Track ensures a writer exists for a newly-learned peer so Broadcast
// reaches it.
func (m *Manager) Track(id identity.ID) {
	m.linkFor(id)
}

// Forget stops the writer for a departed peer.
func (m *Manager) Forget(id identity.ID) {
	m.mu.Lock()
	l, ok := m.links[id]
	if ok {
		delete(m.links, id)
	}
	m.mu.Unlock()
	if ok {
		l.stop()
	}
}

// Close stops every writer.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	links := make([]*link, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	m.links = make(map[identity.ID]*link)
	m.mu.Unlock()
	for _, l := range links {
		l.stop()
	}
}

func (m *Manager) linkFor(id identity.ID) *link {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	if l, ok := m.links[id]; ok {
		return l
	}
	l := &link{
		id:     id,
		mgr:    m,
		sendCh: make(chan protocol.Message, sendBuffer),
		done:   make(chan struct{}),
	}
	m.links[id] = l
	go l.run()
	return l
}

// link is the per-peer writer. The socket is dialed lazily on first
// send and redialed with backoff after a failure.
type link struct {
	id     identity.ID
	mgr    *Manager
	sendCh chan protocol.Message
	done   chan struct{}

	stopOnce sync.Once
	conn     *websocket.Conn
}

func (l *link) stop() {
	l.stopOnce.Do(func() {
		close(l.done)
	})
}

func (l *link) run() {
	defer func() {
		if l.conn != nil {
			l.conn.Close()
		}
	}()
	for {
		select {
		case <-l.done:
			return
		case msg := <-l.sendCh:
			if err := l.write(msg); err != nil {
				log.Printf("[PeerLink] send %s to peer %s failed: %v", msg.Type, l.id, err)
				node.RecordPeerSendFailure()
			}
		}
	}
}

func (l *link) write(msg protocol.Message) error {
	if l.conn == nil {
		conn, err := l.dial()
		if err != nil {
			return err
		}
		l.conn = conn
		if l.mgr.onMessage != nil {
			go l.readLoop(conn)
		}
	}
	l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := l.conn.WriteJSON(msg); err != nil {
		l.conn.Close()
		l.conn = nil
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (l *link) dial() (*websocket.Conn, error) {
	addr, ok := l.mgr.resolve(l.id)
	if !ok {
		return nil, fmt.Errorf("no address for peer %s", l.id)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = initialBackoff

	var conn *websocket.Conn
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	err := backoff.Retry(func() error {
		var err error
		conn, _, err = dialer.Dial("ws://"+addr+"/", nil)
		return err
	}, backoff.WithMaxRetries(policy, maxDialAttempts-1))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	log.Printf("[PeerLink] connected to peer %s at %s", l.id, addr)
	return conn, nil
}

// readLoop drains the duplex socket so peers can answer on the same
// connection. It exits when the socket dies; the writer redials.
func (l *link) readLoop(conn *websocket.Conn) {
	for {
		var msg protocol.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if !msg.Type.Known() {
			log.Printf("[PeerLink] unknown frame type %q from peer %s, ignoring", string(msg.Type), l.id)
			continue
		}
		l.mgr.onMessage(l.id, msg)
	}
}
