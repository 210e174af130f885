package node

import (
	"sync"

	"github.com/atvirokodosprendimai/fedchat/pkg/identity"
	"github.com/atvirokodosprendimai/fedchat/pkg/protocol"
)

// MailboxStore keeps the per-user FIFO queues of envelopes awaiting an
// HTTP poll. Queues are unbounded in memory and bounded in practice by
// the client poll rate; nothing here survives a restart.
type MailboxStore struct {
	mu     sync.Mutex
	queues map[identity.ID][]protocol.Message
}

func NewMailboxStore() *MailboxStore {
	return &MailboxStore{queues: make(map[identity.ID][]protocol.Message)}
}

// Enqueue appends an envelope to the recipient's queue.
func (s *MailboxStore) Enqueue(to identity.ID, msg protocol.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[to] = append(s.queues[to], msg)
	metricMailEnqueued.Add(bgCtx, 1)
}

// Drain atomically removes and returns the recipient's queue in FIFO
// order. An unknown user drains to an empty (non-nil) slice.
func (s *MailboxStore) Drain(user identity.ID) []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues[user]
	delete(s.queues, user)
	if q == nil {
		q = []protocol.Message{}
	}
	return q
}

// Depth reports the queued count for one user.
func (s *MailboxStore) Depth(user identity.ID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[user])
}

// Purge drops a departed user's queue.
func (s *MailboxStore) Purge(user identity.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queues, user)
}
