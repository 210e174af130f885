package node

import (
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/atvirokodosprendimai/fedchat/pkg/identity"
	"github.com/atvirokodosprendimai/fedchat/pkg/protocol"
)

// RingCap bounds the public-channel history rings.
const RingCap = 100

// ChannelInfo is a read-only snapshot of the channel header.
type ChannelInfo struct {
	ID          string
	Name        string
	Description string
	Version     uint64
	HasKey      bool
	Members     int
}

// ChannelState is the single shared channel of v1: a version counter,
// an opaque key blob, the member set, and bounded rings of the last
// RingCap text messages and file events. State is node-local; fan-out
// to remote members' homes is the documented extension point.
type ChannelState struct {
	mu          sync.Mutex
	id          string
	name        string
	description string
	version     uint64
	key         string
	members     mapset.Set[identity.ID]
	messages    []protocol.PublicChannelMessagePayload
	fileEvents  []protocol.Message
}

func NewChannelState() *ChannelState {
	return &ChannelState{members: mapset.NewSet[identity.ID]()}
}

// Apply installs the channel from PUBLIC_CHANNEL_ADD: header fields,
// the creator plus all currently-local members, and a version bump.
func (c *ChannelState) Apply(p protocol.PublicChannelAddPayload, creator identity.ID, locals []identity.ID) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.id = p.ChannelID
	c.name = p.Name
	if p.Description != "" {
		c.description = p.Description
	}
	c.members.Add(creator)
	for _, id := range locals {
		c.members.Add(id)
	}
	c.version++
	return c.version
}

// Update applies PUBLIC_CHANNEL_UPDATED: replaces non-empty header
// fields and bumps the version.
func (c *ChannelState) Update(p protocol.PublicChannelUpdatedPayload) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p.Name != "" {
		c.name = p.Name
	}
	if p.Description != "" {
		c.description = p.Description
	}
	c.version++
	return c.version
}

// ShareKey stores the opaque shared-key blob.
func (c *ChannelState) ShareKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.key = key
}

// Join adds one member.
func (c *ChannelState) Join(id identity.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.members.Add(id)
}

// AppendMessage records a channel post, evicting the oldest entry past
// RingCap.
func (c *ChannelState) AppendMessage(p protocol.PublicChannelMessagePayload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, p)
	if len(c.messages) > RingCap {
		c.messages = c.messages[len(c.messages)-RingCap:]
	}
}

// MessagesSince returns posts with sent_at strictly after since,
// skipping those authored by excludeFrom when it is non-empty.
func (c *ChannelState) MessagesSince(since int64, excludeFrom string) []protocol.PublicChannelMessagePayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.PublicChannelMessagePayload, 0)
	for _, m := range c.messages {
		if m.SentAt <= since {
			continue
		}
		if excludeFrom != "" && m.From == excludeFrom {
			continue
		}
		out = append(out, m)
	}
	return out
}

// AppendFileEvent records a channel file envelope, bounded like the
// message ring.
func (c *ChannelState) AppendFileEvent(msg protocol.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fileEvents = append(c.fileEvents, msg)
	if len(c.fileEvents) > RingCap {
		c.fileEvents = c.fileEvents[len(c.fileEvents)-RingCap:]
	}
}

// FileEventsSince returns file envelopes with ts strictly after since.
func (c *ChannelState) FileEventsSince(since int64) []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Message, 0)
	for _, m := range c.fileEvents {
		if m.TS > since {
			out = append(out, m)
		}
	}
	return out
}

// Info snapshots the channel header.
func (c *ChannelState) Info() ChannelInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ChannelInfo{
		ID:          c.id,
		Name:        c.name,
		Description: c.description,
		Version:     c.version,
		HasKey:      c.key != "",
		Members:     c.members.Cardinality(),
	}
}

// IsMember reports channel membership.
func (c *ChannelState) IsMember(id identity.ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.members.Contains(id)
}

// Key returns the stored shared-key blob.
func (c *ChannelState) Key() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.key, c.key != ""
}
