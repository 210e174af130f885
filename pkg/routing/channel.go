package routing

import (
	"log"

	"github.com/atvirokodosprendimai/fedchat/pkg/identity"
	"github.com/atvirokodosprendimai/fedchat/pkg/protocol"
)

// Public-channel operations. The channel is node-local in v1: posts
// and file events are recorded in this node's rings only, and remote
// members read them through their own home servers' polls when fan-out
// lands in a later version.

// HandleChannelAdd installs the channel. Members are the creator plus
// every currently-local user.
func (r *Router) HandleChannelAdd(msg protocol.Message) error {
	if err := protocol.ExpectType(msg, protocol.TypePublicChannelAdd); err != nil {
		return err
	}
	payload, err := protocol.ExtractPayload[protocol.PublicChannelAddPayload](msg)
	if err != nil {
		return err
	}
	creator, ok := msg.From.AsID()
	if !ok {
		if creator, err = identity.ParseID(payload.Creator); err != nil {
			return &protocol.PayloadExtractionError{Detail: "public_channel_add: " + err.Error()}
		}
	}
	locals := make([]identity.ID, 0)
	for _, u := range r.node.Users.AllLocal() {
		locals = append(locals, u.ID)
	}
	version := r.node.Channel.Apply(payload, creator, locals)
	log.Printf("[Routing] public channel %q installed, version %d, %d members",
		payload.Name, version, len(locals)+1)
	return nil
}

// HandleChannelUpdated replaces the channel header and bumps the
// version.
func (r *Router) HandleChannelUpdated(msg protocol.Message) error {
	if err := protocol.ExpectType(msg, protocol.TypePublicChannelUpdated); err != nil {
		return err
	}
	payload, err := protocol.ExtractPayload[protocol.PublicChannelUpdatedPayload](msg)
	if err != nil {
		return err
	}
	version := r.node.Channel.Update(payload)
	log.Printf("[Routing] public channel updated by %s, version %d", payload.UpdatedBy, version)
	return nil
}

// HandleChannelKeyShare stores the opaque shared-key blob.
func (r *Router) HandleChannelKeyShare(msg protocol.Message) error {
	if err := protocol.ExpectType(msg, protocol.TypePublicChannelKeyShare); err != nil {
		return err
	}
	payload, err := protocol.ExtractPayload[protocol.PublicChannelKeySharePayload](msg)
	if err != nil {
		return err
	}
	r.node.Channel.ShareKey(payload.Key)
	log.Printf("[Routing] public channel key shared by %s", payload.SharedBy)
	return nil
}

// ChannelPost is the HTTP body for posting to the channel.
type ChannelPost struct {
	ChannelID string `json:"channel_id"`
	From      string `json:"from"`
	Content   string `json:"content"`
}

// PostChannelMessage stamps and records one channel post. The entry's
// sent_at is millisecond epoch, the unit every poll compares against.
func (r *Router) PostChannelMessage(req ChannelPost) (protocol.PublicChannelMessagePayload, error) {
	if req.ChannelID == "" || req.From == "" {
		return protocol.PublicChannelMessagePayload{},
			&protocol.PayloadExtractionError{Detail: "channel post: channel_id and from are required"}
	}
	entry := protocol.PublicChannelMessagePayload{
		ChannelID: req.ChannelID,
		From:      req.From,
		Content:   req.Content,
		SentAt:    nowMillis(),
	}
	r.node.Channel.AppendMessage(entry)
	log.Printf("[Routing] public channel post from %s recorded", req.From)
	return entry, nil
}

// ChannelMessages returns posts after since, optionally excluding one
// author (so senders do not re-read their own posts).
func (r *Router) ChannelMessages(since int64, excludeFrom string) []protocol.PublicChannelMessagePayload {
	return r.node.Channel.MessagesSince(since, excludeFrom)
}

// AppendChannelFile records a channel-scoped file envelope in the
// bounded event ring.
func (r *Router) AppendChannelFile(msg protocol.Message) error {
	if !isFileType(msg.Type) {
		return &protocol.InvalidPayloadTypeError{Expected: "FileStart|FileChunk|FileEnd", Actual: msg.Type.Name()}
	}
	r.node.Channel.AppendFileEvent(msg)
	return nil
}

// ChannelFileEvents returns channel file envelopes with ts after since.
func (r *Router) ChannelFileEvents(since int64) []protocol.Message {
	return r.node.Channel.FileEventsSince(since)
}

func isFileType(t protocol.PayloadType) bool {
	switch t {
	case protocol.TypeFileStart, protocol.TypeFileChunk, protocol.TypeFileEnd:
		return true
	}
	return false
}
