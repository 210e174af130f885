package routing

import (
	"testing"
	"time"

	"github.com/atvirokodosprendimai/fedchat/pkg/identity"
	"github.com/atvirokodosprendimai/fedchat/pkg/node"
	"github.com/atvirokodosprendimai/fedchat/pkg/protocol"
)

func channelAdd(t *testing.T, creator identity.ID) protocol.Message {
	t.Helper()
	msg, err := protocol.NewMessage(protocol.TypePublicChannelAdd,
		identity.FromID(creator), identity.Broadcast(), 1,
		protocol.PublicChannelAddPayload{
			ChannelID: "chan-1",
			Name:      "general",
			Creator:   creator.String(),
			CreatedAt: 1,
		})
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	return msg
}

func TestChannelAddAdmitsLocals(t *testing.T) {
	t.Parallel()

	n := newTestNode(t)
	r := New(n, noLinks())

	creator := identity.NewID()
	local := identity.NewID()
	n.Users.UpsertLocal(node.LocalUser{ID: local})

	if err := r.HandleChannelAdd(channelAdd(t, creator)); err != nil {
		t.Fatalf("HandleChannelAdd: %v", err)
	}

	info := n.Channel.Info()
	if info.ID != "chan-1" || info.Name != "general" {
		t.Errorf("header = %+v", info)
	}
	if info.Version != 1 {
		t.Errorf("version = %d, want 1", info.Version)
	}
	if !n.Channel.IsMember(creator) || !n.Channel.IsMember(local) {
		t.Error("creator and local users must be members")
	}
}

func TestChannelUpdatedBumpsVersion(t *testing.T) {
	t.Parallel()

	n := newTestNode(t)
	r := New(n, noLinks())
	if err := r.HandleChannelAdd(channelAdd(t, identity.NewID())); err != nil {
		t.Fatalf("add: %v", err)
	}

	upd, _ := protocol.NewMessage(protocol.TypePublicChannelUpdated,
		identity.FromID(identity.NewID()), identity.Broadcast(), 2,
		protocol.PublicChannelUpdatedPayload{ChannelID: "chan-1", Name: "renamed", UpdatedBy: "u"})
	if err := r.HandleChannelUpdated(upd); err != nil {
		t.Fatalf("HandleChannelUpdated: %v", err)
	}

	info := n.Channel.Info()
	if info.Name != "renamed" {
		t.Errorf("name = %q", info.Name)
	}
	if info.Version != 2 {
		t.Errorf("version = %d, want 2", info.Version)
	}
}

func TestChannelKeyShareStoresBlob(t *testing.T) {
	t.Parallel()

	n := newTestNode(t)
	r := New(n, noLinks())

	share, _ := protocol.NewMessage(protocol.TypePublicChannelKeyShare,
		identity.FromID(identity.NewID()), identity.Broadcast(), 3,
		protocol.PublicChannelKeySharePayload{ChannelID: "chan-1", Key: "opaque-blob", SharedBy: "u"})
	if err := r.HandleChannelKeyShare(share); err != nil {
		t.Fatalf("HandleChannelKeyShare: %v", err)
	}
	if key, ok := n.Channel.Key(); !ok || key != "opaque-blob" {
		t.Errorf("key = %q, %v", key, ok)
	}
}

func TestChannelPostAndSincePolling(t *testing.T) {
	t.Parallel()

	n := newTestNode(t)
	r := New(n, noLinks())

	first, err := r.PostChannelMessage(ChannelPost{ChannelID: "chan-1", From: "alice", Content: "hi"})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	// Force distinct timestamps so since-filtering is deterministic.
	n.Channel.AppendMessage(protocol.PublicChannelMessagePayload{
		ChannelID: "chan-1", From: "bob", Content: "later", SentAt: first.SentAt + 10,
	})

	got := r.ChannelMessages(first.SentAt, "")
	if len(got) != 1 || got[0].From != "bob" {
		t.Fatalf("since poll = %+v, want only the later post", got)
	}

	// exclude_from drops the author's own posts.
	if got := r.ChannelMessages(0, "bob"); len(got) != 1 || got[0].From != "alice" {
		t.Errorf("exclude poll = %+v", got)
	}

	// Timestamps are millisecond epoch, not seconds.
	if delta := first.SentAt - time.Now().UnixMilli(); delta > 0 || delta < -60_000 {
		t.Errorf("sent_at = %d, not a recent millisecond stamp", first.SentAt)
	}
}

func TestChannelPostRequiresIdentity(t *testing.T) {
	t.Parallel()

	n := newTestNode(t)
	r := New(n, noLinks())
	if _, err := r.PostChannelMessage(ChannelPost{Content: "no sender"}); err == nil {
		t.Fatal("post without channel_id/from should fail")
	}
}

func TestChannelFileEvents(t *testing.T) {
	t.Parallel()

	n := newTestNode(t)
	r := New(n, noLinks())

	start, _ := protocol.NewMessage(protocol.TypeFileStart,
		identity.FromID(identity.NewID()), identity.Broadcast(), 100,
		protocol.FileStartPayload{FileID: "f1", Filename: "a.txt"})
	if err := r.AppendChannelFile(start); err != nil {
		t.Fatalf("AppendChannelFile: %v", err)
	}

	wrong, _ := protocol.NewMessage(protocol.TypeHeartbeat,
		identity.FromID(identity.NewID()), identity.Broadcast(), 101, struct{}{})
	if err := r.AppendChannelFile(wrong); err == nil {
		t.Fatal("non-file envelope must be rejected")
	}

	if got := r.ChannelFileEvents(99); len(got) != 1 {
		t.Errorf("events since 99 = %d", len(got))
	}
	if got := r.ChannelFileEvents(100); len(got) != 0 {
		t.Errorf("events since 100 = %d, since is strict", len(got))
	}
}
