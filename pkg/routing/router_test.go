package routing

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atvirokodosprendimai/fedchat/pkg/crypto"
	"github.com/atvirokodosprendimai/fedchat/pkg/identity"
	"github.com/atvirokodosprendimai/fedchat/pkg/node"
	"github.com/atvirokodosprendimai/fedchat/pkg/peerlink"
	"github.com/atvirokodosprendimai/fedchat/pkg/protocol"
)

var testKeys *crypto.Keypair

func TestMain(m *testing.M) {
	var err error
	testKeys, err = crypto.NewKeypair()
	if err != nil {
		panic(err)
	}
	m.Run()
}

func newTestNode(t *testing.T) *node.Node {
	t.Helper()
	n, err := node.New(identity.NewID(), testKeys)
	if err != nil {
		t.Fatalf("node.New: %v", err)
	}
	return n
}

func noLinks() *peerlink.Manager {
	return peerlink.NewManager(func(identity.ID) (string, bool) { return "", false }, nil)
}

func directMessage(t *testing.T, from, to identity.ID) protocol.Message {
	t.Helper()
	msg, err := protocol.NewMessage(protocol.TypeMsgDirect,
		identity.FromID(from), identity.FromID(to), 1234,
		map[string]any{
			"sender_pub":  "sender-pk",
			"ciphertext":  "b64-ciphertext",
			"content_sig": "b64-content-sig",
		})
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	return msg
}

func TestRouteDirectLocalWrapsAndQueues(t *testing.T) {
	t.Parallel()

	n := newTestNode(t)
	r := New(n, noLinks())

	from, to := identity.NewID(), identity.NewID()
	n.Users.UpsertLocal(node.LocalUser{ID: from, DisplayName: "alice"})
	n.Users.UpsertLocal(node.LocalUser{ID: to})

	if err := r.RouteDirect(directMessage(t, from, to)); err != nil {
		t.Fatalf("RouteDirect: %v", err)
	}

	queued := r.PollDirect(to)
	if len(queued) != 1 {
		t.Fatalf("queued = %d envelopes, want 1", len(queued))
	}
	deliver := queued[0]
	if deliver.Type != protocol.TypeUserDeliver {
		t.Errorf("type = %s", deliver.Type)
	}
	if got, _ := deliver.From.AsID(); got != n.ID {
		t.Errorf("from = %s, want server id", deliver.From)
	}
	if got, _ := deliver.To.AsID(); got != to {
		t.Errorf("to = %s", deliver.To)
	}

	// The envelope carries a real server signature, not a placeholder.
	pub, _ := n.Keys.PublicKeyBase64()
	if err := protocol.VerifyMessageB64(deliver, pub); err != nil {
		t.Errorf("user_deliver signature: %v", err)
	}

	payload, err := protocol.ExtractPayload[protocol.UserDeliverPayload](deliver)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if payload.Sender != "alice" {
		t.Errorf("sender = %q, want display name", payload.Sender)
	}
	if payload.SenderPub != "sender-pk" {
		t.Errorf("sender_pub = %q", payload.SenderPub)
	}
	var ct string
	if err := json.Unmarshal(payload.Ciphertext, &ct); err != nil || ct != "b64-ciphertext" {
		t.Errorf("ciphertext = %s", payload.Ciphertext)
	}

	if again := r.PollDirect(to); len(again) != 0 {
		t.Errorf("second poll = %d envelopes, want 0", len(again))
	}
}

func TestRouteDirectPreservesFIFO(t *testing.T) {
	t.Parallel()

	n := newTestNode(t)
	r := New(n, noLinks())

	from, to := identity.NewID(), identity.NewID()
	n.Users.UpsertLocal(node.LocalUser{ID: from})
	n.Users.UpsertLocal(node.LocalUser{ID: to})

	const count = 5
	for i := 0; i < count; i++ {
		msg, _ := protocol.NewMessage(protocol.TypeMsgDirect,
			identity.FromID(from), identity.FromID(to), int64(i),
			map[string]any{"ciphertext": i})
		if err := r.RouteDirect(msg); err != nil {
			t.Fatalf("RouteDirect #%d: %v", i, err)
		}
	}

	queued := r.PollDirect(to)
	if len(queued) != count {
		t.Fatalf("queued = %d, want %d", len(queued), count)
	}
	for i, m := range queued {
		if m.TS != int64(i) {
			t.Errorf("envelope %d has ts %d, order broken", i, m.TS)
		}
	}
}

func TestRouteDirectForwardsToHomeServer(t *testing.T) {
	t.Parallel()

	frames := make(chan protocol.Message, 4)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var msg protocol.Message
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			frames <- msg
		}
	}))
	defer srv.Close()
	addr := strings.TrimPrefix(srv.URL, "http://")

	n := newTestNode(t)
	links := peerlink.NewManager(func(identity.ID) (string, bool) { return addr, true }, nil)
	defer links.Close()
	r := New(n, links)

	from, to, home := identity.NewID(), identity.NewID(), identity.NewID()
	n.Users.UpsertLocal(node.LocalUser{ID: from, DisplayName: "alice"})
	n.Users.SetRemote(to, home.String(), "remote-pk")

	if err := r.RouteDirect(directMessage(t, from, to)); err != nil {
		t.Fatalf("RouteDirect: %v", err)
	}

	select {
	case fwd := <-frames:
		if fwd.Type != protocol.TypeServerDeliver {
			t.Fatalf("forwarded type = %s", fwd.Type)
		}
		payload, err := protocol.ExtractPayload[protocol.ServerDeliverPayload](fwd)
		if err != nil {
			t.Fatalf("extract: %v", err)
		}
		if payload.UserID != to.String() {
			t.Errorf("user_id = %s", payload.UserID)
		}
		if payload.Ciphertext != "b64-ciphertext" {
			t.Errorf("ciphertext = %q", payload.Ciphertext)
		}
		if payload.Sender != "alice" {
			t.Errorf("sender = %q", payload.Sender)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no SERVER_DELIVER arrived at the home server")
	}

	// Nothing queued locally for a forwarded recipient.
	if queued := r.PollDirect(to); len(queued) != 0 {
		t.Errorf("local queue = %d envelopes", len(queued))
	}
}

func TestRouteDirectUnknownUser(t *testing.T) {
	t.Parallel()

	n := newTestNode(t)
	r := New(n, noLinks())

	from := identity.NewID()
	n.Users.UpsertLocal(node.LocalUser{ID: from})

	err := r.RouteDirect(directMessage(t, from, identity.NewID()))
	if !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("err = %v, want ErrUserNotFound", err)
	}
}

func TestRouteDirectRejectsWrongType(t *testing.T) {
	t.Parallel()

	n := newTestNode(t)
	r := New(n, noLinks())

	msg, _ := protocol.NewMessage(protocol.TypeHeartbeat,
		identity.FromID(identity.NewID()), identity.FromID(identity.NewID()), 1, struct{}{})
	err := r.RouteDirect(msg)
	var typeErr *protocol.InvalidPayloadTypeError
	if !errors.As(err, &typeErr) {
		t.Fatalf("err = %v, want InvalidPayloadTypeError", err)
	}
	if typeErr.Expected != "MsgDirect" || typeErr.Actual != "Heartbeat" {
		t.Errorf("mismatch = %+v", typeErr)
	}
}

func TestHandleServerDeliverQueuesForLocal(t *testing.T) {
	t.Parallel()

	n := newTestNode(t)
	r := New(n, noLinks())

	to := identity.NewID()
	n.Users.UpsertLocal(node.LocalUser{ID: to})

	msg, _ := protocol.NewMessage(protocol.TypeServerDeliver,
		identity.FromID(identity.NewID()), n.Identifier(), 99,
		protocol.ServerDeliverPayload{
			UserID:     to.String(),
			Ciphertext: "ct",
			Sender:     "bob",
			SenderPub:  "bob-pk",
			ContentSig: "cs",
		})
	if err := r.HandleServerDeliver(msg); err != nil {
		t.Fatalf("HandleServerDeliver: %v", err)
	}

	queued := r.PollDirect(to)
	if len(queued) != 1 {
		t.Fatalf("queued = %d", len(queued))
	}
	if queued[0].Type != protocol.TypeUserDeliver {
		t.Errorf("type = %s", queued[0].Type)
	}
	payload, _ := protocol.ExtractPayload[protocol.UserDeliverPayload](queued[0])
	if payload.Sender != "bob" {
		t.Errorf("sender = %q", payload.Sender)
	}
	var ct string
	if err := json.Unmarshal(payload.Ciphertext, &ct); err != nil || ct != "ct" {
		t.Errorf("ciphertext = %s", payload.Ciphertext)
	}
}

func TestHandleServerDeliverVerifiesPinnedPeer(t *testing.T) {
	t.Parallel()

	n := newTestNode(t)
	r := New(n, noLinks())

	peerKeys, err := crypto.NewKeypair()
	if err != nil {
		t.Fatalf("peer keypair: %v", err)
	}
	peer := identity.NewID()
	peerPub, _ := peerKeys.PublicKeyBase64()
	n.Peers.Upsert(peer, "127.0.0.1", 9000, peerPub)

	to := identity.NewID()
	n.Users.UpsertLocal(node.LocalUser{ID: to})

	msg, _ := protocol.NewMessage(protocol.TypeServerDeliver,
		identity.FromID(peer), n.Identifier(), 1,
		protocol.ServerDeliverPayload{UserID: to.String(), Ciphertext: "ct"})

	// Unsigned frame from a pinned peer is rejected.
	if err := r.HandleServerDeliver(msg); err == nil {
		t.Fatal("unsigned server_deliver from pinned peer must fail")
	}

	if err := protocol.SignMessage(&msg, peerKeys); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := r.HandleServerDeliver(msg); err != nil {
		t.Fatalf("signed server_deliver: %v", err)
	}
	if len(r.PollDirect(to)) != 1 {
		t.Error("signed frame should be queued")
	}
}

func TestHandleServerDeliverDropsNonLocal(t *testing.T) {
	t.Parallel()

	n := newTestNode(t)
	r := New(n, noLinks())

	stranger := identity.NewID()
	msg, _ := protocol.NewMessage(protocol.TypeServerDeliver,
		identity.FromID(identity.NewID()), n.Identifier(), 1,
		protocol.ServerDeliverPayload{UserID: stranger.String(), Ciphertext: "ct"})

	if err := r.HandleServerDeliver(msg); err != nil {
		t.Fatalf("HandleServerDeliver: %v", err)
	}
	if len(r.PollDirect(stranger)) != 0 {
		t.Error("non-local recipient must not be queued")
	}
}
