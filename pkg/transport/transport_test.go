package transport

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atvirokodosprendimai/fedchat/pkg/crypto"
	"github.com/atvirokodosprendimai/fedchat/pkg/federation"
	"github.com/atvirokodosprendimai/fedchat/pkg/identity"
	"github.com/atvirokodosprendimai/fedchat/pkg/node"
	"github.com/atvirokodosprendimai/fedchat/pkg/peerlink"
	"github.com/atvirokodosprendimai/fedchat/pkg/presence"
	"github.com/atvirokodosprendimai/fedchat/pkg/protocol"
	"github.com/atvirokodosprendimai/fedchat/pkg/routing"
)

var testKeys *crypto.Keypair

func TestMain(m *testing.M) {
	var err error
	testKeys, err = crypto.NewKeypair()
	if err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

type harness struct {
	node *node.Node
	srv  *Server
	ts   *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	n, err := node.New(identity.NewID(), testKeys)
	if err != nil {
		t.Fatalf("node.New: %v", err)
	}
	links := peerlink.NewManager(func(identity.ID) (string, bool) { return "", false }, nil)
	t.Cleanup(links.Close)
	fed := federation.New(n, links, "127.0.0.1", 8080)
	pres := presence.New(n, links)
	router := routing.New(n, links)
	srv := NewServer(n, fed, pres, router)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return &harness{node: n, srv: srv, ts: ts}
}

func (h *harness) post(t *testing.T, path string, body any) (int, []byte) {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(h.ts.URL+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data
}

func (h *harness) get(t *testing.T, path string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(h.ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data
}

func pubB64(t *testing.T) string {
	t.Helper()
	pub, err := testKeys.PublicKeyBase64()
	if err != nil {
		t.Fatalf("PublicKeyBase64: %v", err)
	}
	return pub
}

func (h *harness) hello(t *testing.T, id identity.ID, name string) {
	t.Helper()
	status, body := h.post(t, "/api/user_hello", presence.HelloRequest{
		UserID: id.String(),
		Client: "test",
		Pubkey: pubB64(t),
		Meta:   &protocol.UserMetadata{DisplayName: name},
	})
	if status != http.StatusOK || !strings.Contains(string(body), "ok") {
		t.Fatalf("user_hello: status %d body %s", status, body)
	}
}

func signedEnvelope(t *testing.T, typ protocol.PayloadType, from, to identity.Identifier, payload any) protocol.Message {
	t.Helper()
	msg, err := protocol.NewMessage(typ, from, to, time.Now().UnixMilli(), payload)
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	if err := protocol.SignMessage(&msg, testKeys); err != nil {
		t.Fatalf("SignMessage: %v", err)
	}
	return msg
}

func TestUserHelloAndOnlineRoster(t *testing.T) {
	h := newHarness(t)
	alice := identity.NewID()
	h.hello(t, alice, "alice")

	status, body := h.get(t, "/api/users/online")
	if status != http.StatusOK {
		t.Fatalf("users/online status %d", status)
	}
	var roster struct {
		Users []onlineUser `json:"users"`
	}
	if err := json.Unmarshal(body, &roster); err != nil {
		t.Fatalf("decode roster: %v", err)
	}
	if len(roster.Users) != 1 || roster.Users[0].UserID != alice.String() || roster.Users[0].DisplayName != "alice" {
		t.Fatalf("unexpected roster: %+v", roster.Users)
	}
}

func TestUserHelloRejectsBadID(t *testing.T) {
	h := newHarness(t)
	status, body := h.post(t, "/api/user_hello", map[string]string{"user_id": "not-a-uuid"})
	if status != http.StatusOK || !strings.Contains(string(body), "invalid id") {
		t.Fatalf("want invalid id, got status %d body %s", status, body)
	}
}

func TestHeartbeatResponses(t *testing.T) {
	h := newHarness(t)
	alice := identity.NewID()
	h.hello(t, alice, "alice")

	_, body := h.post(t, "/api/heartbeat", map[string]string{"user_id": alice.String()})
	if !strings.Contains(string(body), "ok") {
		t.Fatalf("known user heartbeat: %s", body)
	}
	_, body = h.post(t, "/api/heartbeat", map[string]string{"user_id": identity.NewID().String()})
	if !strings.Contains(string(body), "not found") {
		t.Fatalf("unknown user heartbeat: %s", body)
	}
	_, body = h.post(t, "/api/heartbeat", map[string]string{"user_id": "garbage"})
	if !strings.Contains(string(body), "invalid id") {
		t.Fatalf("bad id heartbeat: %s", body)
	}
}

func TestUserPubkeyLookup(t *testing.T) {
	h := newHarness(t)
	alice := identity.NewID()
	h.hello(t, alice, "alice")

	status, body := h.get(t, "/api/users/pubkey/"+alice.String())
	if status != http.StatusOK {
		t.Fatalf("pubkey status %d", status)
	}
	var got map[string]string
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decode pubkey: %v", err)
	}
	if got["pubkey"] != pubB64(t) {
		t.Fatalf("pubkey mismatch")
	}

	status, _ = h.get(t, "/api/users/pubkey/"+identity.NewID().String())
	if status != http.StatusNotFound {
		t.Fatalf("unknown user pubkey status %d, want 404", status)
	}
	status, _ = h.get(t, "/api/users/pubkey/garbage")
	if status != http.StatusBadRequest {
		t.Fatalf("bad id pubkey status %d, want 400", status)
	}
}

func TestLoginAndRegisterNotImplemented(t *testing.T) {
	h := newHarness(t)
	user := identity.FromID(identity.NewID())
	for path, typ := range map[string]protocol.PayloadType{
		"/api/user_login":    protocol.TypeUserLogin,
		"/api/user_register": protocol.TypeUserRegister,
	} {
		msg := signedEnvelope(t, typ, user, identity.Broadcast(), map[string]string{"name": "alice"})
		status, body := h.post(t, path, msg)
		if status != http.StatusOK || !strings.Contains(string(body), "not_implemented") {
			t.Fatalf("%s: status %d body %s", path, status, body)
		}
	}
}

func TestDirectMessageRejectsWrongType(t *testing.T) {
	h := newHarness(t)
	from := identity.FromID(identity.NewID())
	to := identity.FromID(identity.NewID())
	msg := signedEnvelope(t, protocol.TypeHeartbeat, from, to, struct{}{})

	status, body := h.post(t, "/api/direct_message", msg)
	if status != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", status)
	}
	if !strings.Contains(string(body), "expected MsgDirect") || !strings.Contains(string(body), "actual Heartbeat") {
		t.Fatalf("error body does not name the type mismatch: %s", body)
	}
}

func TestDirectMessageLocalRoundTrip(t *testing.T) {
	h := newHarness(t)
	alice := identity.NewID()
	bob := identity.NewID()
	h.hello(t, alice, "alice")
	h.hello(t, bob, "bob")

	msg := signedEnvelope(t, protocol.TypeMsgDirect, identity.FromID(alice), identity.FromID(bob),
		protocol.DirectCipherFields{
			SenderPub:  pubB64(t),
			Ciphertext: json.RawMessage(`"b64cipher"`),
		})
	status, body := h.post(t, "/api/direct_message", msg)
	if status != http.StatusOK {
		t.Fatalf("direct_message status %d body %s", status, body)
	}

	status, body = h.post(t, "/api/poll_direct_messages", map[string]string{"user_id": bob.String()})
	if status != http.StatusOK {
		t.Fatalf("poll status %d", status)
	}
	var queued []protocol.Message
	if err := json.Unmarshal(body, &queued); err != nil {
		t.Fatalf("decode poll: %v", err)
	}
	if len(queued) != 1 || queued[0].Type != protocol.TypeUserDeliver {
		t.Fatalf("want one USER_DELIVER, got %+v", queued)
	}

	// Drained: the second poll is empty but valid JSON.
	_, body = h.post(t, "/api/poll_direct_messages", map[string]string{"user_id": bob.String()})
	if strings.TrimSpace(string(body)) != "[]" {
		t.Fatalf("second poll not empty: %s", body)
	}
}

func TestDirectMessageUnknownUser(t *testing.T) {
	h := newHarness(t)
	msg := signedEnvelope(t, protocol.TypeMsgDirect,
		identity.FromID(identity.NewID()), identity.FromID(identity.NewID()),
		protocol.DirectCipherFields{Ciphertext: json.RawMessage(`"x"`)})

	status, body := h.post(t, "/api/direct_message", msg)
	if status != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", status)
	}
	if !strings.Contains(string(body), string(protocol.CodeUserNotFound)) {
		t.Fatalf("body missing USER_NOT_FOUND code: %s", body)
	}
}

func TestChannelFlowOverHTTP(t *testing.T) {
	h := newHarness(t)
	alice := identity.NewID()
	h.hello(t, alice, "alice")

	add := signedEnvelope(t, protocol.TypePublicChannelAdd, identity.FromID(alice), identity.Broadcast(),
		protocol.PublicChannelAddPayload{ChannelID: "pub", Name: "lobby", Creator: alice.String()})
	status, body := h.post(t, "/api/public_channel/add", add)
	if status != http.StatusOK || !strings.Contains(string(body), "ok") {
		t.Fatalf("channel add: status %d body %s", status, body)
	}

	status, body = h.post(t, "/api/public_channel/message", routing.ChannelPost{
		ChannelID: "pub", From: alice.String(), Content: "hi all",
	})
	if status != http.StatusOK {
		t.Fatalf("channel message status %d", status)
	}
	var posted struct {
		Status    string `json:"status"`
		Delivered bool   `json:"delivered"`
	}
	if err := json.Unmarshal(body, &posted); err != nil {
		t.Fatalf("decode post response: %v", err)
	}
	if posted.Status != "ok" || !posted.Delivered {
		t.Fatalf("unexpected post response: %s", body)
	}

	status, body = h.get(t, "/api/public_channel/messages?since=0")
	if status != http.StatusOK {
		t.Fatalf("messages poll status %d", status)
	}
	var msgs []protocol.PublicChannelMessagePayload
	if err := json.Unmarshal(body, &msgs); err != nil {
		t.Fatalf("decode messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "hi all" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}

	// since is strict and exclude_from hides the author's own posts.
	_, body = h.get(t, "/api/public_channel/messages?since="+jsonInt(msgs[0].SentAt))
	if strings.TrimSpace(string(body)) != "[]" {
		t.Fatalf("strict since returned: %s", body)
	}
	_, body = h.get(t, "/api/public_channel/messages?since=0&exclude_from="+alice.String())
	if strings.TrimSpace(string(body)) != "[]" {
		t.Fatalf("exclude_from returned: %s", body)
	}
}

func jsonInt(v int64) string {
	raw, _ := json.Marshal(v)
	return string(raw)
}

func TestFileRelayOverHTTP(t *testing.T) {
	h := newHarness(t)
	alice := identity.NewID()
	bob := identity.NewID()
	h.hello(t, bob, "bob")

	start := signedEnvelope(t, protocol.TypeFileStart, identity.FromID(alice), identity.FromID(bob),
		protocol.FileStartPayload{FileID: "f1", Filename: "cat.png", Filesize: 42})
	chunk := signedEnvelope(t, protocol.TypeFileChunk, identity.FromID(alice), identity.FromID(bob),
		protocol.FileChunkPayload{FileID: "f1", ChunkIndex: 0, ChunkData: "QUFB"})
	end := signedEnvelope(t, protocol.TypeFileEnd, identity.FromID(alice), identity.FromID(bob),
		protocol.FileEndPayload{FileID: "f1"})

	for path, msg := range map[string]protocol.Message{
		"/api/file_start": start,
		"/api/file_chunk": chunk,
		"/api/file_end":   end,
	} {
		if status, body := h.post(t, path, msg); status != http.StatusOK {
			t.Fatalf("%s: status %d body %s", path, status, body)
		}
	}

	_, body := h.post(t, "/api/poll_file_events", map[string]string{"user_id": bob.String()})
	var events []protocol.Message
	if err := json.Unmarshal(body, &events); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("want 3 file events, got %d", len(events))
	}
}

func TestCORSPreflight(t *testing.T) {
	h := newHarness(t)
	req, _ := http.NewRequest(http.MethodOptions, h.ts.URL+"/api/users/online", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight status %d, want 204", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("missing CORS header")
	}
}

func dialSocket(t *testing.T, h *harness) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial socket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg protocol.Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return msg
}

func TestPeerSocketHelloJoinGetsWelcome(t *testing.T) {
	h := newHarness(t)
	conn := dialSocket(t, h)

	joiner := identity.NewID()
	join := signedEnvelope(t, protocol.TypeServerHelloJoin, identity.FromID(joiner), h.node.Identifier(),
		protocol.ServerHelloJoinPayload{Host: "127.0.0.1", Port: 9999, Pubkey: pubB64(t)})
	if err := conn.WriteJSON(join); err != nil {
		t.Fatalf("write hello_join: %v", err)
	}

	welcome := readFrame(t, conn)
	if welcome.Type != protocol.TypeServerWelcome {
		t.Fatalf("want SERVER_WELCOME, got %s", welcome.Type)
	}
	payload, err := protocol.ExtractPayload[protocol.ServerWelcomePayload](welcome)
	if err != nil {
		t.Fatalf("extract welcome: %v", err)
	}
	if payload.AssignedID != joiner.String() {
		t.Fatalf("assigned id %s, want %s", payload.AssignedID, joiner)
	}
	if err := protocol.VerifyMessageB64(welcome, h.node.PubkeyB64); err != nil {
		t.Fatalf("welcome signature: %v", err)
	}
	if _, ok := h.node.Peers.Get(joiner); !ok {
		t.Fatalf("joiner not recorded as peer")
	}
}

func TestSocketUserHelloAcked(t *testing.T) {
	h := newHarness(t)
	conn := dialSocket(t, h)

	alice := identity.NewID()
	hello := signedEnvelope(t, protocol.TypeUserHello, identity.FromID(alice), h.node.Identifier(),
		protocol.UserHelloPayload{Client: "socket-test", Pubkey: pubB64(t)})
	if err := conn.WriteJSON(hello); err != nil {
		t.Fatalf("write user_hello: %v", err)
	}

	ack := readFrame(t, conn)
	if ack.Type != protocol.TypeAck {
		t.Fatalf("want ACK, got %s", ack.Type)
	}
	status, err := protocol.ExtractPayload[protocol.StatusPayload](ack)
	if err != nil || status.Status != "ok" {
		t.Fatalf("ack payload %+v err %v", status, err)
	}
	if !h.node.Users.IsLocal(alice) {
		t.Fatalf("user not local after socket hello")
	}
}

func TestSocketSurvivesUnknownType(t *testing.T) {
	h := newHarness(t)
	conn := dialSocket(t, h)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"MYSTERY","from":"*","to":"*","ts":1,"payload":{},"sig":""}`)); err != nil {
		t.Fatalf("write unknown frame: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`not json at all`)); err != nil {
		t.Fatalf("write garbage frame: %v", err)
	}

	// The socket stays up and later frames still work.
	alice := identity.NewID()
	hello := signedEnvelope(t, protocol.TypeUserHello, identity.FromID(alice), h.node.Identifier(),
		protocol.UserHelloPayload{Client: "after-garbage"})
	if err := conn.WriteJSON(hello); err != nil {
		t.Fatalf("write user_hello: %v", err)
	}
	ack := readFrame(t, conn)
	if ack.Type != protocol.TypeAck {
		t.Fatalf("want ACK after garbage, got %s", ack.Type)
	}
	if got := len(h.node.Users.AllLocal()); got != 1 {
		t.Fatalf("unknown frames mutated state: %d local users", got)
	}
}

func TestSocketBinaryFrames(t *testing.T) {
	h := newHarness(t)
	conn := dialSocket(t, h)

	// A binary frame that is not UTF-8 is dropped without killing the
	// socket.
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0xff, 0xfe, 0x00, 0x81}); err != nil {
		t.Fatalf("write non-utf8 binary frame: %v", err)
	}

	// A binary frame holding UTF-8 JSON is handled like a text frame.
	alice := identity.NewID()
	hello := signedEnvelope(t, protocol.TypeUserHello, identity.FromID(alice), h.node.Identifier(),
		protocol.UserHelloPayload{Client: "binary-framed"})
	raw, err := json.Marshal(hello)
	if err != nil {
		t.Fatalf("marshal user_hello: %v", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, raw); err != nil {
		t.Fatalf("write binary user_hello: %v", err)
	}

	ack := readFrame(t, conn)
	if ack.Type != protocol.TypeAck {
		t.Fatalf("want ACK for binary user_hello, got %s", ack.Type)
	}
	if !h.node.Users.IsLocal(alice) {
		t.Fatalf("binary user_hello did not register the user")
	}
	if got := len(h.node.Users.AllLocal()); got != 1 {
		t.Fatalf("dropped binary frame mutated state: %d local users", got)
	}
}
