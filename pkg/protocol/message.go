// Package protocol defines the single on-wire envelope shared by clients
// and federated servers, the closed payload-type and error-code sets, and
// the canonical signing rules for server-authored envelopes.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/atvirokodosprendimai/fedchat/pkg/identity"
)

// PayloadType is the envelope type tag. Matching is exact: tags are
// case-sensitive and never trimmed. A tag outside the closed set keeps
// its raw value and reports Known() == false; such envelopes are logged
// and must never mutate node state.
type PayloadType string

const (
	TypeServerHelloJoin       PayloadType = "SERVER_HELLO_JOIN"
	TypeServerWelcome         PayloadType = "SERVER_WELCOME"
	TypeServerAnnounce        PayloadType = "SERVER_ANNOUNCE"
	TypeUserAdvertise         PayloadType = "USER_ADVERTISE"
	TypeUserRemove            PayloadType = "USER_REMOVE"
	TypeServerDeliver         PayloadType = "SERVER_DELIVER"
	TypeHeartbeat             PayloadType = "HEARTBEAT"
	TypeUserHello             PayloadType = "USER_HELLO"
	TypeListUsers             PayloadType = "LIST_USERS"
	TypeUserLogin             PayloadType = "USER_LOGIN"
	TypeUserRegister          PayloadType = "USER_REGISTER"
	TypeMsgDirect             PayloadType = "MSG_DIRECT"
	TypeUserDeliver           PayloadType = "USER_DELIVER"
	TypePublicChannelAdd      PayloadType = "PUBLIC_CHANNEL_ADD"
	TypePublicChannelUpdated  PayloadType = "PUBLIC_CHANNEL_UPDATED"
	TypePublicChannelKeyShare PayloadType = "PUBLIC_CHANNEL_KEY_SHARE"
	TypeMsgPublicChannel      PayloadType = "MSG_PUBLIC_CHANNEL"
	TypeFileStart             PayloadType = "FILE_START"
	TypeFileChunk             PayloadType = "FILE_CHUNK"
	TypeFileEnd               PayloadType = "FILE_END"
	TypeAck                   PayloadType = "ACK"
	TypeError                 PayloadType = "ERROR"
)

// payloadTypeNames maps each tag to its short name, used in error
// messages and logs.
var payloadTypeNames = map[PayloadType]string{
	TypeServerHelloJoin:       "ServerHelloJoin",
	TypeServerWelcome:         "ServerWelcome",
	TypeServerAnnounce:        "ServerAnnounce",
	TypeUserAdvertise:         "UserAdvertise",
	TypeUserRemove:            "UserRemove",
	TypeServerDeliver:         "ServerDeliver",
	TypeHeartbeat:             "Heartbeat",
	TypeUserHello:             "UserHello",
	TypeListUsers:             "ListUsers",
	TypeUserLogin:             "UserLogin",
	TypeUserRegister:          "UserRegister",
	TypeMsgDirect:             "MsgDirect",
	TypeUserDeliver:           "UserDeliver",
	TypePublicChannelAdd:      "PublicChannelAdd",
	TypePublicChannelUpdated:  "PublicChannelUpdated",
	TypePublicChannelKeyShare: "PublicChannelKeyShare",
	TypeMsgPublicChannel:      "MsgPublicChannel",
	TypeFileStart:             "FileStart",
	TypeFileChunk:             "FileChunk",
	TypeFileEnd:               "FileEnd",
	TypeAck:                   "Ack",
	TypeError:                 "Error",
}

// Known reports whether the tag belongs to the closed set.
func (t PayloadType) Known() bool {
	_, ok := payloadTypeNames[t]
	return ok
}

// Name returns the short variant name for a known tag, or the raw value
// for an unknown one.
func (t PayloadType) Name() string {
	if name, ok := payloadTypeNames[t]; ok {
		return name
	}
	return string(t)
}

// ErrorCode is the closed set of protocol error codes.
type ErrorCode string

const (
	CodeUserNotFound ErrorCode = "USER_NOT_FOUND"
	CodeInvalidSig   ErrorCode = "INVALID_SIG"
	CodeBadKey       ErrorCode = "BAD_KEY"
	CodeTimeout      ErrorCode = "TIMEOUT"
	CodeUnknownType  ErrorCode = "UNKNOWN_TYPE"
	CodeNameInUse    ErrorCode = "NAME_IN_USE"
)

var knownErrorCodes = map[ErrorCode]struct{}{
	CodeUserNotFound: {},
	CodeInvalidSig:   {},
	CodeBadKey:       {},
	CodeTimeout:      {},
	CodeUnknownType:  {},
	CodeNameInUse:    {},
}

// Known reports whether the code belongs to the closed set. Matching is
// case-sensitive and untrimmed, like payload-type tags.
func (c ErrorCode) Known() bool {
	_, ok := knownErrorCodes[c]
	return ok
}

// Message is the canonical envelope. Field order matters: the signature
// is computed over the JSON serialization with Sig cleared, and both
// sides must produce identical bytes.
type Message struct {
	Type    PayloadType         `json:"type"`
	From    identity.Identifier `json:"from"`
	To      identity.Identifier `json:"to"`
	TS      int64               `json:"ts"`
	Payload json.RawMessage     `json:"payload"`
	Sig     string              `json:"sig"`
}

// NewMessage is the sole producer-side constructor: it serializes the
// payload value and leaves Sig empty for a later SignMessage.
func NewMessage(t PayloadType, from, to identity.Identifier, ts int64, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, &SerializationError{Cause: err}
	}
	return Message{Type: t, From: from, To: to, TS: ts, Payload: raw}, nil
}

// ExtractPayload deserializes the envelope payload under the expected
// shape. Payload types with a Validate method are also validated.
func ExtractPayload[T any](msg Message) (T, error) {
	var out T
	if err := json.Unmarshal(msg.Payload, &out); err != nil {
		return out, &PayloadExtractionError{Detail: fmt.Sprintf("decode %s payload: %v", msg.Type.Name(), err)}
	}
	if v, ok := any(out).(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return out, &PayloadExtractionError{Detail: fmt.Sprintf("%s payload: %v", msg.Type.Name(), err)}
		}
	}
	return out, nil
}

// ExpectType guards a handler against a mistyped envelope.
func ExpectType(msg Message, want PayloadType) error {
	if msg.Type != want {
		return &InvalidPayloadTypeError{Expected: want.Name(), Actual: msg.Type.Name()}
	}
	return nil
}
