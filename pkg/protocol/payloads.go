package protocol

import (
	"encoding/json"
	"errors"
)

// Payload shapes, one per payload type. Timestamps inside payloads are
// millisecond epoch integers, same as the envelope ts field.

// ServerHelloJoinPayload asks a bootstrap server to admit the sender.
type ServerHelloJoinPayload struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Pubkey string `json:"pubkey"`
}

func (p ServerHelloJoinPayload) Validate() error {
	if p.Host == "" || p.Port == 0 || p.Pubkey == "" {
		return errors.New("host, port and pubkey are required")
	}
	return nil
}

// ServerInfo describes one peer inside a WELCOME.
type ServerInfo struct {
	ServerID string `json:"server_id"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Pubkey   string `json:"pubkey"`
}

// ClientInfo describes one known user inside a WELCOME.
type ClientInfo struct {
	UserID   string `json:"user_id"`
	Pubkey   string `json:"pubkey"`
	ServerID string `json:"server_id"`
}

// ServerWelcomePayload is the introducer's reply: the network view minus
// the joiner itself. AssignedID echoes the joiner's self-claimed id; the
// network never reassigns.
type ServerWelcomePayload struct {
	AssignedID string       `json:"assigned_id"`
	Servers    []ServerInfo `json:"servers"`
	Clients    []ClientInfo `json:"clients"`
}

// ServerAnnouncePayload introduces the sender to a peer; receipt is an
// idempotent upsert keyed by the envelope from id.
type ServerAnnouncePayload struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Pubkey string `json:"pubkey"`
}

func (p ServerAnnouncePayload) Validate() error {
	if p.Host == "" || p.Port == 0 || p.Pubkey == "" {
		return errors.New("host, port and pubkey are required")
	}
	return nil
}

// UserMetadata travels opaquely with presence messages; only
// display_name has routing significance.
type UserMetadata struct {
	DisplayName string          `json:"display_name,omitempty"`
	Pronouns    string          `json:"pronouns,omitempty"`
	Age         uint32          `json:"age,omitempty"`
	AvatarURL   string          `json:"avatar_url,omitempty"`
	Extras      json.RawMessage `json:"extras,omitempty"`
}

// UserAdvertisePayload gossips a user's arrival on its home server.
type UserAdvertisePayload struct {
	UserID   string       `json:"user_id"`
	ServerID string       `json:"server_id"`
	Meta     UserMetadata `json:"meta"`
	Pubkey   string       `json:"pubkey,omitempty"`
}

func (p UserAdvertisePayload) Validate() error {
	if p.UserID == "" || p.ServerID == "" {
		return errors.New("user_id and server_id are required")
	}
	return nil
}

// UserRemovePayload gossips a user's departure. Receivers only apply it
// while user_home still points at the removing server.
type UserRemovePayload struct {
	UserID   string `json:"user_id"`
	ServerID string `json:"server_id"`
}

func (p UserRemovePayload) Validate() error {
	if p.UserID == "" || p.ServerID == "" {
		return errors.New("user_id and server_id are required")
	}
	return nil
}

// ServerDeliverPayload forwards one ciphertext to the recipient's home
// server. The body stays opaque end to end.
type ServerDeliverPayload struct {
	UserID     string `json:"user_id"`
	Ciphertext string `json:"ciphertext"`
	Sender     string `json:"sender"`
	SenderPub  string `json:"sender_pub"`
	ContentSig string `json:"content_sig"`
}

func (p ServerDeliverPayload) Validate() error {
	if p.UserID == "" || p.Ciphertext == "" {
		return errors.New("user_id and ciphertext are required")
	}
	return nil
}

// UserHelloPayload announces a user over a peer-style socket.
type UserHelloPayload struct {
	Client    string        `json:"client"`
	Pubkey    string        `json:"pubkey"`
	EncPubkey string        `json:"enc_pubkey"`
	Meta      *UserMetadata `json:"meta,omitempty"`
}

// DirectCipherFields are the pass-through fields a client puts in a
// MSG_DIRECT payload. All are optional from the server's point of view;
// it relays whatever is present without inspection.
type DirectCipherFields struct {
	SenderPub  string          `json:"sender_pub"`
	Ciphertext json.RawMessage `json:"ciphertext"`
	ContentSig json.RawMessage `json:"content_sig"`
}

// UserDeliverPayload is authored by the home server when it queues a
// direct message for local pickup.
type UserDeliverPayload struct {
	Sender     string          `json:"sender"`
	SenderPub  string          `json:"sender_pub"`
	Ciphertext json.RawMessage `json:"ciphertext"`
	ContentSig json.RawMessage `json:"content_sig"`
}

// PublicChannelAddPayload creates the shared channel.
type PublicChannelAddPayload struct {
	ChannelID   string `json:"channel_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Creator     string `json:"creator"`
	CreatedAt   int64  `json:"created_at"`
}

func (p PublicChannelAddPayload) Validate() error {
	if p.ChannelID == "" || p.Name == "" {
		return errors.New("channel_id and name are required")
	}
	return nil
}

// PublicChannelUpdatedPayload renames or re-describes the channel.
type PublicChannelUpdatedPayload struct {
	ChannelID   string `json:"channel_id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	UpdatedBy   string `json:"updated_by"`
	UpdatedAt   int64  `json:"updated_at"`
}

func (p PublicChannelUpdatedPayload) Validate() error {
	if p.ChannelID == "" {
		return errors.New("channel_id is required")
	}
	return nil
}

// PublicChannelKeySharePayload stores the opaque shared-key blob.
type PublicChannelKeySharePayload struct {
	ChannelID string `json:"channel_id"`
	Key       string `json:"key"`
	SharedBy  string `json:"shared_by"`
	SharedAt  int64  `json:"shared_at"`
}

func (p PublicChannelKeySharePayload) Validate() error {
	if p.ChannelID == "" || p.Key == "" {
		return errors.New("channel_id and key are required")
	}
	return nil
}

// PublicChannelMessagePayload is one entry in the channel ring.
type PublicChannelMessagePayload struct {
	ChannelID string `json:"channel_id"`
	From      string `json:"from"`
	Content   string `json:"content"`
	SentAt    int64  `json:"sent_at"`
}

// FileStartPayload opens a relayed file stream.
type FileStartPayload struct {
	FileID    string `json:"file_id"`
	Filename  string `json:"filename"`
	Filesize  uint64 `json:"filesize"`
	Sender    string `json:"sender"`
	Receiver  string `json:"receiver"`
	StartedAt int64  `json:"started_at"`
}

func (p FileStartPayload) Validate() error {
	if p.FileID == "" || p.Filename == "" {
		return errors.New("file_id and filename are required")
	}
	return nil
}

// FileChunkPayload carries one base64 chunk of a stream.
type FileChunkPayload struct {
	FileID     string `json:"file_id"`
	ChunkIndex uint64 `json:"chunk_index"`
	ChunkData  string `json:"chunk_data"`
	Sender     string `json:"sender"`
	Receiver   string `json:"receiver"`
	SentAt     int64  `json:"sent_at"`
}

func (p FileChunkPayload) Validate() error {
	if p.FileID == "" {
		return errors.New("file_id is required")
	}
	return nil
}

// FileEndPayload closes a relayed file stream.
type FileEndPayload struct {
	FileID   string `json:"file_id"`
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
	EndedAt  int64  `json:"ended_at"`
}

func (p FileEndPayload) Validate() error {
	if p.FileID == "" {
		return errors.New("file_id is required")
	}
	return nil
}

// StatusPayload is the generic handler acknowledgement.
type StatusPayload struct {
	Status string `json:"status"`
}

// ErrorPayload reports a protocol error over a peer socket.
type ErrorPayload struct {
	Code   ErrorCode `json:"code"`
	Detail string    `json:"detail,omitempty"`
}
