package protocol

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"

	"github.com/atvirokodosprendimai/fedchat/pkg/crypto"
)

// Signer produces raw signature bytes; *crypto.Keypair satisfies it.
type Signer interface {
	Sign(data []byte) ([]byte, error)
}

// canonicalBytes serializes the envelope with sig cleared. Both signing
// and verification go through here so the byte sequences match.
func canonicalBytes(msg Message) ([]byte, error) {
	msg.Sig = ""
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, &SerializationError{Cause: err}
	}
	return raw, nil
}

// SignMessage fills in Sig: base64 (standard, no padding) over a PSS
// signature of the canonical serialization.
func SignMessage(msg *Message, signer Signer) error {
	raw, err := canonicalBytes(*msg)
	if err != nil {
		return err
	}
	sig, err := signer.Sign(raw)
	if err != nil {
		return err
	}
	msg.Sig = base64.RawStdEncoding.EncodeToString(sig)
	return nil
}

// VerifyMessage checks Sig against the claimed sender's public key.
func VerifyMessage(msg Message, pub *rsa.PublicKey) error {
	if msg.Sig == "" {
		return &InvalidSigError{Detail: "signature missing"}
	}
	sig, err := base64.RawStdEncoding.DecodeString(msg.Sig)
	if err != nil {
		return &InvalidSigError{Detail: "signature is not base64: " + err.Error()}
	}
	raw, err := canonicalBytes(msg)
	if err != nil {
		return err
	}
	if err := crypto.VerifyWithKey(pub, raw, sig); err != nil {
		return &InvalidSigError{Detail: "signature does not verify"}
	}
	return nil
}

// VerifyMessageB64 is VerifyMessage for a base64url SPKI public key as
// gossiped between nodes.
func VerifyMessageB64(msg Message, pubB64 string) error {
	pub, err := crypto.ParsePublicKeyBase64(pubB64)
	if err != nil {
		return &InvalidSigError{Detail: "sender pubkey unusable: " + err.Error()}
	}
	return VerifyMessage(msg, pub)
}
