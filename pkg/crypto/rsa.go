// Package crypto wraps the RSA-4096 keypair used by a node: OAEP
// encryption for message bodies, randomized PSS signatures for envelope
// authentication, and the PEM/DER encodings exchanged on the wire.
package crypto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// KeyBits is the modulus size for every node and client keypair.
const KeyBits = 4096

// MaxPlaintext is the largest OAEP-SHA256 input for a 4096-bit key:
// 512 - 2*32 - 2.
const MaxPlaintext = 446

// Failure classes. Callers branch on these with errors.Is; the wrapped
// cause carries the detail.
var (
	ErrRSA   = errors.New("crypto: rsa operation failed")
	ErrIO    = errors.New("crypto: key file unreadable")
	ErrPKCS8 = errors.New("crypto: pkcs8 parse failed")
	ErrSPKI  = errors.New("crypto: spki encode failed")
)

// Keypair holds one RSA-4096 private key. All methods are safe for
// concurrent use; the key material is immutable after construction.
type Keypair struct {
	priv *rsa.PrivateKey
}

// NewKeypair generates a fresh random RSA-4096 keypair.
func NewKeypair() (*Keypair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return nil, fmt.Errorf("%w: generate: %v", ErrRSA, err)
	}
	return &Keypair{priv: priv}, nil
}

// LoadKeypair reads a PKCS#8 PEM private key from path.
func LoadKeypair(path string) (*Keypair, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block in %s", ErrPKCS8, path)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPKCS8, err)
	}
	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: key in %s is not RSA", ErrPKCS8, path)
	}
	return &Keypair{priv: priv}, nil
}

// Encrypt seals plain with OAEP-SHA256 under this keypair's public key.
// Inputs longer than MaxPlaintext fail.
func (k *Keypair) Encrypt(plain []byte) ([]byte, error) {
	out, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, &k.priv.PublicKey, plain, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: encrypt: %v", ErrRSA, err)
	}
	return out, nil
}

// Decrypt opens an OAEP-SHA256 ciphertext. A corrupted or foreign
// ciphertext fails; it never yields garbage bytes.
func (k *Keypair) Decrypt(cipher []byte) ([]byte, error) {
	out, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, k.priv, cipher, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt: %v", ErrRSA, err)
	}
	return out, nil
}

// Sign produces an RSASSA-PSS(SHA-256) signature. The salt is random, so
// two signatures over the same input differ yet both verify.
func (k *Keypair) Sign(data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	sig, err := rsa.SignPSS(rand.Reader, k.priv, crypto.SHA256, digest[:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: sign: %v", ErrRSA, err)
	}
	return sig, nil
}

// Verify checks a PSS signature against this keypair's public key.
func (k *Keypair) Verify(data, sig []byte) error {
	return VerifyWithKey(&k.priv.PublicKey, data, sig)
}

// VerifyWithKey checks a PSS signature under an arbitrary public key.
func VerifyWithKey(pub *rsa.PublicKey, data, sig []byte) error {
	digest := sha256.Sum256(data)
	if err := rsa.VerifyPSS(pub, crypto.SHA256, digest[:], sig, nil); err != nil {
		return fmt.Errorf("%w: verify: %v", ErrRSA, err)
	}
	return nil
}

// PublicKeyBase64 returns the SPKI DER public key as base64url without
// padding, the form pinned in bootstrap configs and gossiped between nodes.
func (k *Keypair) PublicKeyBase64() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(&k.priv.PublicKey)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSPKI, err)
	}
	return base64.RawURLEncoding.EncodeToString(der), nil
}

// ParsePublicKeyBase64 decodes the base64url SPKI form back into a key.
func ParsePublicKeyBase64(s string) (*rsa.PublicKey, error) {
	der, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrSPKI, err)
	}
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSPKI, err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key", ErrSPKI)
	}
	return pub, nil
}

// PublicKeyPEM returns the SPKI public key in PEM form.
func (k *Keypair) PublicKeyPEM() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(&k.priv.PublicKey)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSPKI, err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// PrivateKeyPEM returns the private key in PKCS#8 PEM form.
func (k *Keypair) PrivateKeyPEM() (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(k.priv)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPKCS8, err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})), nil
}
