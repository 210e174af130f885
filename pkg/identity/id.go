// Package identity defines the identifiers used on the wire: UUIDs for
// users and servers, the broadcast marker, and pre-assignment bootstrap
// addresses. All three share a plain-string JSON form.
package identity

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrEmptyIdentifier is returned when parsing an empty string.
var ErrEmptyIdentifier = errors.New("identity: empty identifier")

// ID is a UUIDv4 naming a single user or server.
type ID struct {
	uuid.UUID
}

// NewID returns a fresh random ID.
func NewID() ID {
	return ID{uuid.New()}
}

// ParseID parses a canonical UUID string.
func ParseID(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ID{}, fmt.Errorf("identity: parse id %q: %w", s, err)
	}
	return ID{u}, nil
}

// Kind discriminates the Identifier variants.
type Kind int

const (
	KindID Kind = iota
	KindBroadcast
	KindBootstrap
)

// Identifier is the tagged sum carried in envelope from/to fields: a
// concrete ID, the broadcast marker "*", or a host:port bootstrap address
// used before an ID is known.
type Identifier struct {
	kind Kind
	id   ID
	addr string
}

// FromID wraps a concrete ID.
func FromID(id ID) Identifier {
	return Identifier{kind: KindID, id: id}
}

// Broadcast returns the "*" identifier.
func Broadcast() Identifier {
	return Identifier{kind: KindBroadcast}
}

// Bootstrap wraps a host:port address.
func Bootstrap(addr string) Identifier {
	return Identifier{kind: KindBootstrap, addr: addr}
}

// Parse reads the plain-string wire form. UUIDs win, then "*"; anything
// else non-empty is treated as a bootstrap address. The literal "public"
// maps to the zero ID, which some clients send as the shared-channel
// sender.
func Parse(s string) (Identifier, error) {
	if s == "" {
		return Identifier{}, ErrEmptyIdentifier
	}
	if id, err := ParseID(s); err == nil {
		return FromID(id), nil
	}
	if s == "*" {
		return Broadcast(), nil
	}
	if s == "public" {
		return FromID(ID{}), nil
	}
	return Bootstrap(s), nil
}

// Kind reports which variant this identifier holds.
func (i Identifier) Kind() Kind {
	return i.kind
}

// AsID returns the concrete ID when the identifier holds one.
func (i Identifier) AsID() (ID, bool) {
	if i.kind != KindID {
		return ID{}, false
	}
	return i.id, true
}

// Addr returns the bootstrap address when the identifier holds one.
func (i Identifier) Addr() (string, bool) {
	if i.kind != KindBootstrap {
		return "", false
	}
	return i.addr, true
}

func (i Identifier) String() string {
	switch i.kind {
	case KindBroadcast:
		return "*"
	case KindBootstrap:
		return i.addr
	default:
		return i.id.String()
	}
}

// MarshalJSON emits the plain-string wire form.
func (i Identifier) MarshalJSON() ([]byte, error) {
	return json.Marshal(i.String())
}

// UnmarshalJSON parses the plain-string wire form.
func (i *Identifier) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("identity: identifier must be a string: %w", err)
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}
