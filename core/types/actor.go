package types

import (
	"encoding/hex"
	"fmt"
	"strings"

	"escrowchain/crypto"
)

// ActorID identifies any addressable participant on the host: a deployed
// program or an external user account.
type ActorID [crypto.AddressLength]byte

// ZeroActor is the unset identity. It is never assigned to a program.
var ZeroActor ActorID

// ActorIDFromUint64 builds a deterministic identity from a small integer. Tests
// and local tooling use it to name well-known accounts.
func ActorIDFromUint64(v uint64) ActorID {
	var id ActorID
	for i := 0; i < 8; i++ {
		id[len(id)-1-i] = byte(v >> (8 * i))
	}
	return id
}

// ParseActorID accepts either a bech32 string with the actor prefix or a
// 0x-prefixed hex string.
func ParseActorID(raw string) (ActorID, error) {
	var id ActorID
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return id, fmt.Errorf("actor id required")
	}
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		decoded, err := hex.DecodeString(trimmed[2:])
		if err != nil {
			return id, fmt.Errorf("decode actor id: %w", err)
		}
		if len(decoded) != len(id) {
			return id, fmt.Errorf("actor id must be %d bytes", len(id))
		}
		copy(id[:], decoded)
		return id, nil
	}
	addr, err := crypto.DecodeAddress(trimmed)
	if err != nil {
		return id, err
	}
	if addr.Prefix() != crypto.ActorPrefix {
		return id, fmt.Errorf("unexpected address prefix %q", addr.Prefix())
	}
	copy(id[:], addr.Bytes())
	return id, nil
}

// IsZero reports whether the identity is unset.
func (a ActorID) IsZero() bool { return a == ZeroActor }

// Bytes returns a copy of the raw identity bytes.
func (a ActorID) Bytes() []byte { return append([]byte(nil), a[:]...) }

func (a ActorID) String() string {
	return crypto.MustNewAddress(crypto.ActorPrefix, a[:]).String()
}

// MarshalText renders the identity in its bech32 form for JSON payloads.
func (a ActorID) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

// UnmarshalText parses bech32 or hex identities.
func (a *ActorID) UnmarshalText(text []byte) error {
	parsed, err := ParseActorID(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// CodeID is the content address of a code blob registered with the host.
type CodeID [32]byte

// CodeIDFor returns the content address for the named code blob.
func CodeIDFor(blob []byte) CodeID {
	return CodeID(crypto.Keccak256(blob))
}

func (c CodeID) IsZero() bool { return c == CodeID{} }

func (c CodeID) String() string { return "0x" + hex.EncodeToString(c[:]) }

// MessageID uniquely identifies a dispatched message.
type MessageID [32]byte

func (m MessageID) String() string { return "0x" + hex.EncodeToString(m[:]) }
