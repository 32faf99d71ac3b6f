// Package types holds the plain data shared across the repodata subsystem:
// shard records, the shards index, the assembled repodata, and subdir cache
// state. None of these types own any I/O.
package types

import (
	"encoding/hex"
	"fmt"
)

// HashSize is the length in bytes of a shard content hash (SHA-256).
const HashSize = 32

// Hash is a canonical 32-byte SHA-256 shard hash. The wire format allows
// either a hex string or raw bytes; Hash always stores raw bytes and
// exposes the canonical lowercase-hex representation on demand.
type Hash [HashSize]byte

// ErrInvalidHashLength is returned when a hash does not decode to exactly
// HashSize bytes.
type ErrInvalidHashLength struct {
	Got int
}

func (e *ErrInvalidHashLength) Error() string {
	return fmt.Sprintf("invalid hash length: expected %d bytes, got %d", HashSize, e.Got)
}

// HashFromBytes builds a Hash from raw bytes, rejecting anything other than
// exactly HashSize bytes.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash

	if len(b) != HashSize {
		return h, &ErrInvalidHashLength{Got: len(b)}
	}

	copy(h[:], b)

	return h, nil
}

// HashFromHex decodes a hex string into a Hash. Odd-length input is
// rejected, as is anything that doesn't decode to exactly HashSize bytes.
func HashFromHex(s string) (Hash, error) {
	var h Hash

	if len(s)%2 != 0 {
		return h, fmt.Errorf("%w: odd-length hex string (%d chars)", ErrOddLengthHex, len(s))
	}

	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("decoding hex hash: %w", err)
	}

	return HashFromBytes(b)
}

// String returns the canonical lowercase-hex representation.
func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// Bytes returns the raw 32 bytes.
func (h Hash) Bytes() []byte { return h[:] }

// IsZero reports whether the hash is the zero value (never assigned).
func (h Hash) IsZero() bool { return h == Hash{} }

// ErrOddLengthHex is returned when a hex-encoded hash has an odd number of
// characters, which can never decode to a whole number of bytes.
var ErrOddLengthHex = fmt.Errorf("odd-length hex string")
