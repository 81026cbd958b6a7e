package domain

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

// AddressSize is the length in bytes of an account or contract address.
const AddressSize = 20

// HashSize is the length in bytes of a transaction hash.
const HashSize = 32

var (
	// ErrInvalidAddressLength is returned when decoding bytes of the wrong size.
	ErrInvalidAddressLength = errors.New("domain: address must be exactly 20 bytes")
	// ErrInvalidAddressHex is returned when a hex string cannot be parsed as an address.
	ErrInvalidAddressHex = errors.New("domain: invalid address hex string")
	// ErrInvalidHashLength is returned when decoding bytes of the wrong size.
	ErrInvalidHashLength = errors.New("domain: hash must be exactly 32 bytes")
)

// Address is a 20-byte account or contract identifier.
//
// It round-trips through EIP-55 mixed-case checksummed hex: the nibble at
// position i is upper-cased iff the corresponding nibble of
// keccak256(lowercase_hex) is >= 8.
type Address [AddressSize]byte

// ZeroAddress is the reserved "no contract" address used by Send transactions.
var ZeroAddress Address

// NewAddress validates and wraps a raw 20-byte slice.
func NewAddress(b []byte) (Address, error) {
	var a Address
	if len(b) != AddressSize {
		return a, fmt.Errorf("%w: got %d bytes", ErrInvalidAddressLength, len(b))
	}
	copy(a[:], b)
	return a, nil
}

// AddressFromHex parses a checksummed or lowercase "0x"-prefixed hex string.
// The checksum, if present (mixed case), is not enforced on read — callers
// that need to validate a user-supplied checksum should call
// VerifyChecksum explicitly.
func AddressFromHex(s string) (Address, error) {
	var a Address
	trimmed := strings.TrimPrefix(s, "0x")
	trimmed = strings.TrimPrefix(trimmed, "0X")
	if len(trimmed) != AddressSize*2 {
		return a, fmt.Errorf("%w: %q", ErrInvalidAddressHex, s)
	}
	b, err := hex.DecodeString(trimmed)
	if err != nil {
		return a, fmt.Errorf("%w: %v", ErrInvalidAddressHex, err)
	}
	copy(a[:], b)
	return a, nil
}

// Bytes returns the raw 20 bytes.
func (a Address) Bytes() []byte { return a[:] }

// IsZero reports whether a is the reserved zero address.
func (a Address) IsZero() bool { return a == ZeroAddress }

// Hex returns the EIP-55 checksummed hex representation, "0x" prefixed.
func (a Address) Hex() string {
	lower := hex.EncodeToString(a[:])
	digest := sha3.NewLegacyKeccak256()
	digest.Write([]byte(lower))
	hashed := digest.Sum(nil)

	out := make([]byte, len(lower))
	for i := 0; i < len(lower); i++ {
		c := lower[i]
		if c >= 'a' && c <= 'f' {
			// nibble i of the keccak digest: high nibble for even i, low for odd i.
			var nibble byte
			if i%2 == 0 {
				nibble = hashed[i/2] >> 4
			} else {
				nibble = hashed[i/2] & 0x0f
			}
			if nibble >= 8 {
				c -= 'a' - 'A'
			}
		}
		out[i] = c
	}
	return "0x" + string(out)
}

// VerifyChecksum reports whether s is a correctly checksummed hex rendering
// of this address (case-sensitive comparison against Hex()).
func (a Address) VerifyChecksum(s string) bool {
	return s == a.Hex()
}

// Base64 returns the address as a standard base64 string, used by the
// persisted JSON-column layout (spec §6.5).
func (a Address) Base64() string { return base64.StdEncoding.EncodeToString(a[:]) }

// Less orders addresses ascending, used by the validator selector's
// tie-break rule (spec §4.2).
func (a Address) Less(b Address) bool { return bytes.Compare(a[:], b[:]) < 0 }

func (a Address) String() string { return a.Hex() }

// MarshalJSON renders the address as its checksummed hex string.
func (a Address) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.Hex() + `"`), nil
}

// UnmarshalJSON accepts either a checksummed or lowercase hex string.
func (a *Address) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parsed, err := AddressFromHex(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Hash is a 32-byte transaction identifier.
type Hash [HashSize]byte

// NewHash validates and wraps a raw 32-byte slice.
func NewHash(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, fmt.Errorf("%w: got %d bytes", ErrInvalidHashLength, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// HashFromHex parses a "0x"-prefixed 64-hex-digit string.
func HashFromHex(s string) (Hash, error) {
	var h Hash
	trimmed := strings.TrimPrefix(s, "0x")
	trimmed = strings.TrimPrefix(trimmed, "0X")
	if len(trimmed) != HashSize*2 {
		return h, fmt.Errorf("%w: %q", ErrInvalidHashLength, s)
	}
	b, err := hex.DecodeString(trimmed)
	if err != nil {
		return h, fmt.Errorf("domain: invalid hash hex: %w", err)
	}
	copy(h[:], b)
	return h, nil
}

func (h Hash) Bytes() []byte { return h[:] }

func (h Hash) Hex() string { return "0x" + hex.EncodeToString(h[:]) }

func (h Hash) String() string { return h.Hex() }

func (h Hash) IsZero() bool { return h == Hash{} }

func (h Hash) MarshalJSON() ([]byte, error) {
	return []byte(`"` + h.Hex() + `"`), nil
}

func (h *Hash) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parsed, err := HashFromHex(s)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
