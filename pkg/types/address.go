package types

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/decred/base58"
	"github.com/zeebo/blake3"
)

// AddressSize is the length of an address payload in bytes (a pubkey hash).
const AddressSize = 20

// Version bytes for Base58Check address encoding. Mainnet addresses begin
// with "R" and testnet addresses with "r" or "s"; the characters after
// that depend on the payload, so a fixed "RH" prefix is not guaranteed.
const (
	MainnetVersion byte = 0x3c
	TestnetVersion byte = 0x7c
)

// activeVersion is the address version byte used by String() and
// MarshalJSON(). Set once at startup via SetAddressVersion().
var activeVersion = MainnetVersion

// SetAddressVersion sets the active address version byte (call once at
// startup, before any address is formatted).
func SetAddressVersion(v byte) {
	activeVersion = v
}

// GetAddressVersion returns the currently active address version byte.
func GetAddressVersion() byte {
	return activeVersion
}

// Address represents a 160-bit address (public key hash).
type Address [AddressSize]byte

// IsZero returns true if the address is all zeros.
func (a Address) IsZero() bool {
	return a == Address{}
}

// String returns the Base58Check-encoded address (e.g. "RH2Q3h...").
func (a Address) String() string {
	return EncodeAddress(activeVersion, a[:])
}

// Hex returns the raw hex-encoded address without any version or checksum.
func (a Address) Hex() string {
	return hex.EncodeToString(a[:])
}

// Bytes returns a copy of the address payload as a byte slice.
func (a Address) Bytes() []byte {
	b := make([]byte, AddressSize)
	copy(b, a[:])
	return b
}

// MarshalJSON encodes the address as a Base58Check string.
func (a Address) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON decodes a Base58Check or raw hex string into an address.
func (a *Address) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*a = Address{}
		return nil
	}
	parsed, err := ParseAddress(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// EncodeAddress encodes a 20-byte payload with the given version byte
// using Base58Check: base58(version || payload || checksum), where
// checksum is the first 4 bytes of BLAKE3(version || payload).
func EncodeAddress(version byte, payload []byte) string {
	buf := make([]byte, 0, 1+len(payload)+4)
	buf = append(buf, version)
	buf = append(buf, payload...)
	sum := blake3.Sum256(buf)
	buf = append(buf, sum[:4]...)
	return base58.Encode(buf)
}

// DecodeAddress decodes a Base58Check string, verifying the checksum and
// returning the version byte and payload.
func DecodeAddress(s string) (version byte, payload []byte, err error) {
	decoded := base58.Decode(s)
	if len(decoded) != 1+AddressSize+4 {
		return 0, nil, fmt.Errorf("invalid address length: %d", len(decoded))
	}
	version = decoded[0]
	payload = decoded[1 : 1+AddressSize]
	checksum := decoded[1+AddressSize:]
	sum := blake3.Sum256(decoded[:1+AddressSize])
	if hex.EncodeToString(sum[:4]) != hex.EncodeToString(checksum) {
		return 0, nil, fmt.Errorf("invalid address checksum")
	}
	return version, payload, nil
}

// ParseAddress parses a Base58Check address string, or (for genesis
// config and internal use) a raw 40-character hex string.
func ParseAddress(s string) (Address, error) {
	if s == "" {
		return Address{}, fmt.Errorf("empty address")
	}

	if isHex40(s) {
		decoded, err := hex.DecodeString(s)
		if err != nil {
			return Address{}, fmt.Errorf("invalid address: %w", err)
		}
		var a Address
		copy(a[:], decoded)
		return a, nil
	}

	_, payload, err := DecodeAddress(s)
	if err != nil {
		return Address{}, fmt.Errorf("invalid address: %w", err)
	}
	if len(payload) != AddressSize {
		return Address{}, fmt.Errorf("address must be %d bytes, got %d", AddressSize, len(payload))
	}
	var a Address
	copy(a[:], payload)
	return a, nil
}

// HexToAddress converts a raw hex string to an Address.
// Returns an error if the string is not exactly 40 hex characters.
// For user-facing input that may be Base58Check-encoded, use ParseAddress.
func HexToAddress(s string) (Address, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Address{}, fmt.Errorf("invalid hex: %w", err)
	}
	if len(b) != AddressSize {
		return Address{}, fmt.Errorf("address must be %d bytes, got %d", AddressSize, len(b))
	}
	var a Address
	copy(a[:], b)
	return a, nil
}

// isHex40 returns true if s is exactly 40 hex characters.
func isHex40(s string) bool {
	if len(s) != 40 {
		return false
	}
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}
