// Package sui holds the small slice of the Sui data model this module needs:
// 32-byte addresses and object ids, Ed25519 wallet keys with personal-message
// signing, BCS-compatible programmable transaction encoding, and a read-only
// JSON-RPC object reader.
package sui

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// AddressLength is the byte length of Sui addresses and object ids.
const AddressLength = 32

// Address is a Sui account address.
type Address [AddressLength]byte

// ObjectID identifies an on-chain object. Sui object ids share the address
// space.
type ObjectID = Address

// ParseAddress parses a hex address with or without the 0x prefix.
// Short forms are left-padded with zeroes, so "0x2" is the framework address.
func ParseAddress(s string) (Address, error) {
	h := strings.TrimSpace(s)
	h = strings.TrimPrefix(h, "0x")
	h = strings.TrimPrefix(h, "0X")

	if h == "" {
		return Address{}, fmt.Errorf("invalid address %q: empty", s)
	}
	if len(h) > AddressLength*2 {
		return Address{}, fmt.Errorf("invalid address %q: longer than %d bytes", s, AddressLength)
	}

	h = strings.Repeat("0", AddressLength*2-len(h)) + h
	b, err := hexutil.Decode("0x" + h)
	if err != nil {
		return Address{}, fmt.Errorf("invalid address %q: %w", s, err)
	}

	var a Address
	copy(a[:], b)
	return a, nil
}

// MustParseAddress is ParseAddress for constants and tests.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// AddressFromBytes converts an exact 32-byte slice.
func AddressFromBytes(b []byte) (Address, error) {
	var a Address
	if len(b) != AddressLength {
		return a, fmt.Errorf("invalid address length: expected %d bytes, got %d", AddressLength, len(b))
	}
	copy(a[:], b)
	return a, nil
}

func (a Address) String() string {
	return hexutil.Encode(a[:])
}

// Bytes returns a copy of the address bytes.
func (a Address) Bytes() []byte {
	b := make([]byte, AddressLength)
	copy(b, a[:])
	return b
}

func (a Address) IsZero() bool {
	return a == Address{}
}

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
