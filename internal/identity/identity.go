// Package identity defines the (package id, inner id) pair that every
// ciphertext is bound to.
package identity

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"groupseal/internal/sui"
)

// Identity scopes a ciphertext to an access-control package. ID is the
// package-defined identity, e.g. the group object id for group sealing.
type Identity struct {
	PackageID sui.ObjectID
	ID        []byte
}

// New builds an Identity, copying id.
func New(pkg sui.ObjectID, id []byte) Identity {
	return Identity{PackageID: pkg, ID: append([]byte(nil), id...)}
}

// ForObject uses the bytes of an object id as the inner id.
func ForObject(pkg, obj sui.ObjectID) Identity {
	return Identity{PackageID: pkg, ID: obj.Bytes()}
}

// Parse reads a package address and a hex inner id ("0x" optional).
func Parse(pkg, id string) (Identity, error) {
	p, err := sui.ParseAddress(pkg)
	if err != nil {
		return Identity{}, fmt.Errorf("invalid package id: %w", err)
	}
	raw, err := decodeHex(id)
	if err != nil {
		return Identity{}, fmt.Errorf("invalid id %q: %w", id, err)
	}
	return Identity{PackageID: p, ID: raw}, nil
}

// FullID is the key-server identity: package bytes followed by the inner id.
func (i Identity) FullID() []byte {
	out := make([]byte, 0, sui.AddressLength+len(i.ID))
	out = append(out, i.PackageID[:]...)
	return append(out, i.ID...)
}

// Equal reports whether both parts match.
func (i Identity) Equal(o Identity) bool {
	return i.PackageID == o.PackageID && bytes.Equal(i.ID, o.ID)
}

func (i Identity) Validate() error {
	if i.PackageID.IsZero() {
		return errors.New("identity has no package id")
	}
	if len(i.ID) == 0 {
		return errors.New("identity has empty id")
	}
	return nil
}

func (i Identity) String() string {
	return i.PackageID.String() + "::" + hexutil.Encode(i.ID)
}

func decodeHex(s string) ([]byte, error) {
	if len(s) >= 2 && (s[:2] == "0x" || s[:2] == "0X") {
		s = s[2:]
	}
	if len(s)%2 == 1 {
		s = "0" + s
	}
	return hexutil.Decode("0x" + s)
}
