package sui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/mr-tron/base58"
)

// ErrObjectNotFound is returned by readers when an object does not exist
// or has been deleted.
var ErrObjectNotFound = errors.New("object not found")

// ObjectReader reads current object state from the chain.
type ObjectReader interface {
	GetObject(ctx context.Context, id ObjectID) (*Object, error)
}

// Object is the subset of an on-chain object needed to reference it in a
// transaction and to evaluate access policies against its fields.
type Object struct {
	ObjectID ObjectID
	Version  uint64
	// Digest is base58, as returned by the RPC.
	Digest string
	Type   string
	Owner  Owner
	// Fields is the Move struct content as JSON.
	Fields json.RawMessage
}

// DigestBytes decodes the base58 object digest.
func (o *Object) DigestBytes() ([]byte, error) {
	d, err := base58.Decode(o.Digest)
	if err != nil {
		return nil, fmt.Errorf("invalid object digest %q: %w", o.Digest, err)
	}
	if len(d) != 32 {
		return nil, fmt.Errorf("invalid object digest length: %d", len(d))
	}
	return d, nil
}

// Ref returns the object reference for owned or immutable use.
func (o *Object) Ref() (ObjectRef, error) {
	d, err := o.DigestBytes()
	if err != nil {
		return ObjectRef{}, err
	}
	return ObjectRef{ObjectID: o.ObjectID, Version: o.Version, Digest: d}, nil
}

// OwnerKind classifies object ownership.
type OwnerKind int

const (
	OwnerUnknown OwnerKind = iota
	OwnerAddress
	OwnerObject
	OwnerShared
	OwnerImmutable
)

// Owner is the ownership of an object.
type Owner struct {
	Kind                 OwnerKind
	Address              Address
	InitialSharedVersion uint64
}

type sharedOwnerJSON struct {
	InitialSharedVersion Uint64 `json:"initial_shared_version"`
}

type ownerJSON struct {
	AddressOwner *Address        `json:"AddressOwner,omitempty"`
	ObjectOwner  *Address        `json:"ObjectOwner,omitempty"`
	Shared       *sharedOwnerJSON `json:"Shared,omitempty"`
}

func (o *Owner) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte(`"Immutable"`)) {
		*o = Owner{Kind: OwnerImmutable}
		return nil
	}

	var raw ownerJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("invalid owner: %w", err)
	}

	switch {
	case raw.AddressOwner != nil:
		*o = Owner{Kind: OwnerAddress, Address: *raw.AddressOwner}
	case raw.ObjectOwner != nil:
		*o = Owner{Kind: OwnerObject, Address: *raw.ObjectOwner}
	case raw.Shared != nil:
		*o = Owner{Kind: OwnerShared, InitialSharedVersion: uint64(raw.Shared.InitialSharedVersion)}
	default:
		return fmt.Errorf("unrecognized owner %s", string(b))
	}
	return nil
}

func (o Owner) MarshalJSON() ([]byte, error) {
	switch o.Kind {
	case OwnerImmutable:
		return []byte(`"Immutable"`), nil
	case OwnerAddress:
		return json.Marshal(ownerJSON{AddressOwner: &o.Address})
	case OwnerObject:
		return json.Marshal(ownerJSON{ObjectOwner: &o.Address})
	case OwnerShared:
		return json.Marshal(ownerJSON{Shared: &sharedOwnerJSON{InitialSharedVersion: Uint64(o.InitialSharedVersion)}})
	default:
		return nil, fmt.Errorf("cannot marshal owner kind %d", o.Kind)
	}
}

// Uint64 decodes both JSON numbers and decimal strings; the Sui RPC uses
// strings for u64 values such as versions.
type Uint64 uint64

func (u *Uint64) UnmarshalJSON(b []byte) error {
	s := string(bytes.Trim(b, `"`))
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid u64 %s: %w", string(b), err)
	}
	*u = Uint64(v)
	return nil
}

func (u Uint64) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(strconv.FormatUint(uint64(u), 10))), nil
}
