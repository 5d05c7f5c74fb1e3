package sealcrypto

import (
	"errors"
	"fmt"

	"git.sr.ht/~sircmpwn/go-bare"

	"groupseal/internal/identity"
	"groupseal/internal/sealerr"
	"groupseal/internal/sui"
)

// ObjectVersion is the envelope version written by Encrypt.
const ObjectVersion uint8 = 0

// MaxPlaintextSize bounds what Encrypt accepts, keeping the sealed data
// below go-bare's 32 MiB limit on a single length-prefixed field.
const MaxPlaintextSize = 16 << 20

// Blob is a length-prefixed byte string. go-bare would otherwise decode
// []byte element by element under its 4096-element array limit.
type Blob []byte

func (b *Blob) Marshal(w *bare.Writer) error {
	return w.WriteData(*b)
}

func (b *Blob) Unmarshal(r *bare.Reader) error {
	data, err := r.ReadData()
	if err != nil {
		return err
	}
	*b = data
	return nil
}

// EncryptedObject is the ciphertext envelope. It is serialized with BARE and
// treated as opaque bytes by everything outside this package.
type EncryptedObject struct {
	Version   uint8
	PackageID sui.Address
	ID        []byte
	Threshold uint8
	Shares    []EncryptedShare
	// Data is nonce || AES-GCM ciphertext || tag, with the full id as AAD.
	Data Blob
}

// EncryptedShare is one Shamir share IBE-encrypted to a key server.
type EncryptedShare struct {
	Service sui.Address
	Index   uint8
	U       []byte
	V       []byte
	W       []byte
}

// Identity returns the identity the object is bound to.
func (o *EncryptedObject) Identity() identity.Identity {
	return identity.New(o.PackageID, o.ID)
}

// Services lists distinct key servers in first-appearance order with the
// number of shares each holds.
func (o *EncryptedObject) Services() ([]sui.Address, map[sui.Address]int) {
	var order []sui.Address
	weights := make(map[sui.Address]int)
	for _, s := range o.Shares {
		if _, ok := weights[s.Service]; !ok {
			order = append(order, s.Service)
		}
		weights[s.Service]++
	}
	return order, weights
}

// Encode serializes the envelope.
func (o *EncryptedObject) Encode() ([]byte, error) {
	b, err := bare.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("failed to encode encrypted object: %w", err)
	}
	return b, nil
}

// ParseEncryptedObject decodes and validates an envelope. All failures wrap
// sealerr.ErrMalformedCiphertext.
func ParseEncryptedObject(b []byte) (*EncryptedObject, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty", sealerr.ErrMalformedCiphertext)
	}

	var o EncryptedObject
	if err := bare.Unmarshal(b, &o); err != nil {
		return nil, fmt.Errorf("%w: %v", sealerr.ErrMalformedCiphertext, err)
	}
	if err := o.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", sealerr.ErrMalformedCiphertext, err)
	}
	return &o, nil
}

func (o *EncryptedObject) validate() error {
	if o.Version != ObjectVersion {
		return fmt.Errorf("unsupported version %d", o.Version)
	}
	if o.Threshold == 0 {
		return errors.New("zero threshold")
	}
	if len(o.Shares) < int(o.Threshold) {
		return fmt.Errorf("threshold %d exceeds %d shares", o.Threshold, len(o.Shares))
	}
	seen := make(map[uint8]bool, len(o.Shares))
	for _, s := range o.Shares {
		if s.Index == 0 || seen[s.Index] {
			return fmt.Errorf("invalid share index %d", s.Index)
		}
		seen[s.Index] = true
	}
	if len(o.Data) == 0 {
		return errors.New("missing data")
	}
	return nil
}
