package sealcrypto

import (
	"errors"
	"fmt"

	"github.com/drand/kyber"
	"github.com/drand/kyber/encrypt/ibe"

	"groupseal/internal/identity"
	"groupseal/internal/sealerr"
	"groupseal/internal/sui"
)

// Recipient is a key server taking part in an encryption.
type Recipient struct {
	ObjectID  sui.ObjectID
	Weight    int
	PublicKey kyber.Point
}

// Encrypt seals plaintext to id so that any set of recipients holding at
// least t shares can release it. A recipient of weight w receives w shares.
// The returned key is the DEM key, usable as a backup key.
func Encrypt(id identity.Identity, t int, recipients []Recipient, plaintext []byte) (*EncryptedObject, []byte, error) {
	if err := id.Validate(); err != nil {
		return nil, nil, err
	}
	if len(plaintext) > MaxPlaintextSize {
		return nil, nil, fmt.Errorf("plaintext of %d bytes exceeds the %d byte limit", len(plaintext), MaxPlaintextSize)
	}

	total := 0
	for _, r := range recipients {
		if r.Weight < 1 {
			return nil, nil, fmt.Errorf("recipient %s has invalid weight %d", r.ObjectID, r.Weight)
		}
		if r.PublicKey == nil {
			return nil, nil, fmt.Errorf("recipient %s has no public key", r.ObjectID)
		}
		total += r.Weight
	}
	if t < 1 || t > total {
		return nil, nil, fmt.Errorf("threshold %d not satisfiable by total weight %d", t, total)
	}

	fullID := id.FullID()
	secret := RandomSecret()
	shares, err := Split(secret, t, total)
	if err != nil {
		return nil, nil, err
	}

	obj := &EncryptedObject{
		Version:   ObjectVersion,
		PackageID: id.PackageID,
		ID:        append([]byte(nil), id.ID...),
		Threshold: uint8(t),
		Shares:    make([]EncryptedShare, 0, total),
	}

	next := 0
	for _, r := range recipients {
		for i := 0; i < r.Weight; i++ {
			share := shares[next]
			next++

			enc, err := encryptShare(r.PublicKey, fullID, share.Value)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to encrypt share for %s: %w", r.ObjectID, err)
			}
			enc.Service = r.ObjectID
			enc.Index = share.Index
			obj.Shares = append(obj.Shares, *enc)
		}
	}

	key, err := DeriveKey(secret, fullID)
	if err != nil {
		return nil, nil, err
	}
	obj.Data, err = SealData(key, plaintext, fullID)
	if err != nil {
		return nil, nil, err
	}

	return obj, key, nil
}

func encryptShare(pk kyber.Point, fullID []byte, value kyber.Scalar) (*EncryptedShare, error) {
	msg, err := value.MarshalBinary()
	if err != nil {
		return nil, err
	}
	ct, err := ibe.EncryptCCAonG1(suite, pk, fullID, msg)
	if err != nil {
		return nil, err
	}
	u, err := ct.U.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return &EncryptedShare{U: u, V: ct.V, W: ct.W}, nil
}

// DecryptShares opens every share held by service using its user secret key.
func (o *EncryptedObject) DecryptShares(service sui.ObjectID, usk kyber.Point) ([]Share, error) {
	var out []Share
	for _, s := range o.Shares {
		if s.Service != service {
			continue
		}
		u := suite.G1().Point()
		if err := u.UnmarshalBinary(s.U); err != nil {
			return nil, fmt.Errorf("%w: share %d: %v", sealerr.ErrMalformedCiphertext, s.Index, err)
		}
		msg, err := ibe.DecryptCCAonG1(suite, usk, &ibe.Ciphertext{U: u, V: s.V, W: s.W})
		if err != nil {
			return nil, fmt.Errorf("%w: share %d: %v", sealerr.ErrMalformedCiphertext, s.Index, err)
		}
		v := suite.G1().Scalar()
		if err := v.UnmarshalBinary(msg); err != nil {
			return nil, fmt.Errorf("%w: share %d: %v", sealerr.ErrMalformedCiphertext, s.Index, err)
		}
		out = append(out, Share{Index: s.Index, Value: v})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no shares for service %s", service)
	}
	return out, nil
}

// Decrypt combines shares released by key servers and opens the data.
func (o *EncryptedObject) Decrypt(keys map[sui.ObjectID]kyber.Point) ([]byte, error) {
	var shares []Share
	for service, usk := range keys {
		s, err := o.DecryptShares(service, usk)
		if err != nil {
			return nil, err
		}
		shares = append(shares, s...)
	}
	if len(shares) < int(o.Threshold) {
		return nil, fmt.Errorf("%w: have %d of %d shares", sealerr.ErrInsufficientShares, len(shares), o.Threshold)
	}

	fullID := o.Identity().FullID()
	secret, err := Combine(shares, int(o.Threshold))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sealerr.ErrMalformedCiphertext, err)
	}
	key, err := DeriveKey(secret, fullID)
	if err != nil {
		return nil, err
	}
	return o.DecryptWithKey(key)
}

// DecryptWithKey opens the data with a DEM (backup) key directly.
func (o *EncryptedObject) DecryptWithKey(key []byte) ([]byte, error) {
	plaintext, err := OpenData(key, o.Data, o.Identity().FullID())
	if err != nil {
		if errors.Is(err, ErrAuthentication) {
			return nil, fmt.Errorf("%w: %v", sealerr.ErrMalformedCiphertext, err)
		}
		return nil, err
	}
	return plaintext, nil
}
