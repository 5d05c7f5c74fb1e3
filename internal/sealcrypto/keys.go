// Package sealcrypto implements the cryptography behind threshold sealing:
// Shamir sharing over the BLS12-381 scalar field, Boneh-Franklin IBE of each
// share to a key server, ElGamal transport of extracted user keys, and the
// AES-256-GCM data encapsulation.
//
// Key-server master public keys live on G1 and identities hash to G2, so a
// user secret key for an identity is a G2 point.
package sealcrypto

import (
	"errors"
	"fmt"

	"github.com/drand/kyber"
	bls "github.com/drand/kyber-bls12381"
	"github.com/drand/kyber/pairing"
	"github.com/drand/kyber/util/random"
)

var suite pairing.Suite = bls.NewBLS12381Suite()

// Suite returns the pairing suite used throughout the package.
func Suite() pairing.Suite {
	return suite
}

// MasterKey is a key server's IBE master secret.
type MasterKey struct {
	s kyber.Scalar
}

// GenerateMasterKey picks a fresh master secret.
func GenerateMasterKey() *MasterKey {
	return &MasterKey{s: suite.G1().Scalar().Pick(random.New())}
}

// MasterKeyFromBytes restores a master secret from its 32-byte encoding.
func MasterKeyFromBytes(b []byte) (*MasterKey, error) {
	s := suite.G1().Scalar()
	if err := s.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("invalid master key: %w", err)
	}
	if s.Equal(suite.G1().Scalar().Zero()) {
		return nil, errors.New("invalid master key: zero")
	}
	return &MasterKey{s: s}, nil
}

func (m *MasterKey) Bytes() ([]byte, error) {
	return m.s.MarshalBinary()
}

// PublicKey is s·G1.
func (m *MasterKey) PublicKey() kyber.Point {
	return suite.G1().Point().Mul(m.s, nil)
}

// ExtractUserKey derives the user secret key s·H(fullID) on G2.
func (m *MasterKey) ExtractUserKey(fullID []byte) kyber.Point {
	return suite.G2().Point().Mul(m.s, hashToG2(fullID))
}

// MarshalPublicKey encodes a G1 public key.
func MarshalPublicKey(pk kyber.Point) ([]byte, error) {
	return pk.MarshalBinary()
}

// ParsePublicKey decodes a G1 public key.
func ParsePublicKey(b []byte) (kyber.Point, error) {
	p := suite.G1().Point()
	if err := p.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("invalid public key: %w", err)
	}
	return p, nil
}

// MarshalUserKey encodes a G2 user secret key.
func MarshalUserKey(usk kyber.Point) ([]byte, error) {
	return usk.MarshalBinary()
}

// ParseUserKey decodes a G2 user secret key.
func ParseUserKey(b []byte) (kyber.Point, error) {
	p := suite.G2().Point()
	if err := p.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("invalid user key: %w", err)
	}
	return p, nil
}

// VerifyUserKey checks e(G1, usk) == e(pk, H(fullID)), i.e. that usk was
// extracted by the holder of the master key behind pk.
func VerifyUserKey(pk kyber.Point, fullID []byte, usk kyber.Point) bool {
	left := suite.Pair(suite.G1().Point().Base(), usk)
	right := suite.Pair(pk, hashToG2(fullID))
	return left.Equal(right)
}

func hashToG2(msg []byte) kyber.Point {
	return suite.G2().Point().(kyber.HashablePoint).Hash(msg)
}
