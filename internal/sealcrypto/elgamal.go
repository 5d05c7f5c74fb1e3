package sealcrypto

import (
	"fmt"

	"github.com/drand/kyber"
	"github.com/drand/kyber/util/random"
)

// ElGamalKey is an ephemeral G2 keypair a client generates per decryption
// request so key servers never return user secret keys in the clear.
type ElGamalKey struct {
	sk kyber.Scalar
	pk kyber.Point
}

func GenerateElGamalKey() *ElGamalKey {
	sk := suite.G2().Scalar().Pick(random.New())
	return &ElGamalKey{sk: sk, pk: suite.G2().Point().Mul(sk, nil)}
}

// PublicKeyBytes is the encoding sent as enc_key.
func (k *ElGamalKey) PublicKeyBytes() ([]byte, error) {
	return k.pk.MarshalBinary()
}

// ElGamalCiphertext is (r·G2, r·pk + m).
type ElGamalCiphertext struct {
	C1 kyber.Point
	C2 kyber.Point
}

// ElGamalEncrypt encrypts the G2 point m to the encoded public key pkBytes.
func ElGamalEncrypt(pkBytes []byte, m kyber.Point) (*ElGamalCiphertext, error) {
	pk := suite.G2().Point()
	if err := pk.UnmarshalBinary(pkBytes); err != nil {
		return nil, fmt.Errorf("invalid encryption key: %w", err)
	}

	r := suite.G2().Scalar().Pick(random.New())
	c1 := suite.G2().Point().Mul(r, nil)
	c2 := suite.G2().Point().Mul(r, pk)
	c2 = c2.Add(c2, m)
	return &ElGamalCiphertext{C1: c1, C2: c2}, nil
}

// Decrypt recovers m = C2 - sk·C1.
func (k *ElGamalKey) Decrypt(ct *ElGamalCiphertext) kyber.Point {
	shared := suite.G2().Point().Mul(k.sk, ct.C1)
	return suite.G2().Point().Sub(ct.C2, shared)
}

// Marshal encodes both components.
func (ct *ElGamalCiphertext) Marshal() ([2][]byte, error) {
	var out [2][]byte
	var err error
	if out[0], err = ct.C1.MarshalBinary(); err != nil {
		return out, err
	}
	if out[1], err = ct.C2.MarshalBinary(); err != nil {
		return out, err
	}
	return out, nil
}

// ParseElGamalCiphertext decodes the pair produced by Marshal.
func ParseElGamalCiphertext(parts [2][]byte) (*ElGamalCiphertext, error) {
	c1 := suite.G2().Point()
	if err := c1.UnmarshalBinary(parts[0]); err != nil {
		return nil, fmt.Errorf("invalid ciphertext component: %w", err)
	}
	c2 := suite.G2().Point()
	if err := c2.UnmarshalBinary(parts[1]); err != nil {
		return nil, fmt.Errorf("invalid ciphertext component: %w", err)
	}
	return &ElGamalCiphertext{C1: c1, C2: c2}, nil
}
