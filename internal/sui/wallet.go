package sui

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// SignatureSchemeEd25519 is the Sui signature flag for Ed25519.
const SignatureSchemeEd25519 byte = 0x00

// personalMessageIntent is the intent prefix (scope, version, app id) Sui
// wallets prepend to personal messages before hashing.
var personalMessageIntent = []byte{3, 0, 0}

// serializedSignatureLength is flag || signature || public key.
const serializedSignatureLength = 1 + ed25519.SignatureSize + ed25519.PublicKeySize

// KeyPair is an Ed25519 Sui keypair.
type KeyPair struct {
	priv ed25519.PrivateKey
}

// GenerateKeyPair creates a keypair from crypto/rand.
func GenerateKeyPair() (*KeyPair, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}
	return &KeyPair{priv: priv}, nil
}

// KeyPairFromSeed restores a keypair from its 32-byte seed.
func KeyPairFromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid seed size: expected %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return &KeyPair{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

// Seed returns a copy of the private seed.
func (k *KeyPair) Seed() []byte {
	return append([]byte(nil), k.priv.Seed()...)
}

func (k *KeyPair) PublicKey() ed25519.PublicKey {
	return k.priv.Public().(ed25519.PublicKey)
}

// Address derives the Sui address of this keypair.
func (k *KeyPair) Address() Address {
	return AddressFromPublicKey(k.PublicKey())
}

// Sign signs raw bytes without any intent wrapping.
func (k *KeyPair) Sign(msg []byte) []byte {
	return ed25519.Sign(k.priv, msg)
}

// SignPersonalMessage signs msg the way Sui wallets do and returns the
// base64 serialized signature.
func (k *KeyPair) SignPersonalMessage(msg []byte) string {
	digest := PersonalMessageDigest(msg)
	sig := ed25519.Sign(k.priv, digest[:])

	serialized := make([]byte, 0, serializedSignatureLength)
	serialized = append(serialized, SignatureSchemeEd25519)
	serialized = append(serialized, sig...)
	serialized = append(serialized, k.PublicKey()...)
	return base64.StdEncoding.EncodeToString(serialized)
}

// AddressFromPublicKey computes blake2b-256(flag || pk).
func AddressFromPublicKey(pk ed25519.PublicKey) Address {
	buf := make([]byte, 0, 1+len(pk))
	buf = append(buf, SignatureSchemeEd25519)
	buf = append(buf, pk...)
	return Address(blake2b.Sum256(buf))
}

// PersonalMessageDigest is blake2b-256(intent || bcs(vector<u8> msg)).
func PersonalMessageDigest(msg []byte) [32]byte {
	buf := make([]byte, 0, len(personalMessageIntent)+binary.MaxVarintLen64+len(msg))
	buf = append(buf, personalMessageIntent...)
	buf = binary.AppendUvarint(buf, uint64(len(msg)))
	buf = append(buf, msg...)
	return blake2b.Sum256(buf)
}

// VerifyPersonalMessage checks a serialized personal-message signature and
// returns the address of the signer.
func VerifyPersonalMessage(msg []byte, serialized string) (Address, error) {
	raw, err := base64.StdEncoding.DecodeString(serialized)
	if err != nil {
		return Address{}, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if len(raw) != serializedSignatureLength {
		return Address{}, fmt.Errorf("invalid signature length: %d", len(raw))
	}
	if raw[0] != SignatureSchemeEd25519 {
		return Address{}, fmt.Errorf("unsupported signature scheme: 0x%02x", raw[0])
	}

	sig := raw[1 : 1+ed25519.SignatureSize]
	pk := ed25519.PublicKey(raw[1+ed25519.SignatureSize:])

	digest := PersonalMessageDigest(msg)
	if !ed25519.Verify(pk, digest[:], sig) {
		return Address{}, errors.New("signature verification failed")
	}

	return AddressFromPublicKey(pk), nil
}
