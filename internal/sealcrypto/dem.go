package sealcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/drand/kyber"
	"lukechampine.com/blake3"
)

// KeySize is the AES-256 key length, also the length of a backup key.
const KeySize = 32

const demContext = "groupseal 2024 dem key derivation"

// ErrAuthentication is returned when AES-GCM rejects a ciphertext.
var ErrAuthentication = errors.New("ciphertext authentication failed")

// DeriveKey binds the shared secret to the full identity.
func DeriveKey(secret kyber.Scalar, fullID []byte) ([]byte, error) {
	sb, err := secret.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode secret: %w", err)
	}
	src := make([]byte, 0, len(sb)+len(fullID))
	src = append(src, sb...)
	src = append(src, fullID...)

	key := make([]byte, KeySize)
	blake3.DeriveKey(key, demContext, src)
	return key, nil
}

// SealData encrypts plaintext with AES-256-GCM. Output is nonce || ct || tag.
func SealData(key, plaintext, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, aad), nil
}

// OpenData reverses SealData.
func OpenData(key, data, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(data) < gcm.NonceSize()+gcm.Overhead() {
		return nil, ErrAuthentication
	}

	nonce, ct := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key size: expected %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
