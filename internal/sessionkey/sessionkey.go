// Package sessionkey manages the short-lived, wallet-certified Ed25519 keys
// that authorize decryption requests to key servers.
package sessionkey

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"groupseal/internal/protocol"
	"groupseal/internal/sealerr"
	"groupseal/internal/sui"
)

const (
	MinTTL = time.Minute
	// MaxTTL is the longest certificate key servers accept.
	MaxTTL = 30 * time.Minute
	// DefaultTTL matches the dApp's session length.
	DefaultTTL = 10 * time.Minute
)

// ErrInvalidTTL is returned for a TTL outside [MinTTL, MaxTTL] or not a
// whole number of minutes.
var ErrInvalidTTL = errors.New("invalid session key ttl")

// SessionKey is immutable once built. Replace it rather than mutate it.
type SessionKey struct {
	owner     sui.Address
	packageID sui.ObjectID
	created   time.Time
	ttl       time.Duration
	keyPair   *sui.KeyPair
	signature string
}

// Owner is the wallet address that signed the key.
func (k *SessionKey) Owner() sui.Address { return k.owner }

// PackageID is the policy package the key is scoped to. Key servers refuse
// requests whose approval calls any other package.
func (k *SessionKey) PackageID() sui.ObjectID { return k.packageID }

func (k *SessionKey) CreationTime() time.Time { return k.created }
func (k *SessionKey) TTL() time.Duration { return k.ttl }

// Expiry is CreationTime plus TTL. The key is unusable from that instant on.
func (k *SessionKey) Expiry() time.Time { return k.created.Add(k.ttl) }

// VerifyingKey returns a copy of the ephemeral Ed25519 public key.
func (k *SessionKey) VerifyingKey() []byte { return append([]byte(nil), k.keyPair.PublicKey()...) }

// WalletSignature is the wallet's signature over Message, as returned by
// the wallet.
func (k *SessionKey) WalletSignature() string { return k.signature }

// ExpiredAt reports whether the key has expired at now.
func (k *SessionKey) ExpiredAt(now time.Time) bool { return !now.Before(k.Expiry()) }

// Expired uses the wall clock.
func (k *SessionKey) Expired() bool {
	return k.ExpiredAt(time.Now())
}

// Certificate is sent with every fetch_key request.
func (k *SessionKey) Certificate() protocol.Certificate {
	return protocol.Certificate{
		User:         k.owner,
		SessionVK:    k.VerifyingKey(),
		CreationTime: k.created.UnixMilli(),
		TTLMin:       uint16(k.ttl / time.Minute),
		Signature:    k.signature,
	}
}

// SignRequest signs a fetch_key request body with the session key.
func (k *SessionKey) SignRequest(ptb, encKey []byte) []byte {
	return k.keyPair.Sign(protocol.RequestMessage(ptb, encKey))
}

// Message is the personal message the wallet signed for this key.
func (k *SessionKey) Message() []byte {
	return protocol.SessionMessage(k.packageID, uint16(k.ttl/time.Minute), k.created, k.VerifyingKey())
}

func validateTTL(ttl time.Duration) error {
	if ttl < MinTTL || ttl > MaxTTL || ttl%time.Minute != 0 {
		return fmt.Errorf("%w: %s (must be whole minutes between %s and %s)", ErrInvalidTTL, ttl, MinTTL, MaxTTL)
	}
	return nil
}

// VerifyCertificate checks a certificate the way a key server does: the
// window is open at now and the wallet signature is by cert.User over the
// session message for pkg.
func VerifyCertificate(cert protocol.Certificate, pkg sui.ObjectID, now time.Time) error {
	if cert.TTLMin == 0 || time.Duration(cert.TTLMin)*time.Minute > MaxTTL {
		return fmt.Errorf("%w: ttl %d min", ErrInvalidTTL, cert.TTLMin)
	}
	created := time.UnixMilli(cert.CreationTime)
	if now.Before(created.Add(-time.Minute)) {
		return errors.New("certificate created in the future")
	}
	if !now.Before(cert.Expiry()) {
		return sealerr.ErrSessionKeyExpired
	}
	if len(cert.SessionVK) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid session key length: %d", len(cert.SessionVK))
	}

	msg := protocol.SessionMessage(pkg, cert.TTLMin, created, cert.SessionVK)
	signer, err := sui.VerifyPersonalMessage(msg, cert.Signature)
	if err != nil {
		return fmt.Errorf("invalid wallet signature: %w", err)
	}
	if signer != cert.User {
		return fmt.Errorf("certificate signed by %s, not %s", signer, cert.User)
	}
	return nil
}

// VerifyRequest checks the session key's signature over a fetch_key request.
func VerifyRequest(cert protocol.Certificate, ptb, encKey, sig []byte) bool {
	if len(cert.SessionVK) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(cert.SessionVK, protocol.RequestMessage(ptb, encKey), sig)
}
