// Package protocol holds the JSON wire types and signed messages shared by
// the threshold client and key servers.
package protocol

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"time"

	"groupseal/internal/sui"
)

const (
	ServicePath  = "/v1/service"
	FetchKeyPath = "/v1/fetch_key"

	// RequestIDHeader carries a per-request uuid for log correlation.
	RequestIDHeader = "Request-Id"
)

// ServiceResponse is returned by GET /v1/service.
type ServiceResponse struct {
	ServiceID sui.Address `json:"service_id"`
	// PublicKey is the compressed G1 master public key.
	PublicKey []byte `json:"public_key"`
}

// Certificate binds a session key to a wallet for a package and a window.
type Certificate struct {
	User      sui.Address `json:"user"`
	SessionVK []byte      `json:"session_vk"`
	// CreationTime is in unix milliseconds.
	CreationTime int64  `json:"creation_time"`
	TTLMin       uint16 `json:"ttl_min"`
	// Signature is the wallet's serialized personal-message signature.
	Signature string `json:"signature"`
}

// Expiry is the end of the certificate's validity window.
func (c Certificate) Expiry() time.Time {
	return time.UnixMilli(c.CreationTime).Add(time.Duration(c.TTLMin) * time.Minute)
}

// FetchKeyRequest is the body of POST /v1/fetch_key.
type FetchKeyRequest struct {
	// PTB is the BCS transaction kind used as authorization proof.
	PTB []byte `json:"ptb"`
	// EncKey is the client's ephemeral ElGamal public key.
	EncKey []byte `json:"enc_key"`
	// RequestSignature is the session key's Ed25519 signature over
	// RequestMessage(PTB, EncKey).
	RequestSignature []byte      `json:"request_signature"`
	Certificate      Certificate `json:"certificate"`
}

// DecryptionKey is one released user secret key, ElGamal-encrypted.
type DecryptionKey struct {
	ID           []byte    `json:"id"`
	EncryptedKey [2][]byte `json:"encrypted_key"`
}

type FetchKeyResponse struct {
	DecryptionKeys []DecryptionKey `json:"decryption_keys"`
}

// ErrorCode classifies key-server failures.
type ErrorCode string

const (
	InvalidPTB         ErrorCode = "InvalidPTB"
	InvalidPackage     ErrorCode = "InvalidPackage"
	NoAccess           ErrorCode = "NoAccess"
	InvalidCertificate ErrorCode = "InvalidCertificate"
	ExpiredSessionCert ErrorCode = "ExpiredSessionCert"
	InvalidSignature   ErrorCode = "InvalidSignature"
	InvalidParameter   ErrorCode = "InvalidParameter"
	Failure            ErrorCode = "Failure"
)

// Denial reports whether the code is a policy decision rather than an
// availability problem.
func (c ErrorCode) Denial() bool {
	switch c {
	case InvalidPTB, InvalidPackage, NoAccess, InvalidCertificate, ExpiredSessionCert, InvalidSignature:
		return true
	}
	return false
}

// ErrorResponse is the body of every non-2xx key-server response.
type ErrorResponse struct {
	Code    ErrorCode `json:"error"`
	Message string    `json:"message,omitempty"`
}

// Error is a decoded ErrorResponse with its HTTP status.
type Error struct {
	Status  int
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("key server error %s (status %d)", e.Code, e.Status)
	}
	return fmt.Sprintf("key server error %s (status %d): %s", e.Code, e.Status, e.Message)
}

// SessionMessage is the personal message a wallet signs to certify a
// session key.
func SessionMessage(pkg sui.ObjectID, ttlMin uint16, creation time.Time, sessionVK []byte) []byte {
	return []byte(fmt.Sprintf(
		"Accessing keys of package %s for %d mins from %s, session key %s",
		pkg, ttlMin,
		creation.UTC().Truncate(time.Millisecond).Format(time.RFC3339),
		base64.StdEncoding.EncodeToString(sessionVK),
	))
}

// RequestMessage is what the session key signs for each fetch_key call.
func RequestMessage(ptb, encKey []byte) []byte {
	msg := make([]byte, 0, 2+len(ptb)+len(encKey))
	msg = appendVector(msg, ptb)
	return appendVector(msg, encKey)
}

// appendVector writes v as a BCS vector<u8>.
func appendVector(dst, v []byte) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(v)))
	return append(dst, v...)
}
