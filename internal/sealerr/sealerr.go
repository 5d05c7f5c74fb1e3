// Package sealerr defines the failure kinds surfaced by the encryption and
// decryption workflow. Every layer wraps one of these sentinels with %w, so
// callers can branch with errors.Is or collapse an error to a Code.
package sealerr

import "errors"

var (
	// ErrWalletRejected is returned when the user declines (or dismisses)
	// a wallet signing prompt.
	ErrWalletRejected = errors.New("wallet rejected signing request")

	// ErrWalletUnavailable is returned when no wallet account is connected
	// or the connected account does not match the requested owner.
	ErrWalletUnavailable = errors.New("wallet unavailable")

	// ErrSessionKeyExpired is returned when a session key is used after
	// its expiry. Operations fail closed.
	ErrSessionKeyExpired = errors.New("session key expired")

	// ErrSealNotReady is returned when the encryption client or the
	// session key has not been initialized.
	ErrSealNotReady = errors.New("seal not initialized or session key not available")

	// ErrEncryptionUnavailable is returned when fewer than threshold weight
	// of key servers are configured or reachable for encryption.
	ErrEncryptionUnavailable = errors.New("encryption unavailable")

	// ErrAuthorizationDenied is returned when enough key servers reject the
	// authorization proof that the threshold cannot be met.
	ErrAuthorizationDenied = errors.New("authorization denied")

	// ErrInsufficientShares is returned when fewer than threshold weight of
	// key servers respond (unreachable or timed out).
	ErrInsufficientShares = errors.New("insufficient decryption shares")

	// ErrMalformedCiphertext is returned when ciphertext input cannot be
	// normalized to bytes, cannot be parsed, or fails authentication.
	ErrMalformedCiphertext = errors.New("malformed ciphertext")
)

// Code is a tagged form of the failure kinds above.
type Code int

// Each Code past CodeUnknown pairs with the sentinel of the same name.
const (
	// CodeOK is the code of a nil error.
	CodeOK Code = iota
	// CodeUnknown covers errors that wrap none of the sentinels.
	CodeUnknown
	CodeWalletRejected
	CodeWalletUnavailable
	CodeSessionKeyExpired
	CodeSealNotReady
	CodeEncryptionUnavailable
	CodeAuthorizationDenied
	CodeInsufficientShares
	CodeMalformedCiphertext
)

var codeSentinels = []struct {
	code Code
	err  error
}{
	{CodeWalletRejected, ErrWalletRejected},
	{CodeWalletUnavailable, ErrWalletUnavailable},
	{CodeSessionKeyExpired, ErrSessionKeyExpired},
	{CodeSealNotReady, ErrSealNotReady},
	{CodeEncryptionUnavailable, ErrEncryptionUnavailable},
	{CodeAuthorizationDenied, ErrAuthorizationDenied},
	{CodeInsufficientShares, ErrInsufficientShares},
	{CodeMalformedCiphertext, ErrMalformedCiphertext},
}

// CodeOf classifies err. A nil error is CodeOK; an error that wraps none of
// the sentinels is CodeUnknown.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	for _, cs := range codeSentinels {
		if errors.Is(err, cs.err) {
			return cs.code
		}
	}
	return CodeUnknown
}

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "OK"
	case CodeWalletRejected:
		return "WalletRejected"
	case CodeWalletUnavailable:
		return "WalletUnavailable"
	case CodeSessionKeyExpired:
		return "SessionKeyExpired"
	case CodeSealNotReady:
		return "SealNotReady"
	case CodeEncryptionUnavailable:
		return "EncryptionUnavailable"
	case CodeAuthorizationDenied:
		return "AuthorizationDenied"
	case CodeInsufficientShares:
		return "InsufficientShares"
	case CodeMalformedCiphertext:
		return "MalformedCiphertext"
	default:
		return "Unknown"
	}
}
