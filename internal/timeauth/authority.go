// Package timeauth time-locks small secrets to a public randomness beacon.
// A locked secret can be opened by anyone once the beacon publishes the
// target round, and by no one before.
package timeauth

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// ErrTooEarly is returned by Unlock before the target round is published.
var ErrTooEarly = errors.New("target round not yet published")

// Authority is an external, verifiable source of time.
type Authority interface {
	// Name identifies the authority in stored metadata.
	Name() string

	// RoundAt returns the first round published at or after t.
	RoundAt(ctx context.Context, t time.Time) (uint64, error)

	// Lock encrypts secret to round. The result is base64 text.
	Lock(secret []byte, round uint64) (string, error)

	// Unlock opens a value produced by Lock.
	Unlock(ctx context.Context, locked string) ([]byte, error)

	// Reached reports whether round has been published.
	Reached(ctx context.Context, round uint64) (bool, error)
}

// HTTPDoer is the subset of *http.Client used for beacon requests.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// TimelockBox performs the round-bound encryption itself.
type TimelockBox interface {
	Encrypt(secret []byte, round uint64) (string, error)
	Decrypt(locked string) ([]byte, error)
}
