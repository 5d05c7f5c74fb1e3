package timeauth

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"strings"
	"sync/atomic"
	"time"
)

const fakePrefix = "FAKE_TLOCK:"

// FakeAuthority is a deterministic authority for tests. Rounds advance
// once per second from Genesis; the current round is set explicitly.
type FakeAuthority struct {
	Genesis time.Time

	EncryptError error
	ReachedError error

	current atomic.Uint64
}

// NewFakeAuthority starts at round 0 with genesis at the Unix epoch.
func NewFakeAuthority() *FakeAuthority {
	return &FakeAuthority{Genesis: time.Unix(0, 0)}
}

// SetRound sets the latest published round.
func (f *FakeAuthority) SetRound(r uint64) {
	f.current.Store(r)
}

// Advance publishes every round up to t.
func (f *FakeAuthority) Advance(t time.Time) {
	r, _ := f.RoundAt(context.Background(), t)
	f.current.Store(r)
}

func (f *FakeAuthority) Name() string {
	return "fake"
}

func (f *FakeAuthority) RoundAt(ctx context.Context, t time.Time) (uint64, error) {
	d := t.Sub(f.Genesis)
	if d < 0 {
		return 0, errors.New("time is before genesis")
	}
	r := uint64(d / time.Second)
	if d%time.Second != 0 {
		r++
	}
	return r, nil
}

// Lock encodes the round with the secret so Unlock can refuse early calls.
func (f *FakeAuthority) Lock(secret []byte, round uint64) (string, error) {
	if f.EncryptError != nil {
		return "", f.EncryptError
	}
	var b strings.Builder
	b.WriteString(fakePrefix)
	b.WriteString(base64.StdEncoding.EncodeToString(binary.BigEndian.AppendUint64(nil, round)))
	b.WriteString(":")
	b.WriteString(base64.StdEncoding.EncodeToString(secret))
	return b.String(), nil
}

func (f *FakeAuthority) Unlock(ctx context.Context, locked string) ([]byte, error) {
	rest, ok := strings.CutPrefix(locked, fakePrefix)
	if !ok {
		return nil, errors.New("invalid fake tlock ciphertext")
	}
	roundPart, secretPart, ok := strings.Cut(rest, ":")
	if !ok {
		return nil, errors.New("invalid fake tlock ciphertext")
	}
	rb, err := base64.StdEncoding.DecodeString(roundPart)
	if err != nil || len(rb) != 8 {
		return nil, errors.New("invalid fake tlock round")
	}
	if binary.BigEndian.Uint64(rb) > f.current.Load() {
		return nil, ErrTooEarly
	}
	return base64.StdEncoding.DecodeString(secretPart)
}

func (f *FakeAuthority) Reached(ctx context.Context, round uint64) (bool, error) {
	if f.ReachedError != nil {
		return false, f.ReachedError
	}
	return f.current.Load() >= round, nil
}
