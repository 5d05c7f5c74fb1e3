package timeauth

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"groupseal/internal/testutil"
)

func newTestDrand(currentRound uint64) *DrandAuthority {
	doer := &testutil.FakeHTTPDoer{
		Responses: map[string]*http.Response{
			"/info":          testutil.MakeDrandInfoResponse(),
			"/public/latest": testutil.MakeDrandPublicResponse(currentRound),
		},
	}
	return NewDrand(Quicknet(), doer, &testutil.FakeTimelockBox{})
}

func TestDrand_Name(t *testing.T) {
	if got := newTestDrand(1).Name(); got != "drand/quicknet" {
		t.Errorf("expected name 'drand/quicknet', got %s", got)
	}
}

func TestDrand_RoundAt(t *testing.T) {
	d := newTestDrand(1000)
	info, err := d.Info(context.Background())
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	genesis := time.Unix(info.GenesisTime, 0)

	testCases := []struct {
		name string
		at   time.Time
		want uint64
	}{
		{"genesis", genesis, 1},
		{"on boundary", genesis.Add(3000 * time.Second), 1001},
		{"rounds up", genesis.Add(3001 * time.Second), 1002},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := d.RoundAt(context.Background(), tc.at)
			if err != nil {
				t.Fatalf("expected no error, got: %v", err)
			}
			if got != tc.want {
				t.Errorf("expected round %d, got %d", tc.want, got)
			}
		})
	}

	// The returned round is never published before the requested time.
	for _, offset := range []int64{1, 2, 3, 4, 3000, 3001} {
		at := genesis.Add(time.Duration(offset) * time.Second)
		round, err := d.RoundAt(context.Background(), at)
		if err != nil {
			t.Fatal(err)
		}
		published := info.GenesisTime + int64(round-1)*int64(info.Period)
		if published < at.Unix() {
			t.Errorf("round %d for %s is published %ds early", round, at, at.Unix()-published)
		}
	}

	if _, err := d.RoundAt(context.Background(), genesis.Add(-time.Hour)); err == nil {
		t.Error("expected error before genesis")
	}
}

func TestDrand_Reached(t *testing.T) {
	testCases := []struct {
		name    string
		current uint64
		target  uint64
		want    bool
	}{
		{"reached", 1500, 1000, true},
		{"exact", 1000, 1000, true},
		{"not reached", 1500, 2000, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := newTestDrand(tc.current).Reached(context.Background(), tc.target)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestDrand_NetworkFailureDoesNotUnlock(t *testing.T) {
	doer := &testutil.FakeHTTPDoer{
		Errors:    map[string]error{"/public/latest": io.ErrUnexpectedEOF},
		Responses: map[string]*http.Response{"/info": testutil.MakeDrandInfoResponse()},
	}
	d := NewDrand(Quicknet(), doer, &testutil.FakeTimelockBox{})

	ok, err := d.Reached(context.Background(), 1)
	if err == nil {
		t.Error("expected error on network failure")
	}
	if ok {
		t.Error("should not report reached on network failure")
	}
}

func TestDrand_InfoErrorStatus(t *testing.T) {
	d := NewDrand(Quicknet(), &testutil.FakeHTTPDoer{}, &testutil.FakeTimelockBox{})
	if _, err := d.RoundAt(context.Background(), time.Now()); err == nil {
		t.Error("expected error for missing info endpoint")
	}
}

func TestDrand_LockUnlockUsesBox(t *testing.T) {
	box := &testutil.FakeTimelockBox{}
	d := NewDrand(Quicknet(), &testutil.FakeHTTPDoer{}, box)

	locked, err := d.Lock([]byte("backup"), 42)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	got, err := d.Unlock(context.Background(), locked)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if !bytes.Equal(got, []byte("backup")) {
		t.Errorf("expected %q, got %q", "backup", got)
	}

	box.DecryptError = ErrTooEarly
	if _, err := d.Unlock(context.Background(), locked); !errors.Is(err, ErrTooEarly) {
		t.Errorf("expected ErrTooEarly, got: %v", err)
	}
}

func TestFakeAuthority(t *testing.T) {
	f := NewFakeAuthority()
	unlock := f.Genesis.Add(90 * time.Second)

	round, err := f.RoundAt(context.Background(), unlock)
	if err != nil || round != 90 {
		t.Fatalf("expected round 90, got %d, %v", round, err)
	}

	locked, err := f.Lock([]byte{1, 2, 3}, round)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if _, err := f.Unlock(context.Background(), locked); !errors.Is(err, ErrTooEarly) {
		t.Errorf("expected ErrTooEarly, got: %v", err)
	}
	if ok, _ := f.Reached(context.Background(), round); ok {
		t.Error("expected round not reached")
	}

	f.Advance(unlock)
	got, err := f.Unlock(context.Background(), locked)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if !bytes.Equal(got, []byte{1, 2, 3}) {
		t.Errorf("unexpected secret %v", got)
	}
}

func TestAuthorityContract(t *testing.T) {
	authorities := map[string]Authority{
		"drand": newTestDrand(2_000_000_000),
		"fake":  NewFakeAuthority(),
	}

	for name, auth := range authorities {
		t.Run(name, func(t *testing.T) {
			if auth.Name() == "" {
				t.Error("Name() should not return empty string")
			}
			if _, err := auth.RoundAt(context.Background(), time.Now().Add(time.Hour)); err != nil {
				t.Errorf("RoundAt should not error for a future time: %v", err)
			}
			if _, err := auth.Reached(context.Background(), 1); err != nil {
				t.Errorf("Reached should not error: %v", err)
			}
		})
	}
}
