package testutil

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/google/uuid"
)

// FakeHTTPDoer answers drand requests from canned responses keyed by path
// suffix. Anything unmatched gets a 404.
type FakeHTTPDoer struct {
	Responses map[string]*http.Response
	Errors    map[string]error
}

func (f *FakeHTTPDoer) Do(req *http.Request) (*http.Response, error) {
	path := req.URL.Path
	for suffix, err := range f.Errors {
		if strings.HasSuffix(path, suffix) {
			return nil, err
		}
	}
	for suffix, resp := range f.Responses {
		if strings.HasSuffix(path, suffix) {
			return replay(resp), nil
		}
	}
	return &http.Response{
		StatusCode: http.StatusNotFound,
		Body:       io.NopCloser(strings.NewReader("not found")),
	}, nil
}

// replay hands out a copy of resp and leaves resp readable for the next call.
func replay(resp *http.Response) *http.Response {
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return &http.Response{
		StatusCode: resp.StatusCode,
		Body:       io.NopCloser(bytes.NewReader(body)),
	}
}

func jsonResponse(v any) *http.Response {
	body, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(bytes.NewReader(body)),
	}
}

const quicknetGenesis = 1677685200

// MakeDrandInfoResponse serves quicknet's chain info with a fixed genesis.
func MakeDrandInfoResponse() *http.Response {
	return jsonResponse(map[string]any{
		"period":       3,
		"genesis_time": quicknetGenesis,
		"hash":         "52db9ba70e0cc0f6eaf7803dd07447a1f5477735fd3f661792ba94600c84e971",
		"schemeID":     "bls-unchained-on-g1",
		"beaconID":     "quicknet",
	})
}

// MakeDrandPublicResponse serves a beacon for round. Only the round number
// is meaningful.
func MakeDrandPublicResponse(round uint64) *http.Response {
	return jsonResponse(map[string]any{
		"round":      round,
		"randomness": strings.Repeat("5e", 32),
	})
}

const fakeLockPrefix = "FAKE_TLOCK:"

// FakeTimelockBox stands in for tlock in escrow tests. Locking is plain
// base64 behind a marker, so escrowed backup keys stay inspectable.
type FakeTimelockBox struct {
	EncryptError error
	DecryptError error
	// Decrypted overrides the unlocked key for every Decrypt.
	Decrypted []byte
}

func (f *FakeTimelockBox) Encrypt(key []byte, targetRound uint64) (string, error) {
	if f.EncryptError != nil {
		return "", f.EncryptError
	}
	return fakeLockPrefix + base64.StdEncoding.EncodeToString(key), nil
}

func (f *FakeTimelockBox) Decrypt(locked string) ([]byte, error) {
	switch {
	case f.DecryptError != nil:
		return nil, f.DecryptError
	case f.Decrypted != nil:
		return f.Decrypted, nil
	}
	encoded, ok := strings.CutPrefix(locked, fakeLockPrefix)
	if !ok {
		return nil, io.ErrUnexpectedEOF
	}
	return base64.StdEncoding.DecodeString(encoded)
}

// IsolateHome points HOME at a fresh temp dir and clears XDG_DATA_HOME for
// the rest of the test.
func IsolateHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_DATA_HOME", "")
	return home
}

// IsUUID reports whether s is a UUID in canonical lowercase form.
func IsUUID(s string) bool {
	id, err := uuid.Parse(s)
	return err == nil && id.String() == s
}
