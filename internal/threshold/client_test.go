package threshold

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"groupseal/internal/approve"
	"groupseal/internal/identity"
	"groupseal/internal/sealerr"
	"groupseal/internal/sui"
	"groupseal/internal/testutil"
)

var (
	testPackage = sui.MustParseAddress("0x984960ebddd75c15c6d38355ac462621db0ffc7d6647214c802cd3b685e1af3d")
	testGroup   = sui.MustParseAddress("0x6a")
)

type env struct {
	cluster *testutil.Cluster
	member  *testutil.Member
	client  *Client
	id      identity.Identity
}

func serverConfigs(t *testing.T, c *testutil.Cluster, withKeys bool) []ServerConfig {
	t.Helper()
	out := make([]ServerConfig, len(c.Servers))
	for i, ks := range c.Servers {
		out[i] = ServerConfig{ObjectID: ks.ObjectID, Weight: 1, URL: ks.HTTP.URL}
		if withKeys {
			out[i].PublicKey = ks.PublicKey(t)
		}
	}
	return out
}

func newEnv(t *testing.T, servers int, opts ...Option) *env {
	t.Helper()
	cluster := testutil.NewCluster(t, testPackage, servers)
	member := testutil.NewMember(t)
	cluster.PutGroup(testGroup, member.Address())

	client, err := NewClient(serverConfigs(t, cluster, true), opts...)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	return &env{cluster: cluster, member: member, client: client, id: identity.ForObject(testPackage, testGroup)}
}

func (e *env) proof(t *testing.T) []byte {
	t.Helper()
	p, err := approve.NewBuilder(e.cluster.Chain).Build(context.Background(), e.id, testGroup)
	if err != nil {
		t.Fatalf("failed to build proof: %v", err)
	}
	return p
}

func (e *env) encrypt(t *testing.T, threshold int, plaintext []byte) []byte {
	t.Helper()
	ct, _, err := e.client.Encrypt(context.Background(), e.id, threshold, plaintext)
	if err != nil {
		t.Fatalf("failed to encrypt: %v", err)
	}
	return ct
}

func TestRoundTrip_DeadBeef(t *testing.T) {
	e := newEnv(t, 2)
	key := e.member.StartSession(t, testPackage, 10*time.Minute)
	plaintext := []byte{0xde, 0xad, 0xbe, 0xef}

	ct := e.encrypt(t, 2, plaintext)
	got, err := e.client.Decrypt(context.Background(), ct, key, e.proof(t))
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("expected %x, got: %x", plaintext, got)
	}
}

func TestRoundTrip_Sizes(t *testing.T) {
	e := newEnv(t, 3)
	key := e.member.StartSession(t, testPackage, 10*time.Minute)

	testCases := []struct {
		name      string
		threshold int
		plaintext []byte
	}{
		{"empty", 1, []byte{}},
		{"address", 2, bytes.Repeat([]byte{0xab}, 32)},
		{"all servers", 3, bytes.Repeat([]byte("signal"), 1000)},
		{"above array limit", 2, bytes.Repeat([]byte{0x01}, 64<<10)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ct := e.encrypt(t, tc.threshold, tc.plaintext)
			got, err := e.client.Decrypt(context.Background(), ct, key, e.proof(t))
			if err != nil {
				t.Fatalf("expected no error, got: %v", err)
			}
			if !bytes.Equal(got, tc.plaintext) {
				t.Errorf("plaintext mismatch")
			}
		})
	}
}

func TestEncrypt_ResolvesPublicKeys(t *testing.T) {
	cluster := testutil.NewCluster(t, testPackage, 3)
	member := testutil.NewMember(t)
	cluster.PutGroup(testGroup, member.Address())
	cluster.Servers[2].SetFault(testutil.FaultUnavailable)

	client, err := NewClient(serverConfigs(t, cluster, false))
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	id := identity.ForObject(testPackage, testGroup)

	if _, _, err := client.Encrypt(context.Background(), id, 3, []byte("x")); !errors.Is(err, sealerr.ErrEncryptionUnavailable) {
		t.Fatalf("expected ErrEncryptionUnavailable, got: %v", err)
	}

	ct, _, err := client.Encrypt(context.Background(), id, 2, []byte("x"))
	if err != nil {
		t.Fatalf("expected encryption with reachable servers, got: %v", err)
	}

	key := member.StartSession(t, testPackage, 10*time.Minute)
	proof, _ := approve.NewBuilder(cluster.Chain).Build(context.Background(), id, testGroup)
	got, err := client.Decrypt(context.Background(), ct, key, proof)
	if err != nil || string(got) != "x" {
		t.Errorf("expected round trip without the unavailable server, got %q, %v", got, err)
	}
}

func TestEncrypt_InvalidThreshold(t *testing.T) {
	e := newEnv(t, 2)
	for _, th := range []int{0, 3, 256} {
		if _, _, err := e.client.Encrypt(context.Background(), e.id, th, []byte("x")); !errors.Is(err, sealerr.ErrEncryptionUnavailable) {
			t.Errorf("threshold %d: expected ErrEncryptionUnavailable, got: %v", th, err)
		}
	}
}

func TestDecrypt_ExpiredSessionKey(t *testing.T) {
	e := newEnv(t, 2)
	key := e.member.StartSession(t, testPackage, time.Minute)
	ct := e.encrypt(t, 2, []byte("x"))

	late, err := NewClient(serverConfigs(t, e.cluster, true), WithClock(func() time.Time {
		return key.Expiry().Add(time.Second)
	}))
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	_, err = late.Decrypt(context.Background(), ct, key, e.proof(t))
	if !errors.Is(err, sealerr.ErrSessionKeyExpired) {
		t.Fatalf("expected ErrSessionKeyExpired, got: %v", err)
	}
	for _, ks := range e.cluster.Servers {
		if ks.Fetches() != 0 {
			t.Errorf("expected no key server contact, %s got %d", ks.ObjectID, ks.Fetches())
		}
	}
}

func TestDecrypt_NotReady(t *testing.T) {
	e := newEnv(t, 1)
	ct := e.encrypt(t, 1, []byte("x"))
	if _, err := e.client.Decrypt(context.Background(), ct, nil, e.proof(t)); !errors.Is(err, sealerr.ErrSealNotReady) {
		t.Errorf("expected ErrSealNotReady, got: %v", err)
	}
}

func TestDecrypt_NotAMember(t *testing.T) {
	e := newEnv(t, 2)
	ct := e.encrypt(t, 2, []byte("x"))

	outsider := testutil.NewMember(t)
	key := outsider.StartSession(t, testPackage, 10*time.Minute)

	_, err := e.client.Decrypt(context.Background(), ct, key, e.proof(t))
	if !errors.Is(err, sealerr.ErrAuthorizationDenied) {
		t.Errorf("expected ErrAuthorizationDenied, got: %v", err)
	}
}

func TestDecrypt_PackageMismatch(t *testing.T) {
	e := newEnv(t, 1)
	ct := e.encrypt(t, 1, []byte("x"))
	key := e.member.StartSession(t, sui.MustParseAddress("0x1"), 10*time.Minute)

	if _, err := e.client.Decrypt(context.Background(), ct, key, e.proof(t)); !errors.Is(err, sealerr.ErrAuthorizationDenied) {
		t.Errorf("expected ErrAuthorizationDenied, got: %v", err)
	}
}

func TestDecrypt_Denials(t *testing.T) {
	testCases := []struct {
		name      string
		servers   int
		threshold int
		faults    map[int]testutil.Fault
		wantErr   error
	}{
		{"one of two denies", 2, 2, map[int]testutil.Fault{0: testutil.FaultDeny}, sealerr.ErrAuthorizationDenied},
		{"one of three denies", 3, 2, map[int]testutil.Fault{1: testutil.FaultDeny}, nil},
		{"deny and unavailable", 3, 2, map[int]testutil.Fault{0: testutil.FaultDeny, 1: testutil.FaultUnavailable}, sealerr.ErrInsufficientShares},
		{"two deny", 3, 2, map[int]testutil.Fault{0: testutil.FaultDeny, 2: testutil.FaultDeny}, sealerr.ErrAuthorizationDenied},
		{"all unavailable", 2, 1, map[int]testutil.Fault{0: testutil.FaultUnavailable, 1: testutil.FaultUnavailable}, sealerr.ErrInsufficientShares},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t, tc.servers)
			key := e.member.StartSession(t, testPackage, 10*time.Minute)
			ct := e.encrypt(t, tc.threshold, []byte("signal"))
			for i, f := range tc.faults {
				e.cluster.Servers[i].SetFault(f)
			}

			got, err := e.client.Decrypt(context.Background(), ct, key, e.proof(t))
			if tc.wantErr == nil {
				if err != nil || string(got) != "signal" {
					t.Fatalf("expected success, got %q, %v", got, err)
				}
				return
			}
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got: %v", tc.wantErr, err)
			}
			if got != nil {
				t.Error("expected no plaintext on failure")
			}
		})
	}
}

func TestDecrypt_HungRequiredServerTimesOut(t *testing.T) {
	e := newEnv(t, 2, WithTimeout(200*time.Millisecond))
	key := e.member.StartSession(t, testPackage, 10*time.Minute)
	ct := e.encrypt(t, 2, []byte("x"))
	e.cluster.Servers[1].SetFault(testutil.FaultHang)

	start := time.Now()
	_, err := e.client.Decrypt(context.Background(), ct, key, e.proof(t))
	if !errors.Is(err, sealerr.ErrInsufficientShares) {
		t.Fatalf("expected ErrInsufficientShares, got: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("expected failure shortly after the timeout, took %s", elapsed)
	}
}

func TestDecrypt_StragglerDoesNotBlock(t *testing.T) {
	e := newEnv(t, 3, WithTimeout(30*time.Second))
	key := e.member.StartSession(t, testPackage, 10*time.Minute)
	ct := e.encrypt(t, 2, []byte("fast"))
	straggler := e.cluster.Servers[0]
	straggler.SetFault(testutil.FaultHang)

	start := time.Now()
	got, err := e.client.Decrypt(context.Background(), ct, key, e.proof(t))
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if string(got) != "fast" {
		t.Errorf("unexpected plaintext %q", got)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("expected quorum without waiting for the straggler, took %s", elapsed)
	}

	deadline := time.Now().Add(5 * time.Second)
	for straggler.Cancelled() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if straggler.Cancelled() == 0 {
		t.Error("expected the straggler request to be cancelled")
	}
}

func TestDecrypt_Concurrent(t *testing.T) {
	e := newEnv(t, 3)
	key := e.member.StartSession(t, testPackage, 10*time.Minute)
	proof := e.proof(t)

	plaintexts := make([][]byte, 8)
	ciphertexts := make([][]byte, len(plaintexts))
	for i := range plaintexts {
		plaintexts[i] = []byte{byte(i), 0xbe, 0xef}
		ciphertexts[i] = e.encrypt(t, 2, plaintexts[i])
	}

	var wg sync.WaitGroup
	for i := range ciphertexts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := e.client.Decrypt(context.Background(), ciphertexts[i], key, proof)
			if err != nil {
				t.Errorf("decrypt %d: %v", i, err)
				return
			}
			if !bytes.Equal(got, plaintexts[i]) {
				t.Errorf("decrypt %d: expected %x, got %x", i, plaintexts[i], got)
			}
		}(i)
	}
	wg.Wait()
}

func TestDecrypt_ReinitializedSessionDoesNotAffectInFlight(t *testing.T) {
	e := newEnv(t, 2, WithTimeout(10*time.Second))
	old := e.member.StartSession(t, testPackage, 10*time.Minute)
	ct := e.encrypt(t, 2, []byte("inflight"))
	proof := e.proof(t)

	for _, ks := range e.cluster.Servers {
		ks.Delay = 300 * time.Millisecond
		ks.SetFault(testutil.FaultSlow)
	}

	done := make(chan error, 1)
	go func() {
		got, err := e.client.Decrypt(context.Background(), ct, old, proof)
		if err == nil && string(got) != "inflight" {
			err = errors.New("unexpected plaintext")
		}
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	fresh := e.member.StartSession(t, testPackage, 10*time.Minute)
	if current, _ := e.member.Store.Current(); current != fresh {
		t.Fatal("expected the new key to be current")
	}

	if err := <-done; err != nil {
		t.Errorf("in-flight decrypt failed: %v", err)
	}
}

func TestDecrypt_MalformedCiphertext(t *testing.T) {
	e := newEnv(t, 1)
	key := e.member.StartSession(t, testPackage, 10*time.Minute)
	ct := e.encrypt(t, 1, []byte("x"))

	for _, bad := range [][]byte{nil, {0x01}, ct[:len(ct)-5]} {
		if _, err := e.client.Decrypt(context.Background(), bad, key, e.proof(t)); !errors.Is(err, sealerr.ErrMalformedCiphertext) {
			t.Errorf("expected ErrMalformedCiphertext for %d bytes, got: %v", len(bad), err)
		}
	}
}

func TestDecrypt_KeyCache(t *testing.T) {
	e := newEnv(t, 2, WithKeyCache(16))
	key := e.member.StartSession(t, testPackage, 10*time.Minute)
	ct := e.encrypt(t, 2, []byte("cached"))

	for i := 0; i < 3; i++ {
		if _, err := e.client.Decrypt(context.Background(), ct, key, e.proof(t)); err != nil {
			t.Fatalf("decrypt %d: %v", i, err)
		}
	}
	for _, ks := range e.cluster.Servers {
		if ks.Fetches() != 1 {
			t.Errorf("expected one fetch from %s, got: %d", ks.ObjectID, ks.Fetches())
		}
	}

	// A new session key is a new cache scope.
	other := e.member.StartSession(t, testPackage, 10*time.Minute)
	if _, err := e.client.Decrypt(context.Background(), ct, other, e.proof(t)); err != nil {
		t.Fatalf("decrypt with new session: %v", err)
	}
	if e.cluster.Servers[0].Fetches() != 2 {
		t.Errorf("expected a fresh fetch for a new session key, got: %d", e.cluster.Servers[0].Fetches())
	}
}

func TestDecrypt_KeyCacheSkipsRevocation(t *testing.T) {
	testCases := []struct {
		name    string
		opts    []Option
		wantErr error
	}{
		{"cache disabled", nil, sealerr.ErrAuthorizationDenied},
		{"cache enabled", []Option{WithKeyCache(16)}, nil},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t, 2, tc.opts...)
			key := e.member.StartSession(t, testPackage, 10*time.Minute)
			ct := e.encrypt(t, 2, []byte("secret"))
			if _, err := e.client.Decrypt(context.Background(), ct, key, e.proof(t)); err != nil {
				t.Fatalf("expected no error, got: %v", err)
			}

			if err := e.cluster.Chain.SetMembers(testGroup, nil); err != nil {
				t.Fatal(err)
			}
			_, err := e.client.Decrypt(context.Background(), ct, key, e.proof(t))
			if tc.wantErr == nil {
				if err != nil {
					t.Errorf("expected cached keys to decrypt, got: %v", err)
				}
				return
			}
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("expected %v, got: %v", tc.wantErr, err)
			}
		})
	}
}

func TestDecryptWithBackupKey(t *testing.T) {
	e := newEnv(t, 2)
	ct, backup, err := e.client.Encrypt(context.Background(), e.id, 2, []byte("offline"))
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	got, err := DecryptWithBackupKey(ct, backup)
	if err != nil || string(got) != "offline" {
		t.Errorf("expected backup decryption, got %q, %v", got, err)
	}

	wrong := bytes.Repeat([]byte{1}, len(backup))
	if _, err := DecryptWithBackupKey(ct, wrong); !errors.Is(err, sealerr.ErrMalformedCiphertext) {
		t.Errorf("expected ErrMalformedCiphertext for wrong key, got: %v", err)
	}
}

func TestNewClient_Validation(t *testing.T) {
	a := sui.MustParseAddress("0xa")
	testCases := []struct {
		name    string
		servers []ServerConfig
	}{
		{"empty", nil},
		{"zero weight", []ServerConfig{{ObjectID: a, URL: "http://x"}}},
		{"no url", []ServerConfig{{ObjectID: a, Weight: 1}}},
		{"duplicate", []ServerConfig{{ObjectID: a, Weight: 1, URL: "http://x"}, {ObjectID: a, Weight: 1, URL: "http://y"}}},
		{"bad key", []ServerConfig{{ObjectID: a, Weight: 1, URL: "http://x", PublicKey: []byte{1}}}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewClient(tc.servers); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	e := newEnv(t, 2, WithRegisterer(reg))
	key := e.member.StartSession(t, testPackage, 10*time.Minute)
	ct := e.encrypt(t, 2, []byte("x"))
	if _, err := e.client.Decrypt(context.Background(), ct, key, e.proof(t)); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "groupseal_keyserver_requests_total" {
			found = true
		}
	}
	if !found {
		t.Error("expected request counter to be registered")
	}
}
