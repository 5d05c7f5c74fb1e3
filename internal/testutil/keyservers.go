package testutil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"groupseal/internal/keyserver"
	"groupseal/internal/protocol"
	"groupseal/internal/sealcrypto"
	"groupseal/internal/sessionkey"
	"groupseal/internal/sui"
	"groupseal/internal/sui/suitest"
)

// Fault selects how a test key server misbehaves.
type Fault int32

const (
	FaultNone Fault = iota
	// FaultHang blocks until the client gives up.
	FaultHang
	// FaultDeny answers every fetch_key with NoAccess.
	FaultDeny
	// FaultUnavailable answers with 503 Failure.
	FaultUnavailable
	// FaultSlow delays answers by the server's Delay.
	FaultSlow
)

// KeyServer is one httptest key server.
type KeyServer struct {
	ObjectID  sui.ObjectID
	Master    *sealcrypto.MasterKey
	Server    *keyserver.Server
	HTTP      *httptest.Server
	Delay     time.Duration
	fault     atomic.Int32
	fetches   atomic.Int32
	cancelled atomic.Int32
}

func (k *KeyServer) SetFault(f Fault) {
	k.fault.Store(int32(f))
}

// Fetches counts fetch_key requests received.
func (k *KeyServer) Fetches() int {
	return int(k.fetches.Load())
}

// Cancelled counts requests whose client went away before an answer.
func (k *KeyServer) Cancelled() int {
	return int(k.cancelled.Load())
}

// PublicKey is the encoded master public key.
func (k *KeyServer) PublicKey(t *testing.T) []byte {
	t.Helper()
	b, err := sealcrypto.MarshalPublicKey(k.Master.PublicKey())
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	return b
}

func (k *KeyServer) handler() http.Handler {
	next := k.Server.Handler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == protocol.FetchKeyPath {
			k.fetches.Add(1)
		}
		fault := Fault(k.fault.Load())
		if fault == FaultHang || fault == FaultSlow {
			// The server only sees the client go away once the body is read.
			body, err := io.ReadAll(r.Body)
			if err != nil {
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
		}
		switch fault {
		case FaultHang:
			<-r.Context().Done()
			k.cancelled.Add(1)
			return
		case FaultSlow:
			select {
			case <-time.After(k.Delay):
			case <-r.Context().Done():
				k.cancelled.Add(1)
				return
			}
		case FaultDeny:
			if r.URL.Path == protocol.FetchKeyPath {
				writeJSONError(w, http.StatusForbidden, protocol.NoAccess)
				return
			}
		case FaultUnavailable:
			writeJSONError(w, http.StatusServiceUnavailable, protocol.Failure)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSONError(w http.ResponseWriter, status int, code protocol.ErrorCode) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":%q}`, code)
}

// Cluster is a set of key servers sharing one in-memory chain.
type Cluster struct {
	Chain   *suitest.MemoryChain
	Package sui.ObjectID
	Servers []*KeyServer
}

// NewCluster starts n key servers gated by group membership on chain.
// Servers are closed with the test.
func NewCluster(t *testing.T, pkg sui.ObjectID, n int) *Cluster {
	t.Helper()
	c := &Cluster{Chain: suitest.NewMemoryChain(), Package: pkg}
	for i := 0; i < n; i++ {
		ks := &KeyServer{
			ObjectID: sui.MustParseAddress(fmt.Sprintf("0x%x", 0x5e000+i)),
			Master:   sealcrypto.GenerateMasterKey(),
			Delay:    2 * time.Second,
		}
		srv, err := keyserver.New(keyserver.Config{
			ObjectID:  ks.ObjectID,
			MasterKey: ks.Master,
			Policy:    &keyserver.GroupMembership{Objects: c.Chain},
		})
		if err != nil {
			t.Fatalf("failed to create key server: %v", err)
		}
		ks.Server = srv
		ks.HTTP = httptest.NewServer(ks.handler())
		t.Cleanup(ks.HTTP.Close)
		c.Servers = append(c.Servers, ks)
	}
	return c
}

// Member is a wallet with a session store, for tests that decrypt.
type Member struct {
	KeyPair *sui.KeyPair
	Wallet  *sessionkey.KeyWallet
	Store   *sessionkey.Store
}

// NewMember creates a wallet and an empty session store.
func NewMember(t *testing.T) *Member {
	t.Helper()
	kp, err := sui.GenerateKeyPair()
	if err != nil {
		t.Fatalf("failed to generate keypair: %v", err)
	}
	w := sessionkey.NewKeyWallet(kp, nil)
	return &Member{KeyPair: kp, Wallet: w, Store: sessionkey.NewStore(w)}
}

func (m *Member) Address() sui.Address {
	return m.KeyPair.Address()
}

// StartSession initializes a session key for pkg.
func (m *Member) StartSession(t *testing.T, pkg sui.ObjectID, ttl time.Duration) *sessionkey.SessionKey {
	t.Helper()
	key, err := m.Store.Initialize(context.Background(), m.Address(), pkg, ttl)
	if err != nil {
		t.Fatalf("failed to initialize session key: %v", err)
	}
	return key
}

// PutGroup publishes a shared group with the given members.
func (c *Cluster) PutGroup(groupID sui.ObjectID, members ...sui.Address) {
	c.Chain.PutGroup(c.Package, groupID, members, 1)
}
