package sealcrypto

import (
	"bytes"
	"errors"
	"testing"

	"github.com/drand/kyber"

	"groupseal/internal/identity"
	"groupseal/internal/sealerr"
	"groupseal/internal/sui"
)

type testServer struct {
	id     sui.ObjectID
	master *MasterKey
}

func newTestServers(t *testing.T, n int) []testServer {
	t.Helper()
	out := make([]testServer, n)
	for i := range out {
		out[i] = testServer{
			id:     sui.MustParseAddress("0x" + string(rune('a'+i))),
			master: GenerateMasterKey(),
		}
	}
	return out
}

func recipients(servers []testServer, weights ...int) []Recipient {
	out := make([]Recipient, len(servers))
	for i, s := range servers {
		w := 1
		if i < len(weights) {
			w = weights[i]
		}
		out[i] = Recipient{ObjectID: s.id, Weight: w, PublicKey: s.master.PublicKey()}
	}
	return out
}

func testIdentity() identity.Identity {
	return identity.ForObject(sui.MustParseAddress("0x984960eb"), sui.MustParseAddress("0x42"))
}

func TestShamir_SplitCombine(t *testing.T) {
	secret := RandomSecret()
	shares, err := Split(secret, 3, 5)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	subsets := [][]Share{
		{shares[0], shares[1], shares[2]},
		{shares[4], shares[2], shares[0]},
		{shares[1], shares[3], shares[4]},
	}
	for i, subset := range subsets {
		got, err := Combine(subset, 3)
		if err != nil {
			t.Fatalf("subset %d: %v", i, err)
		}
		if !got.Equal(secret) {
			t.Errorf("subset %d reconstructed the wrong secret", i)
		}
	}

	if _, err := Combine(shares[:2], 3); err == nil {
		t.Error("expected error for too few shares")
	}
	if _, err := Combine([]Share{shares[0], shares[0]}, 2); err == nil {
		t.Error("expected error for duplicate shares")
	}
	if _, err := Split(secret, 0, 3); err == nil {
		t.Error("expected error for zero threshold")
	}
	if _, err := Split(secret, 4, 3); err == nil {
		t.Error("expected error for threshold above share count")
	}
}

func TestUserKey_Verify(t *testing.T) {
	master := GenerateMasterKey()
	other := GenerateMasterKey()
	fullID := testIdentity().FullID()

	usk := master.ExtractUserKey(fullID)
	if !VerifyUserKey(master.PublicKey(), fullID, usk) {
		t.Error("expected extracted key to verify")
	}
	if VerifyUserKey(other.PublicKey(), fullID, usk) {
		t.Error("expected verification to fail under a different public key")
	}
	if VerifyUserKey(master.PublicKey(), []byte("other id"), usk) {
		t.Error("expected verification to fail for a different identity")
	}
}

func TestMasterKey_Bytes(t *testing.T) {
	master := GenerateMasterKey()
	b, err := master.Bytes()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	restored, err := MasterKeyFromBytes(b)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if !restored.PublicKey().Equal(master.PublicKey()) {
		t.Error("restored master key has a different public key")
	}

	pkb, _ := MarshalPublicKey(master.PublicKey())
	pk, err := ParsePublicKey(pkb)
	if err != nil || !pk.Equal(master.PublicKey()) {
		t.Errorf("public key round trip failed: %v", err)
	}
	if _, err := ParsePublicKey([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for short public key")
	}
}

func TestElGamal(t *testing.T) {
	master := GenerateMasterKey()
	usk := master.ExtractUserKey([]byte("id"))

	k := GenerateElGamalKey()
	pkb, err := k.PublicKeyBytes()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	ct, err := ElGamalEncrypt(pkb, usk)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	parts, err := ct.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	parsed, err := ParseElGamalCiphertext(parts)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if got := k.Decrypt(parsed); !got.Equal(usk) {
		t.Error("decrypted point does not match")
	}
	if got := GenerateElGamalKey().Decrypt(parsed); got.Equal(usk) {
		t.Error("a different key must not decrypt")
	}
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	servers := newTestServers(t, 3)
	id := testIdentity()
	plaintext := []byte{0xde, 0xad, 0xbe, 0xef}

	obj, backup, err := Encrypt(id, 2, recipients(servers), plaintext)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if len(backup) != KeySize {
		t.Errorf("expected %d byte backup key, got: %d", KeySize, len(backup))
	}

	encoded, err := obj.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	parsed, err := ParseEncryptedObject(encoded)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !parsed.Identity().Equal(id) {
		t.Errorf("expected identity %s, got: %s", id, parsed.Identity())
	}

	fullID := id.FullID()
	pairs := [][2]int{{0, 1}, {1, 2}, {0, 2}}
	for _, p := range pairs {
		keys := map[sui.ObjectID]kyber.Point{
			servers[p[0]].id: servers[p[0]].master.ExtractUserKey(fullID),
			servers[p[1]].id: servers[p[1]].master.ExtractUserKey(fullID),
		}
		got, err := parsed.Decrypt(keys)
		if err != nil {
			t.Fatalf("servers %v: %v", p, err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Errorf("servers %v: expected %x, got %x", p, plaintext, got)
		}
	}

	viaBackup, err := parsed.DecryptWithKey(backup)
	if err != nil || !bytes.Equal(viaBackup, plaintext) {
		t.Errorf("backup key decryption failed: %x, %v", viaBackup, err)
	}
}

func TestEncryptDecrypt_LargePlaintext(t *testing.T) {
	servers := newTestServers(t, 2)
	id := testIdentity()
	fullID := id.FullID()

	testCases := []int{4095, 4097, 64 << 10, 1 << 20}
	for _, size := range testCases {
		plaintext := bytes.Repeat([]byte{0x5a}, size)
		obj, backup, err := Encrypt(id, 2, recipients(servers), plaintext)
		if err != nil {
			t.Fatalf("%d bytes: expected no error, got: %v", size, err)
		}
		encoded, err := obj.Encode()
		if err != nil {
			t.Fatalf("%d bytes: encode: %v", size, err)
		}
		parsed, err := ParseEncryptedObject(encoded)
		if err != nil {
			t.Fatalf("%d bytes: parse: %v", size, err)
		}

		keys := map[sui.ObjectID]kyber.Point{
			servers[0].id: servers[0].master.ExtractUserKey(fullID),
			servers[1].id: servers[1].master.ExtractUserKey(fullID),
		}
		got, err := parsed.Decrypt(keys)
		if err != nil || !bytes.Equal(got, plaintext) {
			t.Errorf("%d bytes: round trip failed: %v", size, err)
		}
		if got, err := parsed.DecryptWithKey(backup); err != nil || !bytes.Equal(got, plaintext) {
			t.Errorf("%d bytes: backup key round trip failed: %v", size, err)
		}
	}
}

func TestEncrypt_PlaintextTooLarge(t *testing.T) {
	servers := newTestServers(t, 1)
	if _, _, err := Encrypt(testIdentity(), 1, recipients(servers), make([]byte, MaxPlaintextSize+1)); err == nil {
		t.Error("expected error for oversized plaintext, got nil")
	}
}

func TestDecrypt_InsufficientShares(t *testing.T) {
	servers := newTestServers(t, 2)
	id := testIdentity()
	obj, _, err := Encrypt(id, 2, recipients(servers), []byte("secret"))
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	keys := map[sui.ObjectID]kyber.Point{servers[0].id: servers[0].master.ExtractUserKey(id.FullID())}
	if _, err := obj.Decrypt(keys); !errors.Is(err, sealerr.ErrInsufficientShares) {
		t.Errorf("expected ErrInsufficientShares, got: %v", err)
	}
}

func TestEncrypt_Weighted(t *testing.T) {
	servers := newTestServers(t, 2)
	id := testIdentity()

	obj, _, err := Encrypt(id, 2, recipients(servers, 2, 1), []byte("weighted"))
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	order, weights := obj.Services()
	if len(order) != 2 || weights[servers[0].id] != 2 || weights[servers[1].id] != 1 {
		t.Fatalf("unexpected share layout: %v %v", order, weights)
	}

	// The weight-2 server alone meets the threshold.
	keys := map[sui.ObjectID]kyber.Point{servers[0].id: servers[0].master.ExtractUserKey(id.FullID())}
	got, err := obj.Decrypt(keys)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if string(got) != "weighted" {
		t.Errorf("unexpected plaintext %q", got)
	}
}

func TestEncrypt_InvalidThreshold(t *testing.T) {
	servers := newTestServers(t, 2)
	for _, th := range []int{0, 3} {
		if _, _, err := Encrypt(testIdentity(), th, recipients(servers), []byte("x")); err == nil {
			t.Errorf("expected error for threshold %d", th)
		}
	}
}

func TestParseEncryptedObject_Malformed(t *testing.T) {
	servers := newTestServers(t, 2)
	obj, _, err := Encrypt(testIdentity(), 2, recipients(servers), []byte("x"))
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	encoded, _ := obj.Encode()

	testCases := []struct {
		name  string
		input []byte
	}{
		{"empty", nil},
		{"garbage", []byte{0xff, 0xff, 0xff}},
		{"truncated", encoded[:len(encoded)/2]},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseEncryptedObject(tc.input)
			if !errors.Is(err, sealerr.ErrMalformedCiphertext) {
				t.Errorf("expected ErrMalformedCiphertext, got: %v", err)
			}
		})
	}
}

func TestDecryptWithKey_Tampered(t *testing.T) {
	servers := newTestServers(t, 1)
	obj, key, err := Encrypt(testIdentity(), 1, recipients(servers), []byte("payload"))
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	obj.Data[len(obj.Data)-1] ^= 0x01
	if _, err := obj.DecryptWithKey(key); !errors.Is(err, sealerr.ErrMalformedCiphertext) {
		t.Errorf("expected ErrMalformedCiphertext, got: %v", err)
	}
}
