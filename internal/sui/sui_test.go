package sui

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
)

func TestParseAddress(t *testing.T) {
	testCases := []struct {
		name  string
		input string
		want  string
	}{
		{"short framework", "0x2", "0x0000000000000000000000000000000000000000000000000000000000000002"},
		{"no prefix", "ab", "0x00000000000000000000000000000000000000000000000000000000000000ab"},
		{"upper prefix", "0XAB", "0x00000000000000000000000000000000000000000000000000000000000000ab"},
		{"full", "0x73d05d62c18d9374e3ea529e8e0ed6161da1a141a94d3f76ae3fe4e99356db75", "0x73d05d62c18d9374e3ea529e8e0ed6161da1a141a94d3f76ae3fe4e99356db75"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			a, err := ParseAddress(tc.input)
			if err != nil {
				t.Fatalf("expected no error, got: %v", err)
			}
			if a.String() != tc.want {
				t.Errorf("expected %s, got: %s", tc.want, a.String())
			}
		})
	}
}

func TestParseAddress_Invalid(t *testing.T) {
	for _, input := range []string{"", "0x", "0xzz", "0x" + string(bytes.Repeat([]byte("a"), 65))} {
		if _, err := ParseAddress(input); err == nil {
			t.Errorf("expected error for %q", input)
		}
	}
}

func TestAddress_TextRoundTrip(t *testing.T) {
	a := MustParseAddress("0x1234")
	b, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var back Address
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back != a {
		t.Errorf("expected %s, got: %s", a, back)
	}
}

func TestPersonalMessage_SignVerify(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	msg := []byte("Accessing keys of package 0x1")
	sig := kp.SignPersonalMessage(msg)

	addr, err := VerifyPersonalMessage(msg, sig)
	if err != nil {
		t.Fatalf("expected valid signature, got: %v", err)
	}
	if addr != kp.Address() {
		t.Errorf("expected signer %s, got: %s", kp.Address(), addr)
	}

	if _, err := VerifyPersonalMessage([]byte("other message"), sig); err == nil {
		t.Error("expected verification failure for a different message")
	}
}

func TestKeyPairFromSeed_Deterministic(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, 32)
	a, err := KeyPairFromSeed(seed)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	b, _ := KeyPairFromSeed(seed)

	if a.Address() != b.Address() {
		t.Error("same seed produced different addresses")
	}
	if _, err := KeyPairFromSeed([]byte{1, 2}); err == nil {
		t.Error("expected error for short seed")
	}
}

func TestEncodeTransactionKind_MatchesBCS(t *testing.T) {
	pure, err := PureBytes([]byte{1, 2})
	if err != nil {
		t.Fatalf("pure: %v", err)
	}
	pt := ProgrammableTransaction{
		Inputs: []CallArg{pure},
		Commands: []Command{MoveCall{
			Package:   MustParseAddress("0x2"),
			Module:    "m",
			Function:  "f",
			Arguments: []Argument{InputArg{Index: 0}},
		}},
	}

	got, err := EncodeTransactionKind(pt)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var want []byte
	want = append(want, 0x00)                   // TransactionKind::ProgrammableTransaction
	want = append(want, 0x01)                   // one input
	want = append(want, 0x00, 0x03, 2, 1, 2)    // Pure(bcs(vector[1,2]))
	want = append(want, 0x01)                   // one command
	want = append(want, 0x00)                   // MoveCall
	want = append(want, make([]byte, 31)...)    // package 0x2
	want = append(want, 0x02)
	want = append(want, 0x01, 'm', 0x01, 'f')   // module, function
	want = append(want, 0x00)                   // no type arguments
	want = append(want, 0x01, 0x01, 0x00, 0x00) // [Input(0)]

	if !bytes.Equal(got, want) {
		t.Errorf("encoding mismatch\n got: %x\nwant: %x", got, want)
	}
}

func TestDecodeTransactionKind_RoundTrip(t *testing.T) {
	pure, _ := PureBytes([]byte("group"))
	pt := ProgrammableTransaction{
		Inputs: []CallArg{
			pure,
			ObjectCallArg{Object: SharedObject{ObjectID: MustParseAddress("0x99"), InitialSharedVersion: 7}},
		},
		Commands: []Command{MoveCall{
			Package:   MustParseAddress("0x1"),
			Module:    "group",
			Function:  "seal_approve",
			Arguments: []Argument{InputArg{Index: 0}, InputArg{Index: 1}},
		}},
	}

	b, err := EncodeTransactionKind(pt)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	back, err := DecodeTransactionKind(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if len(back.Inputs) != 2 || len(back.Commands) != 1 {
		t.Fatalf("unexpected shape: %d inputs, %d commands", len(back.Inputs), len(back.Commands))
	}
	p, ok := back.Inputs[0].(PureArg)
	if !ok {
		t.Fatalf("expected PureArg, got %T", back.Inputs[0])
	}
	v, err := DecodePureBytes(p)
	if err != nil || string(v) != "group" {
		t.Errorf("expected pure value %q, got %q (%v)", "group", v, err)
	}
	obj, ok := back.Inputs[1].(ObjectCallArg)
	if !ok {
		t.Fatalf("expected ObjectCallArg, got %T", back.Inputs[1])
	}
	shared, ok := obj.Object.(SharedObject)
	if !ok || shared.InitialSharedVersion != 7 {
		t.Errorf("unexpected object arg: %#v", obj.Object)
	}
	call, ok := back.Commands[0].(MoveCall)
	if !ok || call.Function != "seal_approve" {
		t.Fatalf("unexpected command: %#v", back.Commands[0])
	}
	for i, arg := range call.Arguments {
		in, ok := arg.(InputArg)
		if !ok || int(in.Index) != i {
			t.Errorf("argument %d: expected InputArg{%d}, got %#v", i, i, arg)
		}
	}
}

func TestDecodeTransactionKind_OwnedObject(t *testing.T) {
	ref := ObjectRef{ObjectID: MustParseAddress("0x42"), Version: 9, Digest: []byte{1, 2, 3}}
	pt := ProgrammableTransaction{
		Inputs: []CallArg{ObjectCallArg{Object: ImmOrOwnedObject{Ref: ref}}},
		Commands: []Command{MoveCall{
			Package:   MustParseAddress("0x1"),
			Module:    "group",
			Function:  "seal_approve",
			Arguments: []Argument{InputArg{Index: 0}, NestedResultArg{Index: 1, Result: 2}},
		}},
	}

	b, err := EncodeTransactionKind(pt)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	back, err := DecodeTransactionKind(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	obj, ok := back.Inputs[0].(ObjectCallArg)
	if !ok {
		t.Fatalf("expected ObjectCallArg, got %T", back.Inputs[0])
	}
	owned, ok := obj.Object.(ImmOrOwnedObject)
	if !ok || owned.Ref.Version != 9 || !bytes.Equal(owned.Ref.Digest, ref.Digest) {
		t.Errorf("unexpected object arg: %#v", obj.Object)
	}
	call := back.Commands[0].(MoveCall)
	if nested, ok := call.Arguments[1].(NestedResultArg); !ok || nested.Result != 2 {
		t.Errorf("unexpected nested result: %#v", call.Arguments[1])
	}

	again, err := EncodeTransactionKind(*back)
	if err != nil {
		t.Fatalf("re-encode: %v", err)
	}
	if !bytes.Equal(again, b) {
		t.Error("expected decoded transaction to re-encode to the same bytes")
	}
}

func TestDecodeTransactionKind_Invalid(t *testing.T) {
	for _, b := range [][]byte{nil, {0x01}, {0x00, 0x05}} {
		if _, err := DecodeTransactionKind(b); err == nil {
			t.Errorf("expected error for %x", b)
		}
	}
}

func TestOwner_JSON(t *testing.T) {
	testCases := []struct {
		name string
		raw  string
		kind OwnerKind
	}{
		{"immutable", `"Immutable"`, OwnerImmutable},
		{"address", `{"AddressOwner":"0x5"}`, OwnerAddress},
		{"object", `{"ObjectOwner":"0x6"}`, OwnerObject},
		{"shared numeric", `{"Shared":{"initial_shared_version":12}}`, OwnerShared},
		{"shared string", `{"Shared":{"initial_shared_version":"12"}}`, OwnerShared},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var o Owner
			if err := json.Unmarshal([]byte(tc.raw), &o); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if o.Kind != tc.kind {
				t.Errorf("expected kind %d, got: %d", tc.kind, o.Kind)
			}
			if o.Kind == OwnerShared && o.InitialSharedVersion != 12 {
				t.Errorf("expected initial shared version 12, got: %d", o.InitialSharedVersion)
			}

			b, err := json.Marshal(o)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			var back Owner
			if err := json.Unmarshal(b, &back); err != nil || back != o {
				t.Errorf("round trip mismatch: %#v vs %#v (%v)", back, o, err)
			}
		})
	}
}

func TestObject_Ref(t *testing.T) {
	obj := &Object{ObjectID: MustParseAddress("0x5"), Version: 3, Digest: "11111111111111111111111111111111"}
	ref, err := obj.Ref()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if ref.Version != 3 || len(ref.Digest) != 32 {
		t.Errorf("unexpected ref: %#v", ref)
	}

	obj.Digest = "not-base58-0OIl"
	if _, err := obj.Ref(); err == nil {
		t.Error("expected error for invalid digest")
	}
}

func TestRPCClient_Context(t *testing.T) {
	// Dialing an unsupported scheme fails before any network use.
	if _, err := DialRPC(context.Background(), "ftp://localhost"); err == nil {
		t.Error("expected dial error for unsupported scheme")
	}
}
