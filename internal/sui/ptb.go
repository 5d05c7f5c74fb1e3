package sui

import (
	"errors"
	"fmt"

	"git.sr.ht/~sircmpwn/go-bare"
)

// The types below mirror the BCS layout of Sui's TransactionKind for the
// subset used by approval transactions. BARE and BCS agree on this subset:
// ULEB128 lengths and union tags, little-endian fixed ints, fixed arrays.

// ProgrammableTransaction is the TransactionKind::ProgrammableTransaction body.
type ProgrammableTransaction struct {
	Inputs   []CallArg
	Commands []Command
}

// CallArg is a transaction input.
type CallArg interface{ bare.Union }

// PureArg carries a BCS-encoded pure value.
type PureArg struct {
	Bytes []byte
}

// ObjectCallArg references an on-chain object.
type ObjectCallArg struct {
	Object ObjectArg
}

func (PureArg) IsUnion()       {}
func (ObjectCallArg) IsUnion() {}

// ObjectArg selects how an object input is referenced.
type ObjectArg interface{ bare.Union }

// ImmOrOwnedObject references an owned or immutable object by version.
type ImmOrOwnedObject struct {
	Ref ObjectRef
}

// SharedObject references a shared object by its initial shared version.
type SharedObject struct {
	ObjectID             Address
	InitialSharedVersion uint64
	Mutable              bool
}

func (ImmOrOwnedObject) IsUnion() {}
func (SharedObject) IsUnion()     {}

// ObjectRef is (id, version, digest).
type ObjectRef struct {
	ObjectID Address
	Version  uint64
	Digest   []byte
}

// Command is a programmable transaction command. Only MoveCall is modelled.
type Command interface{ bare.Union }

// MoveCall invokes package::module::function.
type MoveCall struct {
	Package  Address
	Module   string
	Function string
	// TypeArguments holds primitive type tags only (one byte each);
	// approval entry points are not generic.
	TypeArguments []byte
	Arguments     []Argument
}

func (MoveCall) IsUnion() {}

// Argument refers to an input or a previous result.
type Argument interface{ bare.Union }

type InputArg struct {
	Index uint16
}

type ResultArg struct {
	Index uint16
}

type NestedResultArg struct {
	Index  uint16
	Result uint16
}

func (InputArg) IsUnion()        {}
func (ResultArg) IsUnion()       {}
func (NestedResultArg) IsUnion() {}

func init() {
	bare.RegisterUnion((*CallArg)(nil)).
		Member(*new(PureArg), 0).
		Member(*new(ObjectCallArg), 1)

	bare.RegisterUnion((*ObjectArg)(nil)).
		Member(*new(ImmOrOwnedObject), 0).
		Member(*new(SharedObject), 1)

	bare.RegisterUnion((*Command)(nil)).
		Member(*new(MoveCall), 0)

	bare.RegisterUnion((*Argument)(nil)).
		Member(*new(InputArg), 1).
		Member(*new(ResultArg), 2).
		Member(*new(NestedResultArg), 3)
}

// transactionKindProgrammable is the TransactionKind enum tag for
// programmable transactions.
const transactionKindProgrammable = 0

type transactionKind struct {
	Kind         uint
	Programmable ProgrammableTransaction
}

// EncodeTransactionKind serializes pt as a TransactionKind (the
// "only transaction kind" form, without sender or gas data).
func EncodeTransactionKind(pt ProgrammableTransaction) ([]byte, error) {
	tk := transactionKind{Kind: transactionKindProgrammable, Programmable: pt}
	b, err := bare.Marshal(&tk)
	if err != nil {
		return nil, fmt.Errorf("failed to encode transaction kind: %w", err)
	}
	return b, nil
}

// DecodeTransactionKind parses bytes produced by EncodeTransactionKind.
func DecodeTransactionKind(b []byte) (*ProgrammableTransaction, error) {
	if len(b) == 0 {
		return nil, errors.New("empty transaction kind")
	}
	if b[0] != transactionKindProgrammable {
		return nil, fmt.Errorf("unsupported transaction kind tag %d", b[0])
	}

	var tk transactionKind
	if err := bare.Unmarshal(b, &tk); err != nil {
		return nil, fmt.Errorf("failed to decode transaction kind: %w", err)
	}
	pt := &tk.Programmable
	for i, in := range pt.Inputs {
		pt.Inputs[i] = derefCallArg(in)
	}
	for i, cmd := range pt.Commands {
		if mc, ok := cmd.(*MoveCall); ok {
			call := *mc
			for j, arg := range call.Arguments {
				call.Arguments[j] = derefArgument(arg)
			}
			pt.Commands[i] = call
		}
	}
	return pt, nil
}

// go-bare decodes union members as pointers. The deref helpers turn them
// back into the value forms that EncodeTransactionKind accepts, so decoded
// transactions compare and type-switch like built ones.

func derefCallArg(arg CallArg) CallArg {
	switch a := arg.(type) {
	case *PureArg:
		return *a
	case *ObjectCallArg:
		return ObjectCallArg{Object: derefObjectArg(a.Object)}
	case ObjectCallArg:
		return ObjectCallArg{Object: derefObjectArg(a.Object)}
	}
	return arg
}

func derefObjectArg(arg ObjectArg) ObjectArg {
	switch a := arg.(type) {
	case *ImmOrOwnedObject:
		return *a
	case *SharedObject:
		return *a
	}
	return arg
}

func derefArgument(arg Argument) Argument {
	switch a := arg.(type) {
	case *InputArg:
		return *a
	case *ResultArg:
		return *a
	case *NestedResultArg:
		return *a
	}
	return arg
}

// PureBytes encodes a vector<u8> pure argument.
func PureBytes(v []byte) (PureArg, error) {
	b, err := bare.Marshal(&v)
	if err != nil {
		return PureArg{}, fmt.Errorf("failed to encode pure bytes: %w", err)
	}
	return PureArg{Bytes: b}, nil
}

// DecodePureBytes reverses PureBytes.
func DecodePureBytes(arg PureArg) ([]byte, error) {
	var v []byte
	if err := bare.Unmarshal(arg.Bytes, &v); err != nil {
		return nil, fmt.Errorf("failed to decode pure bytes: %w", err)
	}
	return v, nil
}
