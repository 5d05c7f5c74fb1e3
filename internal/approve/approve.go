// Package approve builds and parses the unsigned transactions that prove
// access to a key server. The transaction calls the package's seal_approve
// entry point with the identity and the gating object. Key servers evaluate
// it against current chain state; it is never signed or submitted.
package approve

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"groupseal/internal/identity"
	"groupseal/internal/sui"
)

const (
	Module   = "group"
	Function = "seal_approve"

	// FunctionPrefix is what key servers require of every approval call.
	FunctionPrefix = "seal_approve"
)

// Builder assembles approval transactions from current object state.
type Builder struct {
	objects sui.ObjectReader
}

func NewBuilder(objects sui.ObjectReader) *Builder {
	return &Builder{objects: objects}
}

// Build encodes a TransactionKind calling
// <package>::group::seal_approve(id, gatingObject). The gating object is
// read once; a shared object is referenced by its initial shared version,
// anything else by its current (id, version, digest).
func (b *Builder) Build(ctx context.Context, id identity.Identity, gatingObjectID sui.ObjectID) ([]byte, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if b == nil || b.objects == nil {
		return nil, errors.New("no object reader configured")
	}

	obj, err := b.objects.GetObject(ctx, gatingObjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to read gating object %s: %w", gatingObjectID, err)
	}

	objArg, err := objectArg(obj)
	if err != nil {
		return nil, err
	}

	return Encode(id, objArg)
}

// Encode builds the transaction bytes for an already-resolved object input.
func Encode(id identity.Identity, objArg sui.ObjectArg) ([]byte, error) {
	pure, err := sui.PureBytes(id.ID)
	if err != nil {
		return nil, err
	}

	pt := sui.ProgrammableTransaction{
		Inputs: []sui.CallArg{
			pure,
			sui.ObjectCallArg{Object: objArg},
		},
		Commands: []sui.Command{
			sui.MoveCall{
				Package:   id.PackageID,
				Module:    Module,
				Function:  Function,
				Arguments: []sui.Argument{sui.InputArg{Index: 0}, sui.InputArg{Index: 1}},
			},
		},
	}
	return sui.EncodeTransactionKind(pt)
}

func objectArg(obj *sui.Object) (sui.ObjectArg, error) {
	switch obj.Owner.Kind {
	case sui.OwnerShared:
		return sui.SharedObject{
			ObjectID:             obj.ObjectID,
			InitialSharedVersion: obj.Owner.InitialSharedVersion,
			Mutable:              false,
		}, nil
	case sui.OwnerAddress, sui.OwnerObject, sui.OwnerImmutable:
		ref, err := obj.Ref()
		if err != nil {
			return nil, err
		}
		return sui.ImmOrOwnedObject{Ref: ref}, nil
	default:
		return nil, fmt.Errorf("gating object %s has unknown ownership", obj.ObjectID)
	}
}

// Call is one approval call decoded from a transaction.
type Call struct {
	Package  sui.ObjectID
	Module   string
	Function string
	// ID is the identity argument.
	ID []byte
	// Objects are the object arguments in call order.
	Objects []sui.ObjectArg
}

// Approval is a decoded approval transaction.
type Approval struct {
	Calls []Call
}

// Parse decodes and validates an approval transaction: at least one
// command, every command a MoveCall to a seal_approve* function whose first
// argument is a pure vector<u8> id and whose remaining arguments are object
// inputs.
func Parse(txBytes []byte) (*Approval, error) {
	pt, err := sui.DecodeTransactionKind(txBytes)
	if err != nil {
		return nil, err
	}
	if len(pt.Commands) == 0 {
		return nil, errors.New("transaction has no commands")
	}

	out := &Approval{Calls: make([]Call, 0, len(pt.Commands))}
	for i, cmd := range pt.Commands {
		mc, ok := cmd.(sui.MoveCall)
		if !ok {
			return nil, fmt.Errorf("command %d is not a move call", i)
		}
		if !strings.HasPrefix(mc.Function, FunctionPrefix) {
			return nil, fmt.Errorf("command %d calls %s, not a %s function", i, mc.Function, FunctionPrefix)
		}
		if len(mc.Arguments) == 0 {
			return nil, fmt.Errorf("command %d has no id argument", i)
		}

		call := Call{Package: mc.Package, Module: mc.Module, Function: mc.Function}
		for j, arg := range mc.Arguments {
			input, err := resolveInput(pt, arg)
			if err != nil {
				return nil, fmt.Errorf("command %d argument %d: %w", i, j, err)
			}
			switch in := input.(type) {
			case sui.PureArg:
				if j != 0 {
					return nil, fmt.Errorf("command %d argument %d: unexpected pure value", i, j)
				}
				call.ID, err = sui.DecodePureBytes(in)
				if err != nil {
					return nil, fmt.Errorf("command %d id: %w", i, err)
				}
			case sui.ObjectCallArg:
				if j == 0 {
					return nil, fmt.Errorf("command %d: first argument must be the id", i)
				}
				call.Objects = append(call.Objects, in.Object)
			default:
				return nil, fmt.Errorf("command %d argument %d: unsupported input %T", i, j, input)
			}
		}
		out.Calls = append(out.Calls, call)
	}
	return out, nil
}

func resolveInput(pt *sui.ProgrammableTransaction, arg sui.Argument) (sui.CallArg, error) {
	in, ok := arg.(sui.InputArg)
	if !ok {
		return nil, fmt.Errorf("argument %T is not a transaction input", arg)
	}
	if int(in.Index) >= len(pt.Inputs) {
		return nil, fmt.Errorf("input index %d out of range", in.Index)
	}
	return pt.Inputs[in.Index], nil
}

// ObjectID returns the id referenced by an object argument.
func ObjectID(arg sui.ObjectArg) (sui.ObjectID, bool) {
	switch a := arg.(type) {
	case sui.SharedObject:
		return a.ObjectID, true
	case sui.ImmOrOwnedObject:
		return a.Ref.ObjectID, true
	}
	return sui.ObjectID{}, false
}
