package keyserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"groupseal/internal/approve"
	"groupseal/internal/sui"
)

// ErrNoAccess is returned by a Policy that denies a call.
var ErrNoAccess = errors.New("no access")

// Policy evaluates one approval call for user against chain state. It
// returns nil to approve, an error wrapping ErrNoAccess to deny, or any
// other error when the decision could not be made.
type Policy interface {
	Approve(ctx context.Context, user sui.Address, call approve.Call) error
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(ctx context.Context, user sui.Address, call approve.Call) error

func (f PolicyFunc) Approve(ctx context.Context, user sui.Address, call approve.Call) error {
	return f(ctx, user, call)
}

// GroupMembership mirrors group::seal_approve: the id must be the group
// object's id, the object must be a <package>::group::Group at the version
// the transaction references, and the user must be listed in its members.
type GroupMembership struct {
	Objects sui.ObjectReader
}

type groupFields struct {
	Members []sui.Address `json:"members"`
}

func (p *GroupMembership) Approve(ctx context.Context, user sui.Address, call approve.Call) error {
	if call.Module != approve.Module {
		return fmt.Errorf("%w: module %s", ErrNoAccess, call.Module)
	}
	if len(call.Objects) != 1 {
		return fmt.Errorf("%w: expected one group argument, got %d", ErrNoAccess, len(call.Objects))
	}

	arg := call.Objects[0]
	groupID, ok := approve.ObjectID(arg)
	if !ok {
		return fmt.Errorf("%w: unsupported object argument", ErrNoAccess)
	}
	if !bytes.Equal(call.ID, groupID[:]) {
		return fmt.Errorf("%w: id is not the group id", ErrNoAccess)
	}

	obj, err := p.Objects.GetObject(ctx, groupID)
	if err != nil {
		if errors.Is(err, sui.ErrObjectNotFound) {
			return fmt.Errorf("%w: group %s not found", ErrNoAccess, groupID)
		}
		return fmt.Errorf("failed to read group %s: %w", groupID, err)
	}

	if want := call.Package.String() + "::group::Group"; obj.Type != want {
		return fmt.Errorf("%w: object %s is %s, not %s", ErrNoAccess, groupID, obj.Type, want)
	}
	if err := checkReference(arg, obj); err != nil {
		return err
	}

	var fields groupFields
	if err := json.Unmarshal(obj.Fields, &fields); err != nil {
		return fmt.Errorf("failed to decode group %s: %w", groupID, err)
	}
	for _, m := range fields.Members {
		if m == user {
			return nil
		}
	}
	return fmt.Errorf("%w: %s is not a member of %s", ErrNoAccess, user, groupID)
}

// checkReference rejects arguments that do not match current object state,
// as transaction simulation would.
func checkReference(arg sui.ObjectArg, obj *sui.Object) error {
	switch a := arg.(type) {
	case sui.SharedObject:
		if obj.Owner.Kind != sui.OwnerShared || obj.Owner.InitialSharedVersion != a.InitialSharedVersion {
			return fmt.Errorf("%w: shared reference does not match %s", ErrNoAccess, obj.ObjectID)
		}
	case sui.ImmOrOwnedObject:
		if obj.Owner.Kind == sui.OwnerShared {
			return fmt.Errorf("%w: %s is shared", ErrNoAccess, obj.ObjectID)
		}
		digest, err := obj.DigestBytes()
		if err != nil {
			return err
		}
		if a.Ref.Version != obj.Version || !bytes.Equal(a.Ref.Digest, digest) {
			return fmt.Errorf("%w: stale reference to %s (version %d, current %d)", ErrNoAccess, obj.ObjectID, a.Ref.Version, obj.Version)
		}
	}
	return nil
}
