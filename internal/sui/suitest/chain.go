// Package suitest provides an in-memory chain for tests: it implements
// sui.ObjectReader directly and can be served as a sui_getObject JSON-RPC
// service.
package suitest

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/mr-tron/base58"

	"groupseal/internal/sui"
)

// MemoryChain is a mutable set of objects.
type MemoryChain struct {
	mu      sync.RWMutex
	objects map[sui.ObjectID]sui.Object

	// Err, when set, is returned by every read.
	Err error
}

func NewMemoryChain() *MemoryChain {
	return &MemoryChain{objects: make(map[sui.ObjectID]sui.Object)}
}

// Put stores obj, computing a digest if none is set.
func (c *MemoryChain) Put(obj sui.Object) {
	if obj.Digest == "" {
		obj.Digest = digestFor(obj.ObjectID, obj.Version)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.objects[obj.ObjectID] = obj
}

// PutGroup stores a shared <pkg>::group::Group object with the given members.
func (c *MemoryChain) PutGroup(pkg, groupID sui.ObjectID, members []sui.Address, initialSharedVersion uint64) {
	c.Put(sui.Object{
		ObjectID: groupID,
		Version:  initialSharedVersion,
		Type:     pkg.String() + "::group::Group",
		Owner:    sui.Owner{Kind: sui.OwnerShared, InitialSharedVersion: initialSharedVersion},
		Fields:   groupFields(groupID, members),
	})
}

// PutOwnedGroup stores a group object owned by owner rather than shared.
func (c *MemoryChain) PutOwnedGroup(pkg, groupID sui.ObjectID, members []sui.Address, owner sui.Address, version uint64) {
	c.Put(sui.Object{
		ObjectID: groupID,
		Version:  version,
		Type:     pkg.String() + "::group::Group",
		Owner:    sui.Owner{Kind: sui.OwnerAddress, Address: owner},
		Fields:   groupFields(groupID, members),
	})
}

// SetMembers replaces the member list of a group and bumps its version.
func (c *MemoryChain) SetMembers(groupID sui.ObjectID, members []sui.Address) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	obj, ok := c.objects[groupID]
	if !ok {
		return fmt.Errorf("%s: %w", groupID, sui.ErrObjectNotFound)
	}
	obj.Version++
	obj.Digest = digestFor(obj.ObjectID, obj.Version)
	obj.Fields = groupFields(groupID, members)
	c.objects[groupID] = obj
	return nil
}

// Delete removes an object.
func (c *MemoryChain) Delete(id sui.ObjectID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.objects, id)
}

// GetObject implements sui.ObjectReader.
func (c *MemoryChain) GetObject(ctx context.Context, id sui.ObjectID) (*sui.Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.Err != nil {
		return nil, c.Err
	}
	obj, ok := c.objects[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, sui.ErrObjectNotFound)
	}
	return &obj, nil
}

// RPCService exposes the chain as the "sui" JSON-RPC namespace.
func (c *MemoryChain) RPCService() *RPCService {
	return &RPCService{chain: c}
}

// RPCService serves sui_getObject.
type RPCService struct {
	chain *MemoryChain
}

// GetObject is dispatched as sui_getObject.
func (s *RPCService) GetObject(ctx context.Context, id string, opts sui.ObjectOptions) (*sui.ObjectResponse, error) {
	oid, err := sui.ParseAddress(id)
	if err != nil {
		return nil, err
	}
	obj, err := s.chain.GetObject(ctx, oid)
	if err != nil {
		if errors.Is(err, sui.ErrObjectNotFound) {
			return &sui.ObjectResponse{Error: &sui.ObjectError{Code: "notExists", ObjectID: id}}, nil
		}
		return nil, err
	}
	return sui.ObjectResponseFor(obj), nil
}

type uidJSON struct {
	ID sui.Address `json:"id"`
}

type groupFieldsJSON struct {
	ID      uidJSON       `json:"id"`
	Members []sui.Address `json:"members"`
}

func groupFields(groupID sui.ObjectID, members []sui.Address) json.RawMessage {
	if members == nil {
		members = []sui.Address{}
	}
	b, _ := json.Marshal(groupFieldsJSON{ID: uidJSON{ID: groupID}, Members: members})
	return b
}

func digestFor(id sui.ObjectID, version uint64) string {
	buf := make([]byte, 0, sui.AddressLength+8)
	buf = append(buf, id[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, version)
	sum := sha256.Sum256(buf)
	return base58.Encode(sum[:])
}
