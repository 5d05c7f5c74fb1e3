package sui

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/rpc"
)

// ObjectOptions are the sui_getObject display options.
type ObjectOptions struct {
	ShowType    bool `json:"showType"`
	ShowOwner   bool `json:"showOwner"`
	ShowContent bool `json:"showContent"`
}

// ObjectResponse is the sui_getObject result.
type ObjectResponse struct {
	Data  *ObjectData  `json:"data,omitempty"`
	Error *ObjectError `json:"error,omitempty"`
}

type ObjectData struct {
	ObjectID Address        `json:"objectId"`
	Version  Uint64         `json:"version"`
	Digest   string         `json:"digest"`
	Type     string         `json:"type,omitempty"`
	Owner    *Owner         `json:"owner,omitempty"`
	Content  *ObjectContent `json:"content,omitempty"`
}

type ObjectContent struct {
	DataType string          `json:"dataType"`
	Type     string          `json:"type"`
	Fields   json.RawMessage `json:"fields"`
}

type ObjectError struct {
	Code     string `json:"code"`
	ObjectID string `json:"object_id,omitempty"`
}

// RPCClient reads objects over the Sui JSON-RPC API.
type RPCClient struct {
	c *rpc.Client
}

// DialRPC connects to a fullnode JSON-RPC endpoint.
func DialRPC(ctx context.Context, url string) (*RPCClient, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial sui rpc %s: %w", url, err)
	}
	return &RPCClient{c: c}, nil
}

// NewRPCClient wraps an existing JSON-RPC client.
func NewRPCClient(c *rpc.Client) *RPCClient {
	return &RPCClient{c: c}
}

func (r *RPCClient) Close() {
	r.c.Close()
}

// GetObject implements ObjectReader.
func (r *RPCClient) GetObject(ctx context.Context, id ObjectID) (*Object, error) {
	var resp ObjectResponse
	opts := ObjectOptions{ShowType: true, ShowOwner: true, ShowContent: true}
	if err := r.c.CallContext(ctx, &resp, "sui_getObject", id.String(), opts); err != nil {
		return nil, fmt.Errorf("sui_getObject %s: %w", id, err)
	}

	if resp.Error != nil {
		if resp.Error.Code == "notExists" || resp.Error.Code == "deleted" {
			return nil, fmt.Errorf("%s: %w", id, ErrObjectNotFound)
		}
		return nil, fmt.Errorf("sui_getObject %s: %s", id, resp.Error.Code)
	}
	if resp.Data == nil {
		return nil, fmt.Errorf("%s: %w", id, ErrObjectNotFound)
	}

	return resp.Data.toObject(), nil
}

func (d *ObjectData) toObject() *Object {
	obj := &Object{
		ObjectID: d.ObjectID,
		Version:  uint64(d.Version),
		Digest:   d.Digest,
		Type:     d.Type,
	}
	if d.Owner != nil {
		obj.Owner = *d.Owner
	}
	if d.Content != nil {
		obj.Fields = d.Content.Fields
		if obj.Type == "" {
			obj.Type = d.Content.Type
		}
	}
	return obj
}

// ObjectResponseFor builds the RPC representation of obj. Used by test
// servers that speak sui_getObject.
func ObjectResponseFor(obj *Object) *ObjectResponse {
	owner := obj.Owner
	return &ObjectResponse{
		Data: &ObjectData{
			ObjectID: obj.ObjectID,
			Version:  Uint64(obj.Version),
			Digest:   obj.Digest,
			Type:     obj.Type,
			Owner:    &owner,
			Content: &ObjectContent{
				DataType: "moveObject",
				Type:     obj.Type,
				Fields:   obj.Fields,
			},
		},
	}
}
