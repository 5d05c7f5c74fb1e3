package threshold

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/drand/kyber"
	"github.com/google/uuid"

	"groupseal/internal/protocol"
	"groupseal/internal/sealcrypto"
	"groupseal/internal/sui"
)

// HTTPDoer is the transport used to reach key servers.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// maxResponseSize bounds key-server response bodies.
const maxResponseSize = 1 << 20

func (c *Client) getService(ctx context.Context, s ServerConfig) (kyber.Point, error) {
	u := strings.TrimRight(s.URL, "/") + protocol.ServicePath + "?service_id=" + url.QueryEscape(s.ObjectID.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	var body protocol.ServiceResponse
	if err := c.do(req, &body); err != nil {
		return nil, err
	}
	if body.ServiceID != s.ObjectID {
		return nil, fmt.Errorf("service id mismatch: got %s", body.ServiceID)
	}
	return sealcrypto.ParsePublicKey(body.PublicKey)
}

func (c *Client) postFetchKey(ctx context.Context, s ServerConfig, fr *protocol.FetchKeyRequest) (*protocol.FetchKeyResponse, error) {
	payload, err := json.Marshal(fr)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	u := strings.TrimRight(s.URL, "/") + protocol.FetchKeyPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var body protocol.FetchKeyResponse
	if err := c.do(req, &body); err != nil {
		return nil, err
	}
	return &body, nil
}

// do sends req with a fresh request id and decodes a 200 body into out.
// Non-200 responses become *protocol.Error.
func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set(protocol.RequestIDHeader, uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		perr := &protocol.Error{Status: resp.StatusCode, Code: protocol.Failure}
		var er protocol.ErrorResponse
		if json.Unmarshal(data, &er) == nil && er.Code != "" {
			perr.Code = er.Code
			perr.Message = er.Message
		}
		return perr
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// serverError attributes an error to a key server.
type serverError struct {
	server sui.ObjectID
	err    error
}

func (e *serverError) Error() string {
	return fmt.Sprintf("key server %s: %v", e.server, e.err)
}

func (e *serverError) Unwrap() error {
	return e.err
}
