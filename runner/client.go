package runner

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/rpc/v2/json2"
	"github.com/verdict-network/verdict/lib"
)

// JSON-RPC methods exposed by a runner
const (
	MethodRunAsLeader      = "run_as_leader"
	MethodRunAsValidator   = "run_as_validator"
	MethodIsAvailable      = "is_available"
	MethodIsModelAvailable = "is_model_available"
)

var _ Runner = (*Client)(nil)

// Client is a Runner reached over JSON-RPC 2.0 on HTTP
type Client struct {
	url  string
	http *http.Client
}

// NewClient() creates a runner client; a nil http client uses http.DefaultClient
func NewClient(url string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{url: url, http: httpClient}
}

// RunAsLeader() calls run_as_leader
func (c *Client) RunAsLeader(ctx context.Context, req *LeaderRequest) (*lib.Receipt, error) {
	receipt := new(lib.Receipt)
	if err := c.call(ctx, MethodRunAsLeader, req, receipt); err != nil {
		return nil, err
	}
	return receipt, nil
}

// RunAsValidator() calls run_as_validator
func (c *Client) RunAsValidator(ctx context.Context, req *ValidatorRequest) (*lib.Receipt, error) {
	receipt := new(lib.Receipt)
	if err := c.call(ctx, MethodRunAsValidator, req, receipt); err != nil {
		return nil, err
	}
	return receipt, nil
}

// IsAvailable() calls is_available; any failure means unavailable
func (c *Client) IsAvailable(ctx context.Context) bool {
	var ok bool
	return c.call(ctx, MethodIsAvailable, struct{}{}, &ok) == nil && ok
}

// IsModelAvailable() calls is_model_available; any failure means unavailable
func (c *Client) IsModelAvailable(ctx context.Context, provider, model string) bool {
	var ok bool
	return c.call(ctx, MethodIsModelAvailable, &ModelQuery{Provider: provider, Model: model}, &ok) == nil && ok
}

// call() performs a single JSON-RPC round trip
func (c *Client) call(ctx context.Context, method string, args, reply any) error {
	body, err := json2.EncodeClientRequest(method, args)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned http status %d", method, resp.StatusCode)
	}
	return json2.DecodeClientResponse(resp.Body, reply)
}
