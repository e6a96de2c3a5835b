// Package jsonrpc issues JSON-RPC 2.0 calls over HTTP POST.
package jsonrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const maxResponseBytes = 32 << 20

type Endpoint struct {
	URL      string
	Username string
	Password string
}

type Request struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      uint64        `json:"id"`
}

type Response struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type StatusError struct {
	Code    int
	Snippet string
}

func (e *StatusError) Error() string {
	if e.Snippet == "" {
		return fmt.Sprintf("http %d", e.Code)
	}
	return fmt.Sprintf("http %d: %s", e.Code, e.Snippet)
}

type Client struct {
	httpClient *http.Client
	ids        IDSource
}

func NewClient(httpClient *http.Client, ids IDSource) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if ids == nil {
		ids = NewSequence(0)
	}
	return &Client{httpClient: httpClient, ids: ids}
}

// Call posts one request and returns the raw response body. Non-2xx statuses are
// returned as *StatusError. The body is not interpreted so callers can accept
// non-standard response shapes.
func (c *Client) Call(ctx context.Context, ep Endpoint, method string, params []interface{}, timeout time.Duration) (json.RawMessage, error) {
	if params == nil {
		params = []interface{}{}
	}
	body, err := json.Marshal(Request{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.ids.NextID(),
	})
	if err != nil {
		return nil, err
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if ep.Username != "" || ep.Password != "" {
		req.SetBasicAuth(ep.Username, ep.Password)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 120))
		return nil, &StatusError{Code: resp.StatusCode, Snippet: strings.TrimSpace(string(snippet))}
	}
	out, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CallResult performs Call and decodes a standard envelope, turning a JSON-RPC
// error member into *RPCError.
func (c *Client) CallResult(ctx context.Context, ep Endpoint, method string, params []interface{}, timeout time.Duration) (json.RawMessage, error) {
	body, err := c.Call(ctx, ep, method, params, timeout)
	if err != nil {
		return nil, err
	}
	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", method, err)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// IsTimeout reports whether err came from a deadline or a network timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
