// Package client talks to a tangram server over HTTP. Client implements
// federation.Service, so servers also use it to reach their peers.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tomyedwab/tangram/auth"
	"github.com/tomyedwab/tangram/federation"
	"github.com/tomyedwab/tangram/stdio"
	"github.com/tomyedwab/tangram/types"
)

const (
	tokenTTL           = 15 * time.Minute
	tokenRefreshMargin = time.Minute
)

// Client represents a connection to one tangram server
type Client struct {
	baseURL    string
	httpClient *http.Client

	secret      []byte
	subject     string
	mu          sync.Mutex // Protects accessToken and expiry
	accessToken string
	expiry      time.Time
}

var _ federation.Service = (*Client)(nil)

// ClientOption represents a functional option for configuring the Client
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithSecret signs a bearer token for subject with the shared secret.
func WithSecret(secret []byte, subject string) ClientOption {
	return func(c *Client) {
		c.secret = secret
		c.subject = subject
	}
}

// WithToken sends a fixed bearer token.
func WithToken(token string) ClientOption {
	return func(c *Client) {
		c.accessToken = token
		c.expiry = time.Time{}
	}
}

// NewClient creates a client for the server at baseURL. The default HTTP
// client has no overall timeout since waits and streams are long-lived;
// use contexts to bound calls.
func NewClient(baseURL string, options ...ClientOption) *Client {
	client := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{},
	}
	for _, option := range options {
		option(client)
	}
	return client
}

// GetBaseURL returns the client's base URL
func (c *Client) GetBaseURL() string {
	return c.baseURL
}

// bearer returns the token for the Authorization header, signing a fresh
// one when a secret is configured and the current one is about to expire.
func (c *Client) bearer() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.secret == nil {
		return c.accessToken, nil
	}
	if c.accessToken != "" && time.Until(c.expiry) > tokenRefreshMargin {
		return c.accessToken, nil
	}
	token, err := auth.Sign(c.secret, c.subject, tokenTTL)
	if err != nil {
		return "", err
	}
	c.accessToken = token
	c.expiry = time.Now().Add(tokenTTL)
	return token, nil
}

// makeRequest performs an HTTP request with authentication headers. A
// body that is an io.Reader is streamed as is; anything else is sent as
// JSON. Non-2xx responses are returned as *Error.
func (c *Client) makeRequest(ctx context.Context, method, path string, query url.Values, body any, headers map[string]string) (*http.Response, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	contentType := ""
	switch b := body.(type) {
	case nil:
	case io.Reader:
		reader = b
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	token, err := c.bearer()
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, NewNetworkError(fmt.Sprintf("%s %s failed", method, path), err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, wrapHTTPError(resp, fmt.Sprintf("%s %s", method, path))
	}
	return resp, nil
}

// call performs a request and decodes a JSON response into out, which may
// be nil for endpoints without a body.
func (c *Client) call(ctx context.Context, method, path string, query url.Values, body, out any) error {
	resp, err := c.makeRequest(ctx, method, path, query, body, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return NewNetworkError("failed to decode response", err)
	}
	return nil
}

func routeQuery(route types.Route) url.Values {
	q := url.Values{}
	route.Encode(q)
	return q
}

func processPath(id, op string) string {
	p := "/processes/" + url.PathEscape(id)
	if op != "" {
		p += "/" + op
	}
	return p
}

func (c *Client) Spawn(ctx context.Context, arg types.SpawnArg, route types.Route) (*types.SpawnOutput, error) {
	var output types.SpawnOutput
	if err := c.call(ctx, http.MethodPost, "/processes/spawn", routeQuery(route), arg, &output); err != nil {
		return nil, err
	}
	return &output, nil
}

func (c *Client) Get(ctx context.Context, id string, route types.Route) (*types.Process, error) {
	var p types.Process
	if err := c.call(ctx, http.MethodGet, processPath(id, ""), routeQuery(route), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) List(ctx context.Context, arg types.ListArg, route types.Route) ([]*types.Process, error) {
	q := routeQuery(route)
	if arg.Status != "" {
		q.Set("status", string(arg.Status))
	}
	if arg.Limit > 0 {
		q.Set("limit", strconv.Itoa(arg.Limit))
	}
	var processes []*types.Process
	if err := c.call(ctx, http.MethodGet, "/processes", q, nil, &processes); err != nil {
		return nil, err
	}
	return processes, nil
}

func (c *Client) Enqueue(ctx context.Context, id string, route types.Route) error {
	return c.call(ctx, http.MethodPost, processPath(id, "enqueue"), routeQuery(route), nil, nil)
}

func (c *Client) Start(ctx context.Context, id string, route types.Route) error {
	return c.call(ctx, http.MethodPost, processPath(id, "start"), routeQuery(route), nil, nil)
}

func (c *Client) Finish(ctx context.Context, id string, arg types.FinishArg, route types.Route) error {
	return c.call(ctx, http.MethodPost, processPath(id, "finish"), routeQuery(route), arg, nil)
}

func (c *Client) Touch(ctx context.Context, id string, route types.Route) error {
	return c.call(ctx, http.MethodPost, processPath(id, "touch"), routeQuery(route), nil, nil)
}

func (c *Client) Cancel(ctx context.Context, id, token string, route types.Route) error {
	return c.call(ctx, http.MethodPost, processPath(id, "cancel"), routeQuery(route), types.CancelArg{Token: token}, nil)
}

func (c *Client) Heartbeat(ctx context.Context, id string, route types.Route) (*types.HeartbeatOutput, error) {
	var output types.HeartbeatOutput
	if err := c.call(ctx, http.MethodPost, processPath(id, "heartbeat"), routeQuery(route), nil, &output); err != nil {
		return nil, err
	}
	return &output, nil
}

// Dequeue long-polls until ctx's deadline, or for the server's maximum
// wait when ctx has none.
func (c *Client) Dequeue(ctx context.Context, route types.Route) (*types.DequeueOutput, error) {
	q := routeQuery(route)
	if deadline, ok := ctx.Deadline(); ok {
		q.Set("timeout", max(time.Until(deadline), 0).String())
	}
	var output types.DequeueOutput
	resp, err := c.makeRequest(ctx, http.MethodPost, "/processes/dequeue", q, nil, nil)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(&output); err != nil {
		return nil, NewNetworkError("failed to decode response", err)
	}
	return &output, nil
}

func (c *Client) Wait(ctx context.Context, id string, route types.Route) (*types.Process, error) {
	var p types.Process
	if err := c.call(ctx, http.MethodGet, processPath(id, "wait"), routeQuery(route), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// WatchStatus streams status changes of a process served by this server.
func (c *Client) WatchStatus(ctx context.Context, id string) (<-chan types.StatusUpdate, error) {
	resp, err := c.makeRequest(ctx, http.MethodGet, processPath(id, "status"), nil, nil,
		map[string]string{"Accept": stdio.MediaEventStream})
	if err != nil {
		return nil, err
	}

	out := make(chan types.StatusUpdate)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		reader := stdio.NewSSEReader(resp.Body)
		for {
			name, data, err := reader.Next()
			if err != nil {
				return
			}
			if name != "status" {
				continue
			}
			var update types.StatusUpdate
			if err := json.Unmarshal(data, &update); err != nil {
				return
			}
			select {
			case out <- update:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
