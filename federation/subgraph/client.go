// Package subgraph implements the wire adapter that turns a planned fetch
// into an HTTP call against one subgraph: JSON request/response codec,
// per-subgraph timeout, leaky-bucket rate limiting, and automatic persisted
// queries (APQ), following the HTTP-call and retry shape of the teacher's
// schema fetcher.
package subgraph

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"
)

// Request is a GraphQL request body sent to a subgraph.
type Request struct {
	Query         string         `json:"query,omitempty"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
	Extensions    map[string]any `json:"extensions,omitempty"`
}

// GraphQLError is a single error entry in a subgraph response.
type GraphQLError struct {
	Message    string         `json:"message"`
	Path       []any          `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

// Response is a GraphQL response body received from a subgraph.
type Response struct {
	Data   json.RawMessage `json:"data,omitempty"`
	Errors []GraphQLError  `json:"errors,omitempty"`
}

// apqErrorCode extensions from the APQ protocol.
const (
	apqNotFound    = "PERSISTED_QUERY_NOT_FOUND"
	apqNotSupported = "PERSISTED_QUERY_NOT_SUPPORTED"
)

func (r *Response) hasExtensionCode(code string) bool {
	for _, e := range r.Errors {
		if e.Extensions == nil {
			continue
		}
		if c, ok := e.Extensions["code"].(string); ok && c == code {
			return true
		}
	}
	return false
}

// Limits bounds how aggressively a Client may call a subgraph.
type Limits struct {
	// Timeout bounds a single call's round trip. Zero means no per-call timeout.
	Timeout time.Duration
	// RateLimit is the sustained requests/second allowed; zero disables limiting.
	RateLimit float64
	// Burst is the number of requests allowed to exceed RateLimit briefly.
	Burst int
}

// Client calls one subgraph's GraphQL endpoint over HTTP, with per-subgraph
// timeout racing, leaky-bucket rate limiting, and opportunistic APQ.
type Client struct {
	Name string
	Host string

	httpClient *http.Client
	limiter    *rate.Limiter
	timeout    time.Duration

	apqMu       sync.RWMutex
	apqDisabled bool // set permanently once the subgraph replies PERSISTED_QUERY_NOT_SUPPORTED
	apqKnown    map[string]bool
}

// New creates a Client for one subgraph.
func New(name, host string, httpClient *http.Client, limits Limits) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	var limiter *rate.Limiter
	if limits.RateLimit > 0 {
		burst := limits.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(limits.RateLimit), burst)
	}

	return &Client{
		Name:       name,
		Host:       host,
		httpClient: httpClient,
		limiter:    limiter,
		timeout:    limits.Timeout,
		apqKnown:   make(map[string]bool),
	}
}

// queryHash returns the sha256 hex digest APQ uses to identify a query.
func queryHash(query string) string {
	sum := sha256.Sum256([]byte(query))
	return hex.EncodeToString(sum[:])
}

// Call sends req to the subgraph and returns its decoded response. Unless the
// subgraph has replied PERSISTED_QUERY_NOT_SUPPORTED, the first attempt for
// a not-yet-registered query sends only its hash; a PERSISTED_QUERY_NOT_FOUND
// reply triggers one retry carrying the full query text plus the hash, which
// registers it for subsequent calls.
func (c *Client) Call(ctx context.Context, req Request) (*Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait for subgraph %s: %w", c.Name, err)
		}
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	if c.apqEnabled() && req.Query != "" {
		hash := queryHash(req.Query)
		if !c.apqIsKnown(hash) {
			hashOnly := req
			hashOnly.Query = ""
			hashOnly.Extensions = map[string]any{
				"persistedQuery": map[string]any{"version": 1, "sha256Hash": hash},
			}
			resp, err := c.do(ctx, hashOnly)
			if err != nil {
				return nil, err
			}
			if !resp.hasExtensionCode(apqNotFound) {
				if resp.hasExtensionCode(apqNotSupported) {
					c.disableAPQ()
				} else {
					c.markAPQKnown(hash)
				}
				return resp, nil
			}

			withQuery := req
			withQuery.Extensions = hashOnly.Extensions
			resp, err = c.do(ctx, withQuery)
			if err != nil {
				return nil, err
			}
			if !resp.hasExtensionCode(apqNotSupported) {
				c.markAPQKnown(hash)
			} else {
				c.disableAPQ()
			}
			return resp, nil
		}

		registered := req
		registered.Extensions = map[string]any{
			"persistedQuery": map[string]any{"version": 1, "sha256Hash": hash},
		}
		registered.Query = ""
		resp, err := c.do(ctx, registered)
		if err != nil {
			return nil, err
		}
		if resp.hasExtensionCode(apqNotFound) {
			fallback := req
			fallback.Extensions = registered.Extensions
			return c.do(ctx, fallback)
		}
		return resp, nil
	}

	return c.do(ctx, req)
}

func (c *Client) do(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode subgraph request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Host, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build subgraph request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call subgraph %s: %w", c.Name, err)
	}
	defer httpResp.Body.Close()

	var resp Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode response from subgraph %s: %w", c.Name, err)
	}

	return &resp, nil
}

func (c *Client) apqEnabled() bool {
	c.apqMu.RLock()
	defer c.apqMu.RUnlock()
	return !c.apqDisabled
}

func (c *Client) disableAPQ() {
	c.apqMu.Lock()
	defer c.apqMu.Unlock()
	c.apqDisabled = true
}

func (c *Client) apqIsKnown(hash string) bool {
	c.apqMu.RLock()
	defer c.apqMu.RUnlock()
	return c.apqKnown[hash]
}

func (c *Client) markAPQKnown(hash string) {
	c.apqMu.Lock()
	defer c.apqMu.Unlock()
	c.apqKnown[hash] = true
}
