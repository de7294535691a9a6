package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/elnormous/contenttype"

	"github.com/curia-network/embedhost/wire"
)

var jsonMediaType = contenttype.NewMediaType("application/json")

// HTTPClient relays calls to the backend's proxy endpoint over HTTP.
type HTTPClient struct {
	baseURL string
	httpc   *http.Client
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithHTTPClient substitutes the underlying http.Client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPClient) { h.httpc = c }
}

// NewHTTPClient creates a relay client posting to baseURL + "/api/proxy".
func NewHTTPClient(baseURL string, opts ...HTTPOption) (*HTTPClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("proxy: base URL is required")
	}
	h := &HTTPClient{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// callEnvelope is the request body posted to the relay endpoint.
type callEnvelope struct {
	Method      wire.Method     `json:"method"`
	Params      json.RawMessage `json:"params,omitempty"`
	UserID      string          `json:"userId,omitempty"`
	CommunityID string          `json:"communityId,omitempty"`
}

func (h *HTTPClient) Call(ctx context.Context, method wire.Method, params json.RawMessage, auth CallAuth) (Result, error) {
	body, err := json.Marshal(callEnvelope{
		Method:      method,
		Params:      params,
		UserID:      auth.UserID,
		CommunityID: auth.CommunityID,
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: failed to encode call: %v", ErrProxyFailure, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/api/proxy", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrProxyFailure, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if auth.Token != "" {
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	}

	resp, err := h.httpc.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrProxyFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("%w: unexpected status %d", ErrProxyFailure, resp.StatusCode)
	}
	ctype, err := contenttype.GetMediaType(&http.Request{Header: resp.Header})
	if err != nil || !ctype.Matches(jsonMediaType) {
		return Result{}, fmt.Errorf("%w: unexpected content type %q", ErrProxyFailure, resp.Header.Get("Content-Type"))
	}

	var res Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return Result{}, fmt.Errorf("%w: failed to decode result: %v", ErrProxyFailure, err)
	}
	return res, nil
}

var _ Client = (*HTTPClient)(nil)
