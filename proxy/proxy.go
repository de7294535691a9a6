// Package proxy defines the API-proxy client: a relay that performs
// network calls on behalf of a context blocked by content security policy
// from calling the network directly. Call outcomes are a tagged Result so
// call sites consume success and failure exhaustively instead of
// duck-typing response shapes.
package proxy

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/curia-network/embedhost/wire"
)

// ErrProxyFailure is the sentinel wrapped by transport-level relay
// failures. A Result with OK=false is a delivered failure, not an error.
var ErrProxyFailure = errors.New("proxy: relay call failed")

// CallAuth carries the identity context attached to a relayed call.
type CallAuth struct {
	UserID      string
	CommunityID string
	Token       string
}

// Result is the tagged outcome of a relayed call. Exactly one of Data
// (OK=true) and ErrorMessage (OK=false) is meaningful.
type Result struct {
	OK           bool            `json:"success"`
	Data         json.RawMessage `json:"data,omitempty"`
	ErrorCode    string          `json:"errorCode,omitempty"`
	ErrorMessage string          `json:"error,omitempty"`
}

// Ok builds a success Result from any JSON-marshalable payload.
func Ok(data any) (Result, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Result{}, err
	}
	return Result{OK: true, Data: raw}, nil
}

// Fail builds a failure Result.
func Fail(code, message string) Result {
	return Result{OK: false, ErrorCode: code, ErrorMessage: message}
}

// Client relays an allowed method call to the backend API. An error return
// means the relay itself failed (network, encoding); a Result with
// OK=false means the backend answered with a failure.
type Client interface {
	Call(ctx context.Context, method wire.Method, params json.RawMessage, auth CallAuth) (Result, error)
}
