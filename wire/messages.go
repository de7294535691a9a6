package wire

import (
	"encoding/json"
	"fmt"
)

// MessageType discriminates protocol messages exchanged between contexts.
type MessageType string

const (
	TypeRequest       MessageType = "request"
	TypeResponse      MessageType = "response"
	TypeInit          MessageType = "init"
	TypeError         MessageType = "error"
	TypeSidebarAction MessageType = "sidebar_action"
)

// Message is a protocol message. Requests carry Method/Params and may be
// signed; responses echo the RequestID of the request they answer and carry
// either Data or Error, never both.
type Message struct {
	Type      MessageType     `json:"type"`
	IframeUID string          `json:"iframeUid"`
	RequestID string          `json:"requestId,omitempty"`
	Method    Method          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Signature string          `json:"signature,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// ControlType tags the out-of-band control messages emitted by the
// authentication surface. These are literal string tags, not MessageType
// values, and are trusted without signatures because the host created the
// context they originate from.
type ControlType string

const (
	ControlAuthComplete       ControlType = "curia-auth-complete"
	ControlCommunityDiscovery ControlType = "curia-community-discovery-complete"
	ControlAddSessionComplete ControlType = "curia-add-session-complete"
	ControlProxyReady         ControlType = "curia-api-proxy-ready"
)

// ControlMessage is the envelope for control-tagged messages.
type ControlMessage struct {
	Type      ControlType     `json:"type"`
	IframeUID string          `json:"iframeUid,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// AuthCompletePayload is the data carried by a curia-auth-complete control
// message.
type AuthCompletePayload struct {
	UserID         string            `json:"userId"`
	CommunityID    string            `json:"communityId"`
	SessionToken   string            `json:"sessionToken"`
	IdentityType   string            `json:"identityType,omitempty"`
	ExpiresAt      int64             `json:"expiresAt,omitempty"` // unix millis
	ExternalParams map[string]string `json:"externalParams,omitempty"`
	ParentURL      string            `json:"parentUrl,omitempty"`
	Mode           string            `json:"mode,omitempty"`
}

// Classified is the result of classifying one inbound payload. Exactly one
// of Control and Protocol is non-nil.
type Classified struct {
	Control  *ControlMessage
	Protocol *Message
}

// Classify parses a raw inbound payload and determines whether it is a
// control message (literal type tag) or a protocol message (enum type).
// Unrecognized shapes return an error; the router drops those.
func Classify(raw []byte) (*Classified, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("wire: invalid message: %w", err)
	}

	switch ControlType(probe.Type) {
	case ControlAuthComplete, ControlCommunityDiscovery, ControlAddSessionComplete, ControlProxyReady:
		var cm ControlMessage
		if err := json.Unmarshal(raw, &cm); err != nil {
			return nil, fmt.Errorf("wire: invalid control message: %w", err)
		}
		return &Classified{Control: &cm}, nil
	}

	switch MessageType(probe.Type) {
	case TypeRequest, TypeResponse, TypeInit, TypeError, TypeSidebarAction:
		var m Message
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("wire: invalid protocol message: %w", err)
		}
		return &Classified{Protocol: &m}, nil
	}

	return nil, fmt.Errorf("wire: unknown message type %q", probe.Type)
}

// NewResponse builds a successful response echoing the request's
// correlation id.
func NewResponse(req *Message, data any) (*Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("wire: failed to marshal response data: %w", err)
	}
	return &Message{
		Type:      TypeResponse,
		IframeUID: req.IframeUID,
		RequestID: req.RequestID,
		Data:      raw,
	}, nil
}

// NewErrorResponse builds an error response echoing the request's
// correlation id.
func NewErrorResponse(req *Message, errMsg string) *Message {
	return &Message{
		Type:      TypeError,
		IframeUID: req.IframeUID,
		RequestID: req.RequestID,
		Error:     errMsg,
	}
}

// NewSidebarAction builds a host-initiated sidebar action message.
func NewSidebarAction(iframeUID, requestID string, kind string, payload any) (*Message, error) {
	body := struct {
		Action  string `json:"action"`
		Payload any    `json:"payload,omitempty"`
	}{Action: kind, Payload: payload}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("wire: failed to marshal sidebar action: %w", err)
	}
	return &Message{
		Type:      TypeSidebarAction,
		IframeUID: iframeUID,
		RequestID: requestID,
		Data:      raw,
	}, nil
}
