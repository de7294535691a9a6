// Package router is the single choke point for inbound widget messages.
// One subscription on the instance's host topic receives everything the
// contexts emit; the router classifies, filters by instance id, enforces
// the method allow-list and signature policy, and dispatches to the proxy
// or to local handlers. Every request receives exactly one reply on the
// shared response topic; contexts pair replies by correlation id.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/curia-network/embedhost/broadcast"
	"github.com/curia-network/embedhost/frame"
	"github.com/curia-network/embedhost/internal/logctx"
	"github.com/curia-network/embedhost/proxy"
	"github.com/curia-network/embedhost/sigval"
	"github.com/curia-network/embedhost/wire"
)

// ErrAlreadyStarted is returned by Start on a running router.
var ErrAlreadyStarted = errors.New("router: already started")

// AuthFunc supplies the identity context attached to proxied calls. Called
// per request so session switches take effect immediately.
type AuthFunc func(ctx context.Context) proxy.CallAuth

// SwitchCommunityFunc handles the one locally-executed method. The router
// replies to the requester based on the returned error.
type SwitchCommunityFunc func(ctx context.Context, communityID string) error

// ControlFunc receives trusted control messages from the auth surface.
type ControlFunc func(ctx context.Context, cm *wire.ControlMessage)

// Config configures a Router.
type Config struct {
	InstanceID string
	Channel    broadcast.Channel
	Validator  *sigval.Validator
	Proxy      proxy.Client

	// Auth may be nil; proxied calls then carry no identity.
	Auth AuthFunc

	// OnControl and OnSwitchCommunity are invoked from the dispatch
	// goroutine; handlers must not block indefinitely.
	OnControl         ControlFunc
	OnSwitchCommunity SwitchCommunityFunc

	// Active supplies the context host-initiated actions are sent to.
	Active func() (frame.Context, bool)

	// RequireSignatures rejects unsigned requests instead of logging them.
	RequireSignatures bool

	Logger *slog.Logger
}

// Router validates and dispatches widget messages for one instance.
type Router struct {
	cfg Config
	log *slog.Logger

	mu    sync.Mutex
	unsub func()
}

// New creates a Router. Start must be called before messages flow.
func New(cfg Config) (*Router, error) {
	if cfg.InstanceID == "" {
		return nil, fmt.Errorf("router: instance id is required")
	}
	if cfg.Channel == nil {
		return nil, fmt.Errorf("router: broadcast channel is required")
	}
	if cfg.Validator == nil {
		return nil, fmt.Errorf("router: signature validator is required")
	}
	if cfg.Proxy == nil {
		return nil, fmt.Errorf("router: proxy client is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Router{cfg: cfg, log: cfg.Logger}, nil
}

// Start subscribes to the instance's host topic.
func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unsub != nil {
		return ErrAlreadyStarted
	}
	unsub, err := r.cfg.Channel.Subscribe(ctx, frame.HostTopic(r.cfg.InstanceID), r.handle)
	if err != nil {
		return fmt.Errorf("router: failed to subscribe: %w", err)
	}
	r.unsub = unsub
	return nil
}

// Close stops message dispatch. Safe to call repeatedly.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unsub != nil {
		r.unsub()
		r.unsub = nil
	}
	return nil
}

func (r *Router) handle(ctx context.Context, ev broadcast.Event) {
	classified, err := wire.Classify(ev.Data)
	if err != nil {
		r.log.DebugContext(ctx, "dropping unclassifiable message", slog.String("err", err.Error()))
		return
	}

	if cm := classified.Control; cm != nil {
		r.handleControl(ctx, cm)
		return
	}
	r.handleProtocol(ctx, classified.Protocol)
}

func (r *Router) handleControl(ctx context.Context, cm *wire.ControlMessage) {
	// Control messages from another co-located widget instance are not ours.
	if cm.IframeUID != "" && cm.IframeUID != r.cfg.InstanceID {
		return
	}
	if r.cfg.OnControl != nil {
		r.cfg.OnControl(ctx, cm)
	}
}

func (r *Router) handleProtocol(ctx context.Context, msg *wire.Message) {
	if msg.IframeUID != r.cfg.InstanceID {
		// Another widget instance on the same page; not an error.
		return
	}
	if msg.Type != wire.TypeRequest {
		r.log.DebugContext(ctx, "ignoring non-request on host topic", slog.String("type", string(msg.Type)))
		return
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method:    string(msg.Method),
		RequestID: msg.RequestID,
		Type:      string(msg.Type),
	})

	if !msg.Method.Allowed() {
		r.log.WarnContext(ctx, "rejecting request for unlisted method")
		r.respond(ctx, wire.NewErrorResponse(msg, "method not allowed"))
		return
	}
	if !r.checkSignature(ctx, msg) {
		r.respond(ctx, wire.NewErrorResponse(msg, "signature validation failed"))
		return
	}

	if msg.Method.Local() {
		r.dispatchLocal(ctx, msg)
		return
	}
	r.dispatchProxy(ctx, msg)
}

// checkSignature reports whether the request may proceed. Unsigned requests
// pass with a warning unless RequireSignatures is set; a present-but-invalid
// signature always rejects.
func (r *Router) checkSignature(ctx context.Context, msg *wire.Message) bool {
	if msg.Signature == "" {
		if r.cfg.RequireSignatures {
			r.log.WarnContext(ctx, "rejecting unsigned request")
			return false
		}
		r.log.WarnContext(ctx, "allowing unsigned request")
		return true
	}

	err := r.cfg.Validator.ValidateErr(sigval.SigningPayload{
		Method:    string(msg.Method),
		IframeUID: msg.IframeUID,
		RequestID: msg.RequestID,
		Timestamp: msg.Timestamp,
		Params:    msg.Params,
	}, msg.Signature)
	if err != nil {
		r.log.WarnContext(ctx, "rejecting request with invalid signature", slog.String("err", err.Error()))
		return false
	}
	return true
}

func (r *Router) dispatchLocal(ctx context.Context, msg *wire.Message) {
	var params struct {
		CommunityID string `json:"communityId"`
	}
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			r.respond(ctx, wire.NewErrorResponse(msg, "invalid params"))
			return
		}
	}
	if params.CommunityID == "" {
		r.respond(ctx, wire.NewErrorResponse(msg, "communityId is required"))
		return
	}
	if r.cfg.OnSwitchCommunity == nil {
		r.respond(ctx, wire.NewErrorResponse(msg, "community switching unavailable"))
		return
	}
	if err := r.cfg.OnSwitchCommunity(ctx, params.CommunityID); err != nil {
		r.log.WarnContext(ctx, "community switch failed", slog.String("err", err.Error()))
		r.respond(ctx, wire.NewErrorResponse(msg, "community switch failed"))
		return
	}
	resp, err := wire.NewResponse(msg, map[string]string{"communityId": params.CommunityID})
	if err != nil {
		r.respond(ctx, wire.NewErrorResponse(msg, "internal error"))
		return
	}
	r.respond(ctx, resp)
}

func (r *Router) dispatchProxy(ctx context.Context, msg *wire.Message) {
	var auth proxy.CallAuth
	if r.cfg.Auth != nil {
		auth = r.cfg.Auth(ctx)
	}

	res, err := r.cfg.Proxy.Call(ctx, msg.Method, msg.Params, auth)
	if err != nil {
		r.log.ErrorContext(ctx, "proxy call failed", slog.String("err", err.Error()))
		r.respond(ctx, wire.NewErrorResponse(msg, "proxy call failed"))
		return
	}
	if !res.OK {
		errMsg := res.ErrorMessage
		if errMsg == "" {
			errMsg = "request failed"
		}
		r.respond(ctx, wire.NewErrorResponse(msg, errMsg))
		return
	}
	resp, err := wire.NewResponse(msg, res.Data)
	if err != nil {
		r.respond(ctx, wire.NewErrorResponse(msg, "internal error"))
		return
	}
	r.respond(ctx, resp)
}

func (r *Router) respond(ctx context.Context, msg *wire.Message) {
	raw, err := json.Marshal(msg)
	if err != nil {
		r.log.ErrorContext(ctx, "failed to encode response", slog.String("err", err.Error()))
		return
	}
	if err := r.cfg.Channel.Publish(ctx, frame.ResponseTopic(r.cfg.InstanceID), raw); err != nil {
		r.log.ErrorContext(ctx, "failed to publish response", slog.String("err", err.Error()))
	}
}

// SendSidebarAction delivers a host-initiated action to the active context.
// With no active context the action is dropped with a warning; actions are
// advisory and never buffered.
func (r *Router) SendSidebarAction(ctx context.Context, action string, payload any) error {
	var active frame.Context
	var ok bool
	if r.cfg.Active != nil {
		active, ok = r.cfg.Active()
	}
	if !ok {
		r.log.WarnContext(ctx, "dropping sidebar action without active context", slog.String("action", action))
		return nil
	}

	msg, err := wire.NewSidebarAction(r.cfg.InstanceID, wire.NewRequestID(), action, payload)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return active.Send(ctx, raw)
}
