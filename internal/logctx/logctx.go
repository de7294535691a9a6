// Package logctx enriches slog records with widget, session, and rpc
// attributes carried on the context, so every component logs with the same
// correlation fields without threading them explicitly.
package logctx

import (
	"context"
	"log/slog"
)

type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if wd, ok := ctx.Value(widgetDataKey{}).(*WidgetData); ok {
		r.AddAttrs(slog.Group("widget",
			slog.String("uid", wd.InstanceID),
			slog.String("phase", wd.Phase),
		))
	}

	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("user_id", sd.UserID),
			slog.String("community_id", sd.CommunityID),
		))
	}

	if msg, ok := ctx.Value(rpcMsgKey{}).(*RPCMessage); ok {
		r.AddAttrs(slog.Group("rpc",
			slog.String("method", msg.Method),
			slog.String("id", msg.RequestID),
			slog.String("type", msg.Type),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type widgetDataKey struct{}

type WidgetData struct {
	InstanceID string
	Phase      string
}

func WithWidgetData(ctx context.Context, data *WidgetData) context.Context {
	return context.WithValue(ctx, widgetDataKey{}, data)
}

type sessionDataKey struct{}

type SessionData struct {
	UserID      string
	CommunityID string
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

type rpcMsgKey struct{}

type RPCMessage struct {
	Method    string
	RequestID string
	Type      string
}

func WithRPCMessage(ctx context.Context, msg *RPCMessage) context.Context {
	return context.WithValue(ctx, rpcMsgKey{}, msg)
}
