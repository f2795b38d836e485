package tools

import (
	"context"
)

// Tool execution context keys. The embedded runtime injects the turn's
// routing into the context so tools stay stateless and safe for
// concurrent turns.

type toolContextKey string

const (
	ctxChannel   toolContextKey = "tool_channel"
	ctxChatID    toolContextKey = "tool_chat_id"
	ctxAccountID toolContextKey = "tool_account_id"
	ctxThreadID  toolContextKey = "tool_thread_id"
	ctxRecorder  toolContextKey = "tool_send_recorder"
)

// Route is the turn's origin as seen by tools.
type Route struct {
	Channel   string
	ChatID    string
	AccountID string
	ThreadID  string
}

// WithRoute stores the turn route on ctx.
func WithRoute(ctx context.Context, r Route) context.Context {
	ctx = context.WithValue(ctx, ctxChannel, r.Channel)
	ctx = context.WithValue(ctx, ctxChatID, r.ChatID)
	ctx = context.WithValue(ctx, ctxAccountID, r.AccountID)
	return context.WithValue(ctx, ctxThreadID, r.ThreadID)
}

// RouteFromCtx returns the route stored by WithRoute.
func RouteFromCtx(ctx context.Context) Route {
	var r Route
	r.Channel, _ = ctx.Value(ctxChannel).(string)
	r.ChatID, _ = ctx.Value(ctxChatID).(string)
	r.AccountID, _ = ctx.Value(ctxAccountID).(string)
	r.ThreadID, _ = ctx.Value(ctxThreadID).(string)
	return r
}

// WithSendRecorder attaches the turn's messaging-tool recorder.
func WithSendRecorder(ctx context.Context, rec *SendRecorder) context.Context {
	return context.WithValue(ctx, ctxRecorder, rec)
}

// SendRecorderFromCtx returns the recorder, or nil outside a turn.
func SendRecorderFromCtx(ctx context.Context) *SendRecorder {
	v, _ := ctx.Value(ctxRecorder).(*SendRecorder)
	return v
}
