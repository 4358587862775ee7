package middleware

import (
	"context"

	"github.com/drblury/natsflow/internal/runtime/message"
)

// Funcs builds a middleware from plain functions. Only non-nil fields are
// declared as hooks.
type Funcs struct {
	OnSendPublish   HookFunc
	OnSendRequest   HookFunc
	OnListenPublish HookFunc
	OnListenRequest HookFunc
	OnSend          HookFunc
	OnListen        HookFunc
}

func (f Funcs) Hooks() Hook {
	var h Hook
	if f.OnSendPublish != nil {
		h |= HookSendPublish
	}
	if f.OnSendRequest != nil {
		h |= HookSendRequest
	}
	if f.OnListenPublish != nil {
		h |= HookListenPublish
	}
	if f.OnListenRequest != nil {
		h |= HookListenRequest
	}
	if f.OnSend != nil {
		h |= HookSend
	}
	if f.OnListen != nil {
		h |= HookListen
	}
	return h
}

func (f Funcs) SendPublish(ctx context.Context, msg *message.Message, next Next) (*message.Message, error) {
	return f.OnSendPublish(ctx, msg, next)
}

func (f Funcs) SendRequest(ctx context.Context, msg *message.Message, next Next) (*message.Message, error) {
	return f.OnSendRequest(ctx, msg, next)
}

func (f Funcs) ListenPublish(ctx context.Context, msg *message.Message, next Next) (*message.Message, error) {
	return f.OnListenPublish(ctx, msg, next)
}

func (f Funcs) ListenRequest(ctx context.Context, msg *message.Message, next Next) (*message.Message, error) {
	return f.OnListenRequest(ctx, msg, next)
}

func (f Funcs) Send(ctx context.Context, msg *message.Message, next Next) (*message.Message, error) {
	return f.OnSend(ctx, msg, next)
}

func (f Funcs) Listen(ctx context.Context, msg *message.Message, next Next) (*message.Message, error) {
	return f.OnListen(ctx, msg, next)
}
