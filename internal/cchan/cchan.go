// Package cchan provides small helpers for common channel operations
// that need to respect context cancellation.
//
// Most request-response flows between an engine facade and a session kernel
// follow the same shape: send a request value on one channel,
// then block for the response on a channel dedicated to that request.
// Centralizing that shape here keeps the call sites short
// and guarantees consistent logging when a context is canceled mid-operation.
package cchan

import (
	"context"
	"log/slog"
)

// SendC sends val on ch, or returns false if ctx is canceled first.
// The purpose argument is only used in the cancellation log message.
func SendC[T any](ctx context.Context, log *slog.Logger, ch chan<- T, val T, purpose string) (sent bool) {
	select {
	case <-ctx.Done():
		log.Info(
			"Context canceled while attempting channel send",
			"purpose", purpose,
			"cause", context.Cause(ctx),
		)
		return false
	case ch <- val:
		return true
	}
}

// RecvC receives a value from ch, or returns the zero value and false
// if ctx is canceled first.
// The purpose argument is only used in the cancellation log message.
func RecvC[T any](ctx context.Context, log *slog.Logger, ch <-chan T, purpose string) (val T, received bool) {
	select {
	case <-ctx.Done():
		log.Info(
			"Context canceled while attempting channel receive",
			"purpose", purpose,
			"cause", context.Cause(ctx),
		)
		var zero T
		return zero, false
	case val := <-ch:
		return val, true
	}
}

// ReqResp performs a blocking send of reqValue on reqChan,
// then does a blocking receive from respChan.
// If ctx is canceled during either operation,
// the ok return value is false.
func ReqResp[TReq, TResp any](
	ctx context.Context,
	log *slog.Logger,
	reqChan chan<- TReq, reqValue TReq,
	respChan <-chan TResp,
	purpose string,
) (resp TResp, ok bool) {
	if !SendC(ctx, log, reqChan, reqValue, purpose) {
		var zero TResp
		return zero, false
	}

	return RecvC(ctx, log, respChan, purpose)
}
