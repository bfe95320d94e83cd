package proxy

import (
	"context"
	"errors"

	"github.com/valyala/fasthttp"

	"github.com/watchllm/watchllm-proxy/internal/providers"
	"github.com/watchllm/watchllm-proxy/pkg/apierr"
)

// upstreamErrorKind maps a classified provider failure onto the client-facing
// taxonomy. Auth failures are fatal for the project+provider pair; everything
// else surfaces unchanged with no internal retry.
func upstreamErrorKind(kind providers.ErrorKind) apierr.Kind {
	switch kind {
	case providers.ErrAuth:
		return apierr.KindUpstreamAuth
	case providers.ErrRateLimited:
		return apierr.KindUpstreamRateLimited
	case providers.ErrInvalid:
		return apierr.KindUpstreamInvalid
	default:
		return apierr.KindUpstreamUnavailable
	}
}

// writeUpstreamError writes the appropriate error response for a failed
// provider call and returns the error-kind label used in telemetry.
func writeUpstreamError(ctx *fasthttp.RequestCtx, err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		apierr.WriteTimeout(ctx)
		return string(apierr.KindTimeout)
	}
	if errors.Is(err, context.Canceled) {
		// The client is gone; the status code is never delivered.
		apierr.WriteTimeout(ctx)
		return string(apierr.KindTimeout)
	}

	if pe, ok := providers.AsProviderError(err); ok {
		kind := upstreamErrorKind(pe.Kind)
		if kind == apierr.KindUpstreamRateLimited && pe.RetryAfter > 0 {
			apierr.SetRetryAfter(ctx, pe.RetryAfter.Seconds())
		}
		apierr.WriteKind(ctx, kind, pe.Message, apierr.CodeProviderError)
		return string(kind)
	}

	apierr.WriteKind(ctx, apierr.KindUpstreamUnavailable, err.Error(), apierr.CodeProviderError)
	return string(apierr.KindUpstreamUnavailable)
}

// errorKindLabel is the telemetry label for an upstream failure that could
// not be written as a status (the stream headers were already sent).
func errorKindLabel(err error) string {
	if pe, ok := providers.AsProviderError(err); ok {
		return string(upstreamErrorKind(pe.Kind))
	}
	return string(apierr.KindUpstreamUnavailable)
}

// streamErrorBody renders an upstream failure as the error envelope, for
// embedding in an SSE stream that is already underway.
func streamErrorBody(err error) []byte {
	if pe, ok := providers.AsProviderError(err); ok {
		return apierr.Body(pe.Message, upstreamErrorKind(pe.Kind), apierr.CodeProviderError)
	}
	return apierr.Body(err.Error(), apierr.KindUpstreamUnavailable, apierr.CodeProviderError)
}
