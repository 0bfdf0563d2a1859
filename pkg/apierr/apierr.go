// Package apierr maps structured gateway errors to OpenAI-compatible HTTP
// error responses.
package apierr

import (
	"encoding/json"
	"errors"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

// ErrorType constants.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeServerError       = "server_error"
)

// attemptInfo is the per-attempt detail attached to aggregate failures.
type attemptInfo struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	OK       bool   `json:"ok"`
	Kind     string `json:"kind,omitempty"`
	Status   int    `json:"status,omitempty"`
}

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message   string        `json:"message"`
		Type      string        `json:"type"`
		Code      string        `json:"code"`
		RequestID string        `json:"request_id,omitempty"`
		Attempts  []attemptInfo `json:"attempts,omitempty"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	writeEnvelope(ctx, status, APIError{Message: message, Type: errType, Code: code})
}

// WriteGatewayError maps any engine error — *providers.Error or
// *providers.AggregateError — to the right HTTP response. Unknown errors
// become a 502.
func WriteGatewayError(ctx *fasthttp.RequestCtx, requestID string, err error) {
	var agg *providers.AggregateError
	if errors.As(err, &agg) {
		e := APIError{
			Message:   agg.Error(),
			Type:      typeForKind(agg.Kind),
			Code:      string(agg.Kind),
			RequestID: agg.RequestID,
		}
		for _, a := range agg.Attempts {
			e.Attempts = append(e.Attempts, attemptInfo{
				Provider: a.Provider,
				Model:    a.Model,
				OK:       a.OK,
				Kind:     string(a.Kind),
				Status:   a.Status,
			})
		}
		writeEnvelope(ctx, statusForKind(agg.Kind), e)
		return
	}

	var gerr *providers.Error
	if errors.As(err, &gerr) {
		if gerr.Kind == providers.KindRateLimited {
			ctx.Response.Header.Set("Retry-After", "60")
		}
		writeEnvelope(ctx, statusForKind(gerr.Kind), APIError{
			Message:   gerr.Message,
			Type:      typeForKind(gerr.Kind),
			Code:      string(gerr.Kind),
			RequestID: requestID,
		})
		return
	}

	writeEnvelope(ctx, fasthttp.StatusBadGateway, APIError{
		Message:   err.Error(),
		Type:      TypeProviderError,
		Code:      string(providers.KindInternal),
		RequestID: requestID,
	})
}

// WriteRateLimit writes a 429 rate limit error.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded",
		TypeRateLimitError, string(providers.KindRateLimited))
}

func writeEnvelope(ctx *fasthttp.RequestCtx, status int, e APIError) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: e})
	ctx.SetBody(body)
}

// statusForKind is the kind → HTTP status table.
//
//	auth                 → 401
//	invalid_request      → 400
//	rate_limited         → 429
//	provider_unavailable → 503
//	timeout              → 504
//	canceled             → 499 (client closed request)
//	plugin_reject        → 403
//	everything upstream  → 502
func statusForKind(kind providers.Kind) int {
	switch kind {
	case providers.KindAuth:
		return fasthttp.StatusUnauthorized
	case providers.KindInvalidRequest:
		return fasthttp.StatusBadRequest
	case providers.KindRateLimited:
		return fasthttp.StatusTooManyRequests
	case providers.KindProviderUnavailable:
		return fasthttp.StatusServiceUnavailable
	case providers.KindTimeout:
		return fasthttp.StatusGatewayTimeout
	case providers.KindCanceled:
		return 499
	case providers.KindPluginReject:
		return fasthttp.StatusForbidden
	case providers.KindInternal:
		return fasthttp.StatusInternalServerError
	default:
		return fasthttp.StatusBadGateway
	}
}

func typeForKind(kind providers.Kind) string {
	switch kind {
	case providers.KindAuth:
		return TypeAuthenticationErr
	case providers.KindInvalidRequest, providers.KindPluginReject:
		return TypeInvalidRequest
	case providers.KindRateLimited:
		return TypeRateLimitError
	case providers.KindInternal:
		return TypeServerError
	default:
		return TypeProviderError
	}
}
