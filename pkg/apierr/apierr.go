// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypePermissionErr     = "permission_error"
	TypeNotFoundErr       = "not_found_error"
	TypeServerError       = "server_error"
)

// Code constants, one per error kind in the wire contract.
const (
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeInvalidAPIKey     = "invalid_api_key"
	CodeInternalError     = "internal_error"
	CodeProviderError     = "provider_error"
	CodeRequestTimeout    = "request_timeout"
	CodeNotImplemented    = "not_implemented"
	CodeInvalidRequest    = "invalid_request"
	CodeForbidden         = "forbidden"
	CodeNotFound          = "not_found"
	CodeModelNotFound     = "model_not_found"
	CodeBadRequest        = "bad_request"
	CodeTimeout           = "timeout"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`

		RequestID string `json:"request_id,omitempty"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
// The request ID stored under the "request_id" user value, when present, is
// included as the envelope's request_id field.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	reqID, _ := ctx.UserValue("request_id").(string)
	body, _ := json.Marshal(envelope{Error: APIError{
		Message:   message,
		Type:      errType,
		Code:      code,
		RequestID: reqID,
	}})
	ctx.SetBody(body)
}

// WriteProviderError maps a provider HTTP status to the appropriate gateway status.
//
//	Provider 429  → 429 + Retry-After: 60
//	Provider 5xx  → 502
//	Default       → 502
//
// Timeouts never reach this function; WriteTimeout writes them as 504.
func WriteProviderError(ctx *fasthttp.RequestCtx, providerStatus int, msg string) {
	switch {
	case providerStatus == fasthttp.StatusTooManyRequests:
		ctx.Response.Header.Set("Retry-After", "60")
		Write(ctx, fasthttp.StatusTooManyRequests, msg, TypeRateLimitError, CodeRateLimitExceeded)
	case providerStatus >= 500 && providerStatus < 600:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
	default:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
	}
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "provider request timed out", TypeProviderError, CodeTimeout)
}

// WriteRateLimit writes a 429 rate limit error.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}

// WriteInvalidAPIKey writes a 401 for a missing, unknown, or inactive key.
func WriteInvalidAPIKey(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusUnauthorized, msg, TypeAuthenticationErr, CodeInvalidAPIKey)
}

// WriteForbidden writes a 403 for a policy denial.
func WriteForbidden(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusForbidden, msg, TypePermissionErr, CodeForbidden)
}

// WriteNotFound writes a 404 for an unknown path.
func WriteNotFound(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusNotFound, msg, TypeNotFoundErr, CodeNotFound)
}

// WriteModelNotFound writes a 404 for an unknown public model name.
func WriteModelNotFound(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusNotFound, msg, TypeNotFoundErr, CodeModelNotFound)
}

// WriteBadRequest writes a 400 for a malformed or incomplete request.
func WriteBadRequest(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusBadRequest, msg, TypeInvalidRequest, CodeBadRequest)
}

// WriteInternalError writes a 500 for an unhandled exception. The raw
// message is suppressed unless production is false (non-production
// posture surfaces it for debugging).
func WriteInternalError(ctx *fasthttp.RequestCtx, err error, production bool) {
	msg := "internal error"
	if !production && err != nil {
		msg = err.Error()
	}
	Write(ctx, fasthttp.StatusInternalServerError, msg, TypeServerError, CodeInternalError)
}
