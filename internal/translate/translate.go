// Package translate maps an OpenAI-shape caller request into a
// provider-native upstream request: URL, method, headers, and body.
package translate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/route"
	"github.com/nulpointcorp/llm-gateway/internal/store"
)

// Built is a fully-formed, ready-to-dispatch upstream request.
type Built struct {
	URL     string
	Method  string
	Headers map[string]string
	Body    []byte
	Cancel  context.CancelFunc
	Ctx     context.Context
}

// ChatMessage is one OpenAI-shape message. Content may be a plain string or
// an array of typed content parts — UnmarshalJSON on neither is required
// here since callers always hand us the decoded envelope.
type ChatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ChatRequest is the caller's decoded OpenAI-shape body.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
}

// textOf extracts the textual content of a ChatMessage, collapsing a
// content-part array (`[{"type":"text","text":"..."}]`) into a single
// concatenated string when content isn't a plain JSON string.
func textOf(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	var sb strings.Builder
	for _, p := range parts {
		if p.Type == "text" || p.Type == "" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// Translate builds the upstream request for route, given the caller's raw
// JSON body, the public endpoint path, whether streaming was requested, and
// the request ID to propagate.
func Translate(ctx context.Context, r route.ResolvedRoute, path string, rawBody []byte, streaming bool, requestID string) (*Built, error) {
	var req ChatRequest
	if len(rawBody) > 0 {
		if err := json.Unmarshal(rawBody, &req); err != nil {
			return nil, fmt.Errorf("translate: decode request body: %w", err)
		}
	}

	timeoutMs := r.Provider.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = 30000
	}
	dctx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)

	var (
		url  string
		body []byte
		err  error
	)

	switch r.Provider.Type {
	case store.ProviderTypeGoogle:
		url, body, err = translateGoogle(r, path, rawBody, req, streaming)
	case store.ProviderTypeAnthropic:
		url, body, err = translateAnthropic(r, req)
	default: // openai, custom, oauth
		url = strings.TrimRight(r.Provider.BaseURL, "/") + path
		body, err = rewriteModel(rawBody, r.Model.UpstreamModelName)
	}
	if err != nil {
		cancel()
		return nil, err
	}

	headers := buildHeaders(r, requestID)

	return &Built{URL: url, Method: "POST", Headers: headers, Body: body, Ctx: dctx, Cancel: cancel}, nil
}

// rewriteModel re-marshals rawBody with its "model" field replaced.
func rewriteModel(rawBody []byte, upstreamModel string) ([]byte, error) {
	var m map[string]any
	if len(rawBody) > 0 {
		if err := json.Unmarshal(rawBody, &m); err != nil {
			return nil, fmt.Errorf("translate: decode request body: %w", err)
		}
	} else {
		m = map[string]any{}
	}
	m["model"] = upstreamModel
	return json.Marshal(m)
}

func buildHeaders(r route.ResolvedRoute, requestID string) map[string]string {
	headers := map[string]string{
		"Content-Type": "application/json",
		"X-Request-ID": requestID,
	}

	switch r.Provider.AuthType {
	case store.AuthTypeBearer:
		headers["Authorization"] = "Bearer " + r.Credentials
	case store.AuthTypeHeader:
		for k, v := range parseHeaderCredentials(r.Credentials) {
			headers[k] = v
		}
	case store.AuthTypeOAuth:
		headers["Authorization"] = "Bearer " + r.OAuthAccessToken
	case store.AuthTypeNone:
		// no auth header
	}

	if r.Provider.Type == store.ProviderTypeAnthropic {
		headers["anthropic-version"] = "2023-06-01"
	}

	return headers
}

// parseHeaderCredentials interprets credentials first as a JSON object of
// header name → value; on parse failure it falls back to a single
// "<Name>:<Value>" pair split at the first colon.
func parseHeaderCredentials(credentials string) map[string]string {
	var m map[string]string
	if err := json.Unmarshal([]byte(credentials), &m); err == nil {
		return m
	}
	if idx := strings.Index(credentials, ":"); idx != -1 {
		name := strings.TrimSpace(credentials[:idx])
		value := strings.TrimSpace(credentials[idx+1:])
		return map[string]string{name: value}
	}
	return nil
}
