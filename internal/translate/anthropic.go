package translate

import (
	"encoding/json"
	"strings"

	"github.com/nulpointcorp/llm-gateway/internal/route"
)

const defaultAnthropicMaxTokens = 4096

// translateAnthropic builds the Anthropic /v1/messages request: the system
// message is extracted to the top-level `system` field, max_tokens defaults
// to 4096, and temperature/top_p/stream pass through unchanged.
func translateAnthropic(r route.ResolvedRoute, req ChatRequest) (string, []byte, error) {
	url := strings.TrimRight(r.Provider.BaseURL, "/") + "/v1/messages"

	var system string
	var messages []map[string]string

	for _, m := range req.Messages {
		text := textOf(m.Content)
		if m.Role == "system" {
			if system != "" {
				system += "\n"
			}
			system += text
			continue
		}
		messages = append(messages, map[string]string{"role": m.Role, "content": text})
	}

	maxTokens := defaultAnthropicMaxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	body := map[string]any{
		"model":      r.Model.UpstreamModelName,
		"messages":   messages,
		"max_tokens": maxTokens,
		"stream":     req.Stream,
	}
	if system != "" {
		body["system"] = system
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		body["top_p"] = *req.TopP
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return "", nil, err
	}
	return url, encoded, nil
}
