package translate

import (
	"encoding/json"
	"strings"

	"github.com/nulpointcorp/llm-gateway/internal/route"
)

// translateGoogle builds the Gemini generateContent/streamGenerateContent
// request: role mapping, system-instruction extraction, and
// temperature/max_tokens/top_p folded into generationConfig.
func translateGoogle(r route.ResolvedRoute, path string, rawBody []byte, req ChatRequest, streaming bool) (string, []byte, error) {
	action := "predict"
	if isCompletionPath(path) {
		action = "generateContent"
	}
	if streaming && action == "generateContent" {
		action = "streamGenerateContent"
	}

	url := strings.TrimRight(r.Provider.BaseURL, "/") + "/v1beta/models/" + r.Model.UpstreamModelName + ":" + action
	if streaming && action == "streamGenerateContent" {
		url += "?alt=sse"
	}

	var contents []map[string]any
	var systemInstruction map[string]any

	for _, m := range req.Messages {
		text := textOf(m.Content)
		if m.Role == "system" {
			systemInstruction = map[string]any{
				"parts": []map[string]any{{"text": text}},
			}
			continue
		}
		role := "user"
		switch m.Role {
		case "assistant":
			role = "model"
		default:
			role = "user"
		}
		contents = append(contents, map[string]any{
			"role":  role,
			"parts": []map[string]any{{"text": text}},
		})
	}

	genConfig := map[string]any{}
	if req.Temperature != nil {
		genConfig["temperature"] = *req.Temperature
	}
	if req.MaxTokens != nil {
		genConfig["maxOutputTokens"] = *req.MaxTokens
	}
	if req.TopP != nil {
		genConfig["topP"] = *req.TopP
	}

	body := map[string]any{"contents": contents}
	if systemInstruction != nil {
		body["systemInstruction"] = systemInstruction
	}
	if len(genConfig) > 0 {
		body["generationConfig"] = genConfig
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return "", nil, err
	}
	return url, encoded, nil
}

// isCompletionPath reports whether path is one of the chat/legacy
// completion endpoints (as opposed to embeddings, which maps to "predict").
func isCompletionPath(path string) bool {
	return path == "/v1/chat/completions" || path == "/v1/completions"
}
