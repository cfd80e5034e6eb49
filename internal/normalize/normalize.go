// Package normalize maps a buffered (non-streaming) upstream JSON body into
// the OpenAI chat.completion shape, one upstream wire format at a time.
package normalize

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/store"
)

// ChatCompletion is the normalized response shape returned to every caller
// regardless of which provider served the request.
type ChatCompletion struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

type Choice struct {
	Index        int         `json:"index"`
	Message      Message     `json:"message"`
	FinishReason interface{} `json:"finish_reason"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

var now = time.Now

// Normalize maps rawBody (the full buffered upstream response) to a
// ChatCompletion per kind's wire shape.
func Normalize(kind store.ProviderType, model string, rawBody []byte) (ChatCompletion, error) {
	var frame map[string]any
	if err := json.Unmarshal(rawBody, &frame); err != nil {
		return ChatCompletion{}, err
	}

	switch kind {
	case store.ProviderTypeGoogle:
		return normalizeGoogle(model, frame), nil
	case store.ProviderTypeAnthropic:
		return normalizeAnthropic(model, frame), nil
	default: // openai, custom, oauth
		return normalizeOpenAI(model, frame), nil
	}
}

func newID() string {
	b := make([]byte, 12)
	_, _ = rand.Read(b)
	return "chatcmpl-" + hex.EncodeToString(b)
}

func normalizeOpenAI(model string, frame map[string]any) ChatCompletion {
	out := ChatCompletion{ID: newID(), Object: "chat.completion", Created: now().Unix(), Model: model}

	if choices, ok := frame["choices"].([]any); ok {
		for i, raw := range choices {
			c, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			msg := Message{Role: "assistant"}
			if m, ok := c["message"].(map[string]any); ok {
				if content, ok := m["content"].(string); ok {
					msg.Content = content
				}
				if role, ok := m["role"].(string); ok {
					msg.Role = role
				}
			}
			out.Choices = append(out.Choices, Choice{Index: i, Message: msg, FinishReason: c["finish_reason"]})
		}
	}
	if len(out.Choices) == 0 {
		out.Choices = []Choice{{Index: 0, Message: Message{Role: "assistant"}}}
	}

	if usage, ok := frame["usage"].(map[string]any); ok {
		out.Usage = Usage{
			PromptTokens:     intField(usage, "prompt_tokens"),
			CompletionTokens: intField(usage, "completion_tokens"),
			TotalTokens:      intField(usage, "total_tokens"),
		}
	}
	return out
}

func normalizeGoogle(model string, frame map[string]any) ChatCompletion {
	out := ChatCompletion{ID: newID(), Object: "chat.completion", Created: now().Unix(), Model: model}

	var text string
	var finishReason any
	if candidates, ok := frame["candidates"].([]any); ok && len(candidates) > 0 {
		if candidate, ok := candidates[0].(map[string]any); ok {
			finishReason = mapGoogleFinishReason(candidate["finishReason"])
			if content, ok := candidate["content"].(map[string]any); ok {
				if parts, ok := content["parts"].([]any); ok {
					var sb strings.Builder
					for _, p := range parts {
						if pm, ok := p.(map[string]any); ok {
							if t, ok := pm["text"].(string); ok {
								sb.WriteString(t)
							}
						}
					}
					text = sb.String()
				}
			}
		}
	}

	out.Choices = []Choice{{Index: 0, Message: Message{Role: "assistant", Content: text}, FinishReason: finishReason}}

	if usage, ok := frame["usageMetadata"].(map[string]any); ok {
		out.Usage = Usage{
			PromptTokens:     intField(usage, "promptTokenCount"),
			CompletionTokens: intField(usage, "candidatesTokenCount"),
			TotalTokens:      intField(usage, "totalTokenCount"),
		}
	}
	return out
}

func mapGoogleFinishReason(raw any) any {
	reason, _ := raw.(string)
	if reason == "" {
		return nil
	}
	switch reason {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION":
		return "content_filter"
	default:
		return "stop"
	}
}

func normalizeAnthropic(model string, frame map[string]any) ChatCompletion {
	out := ChatCompletion{ID: newID(), Object: "chat.completion", Created: now().Unix(), Model: model}

	var sb strings.Builder
	if content, ok := frame["content"].([]any); ok {
		for _, raw := range content {
			part, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if t, _ := part["type"].(string); t == "text" {
				if text, ok := part["text"].(string); ok {
					sb.WriteString(text)
				}
			}
		}
	}

	stopReason, _ := frame["stop_reason"].(string)
	out.Choices = []Choice{{Index: 0, Message: Message{Role: "assistant", Content: sb.String()}, FinishReason: mapAnthropicStopReason(stopReason)}}

	if usage, ok := frame["usage"].(map[string]any); ok {
		input := intField(usage, "input_tokens")
		output := intField(usage, "output_tokens")
		out.Usage = Usage{PromptTokens: input, CompletionTokens: output, TotalTokens: input + output}
	}
	return out
}

func mapAnthropicStopReason(reason string) any {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return nil
	}
}

func intField(m map[string]any, key string) int {
	if v, ok := m[key].(float64); ok {
		return int(v)
	}
	return 0
}
