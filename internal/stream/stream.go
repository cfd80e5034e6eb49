// Package stream transforms upstream SSE byte chunks into OpenAI-shape
// chat.completion.chunk SSE frames, one upstream provider wire format at a
// time, as bytes arrive off the wire.
package stream

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/store"
)

const doneLine = "data: [DONE]\n\n"

// Transformer holds the per-stream state: the generated chunk identity and
// the UTF-8 residual buffer spanning chunk boundaries.
type Transformer struct {
	kind    store.ProviderType
	model   string
	chatID  string
	created int64

	residual []byte
	lastLine string // last complete line seen; Flush checks residual, not this field
}

// New starts a transformer for one streaming response. now defaults to
// time.Now when nil.
func New(kind store.ProviderType, model string, now func() time.Time) *Transformer {
	if now == nil {
		now = time.Now
	}
	return &Transformer{
		kind:    kind,
		model:   model,
		chatID:  "chatcmpl-" + randomHex(24),
		created: now().Unix(),
	}
}

func randomHex(n int) string {
	b := make([]byte, n/2)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Feed appends chunk to the residual buffer, splits on complete lines, and
// returns the transformed OpenAI SSE bytes for every complete line. The
// trailing partial line (if any) is retained for the next Feed or Flush.
//
// Feed is associative over chunk boundaries: Feed(concat(a,b)) produces the
// same output as Feed(a) followed by Feed(b), since state lives entirely in
// the residual buffer and no line is transformed until it is complete.
func (t *Transformer) Feed(chunk []byte) []byte {
	t.residual = append(t.residual, chunk...)

	var out strings.Builder
	for {
		idx := bytes.IndexByte(t.residual, '\n')
		if idx < 0 {
			break
		}
		line := string(t.residual[:idx])
		t.residual = t.residual[idx+1:]
		out.WriteString(t.processLine(line))
	}
	return []byte(out.String())
}

// Flush finalizes the stream: if a trailing partial line equals the DONE
// marker it is re-emitted, and a terminating DONE line is always appended.
func (t *Transformer) Flush() []byte {
	var out strings.Builder
	if strings.TrimSpace(string(t.residual)) == "data: [DONE]" {
		out.WriteString(doneLine)
	}
	out.WriteString(doneLine)
	t.residual = nil
	return []byte(out.String())
}

func (t *Transformer) processLine(raw string) string {
	line := strings.TrimSpace(raw)
	t.lastLine = line

	if line == "" || strings.HasPrefix(line, ":") {
		return ""
	}
	if line == "data: [DONE]" {
		return doneLine
	}
	if !strings.HasPrefix(line, "data:") {
		return ""
	}

	payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	var frame map[string]any
	if err := json.Unmarshal([]byte(payload), &frame); err != nil {
		return ""
	}

	out, ok := t.transformFrame(frame)
	if !ok {
		return ""
	}
	encoded, err := json.Marshal(out)
	if err != nil {
		return ""
	}
	return "data: " + string(encoded) + "\n\n"
}

// chunk is the OpenAI chat.completion.chunk shape produced by the
// translating transforms (Google, Anthropic), which synthesize a single
// text delta per frame and have no richer structure to carry through.
type chunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
}

type chunkChoice struct {
	Index        int         `json:"index"`
	Delta        chunkDelta  `json:"delta"`
	FinishReason interface{} `json:"finish_reason"`
}

type chunkDelta struct {
	Content string `json:"content,omitempty"`
}

func (t *Transformer) transformFrame(frame map[string]any) (any, bool) {
	switch t.kind {
	case store.ProviderTypeGoogle:
		return t.transformGoogle(frame)
	case store.ProviderTypeAnthropic:
		return t.transformAnthropic(frame)
	default: // openai, custom, oauth
		return t.passthrough(frame)
	}
}

// passthrough carries an already OpenAI-shaped upstream frame through with
// only its envelope fields (id, object, created, model) normalized to this
// stream's identity — the choices array (role, multiple choices,
// tool_calls, per-choice finish_reason) and any usage block ride through
// exactly as the upstream provider sent them.
func (t *Transformer) passthrough(frame map[string]any) (any, bool) {
	choices, ok := frame["choices"].([]any)
	if !ok || len(choices) == 0 {
		return nil, false
	}
	out := map[string]any{
		"id":      t.chatID,
		"object":  "chat.completion.chunk",
		"created": t.created,
		"model":   t.model,
		"choices": choices,
	}
	if usage, ok := frame["usage"]; ok {
		out["usage"] = usage
	}
	return out, true
}

func (t *Transformer) transformGoogle(frame map[string]any) (chunk, bool) {
	candidates, ok := frame["candidates"].([]any)
	if !ok || len(candidates) == 0 {
		return chunk{}, false
	}
	candidate, ok := candidates[0].(map[string]any)
	if !ok {
		return chunk{}, false
	}

	text := ""
	if content, ok := candidate["content"].(map[string]any); ok {
		if parts, ok := content["parts"].([]any); ok && len(parts) > 0 {
			if p0, ok := parts[0].(map[string]any); ok {
				if s, ok := p0["text"].(string); ok {
					text = s
				}
			}
		}
	}

	finish := mapGoogleFinishReason(candidate["finishReason"])

	c := chunk{
		ID: t.chatID, Object: "chat.completion.chunk", Created: t.created, Model: t.model,
		Choices: []chunkChoice{{Index: 0, Delta: chunkDelta{Content: text}, FinishReason: finish}},
	}
	return c, true
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

func (t *Transformer) transformAnthropic(frame map[string]any) (chunk, bool) {
	eventType, _ := frame["type"].(string)

	switch eventType {
	case "content_block_delta":
		delta, ok := frame["delta"].(map[string]any)
		if !ok {
			return chunk{}, false
		}
		text, ok := delta["text"].(string)
		if !ok {
			return chunk{}, false
		}
		c := chunk{
			ID: t.chatID, Object: "chat.completion.chunk", Created: t.created, Model: t.model,
			Choices: []chunkChoice{{Index: 0, Delta: chunkDelta{Content: text}, FinishReason: nil}},
		}
		return c, true

	case "message_delta":
		delta, _ := frame["delta"].(map[string]any)
		stopReason, _ := delta["stop_reason"].(string)
		c := chunk{
			ID: t.chatID, Object: "chat.completion.chunk", Created: t.created, Model: t.model,
			Choices: []chunkChoice{{Index: 0, FinishReason: mapAnthropicStopReason(stopReason)}},
		}
		return c, true

	default:
		return chunk{}, false
	}
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
