package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nulpointcorp/llm-gateway/internal/stream"
	"github.com/nulpointcorp/llm-gateway/internal/store"
)

func testConfig() Config {
	return Config{StreamWords: 4}
}

func TestOpenAIHandler_NonStreamingCompletion(t *testing.T) {
	srv := httptest.NewServer(newOpenAIHandler(testConfig()))
	defer srv.Close()

	body := `{"model":"gpt-4o","stream":false,"messages":[{"role":"user","content":"hi"}]}`
	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		t.Fatalf("expected non-empty completion content, got %+v", parsed)
	}
}

// TestOpenAIHandler_StreamingFeedsTransformer drives the mock's raw SSE
// stream through the gateway's own stream.Transformer, the same consumer a
// real dispatch response body feeds, to prove the mock's wire format is one
// the gateway can actually digest.
func TestOpenAIHandler_StreamingFeedsTransformer(t *testing.T) {
	srv := httptest.NewServer(newOpenAIHandler(testConfig()))
	defer srv.Close()

	body := `{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"hi"}]}`
	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	tr := stream.New(store.ProviderTypeOpenAI, "gpt-4o", nil)
	var out bytes.Buffer
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		out.Write(tr.Feed(append(scanner.Bytes(), '\n')))
	}
	out.Write(tr.Flush())

	assertWellFormedOpenAIStream(t, out.String())
}

func TestAnthropicHandler_StreamingFeedsTransformer(t *testing.T) {
	srv := httptest.NewServer(newAnthropicHandler(testConfig()))
	defer srv.Close()

	body := `{"model":"claude-3-5-sonnet-20241022","stream":true,"max_tokens":64}`
	resp, err := http.Post(srv.URL+"/v1/messages", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	tr := stream.New(store.ProviderTypeAnthropic, "claude-3-5-sonnet-20241022", nil)
	var out bytes.Buffer
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		out.Write(tr.Feed(append(scanner.Bytes(), '\n')))
	}
	out.Write(tr.Flush())

	assertWellFormedOpenAIStream(t, out.String())
}

func TestGeminiHandler_StreamingFeedsTransformer(t *testing.T) {
	srv := httptest.NewServer(newGeminiHandler(testConfig()))
	defer srv.Close()

	body := `{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`
	resp, err := http.Post(srv.URL+"/v1beta/models/gemini-1.5-pro:streamGenerateContent", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	tr := stream.New(store.ProviderTypeGoogle, "gemini-1.5-pro", nil)
	var out bytes.Buffer
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		out.Write(tr.Feed(append(scanner.Bytes(), '\n')))
	}
	out.Write(tr.Flush())

	assertWellFormedOpenAIStream(t, out.String())
}

// assertWellFormedOpenAIStream checks that transformed is a sequence of
// "data: {...}" chat.completion.chunk frames terminated by "data: [DONE]".
func assertWellFormedOpenAIStream(t *testing.T, transformed string) {
	t.Helper()
	if !strings.Contains(transformed, "data: [DONE]") {
		t.Fatalf("transformed stream missing [DONE] terminator:\n%s", transformed)
	}

	sawContent := false
	for _, line := range strings.Split(transformed, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line == "data: [DONE]" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		var chunk struct {
			ID      string `json:"id"`
			Object  string `json:"object"`
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			t.Fatalf("frame %q did not unmarshal as a chat.completion.chunk: %v", payload, err)
		}
		if chunk.Object != "chat.completion.chunk" {
			t.Fatalf("frame object = %q, want chat.completion.chunk", chunk.Object)
		}
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			sawContent = true
		}
	}
	if !sawContent {
		t.Fatal("transformed stream carried no delta content")
	}
}
