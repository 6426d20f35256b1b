package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ensemble-ai/ensemble/internal/common/config"
)

func testProxyConfig() config.ProxyConfig {
	return config.ProxyConfig{
		PortAttempts:  5,
		HealthTimeout: 5,
		ShutdownGrace: 2,
	}
}

func TestPassthroughLifecycle(t *testing.T) {
	type seen struct {
		apiKey string
		auth   string
		path   string
		body   map[string]any
	}
	var got seen
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.apiKey = r.Header.Get("x-api-key")
		got.auth = r.Header.Get("Authorization")
		got.path = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got.body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg_1","type":"message"}`))
	}))
	defer upstream.Close()

	m := NewManager(testProxyConfig(), nil)
	defer m.ReleaseAll()

	inst, err := m.StartForNode(context.Background(), "n1", Provider{
		APIFormat: "anthropic",
		BaseURL:   upstream.URL,
		APIKey:    "sk-real",
		Model:     "claude-forced",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if inst.Port == 0 || !strings.HasPrefix(inst.URL, "http://127.0.0.1:") {
		t.Fatalf("instance = %+v", inst)
	}

	// Health endpoint answers locally, not via upstream.
	resp, err := http.Get(inst.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}

	reqBody := `{"model":"claude-requested","max_tokens":10,"messages":[]}`
	req, _ := http.NewRequest(http.MethodPost, inst.URL+"/v1/messages", bytes.NewBufferString(reqBody))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", "sk-placeholder")
	req.Header.Set("Authorization", "Bearer stale")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d body = %s", resp.StatusCode, body)
	}

	if got.apiKey != "sk-real" {
		t.Fatalf("upstream x-api-key = %q", got.apiKey)
	}
	if got.auth != "" {
		t.Fatalf("Authorization leaked upstream: %q", got.auth)
	}
	if got.path != "/v1/messages" {
		t.Fatalf("upstream path = %q", got.path)
	}
	if got.body["model"] != "claude-forced" {
		t.Fatalf("model override not applied: %v", got.body["model"])
	}

	m.Release("n1")
	if _, ok := m.Get("n1"); ok {
		t.Fatal("instance still registered after release")
	}
	if _, err := http.Get(inst.URL + "/health"); err == nil {
		t.Fatal("proxy still serving after release")
	}
	// Releasing again is a no-op.
	m.Release("n1")
}

func TestOneProxyPerNode(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	m := NewManager(testProxyConfig(), nil)
	defer m.ReleaseAll()

	if _, err := m.StartForNode(context.Background(), "dup", Provider{BaseURL: upstream.URL}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := m.StartForNode(context.Background(), "dup", Provider{BaseURL: upstream.URL}); err == nil {
		t.Fatal("expected second proxy for same node to fail")
	}
}

func TestStartValidation(t *testing.T) {
	m := NewManager(testProxyConfig(), nil)
	if _, err := m.StartForNode(context.Background(), "", Provider{BaseURL: "http://x"}); err == nil {
		t.Fatal("expected error for missing node id")
	}
	if _, err := m.StartForNode(context.Background(), "n", Provider{}); err == nil {
		t.Fatal("expected error for missing base url")
	}
	if _, err := m.StartForNode(context.Background(), "n", Provider{
		APIFormat: "openai",
		BaseURL:   "http://x",
	}); err == nil {
		t.Fatal("expected error for openai provider without model")
	}
	if _, err := m.StartForNode(context.Background(), "n", Provider{
		APIFormat: "grpc",
		BaseURL:   "http://x",
	}); err == nil {
		t.Fatal("expected error for unknown api format")
	}
}

func TestTransformEndToEnd(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &req)
		if req["model"] != "gpt-x" {
			t.Errorf("upstream model = %v", req["model"])
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-7",
			"choices": [{
				"finish_reason": "stop",
				"message": {"role": "assistant", "content": "four"}
			}],
			"usage": {"prompt_tokens": 3, "completion_tokens": 1}
		}`))
	}))
	defer upstream.Close()

	m := NewManager(testProxyConfig(), nil)
	defer m.ReleaseAll()

	inst, err := m.StartForNode(context.Background(), "llm", Provider{
		APIFormat: "openai",
		BaseURL:   upstream.URL,
		APIKey:    "sk-oa",
		Model:     "gpt-x",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	anthropicReq := `{
		"model": "claude-ignored",
		"max_tokens": 16,
		"messages": [{"role": "user", "content": "what is 2+2"}]
	}`
	resp, err := http.Post(inst.URL+"/v1/messages", "application/json", bytes.NewBufferString(anthropicReq))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d body = %s", resp.StatusCode, body)
	}

	var out messagesResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal: %v body = %s", err, body)
	}
	if out.Type != "message" || out.StopReason != "end_turn" {
		t.Fatalf("envelope = %+v", out)
	}
	if len(out.Content) != 1 || out.Content[0].Text != "four" {
		t.Fatalf("content = %+v", out.Content)
	}
}

func TestTransformStreaming(t *testing.T) {
	chunks := []string{
		`{"id":"c","choices":[{"index":0,"delta":{"role":"assistant","content":"fo"}}]}`,
		`{"id":"c","choices":[{"index":0,"delta":{"content":"ur"}}]}`,
		`{"id":"c","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		`{"id":"c","choices":[],"usage":{"prompt_tokens":3,"completion_tokens":2}}`,
	}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			_, _ = io.WriteString(w, "data: "+c+"\n\n")
		}
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer upstream.Close()

	m := NewManager(testProxyConfig(), nil)
	defer m.ReleaseAll()

	inst, err := m.StartForNode(context.Background(), "llm-stream", Provider{
		APIFormat: "openai",
		BaseURL:   upstream.URL,
		APIKey:    "sk-oa",
		Model:     "gpt-x",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	anthropicReq := `{
		"model": "claude-ignored",
		"max_tokens": 16,
		"stream": true,
		"messages": [{"role": "user", "content": "what is 2+2"}]
	}`
	resp, err := http.Post(inst.URL+"/v1/messages", "application/json", bytes.NewBufferString(anthropicReq))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	text := string(body)
	for _, event := range []string{
		"event: message_start",
		"event: content_block_start",
		"event: content_block_delta",
		"event: content_block_stop",
		"event: message_delta",
		"event: message_stop",
	} {
		if !strings.Contains(text, event) {
			t.Fatalf("stream missing %q:\n%s", event, text)
		}
	}
	if !strings.Contains(text, `"text":"fo"`) || !strings.Contains(text, `"text":"ur"`) {
		t.Fatalf("text deltas missing:\n%s", text)
	}
	if !strings.Contains(text, `"stop_reason":"end_turn"`) {
		t.Fatalf("stop reason missing:\n%s", text)
	}
	if !strings.Contains(text, `"output_tokens":2`) {
		t.Fatalf("usage missing:\n%s", text)
	}
}

func TestUpstreamErrorTranslated(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_api_key"}}`))
	}))
	defer upstream.Close()

	m := NewManager(testProxyConfig(), nil)
	defer m.ReleaseAll()

	inst, err := m.StartForNode(context.Background(), "llm-bad", Provider{
		APIFormat: "openai",
		BaseURL:   upstream.URL,
		APIKey:    "sk-bad",
		Model:     "gpt-x",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	resp, err := http.Post(inst.URL+"/v1/messages", "application/json",
		bytes.NewBufferString(`{"model":"m","max_tokens":1,"messages":[{"role":"user","content":"hi"}]}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d body = %s", resp.StatusCode, body)
	}
	var out apiError
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal: %v body = %s", err, body)
	}
	if out.Error.Type != "authentication_error" {
		t.Fatalf("error type = %s", out.Error.Type)
	}
}
