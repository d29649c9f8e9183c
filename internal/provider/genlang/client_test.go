package genlang

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"loombot/internal/provider"
)

func TestBuildPayloadWithTools(t *testing.T) {
	body, err := buildPayload(provider.Request{
		Model:             "gemini-2.5-flash",
		SystemInstruction: "You are concise",
		Messages: []provider.Message{
			provider.TextMessage(provider.RoleUser, "hello"),
		},
		Tools: []provider.ToolDecl{
			{Name: "calculator", Description: "evaluate arithmetic", Parameters: map[string]any{"type": "object"}},
		},
		Temperature:     0.4,
		MaxOutputTokens: 256,
	})
	if err != nil {
		t.Fatalf("build payload: %v", err)
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if _, ok := payload["systemInstruction"]; !ok {
		t.Fatalf("systemInstruction missing in payload")
	}
	if _, ok := payload["tools"]; !ok {
		t.Fatalf("tools missing in payload")
	}
	contents, ok := payload["contents"].([]any)
	if !ok || len(contents) != 1 {
		t.Fatalf("expected one content entry, got %#v", payload["contents"])
	}
}

func TestGenerateContentParsesFunctionCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-goog-api-key") != "test-key" {
			t.Errorf("missing api key header")
		}
		_, _ = w.Write([]byte(`{
			"candidates": [{"content": {"parts": [
				{"functionCall": {"name": "calculator", "args": {"expression": "2+2"}}},
				{"functionCall": {"name": "weather", "args": {"location": "Cairo"}}}
			]}}],
			"usageMetadata": {"promptTokenCount": 10, "candidatesTokenCount": 5, "totalTokenCount": 15}
		}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "test-key"})
	resp, err := c.GenerateContent(context.Background(), provider.Request{
		Model:    "gemini-2.5-flash",
		Messages: []provider.Message{provider.TextMessage(provider.RoleUser, "2+2 and weather in Cairo")},
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(resp.FunctionCalls) != 2 {
		t.Fatalf("expected 2 function calls, got %d", len(resp.FunctionCalls))
	}
	if resp.FunctionCalls[0].Name != "calculator" {
		t.Fatalf("unexpected first call %q", resp.FunctionCalls[0].Name)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Fatalf("usage not parsed: %+v", resp.Usage)
	}
}

func TestGenerateContentQuotaClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error": {"status": "RESOURCE_EXHAUSTED", "message": "quota exhausted"}}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "k", MaxRetries: 2})
	_, err := c.GenerateContent(context.Background(), provider.Request{
		Model:    "gemini-2.5-flash",
		Messages: []provider.Message{provider.TextMessage(provider.RoleUser, "hi")},
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if !provider.IsQuota(err) {
		t.Fatalf("expected quota classification, got %v", err)
	}
}

func TestGenerateContentRetriesServerErrors(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"candidates": [{"content": {"parts": [{"text": "ok"}]}}]}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "k", MaxRetries: 1, BackoffBase: 1})
	resp, err := c.GenerateContent(context.Background(), provider.Request{
		Model:    "gemini-2.5-flash",
		Messages: []provider.Message{provider.TextMessage(provider.RoleUser, "hi")},
	})
	if err != nil {
		t.Fatalf("generate after retry: %v", err)
	}
	if resp.Text != "ok" || calls != 2 {
		t.Fatalf("expected retry then success, text=%q calls=%d", resp.Text, calls)
	}
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"models": [
			{"name": "models/gemini-2.5-pro", "inputTokenLimit": 1048576, "outputTokenLimit": 65536, "supportedGenerationMethods": ["generateContent"]},
			{"name": "models/embedding-001", "supportedGenerationMethods": ["embedContent"]}
		]}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "k"})
	models, err := c.ListModels(context.Background())
	if err != nil {
		t.Fatalf("list models: %v", err)
	}
	if len(models) != 1 {
		t.Fatalf("expected embed-only model filtered out, got %d", len(models))
	}
	if models[0].Name != "gemini-2.5-pro" || models[0].InputTokenLimit != 1048576 {
		t.Fatalf("unexpected model %+v", models[0])
	}
}
