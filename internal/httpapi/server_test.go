package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"loombot/internal/crypto"
	"loombot/internal/engine"
	"loombot/internal/logbuf"
	"loombot/internal/storage"
)

const testToken = "test-admin-token"

type stubRunner struct {
	lastReq engine.TurnRequest
	result  engine.TurnResult
	err     error
}

func (s *stubRunner) RunTurn(_ context.Context, req engine.TurnRequest) (engine.TurnResult, error) {
	s.lastReq = req
	return s.result, s.err
}

func newTestServer(t *testing.T) (*Server, *stubRunner, *storage.Store) {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "test.db")
	store, err := storage.Open(context.Background(), "sqlite", dsn, true, "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	keyring, err := crypto.NewKeyring("k1", map[string][]byte{"k1": bytes.Repeat([]byte{7}, 32)})
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}

	runner := &stubRunner{result: engine.TurnResult{Text: "hello", Model: "gemini-2.5-flash"}}
	srv := NewServer(Config{
		Store:      store,
		Runner:     runner,
		Keyring:    keyring,
		Logs:       logbuf.New(16),
		AdminToken: testToken,
		Logger:     zerolog.Nop(),
	})
	return srv, runner, store
}

func doRequest(t *testing.T, srv *Server, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("X-Admin-Token", token)
	}
	mux := http.NewServeMux()
	srv.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestAuthRejectsBadToken(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/v1/credentials", nil, "wrong")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	rec = doRequest(t, srv, http.MethodGet, "/v1/credentials", nil, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
}

func TestPlaygroundTurn(t *testing.T) {
	srv, runner, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/v1/playground/turn",
		map[string]string{"text": "hi there"}, testToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	if !runner.lastReq.Playground {
		t.Fatal("expected playground flag on turn request")
	}
	if runner.lastReq.Platform != "playground" {
		t.Fatalf("unexpected platform %q", runner.lastReq.Platform)
	}
	if runner.lastReq.ConversationID == "" {
		t.Fatal("expected generated conversation id")
	}

	var resp struct {
		Text  string `json:"text"`
		Model string `json:"model"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Text != "hello" || resp.Model != "gemini-2.5-flash" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestPlaygroundTurnExhaustionIsBadGateway(t *testing.T) {
	srv, runner, _ := newTestServer(t)
	runner.err = engine.ErrCredentialsExhausted

	rec := doRequest(t, srv, http.MethodPost, "/v1/playground/turn",
		map[string]string{"text": "hi"}, testToken)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

func TestCredentialLifecycle(t *testing.T) {
	srv, _, store := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/v1/credentials",
		map[string]string{"secret": "api-key-123"}, testToken)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	creds, err := store.ListActiveCredentials(context.Background(), 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(creds) != 1 {
		t.Fatalf("expected 1 credential, got %d", len(creds))
	}
	if creds[0].EncSecret == "api-key-123" {
		t.Fatal("secret stored in plaintext")
	}
	if secret, err := srv.keyring.OpenString(creds[0].EncSecret); err != nil || secret != "api-key-123" {
		t.Fatalf("unseal roundtrip failed: %q %v", secret, err)
	}

	rec = doRequest(t, srv, http.MethodGet, "/v1/credentials", nil, testToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "api-key-123") {
		t.Fatal("list response leaks credential secret")
	}
}

func TestToolUpsertSealsAuthSecret(t *testing.T) {
	srv, _, store := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/v1/tools", map[string]any{
		"name":        "jira_lookup",
		"endpoint":    "https://example.com/hook",
		"auth_type":   "bearer",
		"auth_secret": "tok-999",
	}, testToken)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	tool, err := store.GetToolByName(context.Background(), 1, "jira_lookup")
	if err != nil {
		t.Fatalf("get tool: %v", err)
	}
	if tool.Method != "POST" {
		t.Fatalf("expected default method POST, got %q", tool.Method)
	}
	if tool.EncAuthSecret == nil || *tool.EncAuthSecret == "tok-999" {
		t.Fatal("auth secret not sealed")
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPut, "/v1/settings", map[string]any{
		"preferred_model": "gemini-2.5-pro",
		"temperature":     0.4,
	}, testToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("put: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, srv, http.MethodGet, "/v1/settings", nil, testToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", rec.Code)
	}
	var settings storage.TenantSettings
	if err := json.Unmarshal(rec.Body.Bytes(), &settings); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if settings.PreferredModel != "gemini-2.5-pro" {
		t.Fatalf("unexpected preferred model %q", settings.PreferredModel)
	}
}

func TestMemoryEndpoints(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/v1/memories",
		map[string]string{"content": "always answer in haiku"}, testToken)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d", rec.Code)
	}

	rec = doRequest(t, srv, http.MethodGet, "/v1/memories", nil, testToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", rec.Code)
	}
	var memories []storage.Memory
	if err := json.Unmarshal(rec.Body.Bytes(), &memories); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(memories) != 1 || memories[0].Kind != storage.MemoryKindCore {
		t.Fatalf("unexpected memories: %+v", memories)
	}
}

func TestKnowledgeAppend(t *testing.T) {
	srv, _, store := newTestServer(t)

	for _, chunk := range []string{"first note", "second note"} {
		rec := doRequest(t, srv, http.MethodPost, "/v1/knowledge/append",
			map[string]string{"content": chunk}, testToken)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("append: expected 204, got %d", rec.Code)
		}
	}

	content, err := store.GetKnowledge(context.Background(), 1)
	if err != nil {
		t.Fatalf("get knowledge: %v", err)
	}
	if !strings.Contains(content, "first note") || !strings.Contains(content, "second note") {
		t.Fatalf("unexpected knowledge content %q", content)
	}
}

func TestDeleteMissingPersonalityIs404(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodDelete, "/v1/personalities/ghost", nil, testToken)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
