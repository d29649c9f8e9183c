package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"loombot/internal/config"
	"loombot/internal/crypto"
	"loombot/internal/provider"
	"loombot/internal/storage"
	"loombot/internal/tools"
)

// memStore implements Store in memory.
type memStore struct {
	creds     []storage.Credential
	persona   *storage.Personality
	core      []storage.Memory
	learned   []storage.Memory
	knowledge string
	history   []storage.ConversationLogEntry
	settings  storage.TenantSettings

	logEntries []storage.ConversationLogEntry
	audits     []storage.AuditRecord
	touched    []int64
	discovery  map[int64]string
}

func newMemStore() *memStore {
	return &memStore{
		settings:  storage.TenantSettings{TenantID: 1, Temperature: 0.7, MaxOutputTokens: 1024},
		discovery: map[int64]string{},
	}
}

func (m *memStore) ListActiveCredentials(context.Context, int64) ([]storage.Credential, error) {
	return m.creds, nil
}

func (m *memStore) TouchCredential(_ context.Context, id int64) error {
	m.touched = append(m.touched, id)
	return nil
}

func (m *memStore) UpdateCredentialDiscovery(_ context.Context, id int64, bestModel, modelsJSON string) error {
	m.discovery[id] = bestModel
	return nil
}

func (m *memStore) ListCoreMemories(context.Context, int64, int) ([]storage.Memory, error) {
	return m.core, nil
}

func (m *memStore) ListActiveLearningMemories(context.Context, int64, string, string, int) ([]storage.Memory, error) {
	return m.learned, nil
}

func (m *memStore) AppendConversationEntry(_ context.Context, e storage.ConversationLogEntry) error {
	m.logEntries = append(m.logEntries, e)
	return nil
}

func (m *memStore) RecentByConversation(context.Context, int64, string, int) ([]storage.ConversationLogEntry, error) {
	return m.history, nil
}

func (m *memStore) RecentByGroup(context.Context, int64, string, string, int) ([]storage.ConversationLogEntry, error) {
	return m.history, nil
}

func (m *memStore) RecentBySender(context.Context, int64, string, string, int) ([]storage.ConversationLogEntry, error) {
	return m.history, nil
}

func (m *memStore) InsertAuditRecord(_ context.Context, r storage.AuditRecord) error {
	m.audits = append(m.audits, r)
	return nil
}

func (m *memStore) GetActivePersonality(context.Context, int64) (storage.Personality, error) {
	if m.persona == nil {
		return storage.Personality{}, storage.ErrNotFound
	}
	return *m.persona, nil
}

func (m *memStore) GetKnowledge(context.Context, int64) (string, error) {
	return m.knowledge, nil
}

func (m *memStore) GetTenantSettings(context.Context, int64) (storage.TenantSettings, error) {
	return m.settings, nil
}

// scriptedClient replays canned responses and records every call.
type scriptedClient struct {
	key       string
	responses []func(provider.Request) (provider.Response, error)
	calls     *[]string
	models    []provider.ModelInfo
}

func (c *scriptedClient) GenerateContent(_ context.Context, req provider.Request) (provider.Response, error) {
	*c.calls = append(*c.calls, c.key+"/"+req.Model)
	if len(c.responses) == 0 {
		return provider.Response{}, errors.New("no scripted response left")
	}
	fn := c.responses[0]
	c.responses = c.responses[1:]
	return fn(req)
}

func (c *scriptedClient) ListModels(context.Context) ([]provider.ModelInfo, error) {
	if c.models == nil {
		return nil, errors.New("discovery unavailable")
	}
	return c.models, nil
}

func textResp(text string) func(provider.Request) (provider.Response, error) {
	return func(provider.Request) (provider.Response, error) {
		return provider.Response{Text: text, Usage: provider.Usage{TotalTokens: 10}, Raw: []byte(`{}`)}, nil
	}
}

func quotaResp() func(provider.Request) (provider.Response, error) {
	return func(provider.Request) (provider.Response, error) {
		return provider.Response{}, fmt.Errorf("generate: %w", provider.ErrQuotaExceeded)
	}
}

func toolCallResp(calls ...provider.FunctionCall) func(provider.Request) (provider.Response, error) {
	return func(provider.Request) (provider.Response, error) {
		return provider.Response{FunctionCalls: calls, Raw: []byte(`{}`)}, nil
	}
}

// countingRunner executes calculator calls for real and fakes the rest.
type countingRunner struct {
	declared []provider.ToolDecl
	executed []string
}

func (r *countingRunner) Declarations(context.Context, tools.Caller, storage.TenantSettings) ([]provider.ToolDecl, error) {
	return r.declared, nil
}

func (r *countingRunner) ExecuteAll(_ context.Context, _ tools.Caller, _ storage.TenantSettings, calls []provider.FunctionCall, _ time.Duration) (provider.Message, []tools.Execution) {
	msg := provider.Message{Role: provider.RoleUser}
	var execs []tools.Execution
	for _, call := range calls {
		r.executed = append(r.executed, call.Name)
		out := "ok"
		if call.Name == tools.NameCalculator {
			v, err := tools.Evaluate(call.Args["expression"].(string))
			if err != nil {
				out = "tool error: " + err.Error()
			} else {
				out = fmt.Sprint(v)
			}
		}
		execs = append(execs, tools.Execution{Name: call.Name, Output: out})
		msg.Parts = append(msg.Parts, provider.Part{FunctionResponse: &provider.FunctionResponse{
			Name: call.Name, Response: map[string]any{"result": out},
		}})
	}
	return msg, execs
}

func testKeyring(t *testing.T) *crypto.Keyring {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i + 1)
	}
	kr, err := crypto.NewKeyring("k1", map[string][]byte{"k1": key})
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	return kr
}

func testEngineConfig() config.EngineConfig {
	return config.EngineConfig{
		ProviderTimeout: 5 * time.Second,
		ToolTimeout:     time.Second,
		TurnTimeout:     10 * time.Second,
		HistoryLimit:    10,
		CoreMemoryLimit: 20,
	}
}

type harness struct {
	store   *memStore
	runner  *countingRunner
	engine  *Engine
	calls   []string
	clients map[string]*scriptedClient
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{store: newMemStore(), runner: &countingRunner{}, clients: map[string]*scriptedClient{}}
	kr := testKeyring(t)
	factory := func(secret string) provider.Client {
		c, ok := h.clients[secret]
		if !ok {
			t.Fatalf("no scripted client for secret %q", secret)
		}
		return c
	}
	h.engine = New(testEngineConfig(), h.store, kr, factory, h.runner, zerolog.Nop())
	return h
}

func (h *harness) addCredential(t *testing.T, id int64, secret, modelsJSON string, responses ...func(provider.Request) (provider.Response, error)) {
	t.Helper()
	kr := testKeyring(t)
	sealed, err := kr.SealString(secret)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	h.store.creds = append(h.store.creds, storage.Credential{
		ID: id, TenantID: 1, EncSecret: sealed, Status: storage.CredentialActive, ModelsJSON: modelsJSON,
	})
	h.clients[secret] = &scriptedClient{key: secret, responses: responses, calls: &h.calls}
}

func playgroundTurn(text string) TurnRequest {
	return TurnRequest{
		TenantID:       1,
		ConversationID: "conv-1",
		Platform:       "playground",
		ChatType:       storage.ChatTypePrivate,
		SenderID:       "op",
		Playground:     true,
		Text:           text,
	}
}

const oneModel = `[{"name":"gemini-2.5-flash"}]`

func TestRunTurnSimpleReply(t *testing.T) {
	h := newHarness(t)
	h.addCredential(t, 1, "s1", oneModel, textResp("hello there"))

	res, err := h.engine.RunTurn(context.Background(), playgroundTurn("hi"))
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if res.Text != "hello there" || res.Suppressed {
		t.Fatalf("result %+v", res)
	}
	if res.Model != "gemini-2.5-flash" || res.CredentialID != 1 {
		t.Fatalf("candidate not reported: %+v", res)
	}
	if len(h.store.logEntries) != 2 {
		t.Fatalf("expected user+model log entries, got %d", len(h.store.logEntries))
	}
	if h.store.logEntries[0].Role != storage.RoleUser || h.store.logEntries[1].Role != storage.RoleModel {
		t.Fatalf("log entry roles wrong: %+v", h.store.logEntries)
	}
	if len(h.store.audits) != 1 {
		t.Fatalf("expected one audit record, got %d", len(h.store.audits))
	}
	if len(h.store.touched) != 1 || h.store.touched[0] != 1 {
		t.Fatalf("credential not touched: %v", h.store.touched)
	}
}

func TestCascadeContinuesOnQuota(t *testing.T) {
	h := newHarness(t)
	h.addCredential(t, 1, "s1", oneModel, quotaResp())
	h.addCredential(t, 2, "s2", oneModel, textResp("served by second"))

	res, err := h.engine.RunTurn(context.Background(), playgroundTurn("hi"))
	if err != nil {
		t.Fatalf("quota must be invisible to the caller: %v", err)
	}
	if res.Text != "served by second" || res.CredentialID != 2 {
		t.Fatalf("result %+v", res)
	}
	want := []string{"s1/gemini-2.5-flash", "s2/gemini-2.5-flash"}
	if strings.Join(h.calls, ",") != strings.Join(want, ",") {
		t.Fatalf("call order %v, want %v", h.calls, want)
	}
}

func TestCascadeModelOrderWithinCredential(t *testing.T) {
	h := newHarness(t)
	models := `[{"name":"gemini-2.0-flash"},{"name":"gemini-2.5-pro"},{"name":"gemini-2.5-flash"}]`
	h.addCredential(t, 1, "s1", models, quotaResp(), quotaResp(), textResp("third model worked"))

	res, err := h.engine.RunTurn(context.Background(), playgroundTurn("hi"))
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if res.Text != "third model worked" {
		t.Fatalf("result %+v", res)
	}
	want := []string{"s1/gemini-2.5-pro", "s1/gemini-2.5-flash", "s1/gemini-2.0-flash"}
	if strings.Join(h.calls, ",") != strings.Join(want, ",") {
		t.Fatalf("model order %v, want %v", h.calls, want)
	}
}

func TestPreferredModelSingleCandidate(t *testing.T) {
	h := newHarness(t)
	models := `[{"name":"gemini-2.5-pro"},{"name":"gemini-2.5-flash"}]`
	h.addCredential(t, 1, "s1", models, textResp("preferred"))
	h.store.settings.PreferredModel = "gemini-2.5-flash"

	if _, err := h.engine.RunTurn(context.Background(), playgroundTurn("hi")); err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if len(h.calls) != 1 || h.calls[0] != "s1/gemini-2.5-flash" {
		t.Fatalf("calls %v, want one to preferred model", h.calls)
	}
}

func TestPreferredModelFiltersCredentials(t *testing.T) {
	h := newHarness(t)
	h.addCredential(t, 1, "s1", `[{"name":"gemini-2.0-flash"}]`, textResp("wrong credential"))
	h.addCredential(t, 2, "s2", `[{"name":"gemini-2.5-pro"},{"name":"gemini-2.5-flash"}]`, textResp("right credential"))
	h.store.settings.PreferredModel = "gemini-2.5-pro"

	res, err := h.engine.RunTurn(context.Background(), playgroundTurn("hi"))
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if res.Text != "right credential" || res.CredentialID != 2 {
		t.Fatalf("result %+v", res)
	}
	if len(h.calls) != 1 || h.calls[0] != "s2/gemini-2.5-pro" {
		t.Fatalf("calls %v, want only the credential serving the preferred model", h.calls)
	}
}

func TestPreferredModelUnservedFallsBackToAutomatic(t *testing.T) {
	h := newHarness(t)
	h.addCredential(t, 1, "s1", oneModel, textResp("automatic"))
	h.store.settings.PreferredModel = "gemini-9.9-ultra"

	res, err := h.engine.RunTurn(context.Background(), playgroundTurn("hi"))
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if res.Text != "automatic" {
		t.Fatalf("result %+v", res)
	}
	if len(h.calls) != 1 || h.calls[0] != "s1/gemini-2.5-flash" {
		t.Fatalf("calls %v, want automatic candidate", h.calls)
	}
}

func TestExhaustionReturnsTerminalError(t *testing.T) {
	h := newHarness(t)
	h.addCredential(t, 1, "s1", oneModel, quotaResp())
	h.addCredential(t, 2, "s2", oneModel, quotaResp())

	_, err := h.engine.RunTurn(context.Background(), playgroundTurn("hi"))
	if !errors.Is(err, ErrCredentialsExhausted) {
		t.Fatalf("want ErrCredentialsExhausted, got %v", err)
	}
	if len(h.store.audits) != 0 {
		t.Fatalf("audit must not be written on total failure")
	}
}

func TestToolRoundSingleFollowUp(t *testing.T) {
	h := newHarness(t)
	h.addCredential(t, 1, "s1", oneModel,
		toolCallResp(
			provider.FunctionCall{Name: tools.NameCalculator, Args: map[string]any{"expression": "2+2"}},
			provider.FunctionCall{Name: tools.NameWeather, Args: map[string]any{"location": "Cairo"}},
		),
		textResp("4, and it is sunny in Cairo"),
	)
	h.runner.declared = []provider.ToolDecl{{Name: tools.NameCalculator}, {Name: tools.NameWeather}}

	res, err := h.engine.RunTurn(context.Background(), playgroundTurn("What's 2+2 and the weather in Cairo?"))
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if res.Text != "4, and it is sunny in Cairo" {
		t.Fatalf("result %+v", res)
	}
	if len(h.runner.executed) != 2 {
		t.Fatalf("expected exactly two tool executions, got %v", h.runner.executed)
	}
	if len(h.calls) != 2 {
		t.Fatalf("expected initial plus one follow-up provider call, got %v", h.calls)
	}
	if len(h.store.audits) != 1 {
		t.Fatalf("expected one audit record, got %d", len(h.store.audits))
	}
	if len(h.store.logEntries) != 2 {
		t.Fatalf("expected two log entries, got %d", len(h.store.logEntries))
	}
}

func TestToolRoundNeverLoops(t *testing.T) {
	h := newHarness(t)
	h.addCredential(t, 1, "s1", oneModel,
		toolCallResp(provider.FunctionCall{Name: tools.NameCalculator, Args: map[string]any{"expression": "1+1"}}),
		toolCallResp(provider.FunctionCall{Name: tools.NameCalculator, Args: map[string]any{"expression": "3+3"}}),
	)

	res, err := h.engine.RunTurn(context.Background(), playgroundTurn("chain"))
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if len(h.calls) != 2 {
		t.Fatalf("second batch of tool calls must not trigger a third provider call, calls=%v", h.calls)
	}
	if len(h.runner.executed) != 1 {
		t.Fatalf("second batch must not execute, executed=%v", h.runner.executed)
	}
	if res.Text != "" {
		t.Fatalf("result %+v", res)
	}
}

func TestGroupSuppression(t *testing.T) {
	h := newHarness(t)
	h.addCredential(t, 1, "s1", oneModel, textResp(NoReplySentinel))

	req := TurnRequest{
		TenantID:       1,
		ConversationID: "grp",
		Platform:       "telegram",
		ChatType:       storage.ChatTypeGroup,
		GroupID:        "g1",
		SenderID:       "u1",
		SenderName:     "alice",
		Text:           "lol",
	}
	res, err := h.engine.RunTurn(context.Background(), req)
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if !res.Suppressed || res.Text != "" {
		t.Fatalf("expected suppression, got %+v", res)
	}
	if len(h.store.logEntries) != 1 || h.store.logEntries[0].Role != storage.RoleUser {
		t.Fatalf("suppressed turn must log only the user entry, got %+v", h.store.logEntries)
	}
	if len(h.store.audits) != 1 {
		t.Fatalf("suppressed turn still writes an audit record")
	}
}

func TestHistoryTrimsLeadingModelTurns(t *testing.T) {
	h := newHarness(t)
	h.store.history = []storage.ConversationLogEntry{
		{Role: storage.RoleModel, Content: "orphan reply"},
		{Role: storage.RoleUser, Content: "earlier question"},
		{Role: storage.RoleModel, Content: "earlier answer"},
	}
	var captured provider.Request
	h.addCredential(t, 1, "s1", oneModel, func(req provider.Request) (provider.Response, error) {
		captured = req
		return provider.Response{Text: "ok", Raw: []byte(`{}`)}, nil
	})

	if _, err := h.engine.RunTurn(context.Background(), playgroundTurn("now")); err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if len(captured.Messages) != 3 {
		t.Fatalf("expected trimmed history + current message, got %d", len(captured.Messages))
	}
	if captured.Messages[0].Parts[0].Text != "earlier question" {
		t.Fatalf("history must open on a user turn, got %+v", captured.Messages[0])
	}
}

func TestGroupProtocolOnlyOffPlayground(t *testing.T) {
	h := newHarness(t)
	var captured provider.Request
	h.addCredential(t, 1, "s1", oneModel, func(req provider.Request) (provider.Response, error) {
		captured = req
		return provider.Response{Text: "ok", Raw: []byte(`{}`)}, nil
	})

	if _, err := h.engine.RunTurn(context.Background(), playgroundTurn("hi")); err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if strings.Contains(captured.SystemInstruction, NoReplySentinel) {
		t.Fatalf("playground prompt must not carry the group protocol")
	}

	h2 := newHarness(t)
	var captured2 provider.Request
	h2.addCredential(t, 1, "s1", oneModel, func(req provider.Request) (provider.Response, error) {
		captured2 = req
		return provider.Response{Text: "ok", Raw: []byte(`{}`)}, nil
	})
	req := TurnRequest{
		TenantID: 1, ConversationID: "c", Platform: "telegram",
		ChatType: storage.ChatTypeGroup, GroupID: "g", SenderID: "u", Text: "hi",
	}
	if _, err := h2.engine.RunTurn(context.Background(), req); err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if !strings.Contains(captured2.SystemInstruction, NoReplySentinel) {
		t.Fatalf("group prompt must carry the suppression protocol")
	}
}

func TestDiscoveryRefreshOnEmptyCache(t *testing.T) {
	h := newHarness(t)
	h.addCredential(t, 1, "s1", "", textResp("after discovery"))
	h.clients["s1"].models = []provider.ModelInfo{
		{Name: "gemini-2.0-flash"},
		{Name: "gemini-2.5-pro"},
	}

	res, err := h.engine.RunTurn(context.Background(), playgroundTurn("hi"))
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if res.Model != "gemini-2.5-pro" {
		t.Fatalf("discovery should rank 2.5-pro first, got %s", res.Model)
	}
	if h.store.discovery[1] != "gemini-2.5-pro" {
		t.Fatalf("discovery not cached: %v", h.store.discovery)
	}
}

func TestMemoryBlocksInSystemInstruction(t *testing.T) {
	h := newHarness(t)
	h.store.core = []storage.Memory{{Content: "operator is nocturnal"}}
	h.store.learned = []storage.Memory{{Content: "alice likes tea"}}
	h.store.knowledge = "release happens every friday"
	var captured provider.Request
	h.addCredential(t, 1, "s1", oneModel, func(req provider.Request) (provider.Response, error) {
		captured = req
		return provider.Response{Text: "ok", Raw: []byte(`{}`)}, nil
	})

	if _, err := h.engine.RunTurn(context.Background(), playgroundTurn("hi")); err != nil {
		t.Fatalf("run turn: %v", err)
	}
	for _, want := range []string{"operator is nocturnal", "alice likes tea", "release happens every friday", "save_memory"} {
		if !strings.Contains(captured.SystemInstruction, want) {
			t.Fatalf("system instruction missing %q:\n%s", want, captured.SystemInstruction)
		}
	}
}
