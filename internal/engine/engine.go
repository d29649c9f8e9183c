package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"loombot/internal/config"
	"loombot/internal/crypto"
	"loombot/internal/metrics"
	"loombot/internal/provider"
	"loombot/internal/storage"
	"loombot/internal/tools"
)

// TurnRequest is one inbound message to orchestrate.
type TurnRequest struct {
	TenantID       int64
	ConversationID string
	Platform       string
	ChatType       string
	GroupID        string
	SenderID       string
	SenderName     string
	Playground     bool
	Text           string
	Media          *provider.Blob

	// ModelOverride pins the turn to one model, taking precedence over
	// the tenant's preferred model.
	ModelOverride string
}

// TurnResult is the outcome of a completed turn. Suppressed means the
// model declined to reply; Text is empty in that case.
type TurnResult struct {
	Text         string
	Suppressed   bool
	Model        string
	CredentialID int64
	Usage        provider.Usage
	ToolRuns     []tools.Execution
}

// Engine drives one conversation turn end to end: context assembly,
// credential/model cascade, the optional tool round and the audit trail.
type Engine struct {
	cfg     config.EngineConfig
	store   Store
	keyring *crypto.Keyring
	factory provider.Factory
	runner  ToolRunner
	log     zerolog.Logger
}

func New(cfg config.EngineConfig, store Store, keyring *crypto.Keyring, factory provider.Factory, runner ToolRunner, log zerolog.Logger) *Engine {
	return &Engine{
		cfg:     cfg,
		store:   store,
		keyring: keyring,
		factory: factory,
		runner:  runner,
		log:     log.With().Str("component", "engine").Logger(),
	}
}

// RunTurn orchestrates one turn. Provider and tool failures are resolved
// internally by the cascade and per-call isolation; only total credential
// exhaustion or context assembly failure surfaces as an error.
func (e *Engine) RunTurn(ctx context.Context, req TurnRequest) (TurnResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.TurnTimeout)
	defer cancel()
	start := time.Now()

	res, err := e.runTurn(ctx, req)
	metrics.Global().TurnDuration.Observe(time.Since(start).Seconds())
	switch {
	case err != nil:
		metrics.Global().TurnsTotal.WithLabelValues("error").Inc()
	case res.Suppressed:
		metrics.Global().TurnsTotal.WithLabelValues("suppressed").Inc()
	default:
		metrics.Global().TurnsTotal.WithLabelValues("ok").Inc()
	}
	return res, err
}

func (e *Engine) runTurn(ctx context.Context, req TurnRequest) (TurnResult, error) {
	settings, err := e.store.GetTenantSettings(ctx, req.TenantID)
	if err != nil {
		return TurnResult{}, fmt.Errorf("load settings: %w", err)
	}

	system, err := e.buildSystemInstruction(ctx, req, settings)
	if err != nil {
		return TurnResult{}, err
	}
	history, err := e.loadHistory(ctx, req)
	if err != nil {
		return TurnResult{}, err
	}

	caller := tools.Caller{
		TenantID:   req.TenantID,
		Platform:   req.Platform,
		SenderID:   req.SenderID,
		Playground: req.Playground,
	}
	decls, err := e.runner.Declarations(ctx, caller, settings)
	if err != nil {
		return TurnResult{}, fmt.Errorf("declare tools: %w", err)
	}

	messages := append(history, userMessage(req))
	provReq := provider.Request{
		SystemInstruction: system,
		Messages:          messages,
		Tools:             decls,
		Temperature:       settings.Temperature,
		MaxOutputTokens:   settings.MaxOutputTokens,
	}

	preferred := req.ModelOverride
	if preferred == "" {
		preferred = settings.PreferredModel
	}
	att, err := e.runCascade(ctx, req.TenantID, preferred, provReq)
	if err != nil {
		return TurnResult{}, err
	}

	resp := att.resp
	usage := resp.Usage
	var toolRuns []tools.Execution

	if resp.HasFunctionCalls() {
		resp, toolRuns, err = e.runToolRound(ctx, caller, settings, att, provReq, messages)
		if err != nil {
			return TurnResult{}, err
		}
		usage.PromptTokens += resp.Usage.PromptTokens
		usage.ResponseTokens += resp.Usage.ResponseTokens
		usage.TotalTokens += resp.Usage.TotalTokens
	}

	result := TurnResult{
		Model:        att.model,
		CredentialID: att.credentialID,
		Usage:        usage,
		ToolRuns:     toolRuns,
	}
	if strings.TrimSpace(resp.Text) == NoReplySentinel {
		result.Suppressed = true
	} else {
		result.Text = resp.Text
	}

	e.persistTurn(ctx, req, result, resp)
	return result, nil
}

// runToolRound executes the model's requested calls and issues exactly
// one follow-up provider call with the results appended. A second batch
// of tool calls in the follow-up response is not executed; the reply text
// is used as-is. The follow-up reuses the credential and model that
// served the first call.
func (e *Engine) runToolRound(ctx context.Context, caller tools.Caller, settings storage.TenantSettings, att attempt, provReq provider.Request, messages []provider.Message) (provider.Response, []tools.Execution, error) {
	modelMsg := provider.Message{Role: provider.RoleModel}
	for i := range att.resp.FunctionCalls {
		modelMsg.Parts = append(modelMsg.Parts, provider.Part{FunctionCall: &att.resp.FunctionCalls[i]})
	}

	resultMsg, execs := e.runner.ExecuteAll(ctx, caller, settings, att.resp.FunctionCalls, e.cfg.ToolTimeout)

	followReq := provReq
	followReq.Model = att.model
	followReq.Messages = append(append(append([]provider.Message{}, messages...), modelMsg), resultMsg)

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.ProviderTimeout)
	defer cancel()
	resp, err := att.client.GenerateContent(callCtx, followReq)
	if err != nil {
		metrics.Global().ProviderCalls.WithLabelValues("error").Inc()
		return provider.Response{}, nil, fmt.Errorf("%w: follow-up call failed: %v", ErrCredentialsExhausted, err)
	}
	metrics.Global().ProviderCalls.WithLabelValues("ok").Inc()

	if resp.HasFunctionCalls() {
		e.log.Warn().Int("calls", len(resp.FunctionCalls)).Msg("follow-up response requested more tools, not executed")
	}
	return resp, execs, nil
}

// persistTurn writes the conversation log entries and the audit record.
// Persistence failures are logged and swallowed: the user already has a
// reply, losing it over a log write would be worse.
func (e *Engine) persistTurn(ctx context.Context, req TurnRequest, result TurnResult, resp provider.Response) {
	userEntry := storage.ConversationLogEntry{
		TenantID:       req.TenantID,
		ConversationID: req.ConversationID,
		Platform:       req.Platform,
		Role:           storage.RoleUser,
		Content:        req.Text,
		ChatType:       req.ChatType,
		GroupID:        req.GroupID,
		SenderID:       req.SenderID,
		SenderName:     req.SenderName,
	}
	if err := e.store.AppendConversationEntry(ctx, userEntry); err != nil {
		e.log.Error().Err(err).Msg("append user log entry failed")
	}

	if !result.Suppressed {
		raw := string(resp.Raw)
		modelEntry := storage.ConversationLogEntry{
			TenantID:       req.TenantID,
			ConversationID: req.ConversationID,
			Platform:       req.Platform,
			Role:           storage.RoleModel,
			Content:        result.Text,
			RawResponse:    &raw,
			ChatType:       req.ChatType,
			GroupID:        req.GroupID,
			SenderID:       req.SenderID,
			SenderName:     req.SenderName,
		}
		if err := e.store.AppendConversationEntry(ctx, modelEntry); err != nil {
			e.log.Error().Err(err).Msg("append model log entry failed")
		}
	}

	reqJSON, _ := json.Marshal(map[string]any{
		"text":       req.Text,
		"platform":   req.Platform,
		"chat_type":  req.ChatType,
		"sender_id":  req.SenderID,
		"suppressed": result.Suppressed,
	})
	usageJSON, _ := json.Marshal(result.Usage)
	audit := storage.AuditRecord{
		TenantID:       req.TenantID,
		ConversationID: req.ConversationID,
		RequestJSON:    string(reqJSON),
		ResponseText:   result.Text,
		RawResponse:    string(resp.Raw),
		CredentialID:   result.CredentialID,
		Model:          result.Model,
		UsageJSON:      string(usageJSON),
	}
	if err := e.store.InsertAuditRecord(ctx, audit); err != nil {
		e.log.Error().Err(err).Msg("insert audit record failed")
	}
}
