package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"loombot/internal/crypto"
	"loombot/internal/engine"
	"loombot/internal/logbuf"
	"loombot/internal/storage"
)

// TurnRunner is the engine surface the playground endpoint drives.
type TurnRunner interface {
	RunTurn(ctx context.Context, req engine.TurnRequest) (engine.TurnResult, error)
}

// Server is the operator-facing HTTP API: the playground plus CRUD for
// credentials, personalities, tools, settings, knowledge, memories and
// platform admins.
type Server struct {
	store      *storage.Store
	runner     TurnRunner
	keyring    *crypto.Keyring
	logs       *logbuf.Buffer
	adminToken string
	tenantID   int64
	logger     zerolog.Logger
}

type Config struct {
	Store      *storage.Store
	Runner     TurnRunner
	Keyring    *crypto.Keyring
	Logs       *logbuf.Buffer
	AdminToken string
	TenantID   int64
	Logger     zerolog.Logger
}

func NewServer(cfg Config) *Server {
	if cfg.TenantID == 0 {
		cfg.TenantID = 1
	}
	return &Server{
		store:      cfg.Store,
		runner:     cfg.Runner,
		keyring:    cfg.Keyring,
		logs:       cfg.Logs,
		adminToken: cfg.AdminToken,
		tenantID:   cfg.TenantID,
		logger:     cfg.Logger,
	}
}

// Register mounts all API routes on mux behind token auth.
func (s *Server) Register(mux *http.ServeMux) {
	handle := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, s.auth(h))
	}

	handle("POST /v1/playground/turn", s.playgroundTurn)

	handle("GET /v1/credentials", s.listCredentials)
	handle("POST /v1/credentials", s.createCredential)
	handle("POST /v1/credentials/{id}/status", s.setCredentialStatus)
	handle("DELETE /v1/credentials/{id}", s.deleteCredential)

	handle("GET /v1/personalities", s.listPersonalities)
	handle("POST /v1/personalities", s.createPersonality)
	handle("POST /v1/personalities/{name}/activate", s.activatePersonality)
	handle("DELETE /v1/personalities/{name}", s.deletePersonality)

	handle("GET /v1/tools", s.listTools)
	handle("POST /v1/tools", s.upsertTool)
	handle("DELETE /v1/tools/{name}", s.deleteTool)

	handle("GET /v1/settings", s.getSettings)
	handle("PUT /v1/settings", s.putSettings)

	handle("GET /v1/knowledge", s.getKnowledge)
	handle("PUT /v1/knowledge", s.putKnowledge)
	handle("POST /v1/knowledge/append", s.appendKnowledge)

	handle("GET /v1/memories", s.listMemories)
	handle("POST /v1/memories", s.createMemory)
	handle("DELETE /v1/memories/{id}", s.deleteMemory)

	handle("POST /v1/admins", s.addAdmin)
	handle("DELETE /v1/admins", s.removeAdmin)

	handle("GET /v1/audit", s.listAudit)
	handle("GET /v1/logs", s.dumpLogs)
}

func (s *Server) auth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			writeError(w, http.StatusServiceUnavailable, "admin token not configured")
			return
		}
		got := r.Header.Get("X-Admin-Token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.adminToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid admin token")
			return
		}
		next(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) playgroundTurn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ConversationID string `json:"conversation_id"`
		Text           string `json:"text"`
		Model          string `json:"model"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	if body.ConversationID == "" {
		body.ConversationID = "playground:" + uuid.NewString()
	}

	res, err := s.runner.RunTurn(r.Context(), engine.TurnRequest{
		TenantID:       s.tenantID,
		ConversationID: body.ConversationID,
		Platform:       "playground",
		ChatType:       storage.ChatTypePrivate,
		SenderID:       "operator",
		SenderName:     "Operator",
		Playground:     true,
		Text:           body.Text,
		ModelOverride:  body.Model,
	})
	if err != nil {
		if errors.Is(err, engine.ErrCredentialsExhausted) {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		s.logger.Error().Err(err).Msg("playground turn failed")
		writeError(w, http.StatusInternalServerError, "turn failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": body.ConversationID,
		"text":            res.Text,
		"suppressed":      res.Suppressed,
		"model":           res.Model,
		"usage": map[string]int{
			"prompt_tokens":   res.Usage.PromptTokens,
			"response_tokens": res.Usage.ResponseTokens,
			"total_tokens":    res.Usage.TotalTokens,
		},
	})
}

func (s *Server) listCredentials(w http.ResponseWriter, r *http.Request) {
	creds, err := s.store.ListActiveCredentials(r.Context(), s.tenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]map[string]any, 0, len(creds))
	for _, c := range creds {
		out = append(out, map[string]any{
			"id":           c.ID,
			"status":       c.Status,
			"best_model":   c.BestModel,
			"last_used_at": c.LastUsedAt,
			"created_at":   c.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) createCredential(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Secret string `json:"secret"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Secret) == "" {
		writeError(w, http.StatusBadRequest, "secret is required")
		return
	}
	sealed, err := s.keyring.SealString(body.Secret)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "seal secret: "+err.Error())
		return
	}
	id, err := s.store.InsertCredential(r.Context(), storage.Credential{
		TenantID:  s.tenantID,
		EncSecret: sealed,
		Status:    storage.CredentialActive,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (s *Server) setCredentialStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var body struct {
		Status string `json:"status"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	if body.Status != storage.CredentialActive && body.Status != storage.CredentialDisabled {
		writeError(w, http.StatusBadRequest, "status must be active or disabled")
		return
	}
	if err := s.store.SetCredentialStatus(r.Context(), s.tenantID, id, body.Status); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": body.Status})
}

func (s *Server) deleteCredential(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteCredential(r.Context(), s.tenantID, id); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listPersonalities(w http.ResponseWriter, r *http.Request) {
	ps, err := s.store.ListPersonalities(r.Context(), s.tenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

func (s *Server) createPersonality(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name     string `json:"name"`
		Prompt   string `json:"prompt"`
		Activate bool   `json:"activate"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	if body.Name == "" || body.Prompt == "" {
		writeError(w, http.StatusBadRequest, "name and prompt are required")
		return
	}
	if err := s.store.InsertPersonality(r.Context(), storage.Personality{
		TenantID: s.tenantID,
		Name:     body.Name,
		Prompt:   body.Prompt,
	}); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if body.Activate {
		if err := s.store.ActivatePersonality(r.Context(), s.tenantID, body.Name); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) activatePersonality(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.store.ActivatePersonality(r.Context(), s.tenantID, name); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"active": name})
}

func (s *Server) deletePersonality(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeletePersonality(r.Context(), s.tenantID, r.PathValue("name")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listTools(w http.ResponseWriter, r *http.Request) {
	ts, err := s.store.ListActiveTools(r.Context(), s.tenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]map[string]any, 0, len(ts))
	for _, t := range ts {
		out = append(out, map[string]any{
			"id":         t.ID,
			"name":       t.Name,
			"endpoint":   t.Endpoint,
			"method":     t.Method,
			"auth_type":  t.AuthType,
			"admin_only": t.AdminOnly,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) upsertTool(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name         string `json:"name"`
		Endpoint     string `json:"endpoint"`
		Method       string `json:"method"`
		HeadersJSON  string `json:"headers_json"`
		ParamsSchema string `json:"params_schema"`
		AuthType     string `json:"auth_type"`
		AuthParam    string `json:"auth_param"`
		AuthSecret   string `json:"auth_secret"`
		AdminOnly    bool   `json:"admin_only"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	if body.Name == "" || body.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "name and endpoint are required")
		return
	}
	tool := storage.Tool{
		TenantID:    s.tenantID,
		Name:        body.Name,
		Endpoint:    body.Endpoint,
		Method:      strings.ToUpper(body.Method),
		HeadersJSON: body.HeadersJSON,
		AuthType:    body.AuthType,
		AuthParam:   body.AuthParam,
		IsActive:    true,
		AdminOnly:   body.AdminOnly,
	}
	if tool.Method == "" {
		tool.Method = "POST"
	}
	if tool.HeadersJSON == "" {
		tool.HeadersJSON = "{}"
	}
	if body.ParamsSchema != "" {
		tool.ParamsSchemaJSON = &body.ParamsSchema
	}
	if body.AuthSecret != "" {
		sealed, err := s.keyring.SealString(body.AuthSecret)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "seal secret: "+err.Error())
			return
		}
		tool.EncAuthSecret = &sealed
	}
	if err := s.store.UpsertTool(r.Context(), tool); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) deleteTool(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteTool(r.Context(), s.tenantID, r.PathValue("name")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.store.GetTenantSettings(r.Context(), s.tenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) putSettings(w http.ResponseWriter, r *http.Request) {
	var settings storage.TenantSettings
	if !readJSON(w, r, &settings) {
		return
	}
	settings.TenantID = s.tenantID
	if err := s.store.UpsertTenantSettings(r.Context(), settings); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) getKnowledge(w http.ResponseWriter, r *http.Request) {
	content, err := s.store.GetKnowledge(r.Context(), s.tenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"content": content})
}

func (s *Server) putKnowledge(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content string `json:"content"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	if err := s.store.SetKnowledge(r.Context(), s.tenantID, body.Content); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) appendKnowledge(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content string `json:"content"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Content) == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	if err := s.store.AppendKnowledge(r.Context(), s.tenantID, body.Content); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listMemories(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	var (
		memories []storage.Memory
		err      error
	)
	if r.URL.Query().Get("kind") == storage.MemoryKindActiveLearning {
		memories, err = s.store.ListActiveLearningMemories(r.Context(), s.tenantID,
			r.URL.Query().Get("platform"), r.URL.Query().Get("sender_id"), limit)
	} else {
		memories, err = s.store.ListCoreMemories(r.Context(), s.tenantID, limit)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, memories)
}

func (s *Server) createMemory(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Kind    string `json:"kind"`
		Content string `json:"content"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	if body.Kind == "" {
		body.Kind = storage.MemoryKindCore
	}
	if body.Kind != storage.MemoryKindCore && body.Kind != storage.MemoryKindActiveLearning {
		writeError(w, http.StatusBadRequest, "kind must be core or active_learning")
		return
	}
	if strings.TrimSpace(body.Content) == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	if err := s.store.InsertMemory(r.Context(), storage.Memory{
		TenantID: s.tenantID,
		Kind:     body.Kind,
		Content:  body.Content,
	}); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) deleteMemory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteMemory(r.Context(), s.tenantID, id); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) addAdmin(w http.ResponseWriter, r *http.Request) {
	platform, senderID, ok := adminBody(w, r)
	if !ok {
		return
	}
	if err := s.store.AddPlatformAdmin(r.Context(), s.tenantID, platform, senderID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) removeAdmin(w http.ResponseWriter, r *http.Request) {
	platform, senderID, ok := adminBody(w, r)
	if !ok {
		return
	}
	if err := s.store.RemovePlatformAdmin(r.Context(), s.tenantID, platform, senderID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func adminBody(w http.ResponseWriter, r *http.Request) (platform, senderID string, ok bool) {
	var body struct {
		Platform string `json:"platform"`
		SenderID string `json:"sender_id"`
	}
	if !readJSON(w, r, &body) {
		return "", "", false
	}
	if body.Platform == "" || body.SenderID == "" {
		writeError(w, http.StatusBadRequest, "platform and sender_id are required")
		return "", "", false
	}
	return body.Platform, body.SenderID, true
}

func (s *Server) listAudit(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.ListAuditRecords(r.Context(), s.tenantID, queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) dumpLogs(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	for _, line := range s.logs.Snapshot() {
		_, _ = w.Write([]byte(line + "\n"))
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, fallback int) int {
	if raw := r.URL.Query().Get(key); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			return v
		}
	}
	return fallback
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
