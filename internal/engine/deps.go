package engine

import (
	"context"
	"time"

	"loombot/internal/provider"
	"loombot/internal/storage"
	"loombot/internal/tools"
)

// Per-entity repositories the engine consumes. *storage.Store satisfies
// all of them; tests substitute in-memory fakes.

type CredentialRepo interface {
	ListActiveCredentials(ctx context.Context, tenantID int64) ([]storage.Credential, error)
	TouchCredential(ctx context.Context, id int64) error
	UpdateCredentialDiscovery(ctx context.Context, id int64, bestModel, modelsJSON string) error
}

type MemoryRepo interface {
	ListCoreMemories(ctx context.Context, tenantID int64, limit int) ([]storage.Memory, error)
	ListActiveLearningMemories(ctx context.Context, tenantID int64, platform, senderID string, limit int) ([]storage.Memory, error)
}

type HistoryRepo interface {
	AppendConversationEntry(ctx context.Context, e storage.ConversationLogEntry) error
	RecentByConversation(ctx context.Context, tenantID int64, conversationID string, limit int) ([]storage.ConversationLogEntry, error)
	RecentByGroup(ctx context.Context, tenantID int64, platform, groupID string, limit int) ([]storage.ConversationLogEntry, error)
	RecentBySender(ctx context.Context, tenantID int64, platform, senderID string, limit int) ([]storage.ConversationLogEntry, error)
}

type AuditRepo interface {
	InsertAuditRecord(ctx context.Context, r storage.AuditRecord) error
}

type PersonaRepo interface {
	GetActivePersonality(ctx context.Context, tenantID int64) (storage.Personality, error)
}

type KnowledgeRepo interface {
	GetKnowledge(ctx context.Context, tenantID int64) (string, error)
}

type SettingsRepo interface {
	GetTenantSettings(ctx context.Context, tenantID int64) (storage.TenantSettings, error)
}

// Store is the full persistence surface of one turn.
type Store interface {
	CredentialRepo
	MemoryRepo
	HistoryRepo
	AuditRepo
	PersonaRepo
	KnowledgeRepo
	SettingsRepo
}

// ToolRunner is the slice of the tool registry the engine drives.
type ToolRunner interface {
	Declarations(ctx context.Context, caller tools.Caller, settings storage.TenantSettings) ([]provider.ToolDecl, error)
	ExecuteAll(ctx context.Context, caller tools.Caller, settings storage.TenantSettings, calls []provider.FunctionCall, perCallTimeout time.Duration) (provider.Message, []tools.Execution)
}
