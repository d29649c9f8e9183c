package storage

import (
	"encoding/json"
	"time"
)

const (
	CredentialActive   = "active"
	CredentialDisabled = "disabled"

	MemoryKindCore           = "core"
	MemoryKindActiveLearning = "active_learning"

	RoleUser  = "user"
	RoleModel = "model"

	ChatTypePrivate = "private"
	ChatTypeGroup   = "group"
)

// Credential is a stored provider secret plus the capability metadata
// discovered for it. Secret is envelope-encrypted at rest.
type Credential struct {
	ID         int64
	TenantID   int64
	EncSecret  string
	Status     string
	LastUsedAt *time.Time
	BestModel  string
	ModelsJSON string
	CreatedAt  time.Time
}

// DiscoveredModel is one entry of a credential's cached model list.
type DiscoveredModel struct {
	Name             string `json:"name"`
	InputTokenLimit  int    `json:"input_token_limit"`
	OutputTokenLimit int    `json:"output_token_limit"`
}

// Models decodes the cached discovery list. A credential with no discovery
// data yields an empty slice.
func (c Credential) Models() []DiscoveredModel {
	var out []DiscoveredModel
	if c.ModelsJSON == "" {
		return out
	}
	_ = json.Unmarshal([]byte(c.ModelsJSON), &out)
	return out
}

type Personality struct {
	ID        int64
	TenantID  int64
	Name      string
	Prompt    string
	IsActive  bool
	CreatedAt time.Time
}

// Memory rows with nil Platform/SenderID are tenant-global; scoped rows
// belong to one external sender on one platform.
type Memory struct {
	ID        int64
	TenantID  int64
	Kind      string
	Content   string
	Platform  *string
	SenderID  *string
	CreatedAt time.Time
}

type Tool struct {
	ID               int64
	TenantID         int64
	Name             string
	Endpoint         string
	Method           string
	HeadersJSON      string
	ParamsSchemaJSON *string
	AuthType         string
	AuthParam        string
	EncAuthSecret    *string
	IsActive         bool
	AdminOnly        bool
	CreatedAt        time.Time
}

// ConversationLogEntry is append-only; rows are never mutated.
type ConversationLogEntry struct {
	ID             int64
	TenantID       int64
	ConversationID string
	Platform       string
	Role           string
	Content        string
	RawResponse    *string
	ChatType       string
	GroupID        string
	SenderID       string
	SenderName     string
	CreatedAt      time.Time
}

// AuditRecord captures one completed turn. Never written on total failure.
type AuditRecord struct {
	ID             int64
	TenantID       int64
	ConversationID string
	RequestJSON    string
	ResponseText   string
	RawResponse    string
	CredentialID   int64
	Model          string
	UsageJSON      string
	CreatedAt      time.Time
}

type TenantSettings struct {
	TenantID            int64
	PreferredModel      string
	Temperature         float64
	MaxOutputTokens     int
	ToolFlagsJSON       string
	SharedPlatformsJSON string
}

// ToolEnabled reports whether a per-tool toggle is on. Tools absent from
// the flags map default to off.
func (s TenantSettings) ToolEnabled(name string) bool {
	flags := map[string]bool{}
	if s.ToolFlagsJSON != "" {
		_ = json.Unmarshal([]byte(s.ToolFlagsJSON), &flags)
	}
	return flags[name]
}

// SharedPlatforms lists platforms for which active-learning memories are
// shared tenant-wide instead of per-sender.
func (s TenantSettings) SharedPlatforms() []string {
	var out []string
	if s.SharedPlatformsJSON != "" {
		_ = json.Unmarshal([]byte(s.SharedPlatformsJSON), &out)
	}
	return out
}

func (s TenantSettings) PlatformShared(platform string) bool {
	for _, p := range s.SharedPlatforms() {
		if p == platform {
			return true
		}
	}
	return false
}
