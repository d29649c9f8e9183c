package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/go-github/v69/github"
	cache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"loombot/internal/config"
	"loombot/internal/crypto"
	"loombot/internal/provider"
	"loombot/internal/storage"
)

// Built-in tool names. These are the names declared to the model and the
// keys used for tenant per-tool toggles.
const (
	NameWebSearch   = "web_search"
	NameWeather     = "weather"
	NameCalculator  = "calculator"
	NameScrapePage  = "scrape_page"
	NameGitHubRepo  = "github_repo"
	NameCurrency    = "convert_currency"
	NameSendMedia   = "send_media"
	NameSaveMemory  = "save_memory"
	NameManageTools = "manage_tools"
	NameInstallTool = "install_tool"
)

// Caller identifies the party a turn runs on behalf of. Playground and
// other internal callers are implicitly admins; external callers are
// checked against the platform admin list.
type Caller struct {
	TenantID   int64
	Platform   string
	SenderID   string
	Playground bool
}

// Store is the slice of persistence the tool layer needs.
type Store interface {
	ListActiveTools(ctx context.Context, tenantID int64) ([]storage.Tool, error)
	GetToolByName(ctx context.Context, tenantID int64, name string) (storage.Tool, error)
	UpsertTool(ctx context.Context, t storage.Tool) error
	DeleteTool(ctx context.Context, tenantID int64, name string) error
	InsertMemory(ctx context.Context, m storage.Memory) error
	IsPlatformAdmin(ctx context.Context, tenantID int64, platform, senderID string) (bool, error)
}

// Registry declares the tool set for a turn and executes individual
// calls. One Registry serves all tenants; per-tenant state lives in the
// store and in the settings passed per call.
type Registry struct {
	cfg      config.ToolsConfig
	store    Store
	keyring  *crypto.Keyring
	httpc    *http.Client
	gh       *github.Client
	geocache *cache.Cache
	admins   *cache.Cache
	log      zerolog.Logger
}

func NewRegistry(cfg config.ToolsConfig, store Store, keyring *crypto.Keyring, log zerolog.Logger) *Registry {
	httpc := &http.Client{Timeout: 15 * time.Second}
	adminTTL := cfg.AdminCacheTTL
	if adminTTL <= 0 {
		adminTTL = 10 * time.Minute
	}
	return &Registry{
		cfg:      cfg,
		store:    store,
		keyring:  keyring,
		httpc:    httpc,
		gh:       github.NewClient(httpc),
		geocache: cache.New(24*time.Hour, time.Hour),
		admins:   cache.New(adminTTL, adminTTL),
		log:      log.With().Str("component", "tools").Logger(),
	}
}

// IsAdmin resolves whether the caller may use admin-only tools. External
// lookups are cached; a failed lookup is treated as non-admin and not
// cached.
func (r *Registry) IsAdmin(ctx context.Context, caller Caller) bool {
	if caller.Playground {
		return true
	}
	key := fmt.Sprintf("%d:%s:%s", caller.TenantID, caller.Platform, caller.SenderID)
	if cached, found := r.admins.Get(key); found {
		return cached.(bool)
	}
	ok, err := r.store.IsPlatformAdmin(ctx, caller.TenantID, caller.Platform, caller.SenderID)
	if err != nil {
		r.log.Warn().Err(err).Str("platform", caller.Platform).Msg("admin lookup failed")
		return false
	}
	r.admins.SetDefault(key, ok)
	return ok
}

// Declarations builds the tool set offered to the model for one turn.
// Toggle-able builtins honour tenant settings; save_memory and
// manage_tools are always present; install_tool only for admins. Active
// custom webhook tools are appended with their stored schema.
func (r *Registry) Declarations(ctx context.Context, caller Caller, settings storage.TenantSettings) ([]provider.ToolDecl, error) {
	admin := r.IsAdmin(ctx, caller)

	var decls []provider.ToolDecl
	for _, b := range builtinDecls {
		if settings.ToolEnabled(b.Name) {
			decls = append(decls, b)
		}
	}
	decls = append(decls, saveMemoryDecl, manageToolsDecl)
	if admin {
		decls = append(decls, installToolDecl)
	}

	custom, err := r.store.ListActiveTools(ctx, caller.TenantID)
	if err != nil {
		return nil, fmt.Errorf("list custom tools: %w", err)
	}
	for _, t := range custom {
		if t.AdminOnly && !admin {
			continue
		}
		decls = append(decls, customDecl(t))
	}
	return decls, nil
}

func customDecl(t storage.Tool) provider.ToolDecl {
	params := genericPayloadSchema()
	if t.ParamsSchemaJSON != nil && *t.ParamsSchemaJSON != "" {
		var stored map[string]any
		if err := json.Unmarshal([]byte(*t.ParamsSchemaJSON), &stored); err == nil {
			params = stored
		}
	}
	return provider.ToolDecl{
		Name:        t.Name,
		Description: fmt.Sprintf("Custom tool calling %s", t.Endpoint),
		Parameters:  params,
	}
}

func genericPayloadSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"payload": map[string]any{"type": "string", "description": "Request payload"},
		},
		"required": []any{"payload"},
	}
}

var builtinDecls = []provider.ToolDecl{
	{
		Name:        NameWebSearch,
		Description: "Search the web and return the top results with title, link and snippet.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string", "description": "Search query"},
			},
			"required": []any{"query"},
		},
	},
	{
		Name:        NameWeather,
		Description: "Get current weather conditions for a free-text location.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"location": map[string]any{"type": "string", "description": "City or place name"},
			},
			"required": []any{"location"},
		},
	},
	{
		Name:        NameCalculator,
		Description: "Evaluate an arithmetic expression using +, -, *, / and parentheses.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"expression": map[string]any{"type": "string", "description": "Arithmetic expression"},
			},
			"required": []any{"expression"},
		},
	},
	{
		Name:        NameScrapePage,
		Description: "Fetch a web page and return its readable text content.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{"type": "string", "description": "Page URL"},
			},
			"required": []any{"url"},
		},
	},
	{
		Name:        NameGitHubRepo,
		Description: "Look up a GitHub repository's metadata and README.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"owner": map[string]any{"type": "string", "description": "Repository owner"},
				"repo":  map[string]any{"type": "string", "description": "Repository name"},
			},
			"required": []any{"owner", "repo"},
		},
	},
	{
		Name:        NameCurrency,
		Description: "Convert an amount between two currencies at the current rate.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"amount": map[string]any{"type": "number", "description": "Amount to convert"},
				"from":   map[string]any{"type": "string", "description": "Source currency code, e.g. USD"},
				"to":     map[string]any{"type": "string", "description": "Target currency code, e.g. EUR"},
			},
			"required": []any{"amount", "from", "to"},
		},
	},
	{
		Name:        NameSendMedia,
		Description: "Attach an image, video, audio file or document to the reply. Returns a dispatch tag; include it verbatim in your answer.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"source": map[string]any{"type": "string", "description": "Media URL or managed local path"},
				"type":   map[string]any{"type": "string", "description": "One of image, video, audio, document"},
			},
			"required": []any{"source", "type"},
		},
	},
}

var saveMemoryDecl = provider.ToolDecl{
	Name:        NameSaveMemory,
	Description: "Save a fact learned in this conversation to long-term memory.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"content": map[string]any{"type": "string", "description": "The fact to remember"},
		},
		"required": []any{"content"},
	},
}

var manageToolsDecl = provider.ToolDecl{
	Name:        NameManageTools,
	Description: "Add, remove or list custom webhook tools. Action is one of add, remove, list.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"action":      map[string]any{"type": "string", "description": "add, remove or list"},
			"name":        map[string]any{"type": "string", "description": "Tool name (add/remove)"},
			"endpoint":    map[string]any{"type": "string", "description": "HTTP endpoint URL (add)"},
			"method":      map[string]any{"type": "string", "description": "HTTP method, default POST (add)"},
			"auth_type":   map[string]any{"type": "string", "description": "bearer, header or query (add, optional)"},
			"auth_param":  map[string]any{"type": "string", "description": "Header or query parameter name (add, optional)"},
			"auth_secret": map[string]any{"type": "string", "description": "Secret value (add, optional)"},
		},
		"required": []any{"action"},
	},
}

var installToolDecl = provider.ToolDecl{
	Name:        NameInstallTool,
	Description: "Install a fully specified custom tool, including parameter schema and headers. Admin only.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name":          map[string]any{"type": "string", "description": "Tool name"},
			"endpoint":      map[string]any{"type": "string", "description": "HTTP endpoint URL"},
			"method":        map[string]any{"type": "string", "description": "HTTP method, default POST"},
			"headers":       map[string]any{"type": "string", "description": "JSON object of extra headers (optional)"},
			"params_schema": map[string]any{"type": "string", "description": "JSON schema for the tool's arguments (optional)"},
			"auth_type":     map[string]any{"type": "string", "description": "bearer, header or query (optional)"},
			"auth_param":    map[string]any{"type": "string", "description": "Header or query parameter name (optional)"},
			"auth_secret":   map[string]any{"type": "string", "description": "Secret value (optional)"},
			"admin_only":    map[string]any{"type": "boolean", "description": "Restrict the tool to admins"},
		},
		"required": []any{"name", "endpoint"},
	},
}
