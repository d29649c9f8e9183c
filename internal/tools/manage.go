package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"loombot/internal/storage"
)

var authTypes = map[string]bool{
	"":       true,
	"bearer": true,
	"header": true,
	"query":  true,
}

// manageTools handles the add/remove/list actions on the tenant's custom
// webhook tools.
func (r *Registry) manageTools(ctx context.Context, caller Caller, settings storage.TenantSettings, args map[string]any) (string, error) {
	switch action := argString(args, "action"); action {
	case "list":
		return r.listToolSummary(ctx, caller, settings)
	case "add":
		tool, err := toolFromArgs(caller.TenantID, args, false)
		if err != nil {
			return "", err
		}
		if err := r.registerTool(ctx, tool, argString(args, "auth_secret")); err != nil {
			return "", err
		}
		return fmt.Sprintf("tool %q added", tool.Name), nil
	case "remove":
		name := argString(args, "name")
		if name == "" {
			return "", fmt.Errorf("remove requires a tool name")
		}
		if err := r.store.DeleteTool(ctx, caller.TenantID, name); err != nil {
			return "", fmt.Errorf("delete tool: %w", err)
		}
		return fmt.Sprintf("tool %q removed", name), nil
	default:
		return "", fmt.Errorf("unknown action %q, want add, remove or list", action)
	}
}

// installTool is the admin-only variant: it additionally accepts headers,
// a parameter schema and the admin-only flag.
func (r *Registry) installTool(ctx context.Context, caller Caller, args map[string]any) (string, error) {
	if !r.IsAdmin(ctx, caller) {
		return "", fmt.Errorf("install_tool requires admin rights")
	}
	tool, err := toolFromArgs(caller.TenantID, args, true)
	if err != nil {
		return "", err
	}
	if err := r.registerTool(ctx, tool, argString(args, "auth_secret")); err != nil {
		return "", err
	}
	return fmt.Sprintf("tool %q installed", tool.Name), nil
}

func (r *Registry) registerTool(ctx context.Context, tool storage.Tool, secret string) error {
	if secret != "" {
		sealed, err := r.keyring.SealString(secret)
		if err != nil {
			return fmt.Errorf("seal tool secret: %w", err)
		}
		tool.EncAuthSecret = &sealed
	}
	if err := r.store.UpsertTool(ctx, tool); err != nil {
		return fmt.Errorf("upsert tool: %w", err)
	}
	return nil
}

// toolFromArgs validates a tool definition at registration time rather
// than trusting it at call time.
func toolFromArgs(tenantID int64, args map[string]any, full bool) (storage.Tool, error) {
	name := strings.TrimSpace(argString(args, "name"))
	endpoint := strings.TrimSpace(argString(args, "endpoint"))
	if name == "" || endpoint == "" {
		return storage.Tool{}, fmt.Errorf("name and endpoint are required")
	}
	if isBuiltinName(name) {
		return storage.Tool{}, fmt.Errorf("%q is a reserved built-in tool name", name)
	}
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return storage.Tool{}, fmt.Errorf("endpoint must be a valid http(s) URL")
	}

	method := strings.ToUpper(strings.TrimSpace(argString(args, "method")))
	if method == "" {
		method = "POST"
	}
	switch method {
	case "GET", "HEAD", "POST", "PUT", "PATCH", "DELETE":
	default:
		return storage.Tool{}, fmt.Errorf("unsupported method %q", method)
	}

	authType := strings.ToLower(strings.TrimSpace(argString(args, "auth_type")))
	if !authTypes[authType] {
		return storage.Tool{}, fmt.Errorf("auth_type must be bearer, header or query")
	}
	authParam := strings.TrimSpace(argString(args, "auth_param"))
	if (authType == "header" || authType == "query") && authParam == "" {
		return storage.Tool{}, fmt.Errorf("auth_type %q requires auth_param", authType)
	}

	tool := storage.Tool{
		TenantID:    tenantID,
		Name:        name,
		Endpoint:    endpoint,
		Method:      method,
		HeadersJSON: "{}",
		AuthType:    authType,
		AuthParam:   authParam,
		IsActive:    true,
	}

	if full {
		if headers := argString(args, "headers"); headers != "" {
			var parsed map[string]string
			if err := json.Unmarshal([]byte(headers), &parsed); err != nil {
				return storage.Tool{}, fmt.Errorf("headers must be a JSON object of strings: %w", err)
			}
			tool.HeadersJSON = headers
		}
		if schema := argString(args, "params_schema"); schema != "" {
			if err := validateParamsSchema(schema); err != nil {
				return storage.Tool{}, err
			}
			tool.ParamsSchemaJSON = &schema
		}
		if adminOnly, ok := args["admin_only"].(bool); ok {
			tool.AdminOnly = adminOnly
		}
	}
	return tool, nil
}

// validateParamsSchema requires an object schema with a properties map.
func validateParamsSchema(raw string) error {
	var schema struct {
		Type       string                    `json:"type"`
		Properties map[string]map[string]any `json:"properties"`
	}
	if err := json.Unmarshal([]byte(raw), &schema); err != nil {
		return fmt.Errorf("params_schema is not valid JSON: %w", err)
	}
	if schema.Type != "object" {
		return fmt.Errorf("params_schema type must be \"object\"")
	}
	if len(schema.Properties) == 0 {
		return fmt.Errorf("params_schema must declare at least one property")
	}
	for name, prop := range schema.Properties {
		if _, ok := prop["type"].(string); !ok {
			return fmt.Errorf("params_schema property %q is missing a type", name)
		}
	}
	return nil
}

func isBuiltinName(name string) bool {
	switch name {
	case NameWebSearch, NameWeather, NameCalculator, NameScrapePage,
		NameGitHubRepo, NameCurrency, NameSendMedia, NameSaveMemory,
		NameManageTools, NameInstallTool:
		return true
	}
	return false
}

func (r *Registry) listToolSummary(ctx context.Context, caller Caller, settings storage.TenantSettings) (string, error) {
	decls, err := r.Declarations(ctx, caller, settings)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString("Available tools:\n")
	for _, d := range decls {
		fmt.Fprintf(&b, "- %s: %s\n", d.Name, d.Description)
	}
	return strings.TrimSpace(b.String()), nil
}
