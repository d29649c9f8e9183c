package tools

import (
	"context"
	"fmt"
	"strings"

	"loombot/internal/storage"
)

// saveMemory writes an active-learning memory. Scope follows the tenant
// sharing rule: playground turns and shared platforms write tenant-global
// rows; everything else is scoped to the platform plus sender.
func (r *Registry) saveMemory(ctx context.Context, caller Caller, settings storage.TenantSettings, content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", fmt.Errorf("empty memory content")
	}

	m := storage.Memory{
		TenantID: caller.TenantID,
		Kind:     storage.MemoryKindActiveLearning,
		Content:  content,
	}
	if !caller.Playground && !settings.PlatformShared(caller.Platform) {
		platform, senderID := caller.Platform, caller.SenderID
		m.Platform = &platform
		m.SenderID = &senderID
	}
	if err := r.store.InsertMemory(ctx, m); err != nil {
		return "", fmt.Errorf("insert memory: %w", err)
	}
	return "memory saved", nil
}
