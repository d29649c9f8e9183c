package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"loombot/internal/provider"
	"loombot/internal/storage"
)

// NoReplySentinel is the literal the model emits to decline replying in a
// group conversation. The engine signals suppression instead of returning
// it to the caller.
const NoReplySentinel = "[NO_REPLY]"

const defaultPersona = "You are a helpful, concise assistant."

const identityStatement = `You are a private assistant run by your operator's own deployment. Do not bring this up unless the user explicitly asks who runs you.`

const savePolicyProtocol = `When the user shares a stable personal fact, preference or standing instruction, save it with the save_memory tool. Do not save transient details or anything the user asks you to forget.`

const groupProtocol = `You may be part of group conversations on this platform. If a group message does not warrant a reply from you, respond with exactly [NO_REPLY] and nothing else. Never reveal one user's privately saved facts in a group unless that user asks for them or they are clearly relevant and not sensitive.`

// buildSystemInstruction assembles the persona, memory blocks, retrieved
// knowledge and behavioral protocols into one system prompt.
func (e *Engine) buildSystemInstruction(ctx context.Context, req TurnRequest, settings storage.TenantSettings) (string, error) {
	persona := defaultPersona
	p, err := e.store.GetActivePersonality(ctx, req.TenantID)
	switch {
	case err == nil:
		persona = p.Prompt
	case !errors.Is(err, storage.ErrNotFound):
		return "", fmt.Errorf("load personality: %w", err)
	}

	var b strings.Builder
	b.WriteString(persona)
	b.WriteString("\n\n")
	b.WriteString(identityStatement)
	b.WriteString("\n\n")
	if req.SenderName != "" {
		fmt.Fprintf(&b, "You are talking with %s on %s.\n\n", req.SenderName, req.Platform)
	}

	core, err := e.store.ListCoreMemories(ctx, req.TenantID, e.cfg.CoreMemoryLimit)
	if err != nil {
		return "", fmt.Errorf("load core memories: %w", err)
	}
	if len(core) > 0 {
		b.WriteString("Core knowledge about yourself and your operator:\n")
		for _, m := range core {
			fmt.Fprintf(&b, "- %s\n", m.Content)
		}
		b.WriteString("\n")
	}

	learned, err := e.store.ListActiveLearningMemories(ctx, req.TenantID, req.Platform, req.SenderID, e.cfg.CoreMemoryLimit)
	if err != nil {
		return "", fmt.Errorf("load learned memories: %w", err)
	}
	if len(learned) > 0 {
		b.WriteString("Facts learned in previous conversations:\n")
		for _, m := range learned {
			fmt.Fprintf(&b, "- %s\n", m.Content)
		}
		b.WriteString("\n")
	}

	knowledge, err := e.store.GetKnowledge(ctx, req.TenantID)
	if err != nil {
		return "", fmt.Errorf("load knowledge: %w", err)
	}
	if knowledge != "" {
		b.WriteString("Reference notes:\n")
		b.WriteString(knowledge)
		b.WriteString("\n\n")
	}

	b.WriteString(savePolicyProtocol)
	if !req.Playground {
		b.WriteString("\n\n")
		b.WriteString(groupProtocol)
	}
	return b.String(), nil
}

// loadHistory fetches recent log entries for the turn's conversation key:
// group chats share history per group, private chats per sender, and
// playground sessions per conversation id.
func (e *Engine) loadHistory(ctx context.Context, req TurnRequest) ([]provider.Message, error) {
	var (
		entries []storage.ConversationLogEntry
		err     error
	)
	switch {
	case req.Playground:
		entries, err = e.store.RecentByConversation(ctx, req.TenantID, req.ConversationID, e.cfg.HistoryLimit)
	case req.ChatType == storage.ChatTypeGroup:
		entries, err = e.store.RecentByGroup(ctx, req.TenantID, req.Platform, req.GroupID, e.cfg.HistoryLimit)
	default:
		entries, err = e.store.RecentBySender(ctx, req.TenantID, req.Platform, req.SenderID, e.cfg.HistoryLimit)
	}
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	// The window must open on a user turn or the provider rejects it.
	for len(entries) > 0 && entries[0].Role == storage.RoleModel {
		entries = entries[1:]
	}

	msgs := make([]provider.Message, 0, len(entries))
	for _, entry := range entries {
		role := provider.RoleUser
		content := entry.Content
		if entry.Role == storage.RoleModel {
			role = provider.RoleModel
		} else if entry.ChatType == storage.ChatTypeGroup && entry.SenderName != "" {
			content = entry.SenderName + ": " + content
		}
		msgs = append(msgs, provider.TextMessage(role, content))
	}
	return msgs, nil
}

// userMessage renders the inbound message, attaching inline media when
// the surface delivered any.
func userMessage(req TurnRequest) provider.Message {
	text := req.Text
	if req.ChatType == storage.ChatTypeGroup && req.SenderName != "" {
		text = req.SenderName + ": " + text
	}
	msg := provider.Message{Role: provider.RoleUser}
	if req.Media != nil {
		msg.Parts = append(msg.Parts, provider.Part{InlineData: req.Media})
	}
	msg.Parts = append(msg.Parts, provider.Part{Text: text})
	return msg
}
