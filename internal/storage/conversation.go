package storage

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

const convColumns = "id, tenant_id, conversation_id, platform, role, content, raw_response, chat_type, group_id, sender_id, sender_name, created_at"

// AppendConversationEntry appends one log row. The table is append-only;
// there is deliberately no update method.
func (s *Store) AppendConversationEntry(ctx context.Context, e ConversationLogEntry) error {
	q := s.sql.Insert("conversation_log").
		Columns("tenant_id", "conversation_id", "platform", "role", "content", "raw_response", "chat_type", "group_id", "sender_id", "sender_name").
		Values(e.TenantID, e.ConversationID, e.Platform, e.Role, e.Content, e.RawResponse, e.ChatType, e.GroupID, e.SenderID, e.SenderName)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build append conversation query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("append conversation entry: %w", err)
	}
	return nil
}

// RecentByConversation returns the most recent limit entries for one
// conversation id, oldest first.
func (s *Store) RecentByConversation(ctx context.Context, tenantID int64, conversationID string, limit int) ([]ConversationLogEntry, error) {
	return s.recentEntries(ctx, sq.Eq{"tenant_id": tenantID, "conversation_id": conversationID}, limit)
}

// RecentByGroup keys history on (platform, group id) so group chats keep
// context across conversation-id churn.
func (s *Store) RecentByGroup(ctx context.Context, tenantID int64, platform, groupID string, limit int) ([]ConversationLogEntry, error) {
	return s.recentEntries(ctx, sq.Eq{"tenant_id": tenantID, "platform": platform, "group_id": groupID}, limit)
}

// RecentBySender keys history on (platform, sender id) for private chats.
func (s *Store) RecentBySender(ctx context.Context, tenantID int64, platform, senderID string, limit int) ([]ConversationLogEntry, error) {
	return s.recentEntries(ctx, sq.Eq{
		"tenant_id": tenantID,
		"platform":  platform,
		"sender_id": senderID,
		"chat_type": ChatTypePrivate,
	}, limit)
}

func (s *Store) recentEntries(ctx context.Context, where sq.Eq, limit int) ([]ConversationLogEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	q := s.sql.Select(convColumns).
		From("conversation_log").
		Where(where).
		OrderBy("id DESC").
		Limit(uint64(limit))
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build recent entries query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query recent entries: %w", err)
	}
	defer rows.Close()

	out := make([]ConversationLogEntry, 0, limit)
	for rows.Next() {
		var e ConversationLogEntry
		var raw sql.NullString
		if err := rows.Scan(
			&e.ID, &e.TenantID, &e.ConversationID, &e.Platform, &e.Role, &e.Content,
			&raw, &e.ChatType, &e.GroupID, &e.SenderID, &e.SenderName, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		if raw.Valid {
			e.RawResponse = &raw.String
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation rows: %w", err)
	}

	// rows came newest-first; callers want chronological order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
