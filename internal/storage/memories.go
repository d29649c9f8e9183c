package storage

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

const memoryColumns = "id, tenant_id, kind, content, platform, sender_id, created_at"

func (s *Store) InsertMemory(ctx context.Context, m Memory) error {
	q := s.sql.Insert("memories").
		Columns("tenant_id", "kind", "content", "platform", "sender_id").
		Values(m.TenantID, m.Kind, m.Content, m.Platform, m.SenderID)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build insert memory query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	return nil
}

// ListCoreMemories returns the tenant's core memories, newest first,
// capped at limit.
func (s *Store) ListCoreMemories(ctx context.Context, tenantID int64, limit int) ([]Memory, error) {
	q := s.sql.Select(memoryColumns).
		From("memories").
		Where(sq.Eq{"tenant_id": tenantID, "kind": MemoryKindCore}).
		OrderBy("created_at DESC", "id DESC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	return s.queryMemories(ctx, q)
}

// ListActiveLearningMemories returns active-learning memories visible to a
// conversation: tenant-global rows (platform sharing promoted them) plus
// rows scoped exactly to this platform and sender. Rows belonging to other
// senders on the same platform are never returned.
func (s *Store) ListActiveLearningMemories(ctx context.Context, tenantID int64, platform, senderID string, limit int) ([]Memory, error) {
	scope := sq.Or{
		sq.Eq{"platform": nil, "sender_id": nil},
		sq.Eq{"platform": platform, "sender_id": senderID},
	}
	q := s.sql.Select(memoryColumns).
		From("memories").
		Where(sq.And{
			sq.Eq{"tenant_id": tenantID, "kind": MemoryKindActiveLearning},
			scope,
		}).
		OrderBy("created_at DESC", "id DESC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	return s.queryMemories(ctx, q)
}

func (s *Store) DeleteMemory(ctx context.Context, tenantID, id int64) error {
	q := s.sql.Delete("memories").Where(sq.Eq{"tenant_id": tenantID, "id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build delete memory query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) queryMemories(ctx context.Context, q sq.SelectBuilder) ([]Memory, error) {
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build memory query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	out := make([]Memory, 0)
	for rows.Next() {
		var m Memory
		var platform, senderID sql.NullString
		if err := rows.Scan(&m.ID, &m.TenantID, &m.Kind, &m.Content, &platform, &senderID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan memory row: %w", err)
		}
		if platform.Valid {
			m.Platform = &platform.String
		}
		if senderID.Valid {
			m.SenderID = &senderID.String
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memory rows: %w", err)
	}
	return out, nil
}
