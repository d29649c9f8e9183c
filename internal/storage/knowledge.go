package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// GetKnowledge returns the tenant's knowledge-bank blob; empty string when
// none has been stored.
func (s *Store) GetKnowledge(ctx context.Context, tenantID int64) (string, error) {
	q := s.sql.Select("content").
		From("knowledge_bank").
		Where(sq.Eq{"tenant_id": tenantID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return "", fmt.Errorf("build knowledge query: %w", err)
	}

	var content string
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&content); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("get knowledge: %w", err)
	}
	return content, nil
}

func (s *Store) SetKnowledge(ctx context.Context, tenantID int64, content string) error {
	q := s.sql.Insert("knowledge_bank").
		Columns("tenant_id", "content", "updated_at").
		Values(tenantID, content, s.nowExpr()).
		Suffix("ON CONFLICT(tenant_id) DO UPDATE SET content=excluded.content, updated_at=excluded.updated_at")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build set knowledge query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("set knowledge: %w", err)
	}
	return nil
}

func (s *Store) AppendKnowledge(ctx context.Context, tenantID int64, chunk string) error {
	existing, err := s.GetKnowledge(ctx, tenantID)
	if err != nil {
		return err
	}
	if existing != "" {
		chunk = existing + "\n\n" + chunk
	}
	return s.SetKnowledge(ctx, tenantID, chunk)
}
