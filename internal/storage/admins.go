package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// IsPlatformAdmin checks the admin allow-list for an external sender.
func (s *Store) IsPlatformAdmin(ctx context.Context, tenantID int64, platform, senderID string) (bool, error) {
	q := s.sql.Select("1").
		From("platform_admins").
		Where(sq.Eq{"tenant_id": tenantID, "platform": platform, "sender_id": senderID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return false, fmt.Errorf("build admin lookup query: %w", err)
	}

	var one int
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("admin lookup: %w", err)
	}
	return true, nil
}

func (s *Store) AddPlatformAdmin(ctx context.Context, tenantID int64, platform, senderID string) error {
	q := s.sql.Insert("platform_admins").
		Columns("tenant_id", "platform", "sender_id").
		Values(tenantID, platform, senderID).
		Suffix("ON CONFLICT(tenant_id, platform, sender_id) DO NOTHING")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build add admin query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("add platform admin: %w", err)
	}
	return nil
}

func (s *Store) RemovePlatformAdmin(ctx context.Context, tenantID int64, platform, senderID string) error {
	q := s.sql.Delete("platform_admins").
		Where(sq.Eq{"tenant_id": tenantID, "platform": platform, "sender_id": senderID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build remove admin query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("remove platform admin: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
