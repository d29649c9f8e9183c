package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

const personalityColumns = "id, tenant_id, name, prompt, is_active, created_at"

// GetActivePersonality returns the tenant's single active personality.
// Absence is ErrNotFound; callers substitute the hardcoded default.
func (s *Store) GetActivePersonality(ctx context.Context, tenantID int64) (Personality, error) {
	q := s.sql.Select(personalityColumns).
		From("personalities").
		Where(sq.Eq{"tenant_id": tenantID, "is_active": true}).
		OrderBy("id ASC").
		Limit(1)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Personality{}, fmt.Errorf("build active personality query: %w", err)
	}

	var p Personality
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&p.ID, &p.TenantID, &p.Name, &p.Prompt, &p.IsActive, &p.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Personality{}, ErrNotFound
		}
		return Personality{}, fmt.Errorf("get active personality: %w", err)
	}
	return p, nil
}

func (s *Store) ListPersonalities(ctx context.Context, tenantID int64) ([]Personality, error) {
	q := s.sql.Select(personalityColumns).
		From("personalities").
		Where(sq.Eq{"tenant_id": tenantID}).
		OrderBy("created_at ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list personalities query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list personalities: %w", err)
	}
	defer rows.Close()

	out := make([]Personality, 0)
	for rows.Next() {
		var p Personality
		if err := rows.Scan(&p.ID, &p.TenantID, &p.Name, &p.Prompt, &p.IsActive, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan personality row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate personality rows: %w", err)
	}
	return out, nil
}

func (s *Store) InsertPersonality(ctx context.Context, p Personality) error {
	q := s.sql.Insert("personalities").
		Columns("tenant_id", "name", "prompt", "is_active").
		Values(p.TenantID, p.Name, p.Prompt, p.IsActive)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build insert personality query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert personality: %w", err)
	}
	if p.IsActive {
		return s.activateOnly(ctx, p.TenantID, p.Name)
	}
	return nil
}

// ActivatePersonality makes the named personality the tenant's active one,
// deactivating all others to keep the at-most-one-active invariant.
func (s *Store) ActivatePersonality(ctx context.Context, tenantID int64, name string) error {
	return s.activateOnly(ctx, tenantID, name)
}

func (s *Store) activateOnly(ctx context.Context, tenantID int64, name string) error {
	off := s.sql.Update("personalities").
		Set("is_active", false).
		Where(sq.And{sq.Eq{"tenant_id": tenantID}, sq.NotEq{"name": name}})
	sqlStr, args, err := off.ToSql()
	if err != nil {
		return fmt.Errorf("build deactivate personalities query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("deactivate personalities: %w", err)
	}

	on := s.sql.Update("personalities").
		Set("is_active", true).
		Where(sq.Eq{"tenant_id": tenantID, "name": name})
	sqlStr, args, err = on.ToSql()
	if err != nil {
		return fmt.Errorf("build activate personality query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("activate personality: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeletePersonality(ctx context.Context, tenantID int64, name string) error {
	q := s.sql.Delete("personalities").Where(sq.Eq{"tenant_id": tenantID, "name": name})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build delete personality query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("delete personality: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
