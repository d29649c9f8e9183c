package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

const toolColumns = "id, tenant_id, name, endpoint, method, headers_json, params_schema_json, auth_type, auth_param, enc_auth_secret, is_active, admin_only, created_at"

func (s *Store) UpsertTool(ctx context.Context, t Tool) error {
	if t.Method == "" {
		t.Method = "POST"
	}
	if t.HeadersJSON == "" {
		t.HeadersJSON = "{}"
	}
	q := s.sql.Insert("tools").
		Columns("tenant_id", "name", "endpoint", "method", "headers_json", "params_schema_json", "auth_type", "auth_param", "enc_auth_secret", "is_active", "admin_only").
		Values(t.TenantID, t.Name, t.Endpoint, t.Method, t.HeadersJSON, t.ParamsSchemaJSON, t.AuthType, t.AuthParam, t.EncAuthSecret, t.IsActive, t.AdminOnly).
		Suffix("ON CONFLICT(tenant_id, name) DO UPDATE SET endpoint=excluded.endpoint, method=excluded.method, headers_json=excluded.headers_json, params_schema_json=excluded.params_schema_json, auth_type=excluded.auth_type, auth_param=excluded.auth_param, enc_auth_secret=excluded.enc_auth_secret, is_active=excluded.is_active, admin_only=excluded.admin_only")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build upsert tool query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("upsert tool: %w", err)
	}
	return nil
}

func (s *Store) GetToolByName(ctx context.Context, tenantID int64, name string) (Tool, error) {
	q := s.sql.Select(toolColumns).
		From("tools").
		Where(sq.Eq{"tenant_id": tenantID, "name": name})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Tool{}, fmt.Errorf("build get tool query: %w", err)
	}

	t, err := scanTool(s.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Tool{}, ErrNotFound
		}
		return Tool{}, err
	}
	return t, nil
}

func (s *Store) ListActiveTools(ctx context.Context, tenantID int64) ([]Tool, error) {
	q := s.sql.Select(toolColumns).
		From("tools").
		Where(sq.Eq{"tenant_id": tenantID, "is_active": true}).
		OrderBy("name ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list tools query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	defer rows.Close()

	out := make([]Tool, 0)
	for rows.Next() {
		t, err := scanTool(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tool rows: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteTool(ctx context.Context, tenantID int64, name string) error {
	q := s.sql.Delete("tools").Where(sq.Eq{"tenant_id": tenantID, "name": name})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build delete tool query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("delete tool: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanTool(row rowScanner) (Tool, error) {
	var t Tool
	var paramsSchema, encAuthSecret sql.NullString
	if err := row.Scan(
		&t.ID,
		&t.TenantID,
		&t.Name,
		&t.Endpoint,
		&t.Method,
		&t.HeadersJSON,
		&paramsSchema,
		&t.AuthType,
		&t.AuthParam,
		&encAuthSecret,
		&t.IsActive,
		&t.AdminOnly,
		&t.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Tool{}, err
		}
		return Tool{}, fmt.Errorf("scan tool row: %w", err)
	}
	if paramsSchema.Valid {
		t.ParamsSchemaJSON = &paramsSchema.String
	}
	if encAuthSecret.Valid {
		t.EncAuthSecret = &encAuthSecret.String
	}
	return t, nil
}
