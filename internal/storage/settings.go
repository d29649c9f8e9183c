package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// GetTenantSettings returns the tenant's settings row, or defaults when no
// row exists yet.
func (s *Store) GetTenantSettings(ctx context.Context, tenantID int64) (TenantSettings, error) {
	q := s.sql.Select("tenant_id", "preferred_model", "temperature", "max_output_tokens", "tool_flags_json", "shared_platforms_json").
		From("tenant_settings").
		Where(sq.Eq{"tenant_id": tenantID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return TenantSettings{}, fmt.Errorf("build settings query: %w", err)
	}

	var ts TenantSettings
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&ts.TenantID, &ts.PreferredModel, &ts.Temperature, &ts.MaxOutputTokens, &ts.ToolFlagsJSON, &ts.SharedPlatformsJSON,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TenantSettings{
				TenantID:            tenantID,
				Temperature:         0.7,
				MaxOutputTokens:     1024,
				ToolFlagsJSON:       "{}",
				SharedPlatformsJSON: "[]",
			}, nil
		}
		return TenantSettings{}, fmt.Errorf("get tenant settings: %w", err)
	}
	return ts, nil
}

func (s *Store) UpsertTenantSettings(ctx context.Context, ts TenantSettings) error {
	if ts.ToolFlagsJSON == "" {
		ts.ToolFlagsJSON = "{}"
	}
	if ts.SharedPlatformsJSON == "" {
		ts.SharedPlatformsJSON = "[]"
	}
	q := s.sql.Insert("tenant_settings").
		Columns("tenant_id", "preferred_model", "temperature", "max_output_tokens", "tool_flags_json", "shared_platforms_json").
		Values(ts.TenantID, ts.PreferredModel, ts.Temperature, ts.MaxOutputTokens, ts.ToolFlagsJSON, ts.SharedPlatformsJSON).
		Suffix("ON CONFLICT(tenant_id) DO UPDATE SET preferred_model=excluded.preferred_model, temperature=excluded.temperature, max_output_tokens=excluded.max_output_tokens, tool_flags_json=excluded.tool_flags_json, shared_platforms_json=excluded.shared_platforms_json")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build upsert settings query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("upsert tenant settings: %w", err)
	}
	return nil
}
