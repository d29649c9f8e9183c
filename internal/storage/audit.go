package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

const auditColumns = "id, tenant_id, conversation_id, request_json, response_text, raw_response, credential_id, model, usage_json, created_at"

func (s *Store) InsertAuditRecord(ctx context.Context, r AuditRecord) error {
	if strings.TrimSpace(r.RequestJSON) == "" || !json.Valid([]byte(r.RequestJSON)) {
		r.RequestJSON = "{}"
	}
	if strings.TrimSpace(r.UsageJSON) == "" || !json.Valid([]byte(r.UsageJSON)) {
		r.UsageJSON = "{}"
	}

	q := s.sql.Insert("audit_log").
		Columns("tenant_id", "conversation_id", "request_json", "response_text", "raw_response", "credential_id", "model", "usage_json").
		Values(r.TenantID, r.ConversationID, r.RequestJSON, r.ResponseText, r.RawResponse, r.CredentialID, r.Model, r.UsageJSON)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build audit insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

func (s *Store) ListAuditRecords(ctx context.Context, tenantID int64, limit int) ([]AuditRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	q := s.sql.Select(auditColumns).
		From("audit_log").
		Where(sq.Eq{"tenant_id": tenantID}).
		OrderBy("id DESC").
		Limit(uint64(limit))
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list audit query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	defer rows.Close()

	out := make([]AuditRecord, 0, limit)
	for rows.Next() {
		var r AuditRecord
		if err := rows.Scan(
			&r.ID, &r.TenantID, &r.ConversationID, &r.RequestJSON, &r.ResponseText,
			&r.RawResponse, &r.CredentialID, &r.Model, &r.UsageJSON, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit rows: %w", err)
	}
	return out, nil
}
