package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

var ErrNotFound = errors.New("not found")

const credentialColumns = "id, tenant_id, enc_secret, status, last_used_at, best_model, models_json, created_at"

func (s *Store) InsertCredential(ctx context.Context, c Credential) (int64, error) {
	if c.Status == "" {
		c.Status = CredentialActive
	}
	if c.ModelsJSON == "" {
		c.ModelsJSON = "[]"
	}
	q := s.sql.Insert("credentials").
		Columns("tenant_id", "enc_secret", "status", "best_model", "models_json").
		Values(c.TenantID, c.EncSecret, c.Status, c.BestModel, c.ModelsJSON)
	if s.driver == "postgres" {
		q = q.Suffix("RETURNING id")
		sqlStr, args, err := q.ToSql()
		if err != nil {
			return 0, fmt.Errorf("build insert credential query: %w", err)
		}
		var id int64
		if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&id); err != nil {
			return 0, fmt.Errorf("insert credential: %w", err)
		}
		return id, nil
	}

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build insert credential query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("insert credential: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("credential insert id: %w", err)
	}
	return id, nil
}

// ListActiveCredentials returns a tenant's active credentials ordered by
// ascending last-used time, never-used rows first, so rotation stays fair.
func (s *Store) ListActiveCredentials(ctx context.Context, tenantID int64) ([]Credential, error) {
	q := s.sql.Select(credentialColumns).
		From("credentials").
		Where(sq.Eq{"tenant_id": tenantID, "status": CredentialActive}).
		OrderBy("last_used_at IS NOT NULL", "last_used_at ASC", "id ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list credentials query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	out := make([]Credential, 0)
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credential rows: %w", err)
	}
	return out, nil
}

func (s *Store) GetCredential(ctx context.Context, tenantID, id int64) (Credential, error) {
	q := s.sql.Select(credentialColumns).
		From("credentials").
		Where(sq.Eq{"tenant_id": tenantID, "id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Credential{}, fmt.Errorf("build get credential query: %w", err)
	}

	c, err := scanCredential(s.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Credential{}, ErrNotFound
		}
		return Credential{}, err
	}
	return c, nil
}

// TouchCredential bumps last-used after a successful provider call.
// Single-row idempotent update; concurrent turns may race on ordering,
// which is an accepted fairness approximation.
func (s *Store) TouchCredential(ctx context.Context, id int64) error {
	q := s.sql.Update("credentials").
		Set("last_used_at", s.nowExpr()).
		Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build touch credential query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("touch credential: %w", err)
	}
	return nil
}

// UpdateCredentialDiscovery caches the model list and best model found for
// a credential.
func (s *Store) UpdateCredentialDiscovery(ctx context.Context, id int64, bestModel, modelsJSON string) error {
	if modelsJSON == "" {
		modelsJSON = "[]"
	}
	q := s.sql.Update("credentials").
		Set("best_model", bestModel).
		Set("models_json", modelsJSON).
		Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build credential discovery query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("update credential discovery: %w", err)
	}
	return nil
}

func (s *Store) SetCredentialStatus(ctx context.Context, tenantID, id int64, status string) error {
	q := s.sql.Update("credentials").
		Set("status", status).
		Where(sq.Eq{"tenant_id": tenantID, "id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build credential status query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("set credential status: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteCredential(ctx context.Context, tenantID, id int64) error {
	q := s.sql.Delete("credentials").Where(sq.Eq{"tenant_id": tenantID, "id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build delete credential query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (Credential, error) {
	var c Credential
	var lastUsed sql.NullTime
	if err := row.Scan(
		&c.ID,
		&c.TenantID,
		&c.EncSecret,
		&c.Status,
		&lastUsed,
		&c.BestModel,
		&c.ModelsJSON,
		&c.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Credential{}, err
		}
		return Credential{}, fmt.Errorf("scan credential row: %w", err)
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		c.LastUsedAt = &t
	}
	return c, nil
}
