package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"custodia/internal/audit"
	"custodia/internal/retention"
)

// Store persists retention policies in PostgreSQL.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Upsert(ctx context.Context, policy *retention.Policy) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO retention_policies (
			policy_name, data_classification, retention_days,
			archive_after_days, delete_after_days, is_active, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (policy_name) DO UPDATE SET
			data_classification = EXCLUDED.data_classification,
			retention_days = EXCLUDED.retention_days,
			archive_after_days = EXCLUDED.archive_after_days,
			delete_after_days = EXCLUDED.delete_after_days,
			is_active = EXCLUDED.is_active,
			updated_at = EXCLUDED.updated_at
	`,
		policy.PolicyName,
		string(policy.DataClassification),
		policy.RetentionDays,
		policy.ArchiveAfterDays,
		policy.DeleteAfterDays,
		policy.IsActive,
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("upsert retention policy: %w", err)
	}
	return nil
}

func (s *Store) ListActive(ctx context.Context) ([]*retention.Policy, error) {
	return s.list(ctx, `WHERE is_active`)
}

func (s *Store) List(ctx context.Context) ([]*retention.Policy, error) {
	return s.list(ctx, "")
}

func (s *Store) list(ctx context.Context, where string) ([]*retention.Policy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT policy_name, data_classification, retention_days,
		       archive_after_days, delete_after_days, is_active
		FROM retention_policies
	`+where+` ORDER BY policy_name`)
	if err != nil {
		return nil, fmt.Errorf("query retention policies: %w", err)
	}
	defer rows.Close()

	var policies []*retention.Policy
	for rows.Next() {
		var (
			p          retention.Policy
			class      string
			archiveDay sql.NullInt64
			deleteDay  sql.NullInt64
		)
		err := rows.Scan(&p.PolicyName, &class, &p.RetentionDays, &archiveDay, &deleteDay, &p.IsActive)
		if err != nil {
			return nil, fmt.Errorf("scan retention policy: %w", err)
		}
		p.DataClassification = audit.Classification(class)
		if archiveDay.Valid {
			d := int(archiveDay.Int64)
			p.ArchiveAfterDays = &d
		}
		if deleteDay.Valid {
			d := int(deleteDay.Int64)
			p.DeleteAfterDays = &d
		}
		policies = append(policies, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate retention policies: %w", err)
	}
	return policies, nil
}
