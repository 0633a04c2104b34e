package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"custodia/internal/pseudonym"
	"custodia/pkg/platform/sentinel"
	txcontext "custodia/pkg/platform/tx"
)

// Store persists pseudonym mappings in PostgreSQL. Honors a transaction
// carried in ctx so the mapping insert can share the unit of work with the
// bulk principal rewrite.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

// Create inserts a mapping, reporting sentinel.ErrConflict when the pseudonym
// already exists. The conflict is absorbed with ON CONFLICT DO NOTHING rather
// than surfaced as a unique_violation: raising an error mid-transaction would
// abort the enclosing unit of work, and Create shares its transaction with
// the bulk principal rewrite.
func (s *Store) Create(ctx context.Context, mapping *pseudonym.Mapping) error {
	res, err := s.execer(ctx).ExecContext(ctx, `
		INSERT INTO pseudonym_mappings (pseudonym_id, original_id, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (pseudonym_id) DO NOTHING
	`, mapping.PseudonymID, mapping.OriginalID, mapping.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert pseudonym mapping: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert pseudonym mapping: %w", err)
	}
	if inserted == 0 {
		return sentinel.ErrConflict
	}
	return nil
}

func (s *Store) Find(ctx context.Context, pseudonymID string) (*pseudonym.Mapping, error) {
	var mapping pseudonym.Mapping
	err := s.execer(ctx).QueryRowContext(ctx, `
		SELECT pseudonym_id, original_id, created_at
		FROM pseudonym_mappings
		WHERE pseudonym_id = $1
	`, pseudonymID).Scan(&mapping.PseudonymID, &mapping.OriginalID, &mapping.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find pseudonym mapping: %w", err)
	}
	return &mapping, nil
}
