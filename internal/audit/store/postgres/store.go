// Package postgres persists audit events with a transactional outbox.
// Every append writes the event row and an outbox row in the same statement
// set, so the Kafka relay can publish the self-logging stream without a dual
// write. Bulk lifecycle mutations are single set-oriented statements executed
// in bounded batches.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"custodia/internal/audit"
	txcontext "custodia/pkg/platform/tx"
)

// Store implements audit.Store on PostgreSQL.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

const eventColumns = `id, timestamp, principal_id, organization_id, action, status,
		target_resource_type, target_resource_id, data_classification, retention_policy,
		details, hash, hash_algorithm, signature, signature_key_id,
		event_version, correlation_id, archived_at`

// Append inserts a sealed event plus its outbox row. Joins a transaction
// carried in ctx so callers can make the append part of a larger unit.
func (s *Store) Append(ctx context.Context, event *audit.Event) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}

	detailsJSON, err := json.Marshal(event.Details)
	if err != nil {
		return fmt.Errorf("marshal event details: %w", err)
	}

	exec := s.execer(ctx)

	query := `
		INSERT INTO audit_events (` + eventColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`
	_, err = exec.ExecContext(ctx, query,
		event.ID,
		event.Timestamp,
		event.PrincipalID,
		event.OrganizationID,
		event.Action,
		string(event.Status),
		event.TargetResourceType,
		event.TargetResourceID,
		string(event.DataClassification),
		event.RetentionPolicy,
		detailsJSON,
		event.Hash,
		event.HashAlgorithm,
		event.Signature,
		event.SignatureKeyID,
		event.EventVersion,
		event.CorrelationID,
		event.ArchivedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}

	payload, err := json.Marshal(outboxPayload{
		ID:                 event.ID.String(),
		Timestamp:          event.Timestamp.Format(time.RFC3339Nano),
		PrincipalID:        event.PrincipalID,
		OrganizationID:     event.OrganizationID,
		Action:             event.Action,
		Status:             string(event.Status),
		DataClassification: string(event.DataClassification),
		RetentionPolicy:    event.RetentionPolicy,
		Hash:               event.Hash,
		HashAlgorithm:      event.HashAlgorithm,
		Signature:          event.Signature,
		CorrelationID:      event.CorrelationID,
	})
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}

	_, err = exec.ExecContext(ctx, `
		INSERT INTO outbox (id, aggregate_type, aggregate_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`,
		uuid.New(),
		"audit_event",
		event.ID.String(),
		event.Action,
		payload,
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("insert outbox entry: %w", err)
	}
	return nil
}

// outboxPayload is the JSON structure published to Kafka by the relay.
type outboxPayload struct {
	ID                 string `json:"id"`
	Timestamp          string `json:"timestamp"`
	PrincipalID        string `json:"principalId"`
	OrganizationID     string `json:"organizationId,omitempty"`
	Action             string `json:"action"`
	Status             string `json:"status"`
	DataClassification string `json:"dataClassification"`
	RetentionPolicy    string `json:"retentionPolicy,omitempty"`
	Hash               string `json:"hash"`
	HashAlgorithm      string `json:"hashAlgorithm"`
	Signature          string `json:"signature,omitempty"`
	CorrelationID      string `json:"correlationId,omitempty"`
}

// Query returns matching events in timestamp order.
func (s *Store) Query(ctx context.Context, q audit.Query) ([]*audit.Event, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, val any) {
		args = append(args, val)
		conds = append(conds, cond+"$"+strconv.Itoa(len(args)))
	}

	if q.PrincipalID != "" {
		add("principal_id = ", q.PrincipalID)
	}
	if q.OrganizationID != "" {
		add("organization_id = ", q.OrganizationID)
	}
	if !q.From.IsZero() {
		add("timestamp >= ", q.From)
	}
	if !q.To.IsZero() {
		add("timestamp <= ", q.To)
	}

	query := `SELECT ` + eventColumns + ` FROM audit_events`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY timestamp ASC"
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += " LIMIT $" + strconv.Itoa(len(args))
	}

	rows, err := s.execer(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func (s *Store) CountByPrincipal(ctx context.Context, principalID string) (int64, error) {
	var n int64
	err := s.execer(ctx).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_events WHERE principal_id = $1`, principalID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events by principal: %w", err)
	}
	return n, nil
}

func (s *Store) ActionsByPrincipal(ctx context.Context, principalID string) ([]string, error) {
	rows, err := s.execer(ctx).QueryContext(ctx,
		`SELECT DISTINCT action FROM audit_events WHERE principal_id = $1 ORDER BY action`, principalID,
	)
	if err != nil {
		return nil, fmt.Errorf("query actions by principal: %w", err)
	}
	defer rows.Close()

	var actions []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate actions: %w", err)
	}
	return actions, nil
}

// PseudonymizePrincipal rewrites the principal on every matching row and
// merges the reserved pseudonymization keys into details, in one statement.
func (s *Store) PseudonymizePrincipal(ctx context.Context, p audit.PseudonymizeParams) (int64, error) {
	marker, err := json.Marshal(map[string]any{
		audit.DetailPseudonymized:   true,
		audit.DetailPseudonymizedAt: p.At.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return 0, fmt.Errorf("marshal pseudonymization marker: %w", err)
	}

	query := `
		UPDATE audit_events
		SET principal_id = $1,
		    details = COALESCE(details, '{}'::jsonb) || $2::jsonb
		WHERE principal_id = $3
	`
	args := []any{p.PseudonymID, marker, p.PrincipalID}
	if len(p.Actions) > 0 {
		query += ` AND action = ANY($4)`
		args = append(args, pq.Array(p.Actions))
	}

	res, err := s.execer(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("pseudonymize principal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("pseudonymize principal rows affected: %w", err)
	}
	return n, nil
}

func (s *Store) DeleteByPrincipal(ctx context.Context, principalID string, excludedActions []string) (int64, error) {
	query := `DELETE FROM audit_events WHERE principal_id = $1`
	args := []any{principalID}
	if len(excludedActions) > 0 {
		query += ` AND NOT (action = ANY($2))`
		args = append(args, pq.Array(excludedActions))
	}

	res, err := s.execer(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete events by principal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete events rows affected: %w", err)
	}
	return n, nil
}

// ArchiveOlderThan archives eligible rows batch by batch. Each batch is one
// atomic statement; ctx is checked between batches so long scans stay
// cancellable and lock duration stays bounded.
func (s *Store) ArchiveOlderThan(ctx context.Context, classification audit.Classification, cutoff time.Time, batchSize int) (audit.BulkResult, error) {
	const query = `
		WITH batch AS (
			SELECT id FROM audit_events
			WHERE data_classification = $1
			  AND timestamp <= $2
			  AND archived_at IS NULL
			ORDER BY timestamp
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		), updated AS (
			UPDATE audit_events e
			SET archived_at = $4
			FROM batch b
			WHERE e.id = b.id
			RETURNING e.action
		)
		SELECT action, COUNT(*) FROM updated GROUP BY action
	`
	return s.runBatched(ctx, query, classification, cutoff, batchSize, true)
}

// DeleteArchivedOlderThan deletes archived rows batch by batch. The
// archived_at IS NOT NULL predicate makes delete-before-archive impossible by
// construction.
func (s *Store) DeleteArchivedOlderThan(ctx context.Context, classification audit.Classification, cutoff time.Time, batchSize int) (audit.BulkResult, error) {
	const query = `
		WITH batch AS (
			SELECT id FROM audit_events
			WHERE data_classification = $1
			  AND timestamp <= $2
			  AND archived_at IS NOT NULL
			ORDER BY timestamp
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		), deleted AS (
			DELETE FROM audit_events e
			USING batch b
			WHERE e.id = b.id
			RETURNING e.action
		)
		SELECT action, COUNT(*) FROM deleted GROUP BY action
	`
	return s.runBatched(ctx, query, classification, cutoff, batchSize, false)
}

func (s *Store) runBatched(ctx context.Context, query string, classification audit.Classification, cutoff time.Time, batchSize int, withNow bool) (audit.BulkResult, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}

	var result audit.BulkResult
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		args := []any{string(classification), cutoff, batchSize}
		if withNow {
			args = append(args, time.Now())
		}

		batch, err := s.runBatch(ctx, query, args)
		if err != nil {
			return result, err
		}
		if batch.Count == 0 {
			return result, nil
		}
		for action, n := range batch.ByAction {
			result.ByAction = mergeCount(result.ByAction, action, n)
		}
		result.Count += batch.Count
	}
}

func (s *Store) runBatch(ctx context.Context, query string, args []any) (audit.BulkResult, error) {
	var batch audit.BulkResult

	rows, err := s.execer(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return batch, fmt.Errorf("run lifecycle batch: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			action string
			n      int64
		)
		if err := rows.Scan(&action, &n); err != nil {
			return batch, fmt.Errorf("scan lifecycle batch: %w", err)
		}
		batch.ByAction = mergeCount(batch.ByAction, action, n)
		batch.Count += n
	}
	if err := rows.Err(); err != nil {
		return batch, fmt.Errorf("iterate lifecycle batch: %w", err)
	}
	return batch, nil
}

func mergeCount(m map[string]int64, action string, n int64) map[string]int64 {
	if m == nil {
		m = make(map[string]int64)
	}
	m[action] += n
	return m
}

func scanEvents(rows *sql.Rows) ([]*audit.Event, error) {
	var events []*audit.Event

	for rows.Next() {
		var (
			event       audit.Event
			detailsJSON []byte
			archivedAt  sql.NullTime
			status      string
			class       string
		)
		err := rows.Scan(
			&event.ID,
			&event.Timestamp,
			&event.PrincipalID,
			&event.OrganizationID,
			&event.Action,
			&status,
			&event.TargetResourceType,
			&event.TargetResourceID,
			&class,
			&event.RetentionPolicy,
			&detailsJSON,
			&event.Hash,
			&event.HashAlgorithm,
			&event.Signature,
			&event.SignatureKeyID,
			&event.EventVersion,
			&event.CorrelationID,
			&archivedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}

		event.Status = audit.Status(status)
		event.DataClassification = audit.Classification(class)
		if len(detailsJSON) > 0 {
			if err := json.Unmarshal(detailsJSON, &event.Details); err != nil {
				return nil, fmt.Errorf("unmarshal event details: %w", err)
			}
		}
		if archivedAt.Valid {
			at := archivedAt.Time
			event.ArchivedAt = &at
		}

		events = append(events, &event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}
