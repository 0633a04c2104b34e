package retention

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"custodia/internal/audit"
	"custodia/internal/integrity"
	"custodia/internal/retention/metrics"
	dErrors "custodia/pkg/domain-errors"
)

// ActionPolicyApplied is the self-describing event written after every policy
// application, successful or not.
const ActionPolicyApplied = "retention.policy.applied"

// EnginePrincipal identifies the retention engine in its own audit trail.
const EnginePrincipal = "system:retention-engine"

const (
	defaultBatchSize   = 1000
	defaultConcurrency = 4
)

// Engine applies classification-scoped retention policies over the event
// store as discrete, short-lived sweeps. Policies for different
// classifications are independent and run with bounded parallelism.
type Engine struct {
	policies    PolicyStore
	events      audit.Store
	writer      *integrity.Writer
	logger      *slog.Logger
	metrics     *metrics.Metrics
	batchSize   int
	concurrency int
	now         func() time.Time
	tracer      trace.Tracer
}

// EngineOption configures the Engine.
type EngineOption func(*Engine)

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithBatchSize bounds how many rows one lifecycle statement touches.
func WithBatchSize(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithConcurrency bounds parallel policy application. Keep it no larger than
// the database connection pool.
func WithConcurrency(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

func NewEngine(policies PolicyStore, events audit.Store, writer *integrity.Writer, logger *slog.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		policies:    policies,
		events:      events,
		writer:      writer,
		logger:      logger,
		batchSize:   defaultBatchSize,
		concurrency: defaultConcurrency,
		now:         time.Now,
		tracer:      otel.Tracer("custodia/retention"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ApplyRetentionPolicies loads all active policies and applies each one.
// A failing policy is reported in its result slot and never aborts siblings;
// only context cancellation and a policy-load failure abort the sweep.
func (e *Engine) ApplyRetentionPolicies(ctx context.Context) ([]ApplyResult, error) {
	ctx, span := e.tracer.Start(ctx, "retention.apply_policies")
	defer span.End()

	start := e.now()
	policies, err := e.policies.ListActive(ctx)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeRetentionPolicy, "load active retention policies")
	}

	results := make([]ApplyResult, len(policies))

	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i, policy := range policies {
		g.Go(func() error {
			results[i] = e.ApplyRetentionPolicy(ctx, policy)
			return nil
		})
	}
	_ = g.Wait()

	if e.metrics != nil {
		e.metrics.SweepDuration.Observe(e.now().Sub(start).Seconds())
	}
	if err := ctx.Err(); err != nil {
		return results, dErrors.Wrap(err, dErrors.CodeTimeout, "retention sweep cancelled")
	}
	return results, nil
}

// ApplyRetentionPolicy runs the archive pass, then the delete pass, for one
// policy. The delete predicate requires archived_at to be set, so deletion
// before archival is impossible by construction. A summary event is sealed
// and appended afterwards; if that write fails the completed sweep stands and
// the gap is escalated.
func (e *Engine) ApplyRetentionPolicy(ctx context.Context, policy *Policy) ApplyResult {
	ctx, span := e.tracer.Start(ctx, "retention.apply_policy")
	defer span.End()

	result := ApplyResult{PolicyName: policy.PolicyName}

	if err := policy.Validate(); err != nil {
		result.Err = err
		e.recordFailure(ctx, policy, &result)
		return result
	}

	now := e.now()

	if policy.ArchiveAfterDays != nil {
		cutoff := now.AddDate(0, 0, -*policy.ArchiveAfterDays)
		archived, err := e.events.ArchiveOlderThan(ctx, policy.DataClassification, cutoff, e.batchSize)
		result.RecordsArchived = archived.Count
		result.ArchivedByAction = archived.ByAction
		if err != nil {
			result.Err = dErrors.Wrap(err, dErrors.CodeRetentionPolicy,
				"archive pass for policy "+policy.PolicyName)
			e.recordFailure(ctx, policy, &result)
			return result
		}
		if e.metrics != nil {
			e.metrics.ObserveArchived(string(policy.DataClassification), archived.Count)
		}
	}

	if policy.DeleteAfterDays != nil {
		cutoff := now.AddDate(0, 0, -*policy.DeleteAfterDays)
		deleted, err := e.events.DeleteArchivedOlderThan(ctx, policy.DataClassification, cutoff, e.batchSize)
		result.RecordsDeleted = deleted.Count
		result.DeletedByAction = deleted.ByAction
		if err != nil {
			result.Err = dErrors.Wrap(err, dErrors.CodeRetentionPolicy,
				"delete pass for policy "+policy.PolicyName)
			e.recordFailure(ctx, policy, &result)
			return result
		}
		if e.metrics != nil {
			e.metrics.ObserveDeleted(string(policy.DataClassification), deleted.Count)
		}
	}

	e.logger.InfoContext(ctx, "retention policy applied",
		"policy", policy.PolicyName,
		"classification", string(policy.DataClassification),
		"records_archived", result.RecordsArchived,
		"records_deleted", result.RecordsDeleted,
	)
	e.selfLog(ctx, policy, &result)
	return result
}

func (e *Engine) recordFailure(ctx context.Context, policy *Policy, result *ApplyResult) {
	if e.metrics != nil {
		e.metrics.PolicyFailures.Inc()
	}
	e.logger.ErrorContext(ctx, "retention policy failed",
		"policy", policy.PolicyName,
		"classification", string(policy.DataClassification),
		"error", result.Err,
	)
	e.selfLog(ctx, policy, result)
}

// selfLog appends the run's own audit event with SYSTEM classification and
// the unbounded retention policy, keeping it outside every sweep predicate.
// A self-log failure never rolls back the completed sweep: an unlogged run is
// escalated instead.
func (e *Engine) selfLog(ctx context.Context, policy *Policy, result *ApplyResult) {
	details := audit.Details{
		"policyName":      policy.PolicyName,
		"recordsArchived": result.RecordsArchived,
		"recordsDeleted":  result.RecordsDeleted,
	}
	if len(result.ArchivedByAction) > 0 {
		details["archivedByAction"] = result.ArchivedByAction
	}
	if len(result.DeletedByAction) > 0 {
		details["deletedByAction"] = result.DeletedByAction
	}

	status := audit.StatusSuccess
	if result.Err != nil {
		status = audit.StatusFailure
		details["error"] = result.Err.Error()
	}

	event := &audit.Event{
		Timestamp:          e.now(),
		PrincipalID:        EnginePrincipal,
		Action:             ActionPolicyApplied,
		Status:             status,
		TargetResourceType: "retention_policy",
		TargetResourceID:   policy.PolicyName,
		DataClassification: audit.ClassificationSystem,
		RetentionPolicy:    audit.SystemRetentionPolicy,
		Details:            details,
	}

	if err := e.writer.Record(ctx, event); err != nil {
		if e.metrics != nil {
			e.metrics.SelfLogFailures.Inc()
		}
		e.logger.ErrorContext(ctx, "failed to write retention self-log; sweep effects stand",
			"policy", policy.PolicyName,
			"error", err,
		)
	}
}
