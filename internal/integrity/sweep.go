package integrity

import (
	"context"
	"log/slog"

	"custodia/internal/audit"
	dErrors "custodia/pkg/domain-errors"
)

// SweepReport summarizes an integrity sweep over a range of stored events.
// Findings are bucketed by reason; pseudonymized records are counted apart
// because their seal is invalidated by design when the DSR processor rewrote
// the principal.
type SweepReport struct {
	Checked       int            `json:"checked"`
	Valid         int            `json:"valid"`
	Pseudonymized int            `json:"pseudonymized"`
	Findings      map[Reason]int `json:"findings,omitempty"`
}

// Sweeper re-verifies stored events on demand.
type Sweeper struct {
	sealer *Sealer
	store  audit.Store
	logger *slog.Logger
}

func NewSweeper(sealer *Sealer, store audit.Store, logger *slog.Logger) *Sweeper {
	return &Sweeper{sealer: sealer, store: store, logger: logger}
}

// VerifyRange checks every event matching the query. Integrity failures are
// reported in the summary, never retried and never returned as errors; only a
// store failure aborts the sweep.
func (s *Sweeper) VerifyRange(ctx context.Context, q audit.Query) (SweepReport, error) {
	report := SweepReport{Findings: make(map[Reason]int)}

	events, err := s.store.Query(ctx, q)
	if err != nil {
		return report, dErrors.Wrap(err, dErrors.CodeInternal, "query events for integrity sweep")
	}

	for _, event := range events {
		report.Checked++

		if event.Pseudonymized() {
			report.Pseudonymized++
			continue
		}

		result := s.sealer.Verify(ctx, event)
		if result.Valid {
			report.Valid++
			continue
		}
		report.Findings[result.Reason]++
		s.logger.WarnContext(ctx, "integrity finding",
			"event_id", event.ID.String(),
			"reason", string(result.Reason),
			"action", event.Action,
		)
	}
	return report, nil
}
