package integrity

import (
	"context"
	"log/slog"
	"time"

	"custodia/internal/audit"
	dErrors "custodia/pkg/domain-errors"
)

// Writer is the seal-and-append path. Every self-describing event the
// retention engine and the DSR processor produce goes through here, so the
// upstream audit stream only ever carries sealed records.
type Writer struct {
	sealer *Sealer
	store  audit.Store
	logger *slog.Logger
}

func NewWriter(sealer *Sealer, store audit.Store, logger *slog.Logger) *Writer {
	return &Writer{sealer: sealer, store: store, logger: logger}
}

// Record validates, seals, and appends an event.
func (w *Writer) Record(ctx context.Context, event *audit.Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if err := event.Validate(); err != nil {
		return err
	}
	if err := w.sealer.Seal(ctx, event); err != nil {
		return err
	}
	if err := w.store.Append(ctx, event); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "append sealed event "+event.ID.String())
	}
	return nil
}
