package dsr

import (
	"context"
	"database/sql"
	"sync"

	dErrors "custodia/pkg/domain-errors"
	txcontext "custodia/pkg/platform/tx"
)

// TxRunner provides the transactional boundary for DSR mutations: the
// pseudonym-mapping insert and the bulk principal rewrite must commit or
// roll back as one unit, so a principal's data is never half-pseudonymized.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type sqlTxRunner struct {
	db *sql.DB
}

// NewSQLTxRunner wraps mutations in a database transaction carried through
// context; the postgres stores pick it up.
func NewSQLTxRunner(db *sql.DB) TxRunner {
	return &sqlTxRunner{db: db}
}

func (r *sqlTxRunner) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return txcontext.Run(ctx, r.db, fn)
}

type passthroughTxRunner struct {
	mu sync.Mutex
}

// NewPassthroughTxRunner serializes mutations with a coarse lock for the
// in-memory stores used in tests and local development.
func NewPassthroughTxRunner() TxRunner {
	return &passthroughTxRunner{}
}

func (r *passthroughTxRunner) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(ctx)
}
