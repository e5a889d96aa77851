package query

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/squirreldb/db"
	"github.com/GoCodeAlone/squirreldb/types"
)

// Result is the outcome of executing a query. Dropped counts rows
// discarded because their JS stage failed; the remaining documents are
// still returned as a partial result.
type Result struct {
	Documents []*types.Document
	Dropped   int
}

// Executor composes SQL pushdown with the JS post-filter and map
// stages. It is the only place where SQL and JS results meet.
type Executor struct {
	backend db.Backend
	pool    *EnginePool
	logger  *slog.Logger
}

// NewExecutor creates an executor over the given backend and engine
// pool.
func NewExecutor(backend db.Backend, pool *EnginePool, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{backend: backend, pool: pool, logger: logger}
}

// Execute runs a compiled query plan. The context's deadline is the
// query permit: it is checked before and after the SQL stage and
// before JS evaluation. SQL-stage failures fail the whole query;
// JS-stage failures are per-row.
func (e *Executor) Execute(ctx context.Context, project uuid.UUID, spec *types.QuerySpec) (*Result, error) {
	if spec.IsChanges() {
		return nil, fmt.Errorf("changes queries are executed by the subscription manager")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	jsFilter := spec.Filter != nil && !spec.Filter.IsSQL()

	opts := db.ListOptions{Order: spec.OrderBy}
	if spec.Filter.IsSQL() {
		opts.Filter = spec.Filter.SQL
	}
	// Limit and offset push down only when no JS filter runs afterward;
	// otherwise they must apply to the filtered set, limit last.
	if !jsFilter {
		opts.Limit = spec.Limit
		opts.Offset = spec.Offset
	}

	docs, err := e.backend.List(ctx, project, spec.Table, opts)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", spec.Table, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := &Result{Documents: docs}

	if jsFilter {
		kept := docs[:0]
		for _, doc := range docs {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			match, err := e.pool.EvalPredicate(ctx, spec.Filter.JSCode, doc.Data)
			if err != nil {
				result.Dropped++
				e.logger.Debug("predicate evaluation failed, row dropped",
					"collection", spec.Table, "document_id", doc.ID, "error", err)
				continue
			}
			if match {
				kept = append(kept, doc)
			}
		}
		result.Documents = kept

		// Backend ordering survives filtering, so only pagination is
		// re-applied here.
		if spec.Offset != nil {
			if *spec.Offset >= len(result.Documents) {
				result.Documents = nil
			} else {
				result.Documents = result.Documents[*spec.Offset:]
			}
		}
		if spec.Limit != nil && len(result.Documents) > *spec.Limit {
			result.Documents = result.Documents[:*spec.Limit]
		}
	}

	if spec.Map != "" {
		mapped := result.Documents[:0]
		for _, doc := range result.Documents {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			data, err := e.pool.EvalMap(ctx, spec.Map, doc.Data)
			if err != nil {
				result.Dropped++
				e.logger.Debug("map evaluation failed, row dropped",
					"collection", spec.Table, "document_id", doc.ID, "error", err)
				continue
			}
			doc.Data = data
			mapped = append(mapped, doc)
		}
		result.Documents = mapped
	}

	return result, nil
}
