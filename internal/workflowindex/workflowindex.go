// Package workflowindex implements the workflow index: a denormalized
// {step_id -> step definition, transitions} projection of a playbook,
// computed once per execution on first dispatch. It is purely cached
// state (the event log remains the source of truth for progress), so
// every write here is a conflict-ignoring upsert safe to repeat from any
// concurrently-evaluating broker instance.
package workflowindex

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/gorax/flow/internal/playbook"
)

// Index upserts a playbook's steps, transitions, and workbook entries into
// their denormalized tables.
type Index struct {
	db *sqlx.DB
}

// New constructs an Index bound to a Postgres connection.
func New(db *sqlx.DB) *Index {
	return &Index{db: db}
}

// Populate idempotently upserts every step, outgoing transition, and
// workbook entry of doc for executionID. Safe to call on every initial
// dispatch; ON CONFLICT DO UPDATE keeps the projection current if the
// underlying catalog entry changes between calls (it shouldn't, catalog
// entries are immutable, but the index itself makes no such assumption).
func (idx *Index) Populate(ctx context.Context, executionID int64, doc *playbook.Document) error {
	tx, err := idx.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("workflowindex: begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, step := range doc.Steps {
		definition, err := json.Marshal(step)
		if err != nil {
			return fmt.Errorf("workflowindex: marshal step %q: %w", step.StepName(), err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO workflow (execution_id, step_id, step_type, definition, updated_at)
			VALUES ($1, $2, $3, $4, now())
			ON CONFLICT (execution_id, step_id) DO UPDATE
				SET step_type = EXCLUDED.step_type, definition = EXCLUDED.definition, updated_at = now()
		`, executionID, step.StepName(), string(step.Type), definition); err != nil {
			return fmt.Errorf("workflowindex: upsert step %q: %w", step.StepName(), err)
		}

		for _, t := range step.Next {
			withParams, err := json.Marshal(t.With)
			if err != nil {
				return fmt.Errorf("workflowindex: marshal transition with for %q: %w", step.StepName(), err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO transition (execution_id, from_step, to_step, condition, with_params, updated_at)
				VALUES ($1, $2, $3, $4, $5, now())
				ON CONFLICT (execution_id, from_step, to_step, condition) DO UPDATE
					SET with_params = EXCLUDED.with_params, updated_at = now()
			`, executionID, step.StepName(), t.Target(), t.When, withParams); err != nil {
				return fmt.Errorf("workflowindex: upsert transition %q->%q: %w", step.StepName(), t.Target(), err)
			}
		}
	}

	for _, wb := range doc.Workbook {
		args, err := json.Marshal(wb.Args)
		if err != nil {
			return fmt.Errorf("workflowindex: marshal workbook args %q: %w", wb.Name, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO workbook (execution_id, name, tool, args, updated_at)
			VALUES ($1, $2, $3, $4, now())
			ON CONFLICT (execution_id, name) DO UPDATE
				SET tool = EXCLUDED.tool, args = EXCLUDED.args, updated_at = now()
		`, executionID, wb.Name, wb.Tool, args); err != nil {
			return fmt.Errorf("workflowindex: upsert workbook %q: %w", wb.Name, err)
		}
	}

	return tx.Commit()
}
