package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const workflowColumns = `id, session_id, original_request, status, steps, step_count, max_steps,
	pending_draft_id, explanation, version, created_at, updated_at`

// StartWorkflow registers wf as the active workflow of its session and
// persists it in one transaction. It fails with ErrSessionBusy when the
// session already has an active workflow.
func (h *Store) StartWorkflow(ctx context.Context, wf *Workflow) error {
	steps, err := json.Marshal(wf.Steps)
	if err != nil {
		return fmt.Errorf("encode steps: %w", err)
	}
	now := time.Now().UTC()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now
	wf.Version = 1

	tx, err := h.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO sessions (session_id, workflow_id) VALUES (?, ?)`,
		wf.SessionID, wf.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionBusy
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO workflows (`+workflowColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.SessionID, wf.OriginalRequest, string(wf.Status), string(steps),
		wf.StepCount, wf.MaxSteps, wf.PendingDraftID, wf.Explanation, wf.Version,
		wf.CreatedAt.UnixMilli(), wf.UpdatedAt.UnixMilli())
	if err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateWorkflow writes wf if nobody else changed it since it was read
// (optimistic check on Version). Moving to a terminal status releases the
// session registry entry in the same transaction. On success wf.Version
// is advanced.
func (h *Store) UpdateWorkflow(ctx context.Context, wf *Workflow) error {
	steps, err := json.Marshal(wf.Steps)
	if err != nil {
		return fmt.Errorf("encode steps: %w", err)
	}
	now := time.Now().UTC()

	tx, err := h.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE workflows SET status = ?, steps = ?, step_count = ?, pending_draft_id = ?,
			explanation = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ? AND status NOT IN (?, ?, ?)`,
		string(wf.Status), string(steps), wf.StepCount, wf.PendingDraftID, wf.Explanation,
		now.UnixMilli(), wf.ID, wf.Version,
		string(StatusCompleted), string(StatusAborted), string(StatusFailed))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM workflows WHERE id = ?`, wf.ID).Scan(&status)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return ErrNotFound
		case err != nil:
			return err
		case WorkflowStatus(status).Terminal():
			return ErrImmutable
		default:
			return ErrConflict
		}
	}

	if wf.Status.Terminal() {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM sessions WHERE session_id = ? AND workflow_id = ?`,
			wf.SessionID, wf.ID); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	wf.Version++
	wf.UpdatedAt = now
	return nil
}

func (h *Store) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	row := h.DB.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
	wf, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return wf, err
}

// ActiveWorkflow returns the non-terminal workflow of a session, or
// ErrNotFound when the session is idle.
func (h *Store) ActiveWorkflow(ctx context.Context, sessionID string) (*Workflow, error) {
	var id string
	err := h.DB.QueryRowContext(ctx,
		`SELECT workflow_id FROM sessions WHERE session_id = ?`, sessionID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return h.GetWorkflow(ctx, id)
}

// WorkflowFilter narrows ListWorkflows. Zero values match everything.
type WorkflowFilter struct {
	SessionID string
	Statuses  []WorkflowStatus
	Limit     int
}

func (h *Store) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	var where []string
	var args []any
	if filter.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(filter.Statuses))+")")
		for _, s := range filter.Statuses {
			args = append(args, string(s))
		}
	}
	query := `SELECT ` + workflowColumns + ` FROM workflows`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := h.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (*Workflow, error) {
	var (
		wf                 Workflow
		status, steps      string
		pending, expl      sql.NullString
		createdAt, updated int64
	)
	err := row.Scan(&wf.ID, &wf.SessionID, &wf.OriginalRequest, &status, &steps,
		&wf.StepCount, &wf.MaxSteps, &pending, &expl, &wf.Version, &createdAt, &updated)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(steps), &wf.Steps); err != nil {
		return nil, fmt.Errorf("decode steps of %s: %w", wf.ID, err)
	}
	wf.Status = WorkflowStatus(status)
	wf.PendingDraftID = pending.String
	wf.Explanation = expl.String
	wf.CreatedAt = time.UnixMilli(createdAt).UTC()
	wf.UpdatedAt = time.UnixMilli(updated).UTC()
	return &wf, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
