package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const draftColumns = `id, workflow_id, session_id, step_index, operation, parameters, preview_text,
	status, result, last_error, created_at, updated_at`

func (h *Store) CreateDraft(ctx context.Context, d *Draft) error {
	params, err := json.Marshal(d.Parameters)
	if err != nil {
		return fmt.Errorf("encode parameters: %w", err)
	}
	now := time.Now().UTC()
	d.CreatedAt, d.UpdatedAt = now, now

	_, err = h.DB.ExecContext(ctx,
		`INSERT INTO drafts (`+draftColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.WorkflowID, d.SessionID, d.StepIndex, d.Operation, string(params), d.PreviewText,
		string(d.Status), d.Result, d.LastError, now.UnixMilli(), now.UnixMilli())
	return err
}

func (h *Store) GetDraft(ctx context.Context, id string) (*Draft, error) {
	row := h.DB.QueryRowContext(ctx, `SELECT `+draftColumns+` FROM drafts WHERE id = ?`, id)
	d, err := scanDraft(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

// SwapDraftStatus moves a draft to `to` only if its current status is one
// of `from`. It reports whether this caller won the transition.
func (h *Store) SwapDraftStatus(ctx context.Context, id string, from []DraftStatus, to DraftStatus) (bool, error) {
	args := []any{string(to), time.Now().UTC().UnixMilli(), id}
	for _, s := range from {
		args = append(args, string(s))
	}
	res, err := h.DB.ExecContext(ctx,
		`UPDATE drafts SET status = ?, updated_at = ? WHERE id = ? AND status IN (`+placeholders(len(from))+`)`,
		args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ModifyDraft replaces the parameters and preview of an open draft and
// marks it MODIFIED.
func (h *Store) ModifyDraft(ctx context.Context, id string, params map[string]any, preview string) (bool, error) {
	encoded, err := json.Marshal(params)
	if err != nil {
		return false, fmt.Errorf("encode parameters: %w", err)
	}
	res, err := h.DB.ExecContext(ctx, `
		UPDATE drafts SET parameters = ?, preview_text = ?, status = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		string(encoded), preview, string(DraftModified), time.Now().UTC().UnixMilli(),
		id, string(DraftPendingConfirmation), string(DraftModified))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// FinishDraft records the outcome of an in-flight execution. On success
// the draft becomes EXECUTED with its result cached; on failure it returns
// to `revertTo` with the error kept in last_error.
func (h *Store) FinishDraft(ctx context.Context, id string, result string, execErr string, revertTo DraftStatus) (bool, error) {
	status := DraftExecuted
	if execErr != "" {
		status = revertTo
	}
	res, err := h.DB.ExecContext(ctx, `
		UPDATE drafts SET status = ?, result = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(status), result, execErr, time.Now().UTC().UnixMilli(), id, string(DraftExecuting))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (h *Store) ListDrafts(ctx context.Context, workflowID string) ([]*Draft, error) {
	rows, err := h.DB.QueryContext(ctx,
		`SELECT `+draftColumns+` FROM drafts WHERE workflow_id = ? ORDER BY step_index`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Draft
	for rows.Next() {
		d, err := scanDraft(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// DeleteTerminalDrafts removes EXECUTED and CANCELLED drafts last touched
// before cutoff.
func (h *Store) DeleteTerminalDrafts(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := h.DB.ExecContext(ctx,
		`DELETE FROM drafts WHERE status IN (?, ?) AND updated_at < ?`,
		string(DraftExecuted), string(DraftCancelled), cutoff.UTC().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanDraft(row rowScanner) (*Draft, error) {
	var (
		d                  Draft
		params, status     string
		result, lastErr    sql.NullString
		createdAt, updated int64
	)
	err := row.Scan(&d.ID, &d.WorkflowID, &d.SessionID, &d.StepIndex, &d.Operation, &params,
		&d.PreviewText, &status, &result, &lastErr, &createdAt, &updated)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(params), &d.Parameters); err != nil {
		return nil, fmt.Errorf("decode parameters of %s: %w", d.ID, err)
	}
	if d.Parameters == nil {
		d.Parameters = map[string]any{}
	}
	d.Status = DraftStatus(status)
	d.Result = result.String
	d.LastError = lastErr.String
	d.CreatedAt = time.UnixMilli(createdAt).UTC()
	d.UpdatedAt = time.UnixMilli(updated).UTC()
	return &d, nil
}
