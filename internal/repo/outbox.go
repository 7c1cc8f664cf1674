package repo

import (
	"context"
	"database/sql"

	"ideaforge/internal/domain"
)

// EnqueueSave records a pending remote save for a project. One row per
// project id: a newer save replaces the older payload, so replay always
// pushes the latest version only.
func (r Repo) EnqueueSave(ctx context.Context, tx *sql.Tx, s domain.PendingSave) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO outbox(project_id,payload_json,version,queued_at,attempts,last_error) VALUES (?,?,?,?,0,NULL)
ON CONFLICT(project_id) DO UPDATE SET payload_json=excluded.payload_json, version=excluded.version, queued_at=outbox.queued_at, attempts=outbox.attempts`,
		s.ProjectID, s.Payload, s.Version, s.QueuedAt)
	return err
}

// ListPendingSaves returns queued saves oldest first.
func (r Repo) ListPendingSaves(ctx context.Context, limit int) ([]domain.PendingSave, error) {
	query := `SELECT project_id,payload_json,version,queued_at,attempts,COALESCE(last_error,'') FROM outbox ORDER BY queued_at ASC, project_id ASC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PendingSave
	for rows.Next() {
		var s domain.PendingSave
		if err := rows.Scan(&s.ProjectID, &s.Payload, &s.Version, &s.QueuedAt, &s.Attempts, &s.LastError); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// CompleteSave removes a pending save once the given version has been
// pushed. A save re-queued with a newer version in the meantime stays.
func (r Repo) CompleteSave(ctx context.Context, projectID string, version int64) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM outbox WHERE project_id=? AND version<=?`, projectID, version)
	return err
}

// RecordSaveFailure bumps the attempt counter and remembers the error.
func (r Repo) RecordSaveFailure(ctx context.Context, projectID string, lastError string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE outbox SET attempts=attempts+1, last_error=? WHERE project_id=?`, lastError, projectID)
	return err
}

// PendingSaveCount reports how many projects still await remote sync.
func (r Repo) PendingSaveCount(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM outbox`).Scan(&n)
	return n, err
}
