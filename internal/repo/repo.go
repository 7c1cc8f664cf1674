package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"ideaforge/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ConflictError reports an optimistic-concurrency failure: the caller
// tried to save a project based on a version that is no longer current.
type ConflictError struct {
	ProjectID     string
	GivenVersion  int64
	StoredVersion int64
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("project %s version conflict: save based on version %d but stored version is %d",
		e.ProjectID, e.GivenVersion, e.StoredVersion)
}

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	content, err := encodeContent(p.Content)
	if err != nil {
		return err
	}
	steps, err := encodeSteps(p.CompletedSteps)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO projects(id,user_id,stage,version,content_json,validation_json,completed_steps_json,archived,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.UserID, p.Stage, p.Version, content, nullableStringPtr(p.ValidationJSON), steps, boolInt(p.Archived), p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, `SELECT id,user_id,stage,version,content_json,validation_json,completed_steps_json,archived,created_at,updated_at
FROM projects WHERE id=?`, id))
}

func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id string) (domain.Project, error) {
	return scanProject(tx.QueryRowContext(ctx, `SELECT id,user_id,stage,version,content_json,validation_json,completed_steps_json,archived,created_at,updated_at
FROM projects WHERE id=?`, id))
}

func scanProject(row *sql.Row) (domain.Project, error) {
	var p domain.Project
	var contentJSON, stepsJSON string
	var validation sql.NullString
	var archived int
	err := row.Scan(&p.ID, &p.UserID, &p.Stage, &p.Version, &contentJSON, &validation, &stepsJSON, &archived, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if validation.Valid {
		p.ValidationJSON = &validation.String
	}
	p.Archived = archived != 0
	if err := json.Unmarshal([]byte(contentJSON), &p.Content); err != nil {
		return p, fmt.Errorf("decode project content: %w", err)
	}
	if err := json.Unmarshal([]byte(stepsJSON), &p.CompletedSteps); err != nil {
		return p, fmt.Errorf("decode completed steps: %w", err)
	}
	return p, nil
}

// UpdateProjectVersioned applies the projected row only if the stored
// version still matches baseVersion, and bumps the version by one. A
// mismatch yields ConflictError and leaves the row untouched.
func (r Repo) UpdateProjectVersioned(ctx context.Context, tx *sql.Tx, p domain.Project, baseVersion int64) (int64, error) {
	content, err := encodeContent(p.Content)
	if err != nil {
		return 0, err
	}
	steps, err := encodeSteps(p.CompletedSteps)
	if err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `UPDATE projects
SET stage=?, version=version+1, content_json=?, validation_json=?, completed_steps_json=?, archived=?, updated_at=?
WHERE id=? AND version=?`,
		p.Stage, content, nullableStringPtr(p.ValidationJSON), steps, boolInt(p.Archived), p.UpdatedAt, p.ID, baseVersion)
	if err != nil {
		return 0, err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		stored, err := r.GetProjectTx(ctx, tx, p.ID)
		if err != nil {
			return 0, err
		}
		return 0, ConflictError{ProjectID: p.ID, GivenVersion: baseVersion, StoredVersion: stored.Version}
	}
	return baseVersion + 1, nil
}

type ProjectFilters struct {
	UserID          string
	IncludeArchived bool
	Limit           int
	CursorUpdatedAt string
	CursorID        string
}

func (r Repo) ListProjects(ctx context.Context, f ProjectFilters) ([]domain.ProjectSummary, error) {
	clauses := []string{"user_id=?"}
	args := []any{f.UserID}
	if !f.IncludeArchived {
		clauses = append(clauses, "archived=0")
	}
	if f.CursorUpdatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(updated_at < ? OR (updated_at = ? AND id < ?))")
		args = append(args, f.CursorUpdatedAt, f.CursorUpdatedAt, f.CursorID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := `SELECT id,user_id,stage,version,archived,created_at,updated_at FROM projects ` + where + ` ORDER BY updated_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProjectSummary
	for rows.Next() {
		var s domain.ProjectSummary
		var archived int
		if err := rows.Scan(&s.ID, &s.UserID, &s.Stage, &s.Version, &archived, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		s.Archived = archived != 0
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) InsertUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	unlocks, err := encodeSteps(u.Unlocks)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO users(id,email,is_admin,credits,unlocks_json,created_at) VALUES (?,?,?,?,?,?)`,
		u.ID, u.Email, boolInt(u.IsAdmin), u.Credits, unlocks, u.CreatedAt)
	return err
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT id,email,is_admin,credits,unlocks_json,created_at FROM users WHERE id=?`, id))
}

func (r Repo) GetUserByEmail(ctx context.Context, email string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT id,email,is_admin,credits,unlocks_json,created_at FROM users WHERE email=?`, email))
}

func scanUser(row *sql.Row) (domain.User, error) {
	var u domain.User
	var unlocksJSON string
	var admin int
	err := row.Scan(&u.ID, &u.Email, &admin, &u.Credits, &unlocksJSON, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	u.IsAdmin = admin != 0
	if err := json.Unmarshal([]byte(unlocksJSON), &u.Unlocks); err != nil {
		return u, fmt.Errorf("decode unlocks: %w", err)
	}
	return u, nil
}

func (r Repo) LatestEvents(ctx context.Context, limit int, projectID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,project_id,entity_kind,entity_id,user_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var projectID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &projectID, &e.EntityKind, &entityID, &e.UserID, &payload); err != nil {
			return nil, err
		}
		if projectID.Valid {
			e.ProjectID = projectID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func encodeContent(content map[string]string) (string, error) {
	if content == nil {
		content = map[string]string{}
	}
	b, err := json.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("encode project content: %w", err)
	}
	return string(b), nil
}

func encodeSteps(steps []string) (string, error) {
	if steps == nil {
		steps = []string{}
	}
	b, err := json.Marshal(steps)
	if err != nil {
		return "", fmt.Errorf("encode string set: %w", err)
	}
	return string(b), nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
