package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ideaforge/internal/config"
	"ideaforge/internal/domain"
	"ideaforge/internal/events"
	"ideaforge/internal/ledger"
	"ideaforge/internal/path"
	"ideaforge/internal/repo"
	"ideaforge/internal/validate"
)

// Renderer produces an export artifact for a project and returns its
// location. Implementations may be slow; they receive the caller's
// context and must honor cancellation.
type Renderer interface {
	Render(ctx context.Context, p domain.Project) (string, error)
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Ledger   ledger.Ledger
	Path     path.Path
	Pipeline validate.Pipeline
	Renderer Renderer
	Config   *config.Config
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Ledger:   ledger.New(db, cfg),
		Path:     path.New(cfg),
		Pipeline: validate.New(cfg),
		Config:   cfg,
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// EnsureUser returns the user for an email, creating the account on
// first sight with the configured starting balance. Admin status comes
// from the allowlist and is re-checked on every call so list edits
// take effect without touching the database.
func (e Engine) EnsureUser(ctx context.Context, email string) (domain.User, error) {
	if email == "" {
		return domain.User{}, errors.New("email is required")
	}
	u, err := e.Repo.GetUserByEmail(ctx, email)
	if err == nil {
		u.IsAdmin = e.Config.IsAdminEmail(email)
		return u, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback()

	u = domain.User{
		ID:        uuid.NewString(),
		Email:     email,
		IsAdmin:   e.Config.IsAdminEmail(email),
		Credits:   e.Config.Credits.StartingBalance,
		Unlocks:   []string{},
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertUser(ctx, tx, u); err != nil {
		return domain.User{}, fmt.Errorf("insert user: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "user.created", "", "user", u.ID, u.ID, events.EventPayload{"credits": u.Credits}); err != nil {
		return domain.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.User{}, err
	}
	return u, nil
}

// CreateProject starts a new project at the first stage with version 0.
func (e Engine) CreateProject(ctx context.Context, userID, title string) (domain.Project, error) {
	if userID == "" {
		return domain.Project{}, errors.New("user is required")
	}
	stages := e.Config.StageNames()
	if len(stages) == 0 {
		return domain.Project{}, errors.New("no stages configured")
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	p := domain.Project{
		ID:             uuid.NewString(),
		UserID:         userID,
		Stage:          stages[0],
		Version:        0,
		Content:        map[string]string{},
		CompletedSteps: []string{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if title != "" {
		p.Content["idea.title"] = title
	}
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "project.created", p.ID, "project", p.ID, userID, events.EventPayload{"stage": p.Stage}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

func (e Engine) GetProject(ctx context.Context, projectID, userID string) (domain.Project, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	if err := ownerOnly(p, userID); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

func (e Engine) ListProjects(ctx context.Context, f repo.ProjectFilters) ([]domain.ProjectSummary, error) {
	return e.Repo.ListProjects(ctx, f)
}

// SaveOptions carry one save request. BaseVersion is the version the
// client last saw; a stale value is rejected with ConflictError rather
// than silently overwriting newer work.
type SaveOptions struct {
	ProjectID   string
	UserID      string
	BaseVersion int64
	Content     map[string]string
}

// SaveProject applies new content under optimistic concurrency and
// queues the result for remote sync in the same transaction, so a
// committed save is always eventually pushed.
func (e Engine) SaveProject(ctx context.Context, opts SaveOptions) (domain.Project, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, opts.ProjectID)
	if err != nil {
		return domain.Project{}, err
	}
	if err := ownerOnly(p, opts.UserID); err != nil {
		return domain.Project{}, err
	}
	p.Content = opts.Content
	p.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	newVersion, err := e.Repo.UpdateProjectVersioned(ctx, tx, p, opts.BaseVersion)
	if err != nil {
		return domain.Project{}, err
	}
	p.Version = newVersion
	if err := e.enqueueSync(ctx, tx, p); err != nil {
		return domain.Project{}, err
	}
	if err := e.Events.Append(ctx, tx, "project.saved", p.ID, "project", p.ID, opts.UserID, events.EventPayload{"version": p.Version}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// ArchiveProject soft-deletes; archived projects drop out of listings
// but stay readable. SetArchived with false restores.
func (e Engine) SetArchived(ctx context.Context, projectID, userID string, archived bool) (domain.Project, error) {
	return e.mutate(ctx, projectID, userID, "project.archived", func(p *domain.Project) (bool, error) {
		if p.Archived == archived {
			return false, nil
		}
		p.Archived = archived
		return true, nil
	})
}

// RunValidation executes the agent pipeline over the project's current
// content and persists the result onto the project row. The pipeline
// runs inside the persisting transaction, so the stored result always
// describes the stored content even with saves racing in.
func (e Engine) RunValidation(ctx context.Context, projectID, userID string) (domain.ValidationResult, error) {
	var res domain.ValidationResult
	_, err := e.mutate(ctx, projectID, userID, "project.validated", func(p *domain.Project) (bool, error) {
		res = e.Pipeline.WithNow(e.now).Run(p.Content)
		raw, err := json.Marshal(res)
		if err != nil {
			return false, fmt.Errorf("encode validation result: %w", err)
		}
		encoded := string(raw)
		p.ValidationJSON = &encoded
		return true, nil
	})
	if err != nil {
		return domain.ValidationResult{}, err
	}
	return res, nil
}

// CompleteStep marks one workflow step done. Repeats are no-ops and do
// not bump the version.
func (e Engine) CompleteStep(ctx context.Context, projectID, userID, step string) (domain.Project, error) {
	if step == "" {
		return domain.Project{}, errors.New("step is required")
	}
	return e.mutate(ctx, projectID, userID, "path.step_completed", func(p *domain.Project) (bool, error) {
		return e.Path.CompleteStep(p, step), nil
	})
}

// AdvanceStage moves to the next stage once required steps are done.
func (e Engine) AdvanceStage(ctx context.Context, projectID, userID string) (domain.Project, error) {
	return e.mutate(ctx, projectID, userID, "path.advanced", func(p *domain.Project) (bool, error) {
		return e.Path.Advance(p)
	})
}

// GoToStage jumps to a named stage, backward freely, forward only when
// every stage in between is satisfied.
func (e Engine) GoToStage(ctx context.Context, projectID, userID, stage string) (domain.Project, error) {
	return e.mutate(ctx, projectID, userID, "path.moved", func(p *domain.Project) (bool, error) {
		return e.Path.GoTo(p, stage)
	})
}

// UnlockVideo buys the permanent video-export unlock. A configured
// cost of zero grants it for free. Holding the unlock already makes
// this a no-op, including the debit; check, debit and grant commit
// together so concurrent purchases cannot double-charge.
func (e Engine) UnlockVideo(ctx context.Context, userID string) error {
	cost := e.Config.Cost("video_unlock")
	_, err := e.Ledger.PurchaseUnlock(ctx, userID, "video_export", cost, "video_unlock")
	return err
}

// ExportVideo renders the project to video. Users holding the
// video_export unlock render for free; everyone else is charged the
// configured cost up front and refunded if the render fails or the
// caller goes away.
func (e Engine) ExportVideo(ctx context.Context, projectID, userID string) (string, error) {
	if e.Renderer == nil {
		return "", errors.New("no renderer configured")
	}
	p, err := e.GetProject(ctx, projectID, userID)
	if err != nil {
		return "", err
	}
	cost := e.Config.Cost("video_export")
	held, err := e.Ledger.HasUnlock(ctx, userID, "video_export")
	if err != nil {
		return "", err
	}
	charged := int64(0)
	if !held && cost > 0 {
		if err := e.Ledger.CheckAndDebit(ctx, userID, cost, "video_export"); err != nil {
			return "", err
		}
		charged = cost
	}
	url, err := e.Renderer.Render(ctx, p)
	if err != nil {
		if charged > 0 {
			// Refund outside the caller's context so a cancelled
			// request still gets its credits back.
			_ = e.Ledger.Refund(context.WithoutCancel(ctx), userID, charged, "video_export")
		}
		return "", fmt.Errorf("render video: %w", err)
	}
	return url, nil
}

// Events returns recent log entries, newest first.
func (e Engine) LatestEvents(ctx context.Context, limit int, projectID, evtType string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	return e.Repo.LatestEvents(ctx, limit, projectID, evtType, "", "")
}

// mutate loads the project, applies fn, and persists under optimistic
// concurrency using the stored version as base. Transitions originate
// server-side, so unlike SaveProject there is no client base version
// to honor. When fn reports no change the transaction is dropped and
// the version stays put.
func (e Engine) mutate(ctx context.Context, projectID, userID, evtType string, fn func(*domain.Project) (bool, error)) (domain.Project, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	if err := ownerOnly(p, userID); err != nil {
		return domain.Project{}, err
	}
	changed, err := fn(&p)
	if err != nil {
		return domain.Project{}, err
	}
	if !changed {
		return p, nil
	}
	p.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	newVersion, err := e.Repo.UpdateProjectVersioned(ctx, tx, p, p.Version)
	if err != nil {
		return domain.Project{}, err
	}
	p.Version = newVersion
	if err := e.enqueueSync(ctx, tx, p); err != nil {
		return domain.Project{}, err
	}
	if err := e.Events.Append(ctx, tx, evtType, p.ID, "project", p.ID, userID, events.EventPayload{"stage": p.Stage, "version": p.Version}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

func (e Engine) enqueueSync(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode sync payload: %w", err)
	}
	return e.Repo.EnqueueSave(ctx, tx, domain.PendingSave{
		ProjectID: p.ID,
		Payload:   string(payload),
		Version:   p.Version,
		QueuedAt:  e.now().UTC().Format(time.RFC3339Nano),
	})
}

// NotOwnerError reports access to a project the user does not own.
type NotOwnerError struct {
	ProjectID string
	UserID    string
}

func (e *NotOwnerError) Error() string {
	return fmt.Sprintf("project %s is not owned by user %s", e.ProjectID, e.UserID)
}

func ownerOnly(p domain.Project, userID string) error {
	if userID != "" && p.UserID != userID {
		return &NotOwnerError{ProjectID: p.ID, UserID: userID}
	}
	return nil
}
