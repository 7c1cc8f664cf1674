package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"ideaforge/internal/config"
	"ideaforge/internal/db"
	"ideaforge/internal/domain"
	"ideaforge/internal/engine"
	"ideaforge/internal/ledger"
	"ideaforge/internal/migrate"
	"ideaforge/internal/path"
	"ideaforge/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	UserID string
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC) }
	eng.Ledger.Now = eng.Now
	eng.Events.Now = eng.Now
	ctx := context.Background()
	u, err := eng.EnsureUser(ctx, "maker@example.com")
	if err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx, UserID: u.ID}
}

func (env testEnv) createProject(t *testing.T, title string) string {
	t.Helper()
	p, err := env.Engine.CreateProject(env.Ctx, env.UserID, title)
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return p.ID
}

func TestEnsureUserIdempotent(t *testing.T) {
	env := newTestEnv(t)
	again, err := env.Engine.EnsureUser(env.Ctx, "maker@example.com")
	if err != nil {
		t.Fatalf("ensure user again: %v", err)
	}
	if again.ID != env.UserID {
		t.Fatalf("second ensure created a new account: %s vs %s", again.ID, env.UserID)
	}
	if again.Credits != config.Default().Credits.StartingBalance {
		t.Fatalf("credits = %d", again.Credits)
	}
}

func TestEnsureUserAdminAllowlist(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Auth.AdminEmails = []string{"boss@example.com"}
	u, err := env.Engine.EnsureUser(env.Ctx, "boss@example.com")
	if err != nil {
		t.Fatalf("ensure admin: %v", err)
	}
	if !u.IsAdmin {
		t.Fatal("allowlisted email should be admin")
	}
	plain, err := env.Engine.EnsureUser(env.Ctx, "maker@example.com")
	if err != nil || plain.IsAdmin {
		t.Fatalf("plain user admin=%v err=%v", plain.IsAdmin, err)
	}
}

func TestSaveProjectBumpsVersion(t *testing.T) {
	env := newTestEnv(t)
	id := env.createProject(t, "Tidewrack")
	p, err := env.Engine.SaveProject(env.Ctx, engine.SaveOptions{
		ProjectID:   id,
		UserID:      env.UserID,
		BaseVersion: 0,
		Content:     map[string]string{"idea.title": "Tidewrack", "idea.pitch": "salvage sim"},
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if p.Version != 1 {
		t.Fatalf("version = %d, want 1", p.Version)
	}
	if p.Content["idea.pitch"] != "salvage sim" {
		t.Fatalf("content = %v", p.Content)
	}
}

func TestSaveProjectStaleVersionConflicts(t *testing.T) {
	env := newTestEnv(t)
	id := env.createProject(t, "Tidewrack")

	// Two clients both loaded version 0. The second save must lose.
	if _, err := env.Engine.SaveProject(env.Ctx, engine.SaveOptions{
		ProjectID: id, UserID: env.UserID, BaseVersion: 0,
		Content: map[string]string{"idea.pitch": "first tab"},
	}); err != nil {
		t.Fatalf("first save: %v", err)
	}
	_, err := env.Engine.SaveProject(env.Ctx, engine.SaveOptions{
		ProjectID: id, UserID: env.UserID, BaseVersion: 0,
		Content: map[string]string{"idea.pitch": "second tab"},
	})
	var conflict repo.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("err = %v, want ConflictError", err)
	}
	if conflict.StoredVersion != 1 {
		t.Fatalf("stored version = %d", conflict.StoredVersion)
	}
	p, err := env.Engine.GetProject(env.Ctx, id, env.UserID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.Content["idea.pitch"] != "first tab" {
		t.Fatalf("losing save overwrote: %v", p.Content)
	}
}

func TestSaveQueuesSync(t *testing.T) {
	env := newTestEnv(t)
	id := env.createProject(t, "Tidewrack")
	for i := int64(0); i < 3; i++ {
		if _, err := env.Engine.SaveProject(env.Ctx, engine.SaveOptions{
			ProjectID: id, UserID: env.UserID, BaseVersion: i,
			Content: map[string]string{"idea.pitch": "draft"},
		}); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}
	// Repeated saves collapse to a single pending row at the latest version.
	pending, err := env.Engine.Repo.ListPendingSaves(env.Ctx, 10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending rows = %d, want 1", len(pending))
	}
	if pending[0].Version != 3 {
		t.Fatalf("pending version = %d, want 3", pending[0].Version)
	}
}

func TestGetProjectOwnership(t *testing.T) {
	env := newTestEnv(t)
	id := env.createProject(t, "Tidewrack")
	other, err := env.Engine.EnsureUser(env.Ctx, "rival@example.com")
	if err != nil {
		t.Fatalf("ensure rival: %v", err)
	}
	_, err = env.Engine.GetProject(env.Ctx, id, other.ID)
	var notOwner *engine.NotOwnerError
	if !errors.As(err, &notOwner) {
		t.Fatalf("err = %v, want NotOwnerError", err)
	}
}

func TestCompleteStepAndAdvance(t *testing.T) {
	env := newTestEnv(t)
	id := env.createProject(t, "Tidewrack")

	_, err := env.Engine.AdvanceStage(env.Ctx, id, env.UserID)
	var prereq *path.StagePrerequisiteError
	if !errors.As(err, &prereq) {
		t.Fatalf("err = %v, want StagePrerequisiteError", err)
	}

	for _, step := range []string{"idea.pitch", "idea.audience"} {
		if _, err := env.Engine.CompleteStep(env.Ctx, id, env.UserID, step); err != nil {
			t.Fatalf("complete %s: %v", step, err)
		}
	}
	p, err := env.Engine.AdvanceStage(env.Ctx, id, env.UserID)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if p.Stage != "ikigai" {
		t.Fatalf("stage = %q", p.Stage)
	}
	if len(p.CompletedSteps) != 0 {
		t.Fatalf("steps carried into ikigai: %v", p.CompletedSteps)
	}
}

func TestCompleteStepRepeatKeepsVersion(t *testing.T) {
	env := newTestEnv(t)
	id := env.createProject(t, "Tidewrack")
	first, err := env.Engine.CompleteStep(env.Ctx, id, env.UserID, "idea.pitch")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	second, err := env.Engine.CompleteStep(env.Ctx, id, env.UserID, "idea.pitch")
	if err != nil {
		t.Fatalf("repeat: %v", err)
	}
	if second.Version != first.Version {
		t.Fatalf("repeat bumped version %d -> %d", first.Version, second.Version)
	}
}

func TestGoToStageBackward(t *testing.T) {
	env := newTestEnv(t)
	id := env.createProject(t, "Tidewrack")
	for _, step := range []string{"idea.pitch", "idea.audience"} {
		if _, err := env.Engine.CompleteStep(env.Ctx, id, env.UserID, step); err != nil {
			t.Fatalf("complete %s: %v", step, err)
		}
	}
	if _, err := env.Engine.AdvanceStage(env.Ctx, id, env.UserID); err != nil {
		t.Fatalf("advance: %v", err)
	}
	p, err := env.Engine.GoToStage(env.Ctx, id, env.UserID, "idea")
	if err != nil {
		t.Fatalf("goto: %v", err)
	}
	if p.Stage != "idea" {
		t.Fatalf("stage = %q", p.Stage)
	}
}

func TestRunValidationPersistsResult(t *testing.T) {
	env := newTestEnv(t)
	id := env.createProject(t, "Tidewrack")
	res, err := env.Engine.RunValidation(env.Ctx, id, env.UserID)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if res.Overall != "fail" {
		t.Fatalf("empty project overall = %q, want fail", res.Overall)
	}
	p, err := env.Engine.GetProject(env.Ctx, id, env.UserID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.ValidationJSON == nil {
		t.Fatal("validation result not persisted")
	}
	if p.Version != 1 {
		t.Fatalf("version = %d, want 1", p.Version)
	}
}

func TestValidationDescribesStoredContent(t *testing.T) {
	env := newTestEnv(t)
	id := env.createProject(t, "Tidewrack")
	p, err := env.Engine.GetProject(env.Ctx, id, env.UserID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, err := env.Engine.SaveProject(env.Ctx, engine.SaveOptions{
		ProjectID:   id,
		UserID:      env.UserID,
		BaseVersion: p.Version,
		Content: map[string]string{
			"idea.title": "Tidewrack",
			"idea.pitch": "Scavenge a drowned city between tides, racing the water back up.",
		},
	}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := env.Engine.RunValidation(env.Ctx, id, env.UserID); err != nil {
		t.Fatalf("validate: %v", err)
	}
	stored, err := env.Engine.GetProject(env.Ctx, id, env.UserID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.ValidationJSON == nil {
		t.Fatal("validation result not persisted")
	}
	var persisted domain.ValidationResult
	if err := json.Unmarshal([]byte(*stored.ValidationJSON), &persisted); err != nil {
		t.Fatalf("decode persisted result: %v", err)
	}
	rerun := env.Engine.Pipeline.WithNow(env.Engine.Now).Run(stored.Content)
	if !reflect.DeepEqual(persisted, rerun) {
		t.Fatalf("persisted result does not describe the stored content:\n%+v\n%+v", persisted, rerun)
	}
}

type renderFunc func(ctx context.Context) (string, error)

func (f renderFunc) Render(ctx context.Context, _ domain.Project) (string, error) {
	return f(ctx)
}

func TestExportVideoDebitsAndRenders(t *testing.T) {
	env := newTestEnv(t)
	id := env.createProject(t, "Tidewrack")
	env.Engine.Renderer = renderFunc(func(ctx context.Context) (string, error) {
		return "file:///out/tidewrack.mp4", nil
	})
	url, err := env.Engine.ExportVideo(env.Ctx, id, env.UserID)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if url != "file:///out/tidewrack.mp4" {
		t.Fatalf("url = %q", url)
	}
	balance, _, err := env.Engine.Ledger.Balance(env.Ctx, env.UserID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	want := config.Default().Credits.StartingBalance - config.Default().Credits.Costs["video_export"]
	if balance != want {
		t.Fatalf("balance = %d, want %d", balance, want)
	}
}

func TestExportVideoRefundsOnRenderFailure(t *testing.T) {
	env := newTestEnv(t)
	id := env.createProject(t, "Tidewrack")
	env.Engine.Renderer = renderFunc(func(ctx context.Context) (string, error) {
		return "", errors.New("encoder crashed")
	})
	if _, err := env.Engine.ExportVideo(env.Ctx, id, env.UserID); err == nil {
		t.Fatal("expected render error")
	}
	balance, _, err := env.Engine.Ledger.Balance(env.Ctx, env.UserID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != config.Default().Credits.StartingBalance {
		t.Fatalf("balance = %d, want full refund to %d", balance, config.Default().Credits.StartingBalance)
	}
}

func TestExportVideoInsufficientCredits(t *testing.T) {
	env := newTestEnv(t)
	id := env.createProject(t, "Tidewrack")
	// Drain the account below the export cost.
	if err := env.Engine.Ledger.CheckAndDebit(env.Ctx, env.UserID, 8, "test.drain"); err != nil {
		t.Fatalf("drain: %v", err)
	}
	env.Engine.Renderer = renderFunc(func(ctx context.Context) (string, error) {
		t.Fatal("renderer must not run without payment")
		return "", nil
	})
	_, err := env.Engine.ExportVideo(env.Ctx, id, env.UserID)
	var insufficient ledger.InsufficientCreditsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("err = %v, want InsufficientCreditsError", err)
	}
	if insufficient.Balance != 2 || insufficient.Cost != 5 {
		t.Fatalf("error detail = %+v", insufficient)
	}
}

func TestExportVideoFreeWithUnlock(t *testing.T) {
	env := newTestEnv(t)
	id := env.createProject(t, "Tidewrack")
	if err := env.Engine.UnlockVideo(env.Ctx, env.UserID); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	// Unlock is idempotent.
	if err := env.Engine.UnlockVideo(env.Ctx, env.UserID); err != nil {
		t.Fatalf("repeat unlock: %v", err)
	}
	env.Engine.Renderer = renderFunc(func(ctx context.Context) (string, error) {
		return "file:///out/tidewrack.mp4", nil
	})
	if _, err := env.Engine.ExportVideo(env.Ctx, id, env.UserID); err != nil {
		t.Fatalf("export: %v", err)
	}
	balance, unlocks, err := env.Engine.Ledger.Balance(env.Ctx, env.UserID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != config.Default().Credits.StartingBalance {
		t.Fatalf("balance = %d, unlock holders render free", balance)
	}
	if len(unlocks) != 1 || unlocks[0] != "video_export" {
		t.Fatalf("unlocks = %v", unlocks)
	}
}

func TestArchiveHidesFromListing(t *testing.T) {
	env := newTestEnv(t)
	keep := env.createProject(t, "Keep")
	drop := env.createProject(t, "Drop")
	if _, err := env.Engine.SetArchived(env.Ctx, drop, env.UserID, true); err != nil {
		t.Fatalf("archive: %v", err)
	}
	items, err := env.Engine.ListProjects(env.Ctx, repo.ProjectFilters{UserID: env.UserID})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 1 || items[0].ID != keep {
		t.Fatalf("items = %+v", items)
	}
	all, err := env.Engine.ListProjects(env.Ctx, repo.ProjectFilters{UserID: env.UserID, IncludeArchived: true})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("all = %+v", all)
	}
}
