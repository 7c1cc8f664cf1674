package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"ideaforge/internal/domain"
	"ideaforge/internal/engine"
	"ideaforge/internal/genres"
	"ideaforge/internal/ledger"
	workpath "ideaforge/internal/path"
	"ideaforge/internal/repo"
	"ideaforge/internal/store"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Syncer   *store.Syncer
	Genres   *genres.Client
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"stage_prerequisite"`
	Message string         `json:"message" example:"stage \"idea\" has incomplete required steps"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope every endpoint uses.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the IdeaForge API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine))
	hcfg := huma.DefaultConfig("IdeaForge API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerPathOps(group, cfg.Engine)
	registerValidation(group, cfg.Engine)
	registerCredits(group, cfg.Engine)
	registerExport(group, cfg.Engine)
	registerGenres(group, cfg.Genres)
	registerSync(group, cfg.Syncer)
	registerEvents(group, cfg.Engine)
	registerDebug(group, cfg.Engine, cfg.Auth)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var conflict repo.ConflictError
	if errors.As(err, &conflict) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), map[string]any{
			"given_version":  conflict.GivenVersion,
			"stored_version": conflict.StoredVersion,
		})
	}
	var insufficient ledger.InsufficientCreditsError
	if errors.As(err, &insufficient) {
		return newAPIError(http.StatusPaymentRequired, "insufficient_credits", err.Error(), map[string]any{
			"cost":    insufficient.Cost,
			"balance": insufficient.Balance,
		})
	}
	var prereq *workpath.StagePrerequisiteError
	if errors.As(err, &prereq) {
		return newAPIError(http.StatusUnprocessableEntity, "stage_prerequisite", err.Error(), map[string]any{
			"stage":         prereq.Stage,
			"missing_steps": prereq.Missing,
		})
	}
	var unknownStage *workpath.UnknownStageError
	if errors.As(err, &unknownStage) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	var upstream *genres.UpstreamError
	if errors.As(err, &upstream) {
		// Mirror the upstream status so clients can distinguish a
		// missing catalog from a broken one.
		status := upstream.StatusCode
		if status < 400 || status > 599 {
			status = http.StatusBadGateway
		}
		return newAPIError(status, "upstream_unavailable", err.Error(), map[string]any{
			"upstream_status": upstream.StatusCode,
		})
	}
	var notOwner *engine.NotOwnerError
	if errors.As(err, &notOwner) {
		// Another user's project is indistinguishable from a missing one.
		return newAPIError(http.StatusNotFound, "not_found", "project not found", nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusPaymentRequired:
		return "insufficient_credits"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "stage_prerequisite"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusBadGateway:
		return "upstream_unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

type projectPath struct {
	ProjectID string `path:"project_id"`
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.CreateProject(ctx, principal.UserID, input.Body.Title)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p, e.Path.Missing(&p))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, input *struct {
		IncludeArchived bool   `query:"include_archived"`
		Limit           int    `query:"limit" minimum:"0" maximum:"200"`
		Cursor          string `query:"cursor"`
	}) (*struct {
		Body ProjectListResponse `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		filters := repo.ProjectFilters{
			UserID:          principal.UserID,
			IncludeArchived: input.IncludeArchived,
			Limit:           input.Limit,
		}
		if filters.Limit <= 0 {
			filters.Limit = 50
		}
		if input.Cursor != "" {
			updatedAt, id, ok := strings.Cut(input.Cursor, "|")
			if !ok {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "malformed cursor", nil)
			}
			filters.CursorUpdatedAt, filters.CursorID = updatedAt, id
		}
		items, err := e.ListProjects(ctx, filters)
		if err != nil {
			return nil, handleError(err)
		}
		resp := ProjectListResponse{Items: items}
		if resp.Items == nil {
			resp.Items = []domain.ProjectSummary{}
		}
		if len(items) == filters.Limit {
			last := items[len(items)-1]
			resp.NextCursor = last.UpdatedAt + "|" + last.ID
		}
		return &struct {
			Body ProjectListResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.GetProject(ctx, input.ProjectID, principal.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p, e.Path.Missing(&p))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "save-project",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/save",
		Summary:     "Save project content",
		Description: "Applies new content if base_version still matches the stored version. A stale base_version yields 409 with the stored version in details.",
	}, func(ctx context.Context, input *struct {
		ProjectID string             `path:"project_id"`
		Body      SaveProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.SaveProject(ctx, engine.SaveOptions{
			ProjectID:   input.ProjectID,
			UserID:      principal.UserID,
			BaseVersion: input.Body.BaseVersion,
			Content:     input.Body.Content,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p, e.Path.Missing(&p))}, nil
	})

	registerArchiveOp(api, e, "archive-project", "/projects/{project_id}/archive", "Archive project", true)
	registerArchiveOp(api, e, "restore-project", "/projects/{project_id}/restore", "Restore archived project", false)
}

func registerArchiveOp(api huma.API, e engine.Engine, opID, route, summary string, archived bool) {
	huma.Register(api, huma.Operation{
		OperationID: opID,
		Method:      http.MethodPost,
		Path:        route,
		Summary:     summary,
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.SetArchived(ctx, input.ProjectID, principal.UserID, archived)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p, e.Path.Missing(&p))}, nil
	})
}

func registerPathOps(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "complete-step",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/steps",
		Summary:     "Mark a workflow step complete",
	}, func(ctx context.Context, input *struct {
		ProjectID string              `path:"project_id"`
		Body      CompleteStepRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.CompleteStep(ctx, input.ProjectID, principal.UserID, input.Body.Step)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p, e.Path.Missing(&p))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-stage",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/advance",
		Summary:     "Advance to the next stage",
		Description: "Fails with 422 stage_prerequisite while required steps of the current stage remain open.",
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.AdvanceStage(ctx, input.ProjectID, principal.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p, e.Path.Missing(&p))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "goto-stage",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/stage",
		Summary:     "Jump to a stage",
		Description: "Backward moves are always allowed; forward moves require every stage in between to be satisfied.",
	}, func(ctx context.Context, input *struct {
		ProjectID string           `path:"project_id"`
		Body      GoToStageRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.GoToStage(ctx, input.ProjectID, principal.UserID, input.Body.Stage)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p, e.Path.Missing(&p))}, nil
	})
}

func registerValidation(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "validate-project",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/validate",
		Summary:     "Run the validation pipeline",
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body domain.ValidationResult `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.RunValidation(ctx, input.ProjectID, principal.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ValidationResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerCredits(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-credits",
		Method:      http.MethodGet,
		Path:        "/me/credits",
		Summary:     "Current balance and unlocks",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body CreditsResponse `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		balance, unlocks, err := e.Ledger.Balance(ctx, principal.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		if unlocks == nil {
			unlocks = []string{}
		}
		return &struct {
			Body CreditsResponse `json:"body"`
		}{Body: CreditsResponse{Balance: balance, Unlocks: unlocks}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unlock-video",
		Method:      http.MethodPost,
		Path:        "/me/unlocks/video",
		Summary:     "Buy the permanent video export unlock",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body CreditsResponse `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.UnlockVideo(ctx, principal.UserID); err != nil {
			return nil, handleError(err)
		}
		balance, unlocks, err := e.Ledger.Balance(ctx, principal.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreditsResponse `json:"body"`
		}{Body: CreditsResponse{Balance: balance, Unlocks: unlocks}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "grant-credits",
		Method:      http.MethodPost,
		Path:        "/credits/grant",
		Summary:     "Grant credits to a user (admin)",
	}, func(ctx context.Context, input *struct {
		Body GrantCreditsRequest `json:"body"`
	}) (*struct {
		Body CreditsResponse `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.Ledger.Grant(ctx, input.Body.UserID, input.Body.Amount); err != nil {
			return nil, handleError(err)
		}
		balance, unlocks, err := e.Ledger.Balance(ctx, input.Body.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		if unlocks == nil {
			unlocks = []string{}
		}
		return &struct {
			Body CreditsResponse `json:"body"`
		}{Body: CreditsResponse{Balance: balance, Unlocks: unlocks}}, nil
	})
}

func registerExport(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "export-video",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/export",
		Summary:     "Render the project to video",
		Description: "Charges the configured cost unless the user holds the video_export unlock. A failed render refunds the charge.",
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body ExportResponse `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		url, err := e.ExportVideo(ctx, input.ProjectID, principal.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExportResponse `json:"body"`
		}{Body: ExportResponse{URL: url}}, nil
	})
}

func registerGenres(api huma.API, client *genres.Client) {
	huma.Register(api, huma.Operation{
		OperationID: "list-genres",
		Method:      http.MethodGet,
		Path:        "/genres",
		Summary:     "Browse the music genre catalog",
	}, func(ctx context.Context, input *struct {
		Q string `query:"q"`
	}) (*struct {
		Body []domain.GenreDescriptor `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		if client == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "upstream_unavailable", "genre catalog not configured", nil)
		}
		items, err := client.List(ctx, input.Q)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.GenreDescriptor{}
		}
		return &struct {
			Body []domain.GenreDescriptor `json:"body"`
		}{Body: items}, nil
	})
}

func registerSync(api huma.API, syncer *store.Syncer) {
	huma.Register(api, huma.Operation{
		OperationID: "sync-status",
		Method:      http.MethodGet,
		Path:        "/sync/status",
		Summary:     "Pending save queue depth",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SyncStatusResponse `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		resp := SyncStatusResponse{Enabled: syncer != nil && syncer.Remote != nil}
		if syncer != nil {
			pending, err := syncer.Pending(ctx)
			if err != nil {
				return nil, handleError(err)
			}
			resp.Pending = pending
		}
		return &struct {
			Body SyncStatusResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sync-flush",
		Method:      http.MethodPost,
		Path:        "/sync/flush",
		Summary:     "Push pending saves now",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SyncStatusResponse `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		resp := SyncStatusResponse{Enabled: syncer != nil && syncer.Remote != nil}
		if syncer != nil {
			syncer.Flush(ctx)
			pending, err := syncer.Pending(ctx)
			if err != nil {
				return nil, handleError(err)
			}
			resp.Pending = pending
		}
		return &struct {
			Body SyncStatusResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Recent activity log",
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
		Type      string `query:"type"`
		Limit     int    `query:"limit" minimum:"0" maximum:"500"`
	}) (*struct {
		Body EventsResponse `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.LatestEvents(ctx, input.Limit, input.ProjectID, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Event{}
		}
		return &struct {
			Body EventsResponse `json:"body"`
		}{Body: EventsResponse{Items: items}}, nil
	})
}

// registerDebug exposes the effective runtime configuration with
// secrets withheld. Admin only.
func registerDebug(api huma.API, e engine.Engine, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "debug-config",
		Method:      http.MethodGet,
		Path:        "/debug/config",
		Summary:     "Effective configuration (admin)",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		cfg := e.Config
		body := map[string]any{
			"stages":     cfg.StageNames(),
			"validation": cfg.Validation,
			"credits": map[string]any{
				"starting_balance": cfg.Credits.StartingBalance,
				"max_balance":      cfg.Credits.MaxBalance,
				"costs":            cfg.Credits.Costs,
			},
			"auth": map[string]any{
				"mock_auth":    authCfg.MockAuth,
				"admin_emails": len(cfg.Auth.AdminEmails),
				"jwt_secret":   jwtSecretState(authCfg.JWTSecret),
			},
			"music": map[string]any{
				"base_url":        cfg.Music.BaseURL,
				"timeout_seconds": cfg.Music.TimeoutSeconds,
			},
			"sync": map[string]any{
				"remote_url":       cfg.Sync.RemoteURL,
				"max_attempts":     cfg.Sync.MaxAttempts,
				"backoff_base_ms":  cfg.Sync.BackoffBaseMS,
				"backoff_cap_ms":   cfg.Sync.BackoffCapMS,
				"interval_seconds": cfg.Sync.IntervalSeconds,
			},
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: body}, nil
	})
}

func jwtSecretState(secret string) string {
	if strings.TrimSpace(secret) == "" {
		return "unset"
	}
	return "set"
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		email := strings.TrimSpace(input.Body.Email)
		if email == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "email is required", nil)
		}
		token, err := signSessionToken(authCfg.JWTSecret, email, time.Now())
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	openPaths := map[string]bool{
		joinRoute(basePath, "health"):         true,
		joinRoute(basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if openPaths[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func joinRoute(basePath, p string) string {
	route := path.Join(basePath, p)
	if !strings.HasPrefix(route, "/") {
		route = "/" + route
	}
	return route
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>IdeaForge API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}
