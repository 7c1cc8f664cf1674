package server

import (
	"encoding/json"

	"ideaforge/internal/domain"
)

// Request payloads

type CreateProjectRequest struct {
	Title string `json:"title,omitempty" maxLength:"200"`
}

type SaveProjectRequest struct {
	BaseVersion int64             `json:"base_version" minimum:"0"`
	Content     map[string]string `json:"content"`
}

type CompleteStepRequest struct {
	Step string `json:"step" minLength:"1"`
}

type GoToStageRequest struct {
	Stage string `json:"stage" enum:"idea,ikigai,sparks,remix,finalize,gameloop,card"`
}

type GrantCreditsRequest struct {
	UserID string `json:"user_id" minLength:"1"`
	Amount int64  `json:"amount" minimum:"1"`
}

type DevLoginRequest struct {
	Email string `json:"email" format:"email"`
}

// Response payloads

type DevLoginResponse struct {
	Token string `json:"token"`
}

type ProjectResponse struct {
	ID             string            `json:"id"`
	UserID         string            `json:"user_id"`
	Stage          string            `json:"stage"`
	Version        int64             `json:"version"`
	Content        map[string]string `json:"content"`
	Validation     json.RawMessage   `json:"validation,omitempty"`
	CompletedSteps []string          `json:"completed_steps"`
	MissingSteps   []string          `json:"missing_steps"`
	Archived       bool              `json:"archived"`
	CreatedAt      string            `json:"created_at"`
	UpdatedAt      string            `json:"updated_at"`
}

type ProjectListResponse struct {
	Items      []domain.ProjectSummary `json:"items"`
	NextCursor string                  `json:"next_cursor,omitempty"`
}

type CreditsResponse struct {
	Balance int64    `json:"balance"`
	Unlocks []string `json:"unlocks"`
}

type ExportResponse struct {
	URL string `json:"url"`
}

type SyncStatusResponse struct {
	Pending int  `json:"pending"`
	Enabled bool `json:"enabled"`
}

type EventsResponse struct {
	Items []domain.Event `json:"items"`
}

func projectResponse(p domain.Project, missing []string) ProjectResponse {
	resp := ProjectResponse{
		ID:             p.ID,
		UserID:         p.UserID,
		Stage:          p.Stage,
		Version:        p.Version,
		Content:        p.Content,
		CompletedSteps: p.CompletedSteps,
		MissingSteps:   missing,
		Archived:       p.Archived,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
	if resp.Content == nil {
		resp.Content = map[string]string{}
	}
	if resp.CompletedSteps == nil {
		resp.CompletedSteps = []string{}
	}
	if resp.MissingSteps == nil {
		resp.MissingSteps = []string{}
	}
	if p.ValidationJSON != nil && json.Valid([]byte(*p.ValidationJSON)) {
		resp.Validation = json.RawMessage(*p.ValidationJSON)
	}
	return resp
}
