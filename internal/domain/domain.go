package domain

type Project struct {
	ID             string            `json:"id"`
	UserID         string            `json:"user_id"`
	Stage          string            `json:"stage" enum:"idea,ikigai,sparks,remix,finalize,gameloop,card"`
	Version        int64             `json:"version"`
	Content        map[string]string `json:"content"`
	ValidationJSON *string           `json:"validation_json,omitempty"`
	CompletedSteps []string          `json:"completed_steps"`
	Archived       bool              `json:"archived"`
	CreatedAt      string            `json:"created_at" format:"date-time"`
	UpdatedAt      string            `json:"updated_at" format:"date-time"`
}

// ProjectSummary is the listing shape: no stage payloads, no validation body.
type ProjectSummary struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Stage     string `json:"stage"`
	Version   int64  `json:"version"`
	Archived  bool   `json:"archived"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type User struct {
	ID        string   `json:"id"`
	Email     string   `json:"email"`
	IsAdmin   bool     `json:"is_admin"`
	Credits   int64    `json:"credits"`
	Unlocks   []string `json:"unlocks"`
	CreatedAt string   `json:"created_at" format:"date-time"`
}

type CreditInfo struct {
	Balance int64    `json:"balance"`
	Unlocks []string `json:"unlocks"`
}

type Finding struct {
	Agent    string `json:"agent"`
	Verdict  string `json:"verdict" enum:"pass,warn,fail"`
	Message  string `json:"message"`
	Severity int    `json:"severity"`
}

type ValidationResult struct {
	Overall  string    `json:"overall" enum:"pass,partial,fail"`
	Findings []Finding `json:"findings"`
	RunAt    string    `json:"run_at" format:"date-time"`
}

type GenreDescriptor struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	UserID     string `json:"user_id"`
	Payload    string `json:"payload_json"`
}

// PendingSave is one outbox row: the latest unsynced snapshot of a project.
type PendingSave struct {
	ProjectID string `json:"project_id"`
	Payload   string `json:"payload_json"`
	Version   int64  `json:"version"`
	QueuedAt  string `json:"queued_at" format:"date-time"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`
}
