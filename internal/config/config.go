package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models ideaforge.yml. It is read once at startup and never
// mutated at runtime; secrets (JWT secret, music API key) stay in the
// environment and are not part of this struct.
type Config struct {
	Path struct {
		Stages []StageConfig `yaml:"stages"`
	} `yaml:"path"`
	Validation struct {
		BlockingSeverity int `yaml:"blocking_severity"`
		MinIdeaWords     int `yaml:"min_idea_words"`
		MaxIdeaWords     int `yaml:"max_idea_words"`
		MinTitleRunes    int `yaml:"min_title_runes"`
		MaxTitleRunes    int `yaml:"max_title_runes"`
	} `yaml:"validation"`
	Credits struct {
		StartingBalance int64            `yaml:"starting_balance"`
		MaxBalance      int64            `yaml:"max_balance"`
		Costs           map[string]int64 `yaml:"costs"`
	} `yaml:"credits"`
	Auth struct {
		AdminEmails []string `yaml:"admin_emails"`
		MockAuth    bool     `yaml:"mock_auth"`
	} `yaml:"auth"`
	Music struct {
		BaseURL        string `yaml:"base_url"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"music"`
	Sync struct {
		RemoteURL       string `yaml:"remote_url"`
		MaxAttempts     int    `yaml:"max_attempts"`
		BackoffBaseMS   int    `yaml:"backoff_base_ms"`
		BackoffCapMS    int    `yaml:"backoff_cap_ms"`
		IntervalSeconds int    `yaml:"interval_seconds"`
	} `yaml:"sync"`
}

type StageConfig struct {
	Name          string   `yaml:"name"`
	RequiredSteps []string `yaml:"required_steps"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Path.Stages) == 0 {
		return fmt.Errorf("config.path.stages is required")
	}
	seen := map[string]bool{}
	for _, s := range c.Path.Stages {
		if s.Name == "" {
			return fmt.Errorf("config.path.stages contains empty stage name")
		}
		if seen[s.Name] {
			return fmt.Errorf("stage %s declared twice", s.Name)
		}
		seen[s.Name] = true
		for _, step := range s.RequiredSteps {
			if step == "" {
				return fmt.Errorf("stage %s has empty required step id", s.Name)
			}
		}
	}
	last := c.Path.Stages[len(c.Path.Stages)-1]
	if len(last.RequiredSteps) > 0 {
		return fmt.Errorf("terminal stage %s must not require steps", last.Name)
	}
	if c.Validation.BlockingSeverity <= 0 {
		return fmt.Errorf("config.validation.blocking_severity must be positive")
	}
	if c.Validation.MinIdeaWords < 0 || c.Validation.MaxIdeaWords < c.Validation.MinIdeaWords {
		return fmt.Errorf("config.validation idea word bounds invalid")
	}
	if c.Credits.StartingBalance < 0 {
		return fmt.Errorf("config.credits.starting_balance must be non-negative")
	}
	if c.Credits.MaxBalance > 0 && c.Credits.StartingBalance > c.Credits.MaxBalance {
		return fmt.Errorf("config.credits.starting_balance exceeds max_balance")
	}
	for action, cost := range c.Credits.Costs {
		if action == "" {
			return fmt.Errorf("config.credits.costs has empty action name")
		}
		if cost < 0 {
			return fmt.Errorf("cost for %s must be non-negative", action)
		}
	}
	for _, email := range c.Auth.AdminEmails {
		if !strings.Contains(email, "@") {
			return fmt.Errorf("admin email %q is not an email address", email)
		}
	}
	if c.Sync.MaxAttempts < 0 {
		return fmt.Errorf("config.sync.max_attempts must be non-negative")
	}
	return nil
}

// StageNames returns the declared stage order.
func (c *Config) StageNames() []string {
	names := make([]string, 0, len(c.Path.Stages))
	for _, s := range c.Path.Stages {
		names = append(names, s.Name)
	}
	return names
}

// RequiredSteps returns the required step ids for a stage, nil if unknown.
func (c *Config) RequiredSteps(stage string) []string {
	for _, s := range c.Path.Stages {
		if s.Name == stage {
			return s.RequiredSteps
		}
	}
	return nil
}

// Cost returns the credit cost for a named action, 0 if not configured.
func (c *Config) Cost(action string) int64 {
	return c.Credits.Costs[action]
}

// IsAdminEmail reports whether the email is on the admin allowlist.
func (c *Config) IsAdminEmail(email string) bool {
	for _, e := range c.Auth.AdminEmails {
		if strings.EqualFold(strings.TrimSpace(e), strings.TrimSpace(email)) {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "ideaforge.yml")
}

// Load reads and validates config from workspace, falling back to the
// built-in defaults when no file exists.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns the default config YAML for export.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `path:
  stages:
    - name: idea
      required_steps: [idea.pitch, idea.audience]
    - name: ikigai
      required_steps: [ikigai.love, ikigai.skill, ikigai.need]
    - name: sparks
      required_steps: [sparks.picked]
    - name: remix
      required_steps: [remix.twist]
    - name: finalize
      required_steps: [finalize.title, finalize.summary]
    - name: gameloop
      required_steps: [gameloop.core, gameloop.reward]
    - name: card
      required_steps: []

validation:
  blocking_severity: 3
  min_idea_words: 10
  max_idea_words: 400
  min_title_runes: 3
  max_title_runes: 80

credits:
  starting_balance: 10
  max_balance: 100
  costs:
    video_export: 5
    video_unlock: 0
    genre_enrich: 1

auth:
  admin_emails: []
  mock_auth: false

music:
  base_url: ""
  timeout_seconds: 5

sync:
  remote_url: ""
  max_attempts: 6
  backoff_base_ms: 500
  backoff_cap_ms: 30000
  interval_seconds: 5
`
