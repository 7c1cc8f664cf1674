package validate

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"ideaforge/internal/config"
	"ideaforge/internal/domain"
)

// Agent is one independent check applied to project content. Agents
// must be pure: same content, same finding. They never see each
// other's output within a run.
type Agent interface {
	Name() string
	Check(content map[string]string) domain.Finding
}

// Verdicts and severities. A fail at or above the configured blocking
// severity fails the whole run.
const (
	VerdictPass = "pass"
	VerdictWarn = "warn"
	VerdictFail = "fail"

	SeverityInfo     = 1
	SeverityAdvice   = 2
	SeverityBlocking = 3
)

const (
	OverallPass    = "pass"
	OverallPartial = "partial"
	OverallFail    = "fail"
)

// Pipeline runs a fixed, ordered set of agents over project content.
type Pipeline struct {
	agents   []Agent
	blocking int
	now      func() time.Time
}

// New builds the standard pipeline from config. Agent order is fixed
// so findings stay stable and diffable across runs.
func New(cfg *config.Config) Pipeline {
	return Pipeline{
		agents: []Agent{
			titleAgent{min: cfg.Validation.MinTitleRunes, max: cfg.Validation.MaxTitleRunes},
			lengthAgent{min: cfg.Validation.MinIdeaWords, max: cfg.Validation.MaxIdeaWords},
			audienceAgent{},
			loopAgent{},
			duplicationAgent{},
		},
		blocking: cfg.Validation.BlockingSeverity,
		now:      time.Now,
	}
}

// WithAgents replaces the agent list. Used by tests and by callers that
// append optional enrichment agents; enrichments may only produce
// non-blocking findings.
func (p Pipeline) WithAgents(agents ...Agent) Pipeline {
	p.agents = agents
	return p
}

// WithNow overrides the clock used for the result timestamp.
func (p Pipeline) WithNow(now func() time.Time) Pipeline {
	p.now = now
	return p
}

// Run applies every agent in declared order. An agent that panics is
// recorded as a blocking fail finding for that agent; the rest still
// report. The result is deterministic for identical content.
func (p Pipeline) Run(content map[string]string) domain.ValidationResult {
	findings := make([]domain.Finding, 0, len(p.agents))
	for _, a := range p.agents {
		findings = append(findings, p.run(a, content))
	}
	res := domain.ValidationResult{
		Overall:  p.aggregate(findings),
		Findings: findings,
	}
	if p.now != nil {
		res.RunAt = p.now().UTC().Format(time.RFC3339)
	}
	return res
}

func (p Pipeline) run(a Agent, content map[string]string) (f domain.Finding) {
	defer func() {
		if r := recover(); r != nil {
			f = domain.Finding{
				Agent:    a.Name(),
				Verdict:  VerdictFail,
				Message:  fmt.Sprintf("agent error: %v", r),
				Severity: p.blocking,
			}
		}
	}()
	f = a.Check(content)
	f.Agent = a.Name()
	return f
}

func (p Pipeline) aggregate(findings []domain.Finding) string {
	overall := OverallPass
	for _, f := range findings {
		switch f.Verdict {
		case VerdictFail:
			if f.Severity >= p.blocking {
				return OverallFail
			}
			overall = OverallPartial
		case VerdictWarn:
			if overall == OverallPass {
				overall = OverallPartial
			}
		}
	}
	return overall
}

// --- core agents ---

type titleAgent struct {
	min, max int
}

func (titleAgent) Name() string { return "title-check" }

func (a titleAgent) Check(content map[string]string) domain.Finding {
	title := strings.TrimSpace(content["finalize.title"])
	if title == "" {
		title = strings.TrimSpace(content["idea.title"])
	}
	if title == "" {
		return domain.Finding{Verdict: VerdictWarn, Message: "no title yet", Severity: SeverityAdvice}
	}
	n := utf8.RuneCountInString(title)
	if a.min > 0 && n < a.min {
		return domain.Finding{Verdict: VerdictFail, Message: fmt.Sprintf("title too short (%d runes, need %d)", n, a.min), Severity: SeverityBlocking}
	}
	if a.max > 0 && n > a.max {
		return domain.Finding{Verdict: VerdictFail, Message: fmt.Sprintf("title too long (%d runes, max %d)", n, a.max), Severity: SeverityAdvice}
	}
	return domain.Finding{Verdict: VerdictPass, Message: "title ok", Severity: SeverityInfo}
}

type lengthAgent struct {
	min, max int
}

func (lengthAgent) Name() string { return "length-check" }

func (a lengthAgent) Check(content map[string]string) domain.Finding {
	pitch := strings.TrimSpace(content["idea.pitch"])
	if pitch == "" {
		return domain.Finding{Verdict: VerdictFail, Message: "idea pitch is empty", Severity: SeverityBlocking}
	}
	words := len(strings.Fields(pitch))
	if a.min > 0 && words < a.min {
		return domain.Finding{Verdict: VerdictFail, Message: fmt.Sprintf("idea pitch too short (%d words, need %d)", words, a.min), Severity: SeverityBlocking}
	}
	if a.max > 0 && words > a.max {
		return domain.Finding{Verdict: VerdictWarn, Message: fmt.Sprintf("idea pitch very long (%d words, advised max %d)", words, a.max), Severity: SeverityAdvice}
	}
	return domain.Finding{Verdict: VerdictPass, Message: fmt.Sprintf("idea pitch ok (%d words)", words), Severity: SeverityInfo}
}

type audienceAgent struct{}

func (audienceAgent) Name() string { return "audience-check" }

func (audienceAgent) Check(content map[string]string) domain.Finding {
	if strings.TrimSpace(content["idea.audience"]) == "" {
		return domain.Finding{Verdict: VerdictWarn, Message: "no target audience described", Severity: SeverityAdvice}
	}
	return domain.Finding{Verdict: VerdictPass, Message: "audience described", Severity: SeverityInfo}
}

type loopAgent struct{}

func (loopAgent) Name() string { return "loop-check" }

// A playable concept needs both a core activity and a reward. Only
// advisory until the gameloop stage has been reached.
func (loopAgent) Check(content map[string]string) domain.Finding {
	core := strings.TrimSpace(content["gameloop.core"])
	reward := strings.TrimSpace(content["gameloop.reward"])
	switch {
	case core == "" && reward == "":
		return domain.Finding{Verdict: VerdictWarn, Message: "game loop not sketched yet", Severity: SeverityAdvice}
	case core == "":
		return domain.Finding{Verdict: VerdictFail, Message: "game loop has a reward but no core activity", Severity: SeverityAdvice}
	case reward == "":
		return domain.Finding{Verdict: VerdictFail, Message: "game loop has no reward", Severity: SeverityAdvice}
	}
	return domain.Finding{Verdict: VerdictPass, Message: "game loop complete", Severity: SeverityInfo}
}

type duplicationAgent struct{}

func (duplicationAgent) Name() string { return "duplication-check" }

// Flags stage payloads that are byte-identical to another stage, a
// common sign of copy-pasted filler. Iterates keys in sorted order so
// the reported pair is stable.
func (duplicationAgent) Check(content map[string]string) domain.Finding {
	keys := make([]string, 0, len(content))
	for k := range content {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	seen := map[string]string{}
	for _, k := range keys {
		v := strings.TrimSpace(content[k])
		if len(v) < 40 {
			continue
		}
		if prev, ok := seen[v]; ok {
			return domain.Finding{Verdict: VerdictWarn, Message: fmt.Sprintf("%s duplicates %s", k, prev), Severity: SeverityAdvice}
		}
		seen[v] = k
	}
	return domain.Finding{Verdict: VerdictPass, Message: "no duplicated sections", Severity: SeverityInfo}
}
