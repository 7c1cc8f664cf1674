package validate

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"ideaforge/internal/config"
	"ideaforge/internal/domain"
)

func testPipeline(t *testing.T) Pipeline {
	t.Helper()
	cfg := config.Default()
	return New(cfg).WithNow(func() time.Time {
		return time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	})
}

func goodContent() map[string]string {
	return map[string]string{
		"idea.title":      "Tidewrack",
		"idea.pitch":      "A cozy salvage sim where the tide rearranges the map every night and players race dawn to haul wrecks ashore before the sea reclaims them.",
		"idea.audience":   "Fans of short-session cozy games",
		"gameloop.core":   "dive, hook, winch",
		"gameloop.reward": "rare salvage unlocks new winch parts",
	}
}

func TestRunAllPass(t *testing.T) {
	p := testPipeline(t)
	res := p.Run(goodContent())
	if res.Overall != OverallPass {
		t.Fatalf("overall = %q, want pass: %+v", res.Overall, res.Findings)
	}
	if len(res.Findings) != 5 {
		t.Fatalf("findings = %d, want 5", len(res.Findings))
	}
	if res.RunAt != "2026-08-01T12:00:00Z" {
		t.Fatalf("run_at = %q", res.RunAt)
	}
}

func TestRunDeterministic(t *testing.T) {
	p := testPipeline(t)
	content := goodContent()
	first := p.Run(content)
	second := p.Run(content)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("runs differ:\n%+v\n%+v", first, second)
	}
}

func TestFindingsKeepAgentOrder(t *testing.T) {
	p := testPipeline(t)
	res := p.Run(map[string]string{})
	want := []string{"title-check", "length-check", "audience-check", "loop-check", "duplication-check"}
	if len(res.Findings) != len(want) {
		t.Fatalf("findings = %d, want %d", len(res.Findings), len(want))
	}
	for i, f := range res.Findings {
		if f.Agent != want[i] {
			t.Fatalf("finding %d from %q, want %q", i, f.Agent, want[i])
		}
	}
}

func TestEmptyPitchFails(t *testing.T) {
	p := testPipeline(t)
	content := goodContent()
	content["idea.pitch"] = ""
	res := p.Run(content)
	if res.Overall != OverallFail {
		t.Fatalf("overall = %q, want fail", res.Overall)
	}
}

func TestAdvisoryFailIsPartial(t *testing.T) {
	p := testPipeline(t)
	content := goodContent()
	content["gameloop.reward"] = ""
	res := p.Run(content)
	if res.Overall != OverallPartial {
		t.Fatalf("overall = %q, want partial: %+v", res.Overall, res.Findings)
	}
}

type panicAgent struct{}

func (panicAgent) Name() string { return "panic-check" }
func (panicAgent) Check(map[string]string) domain.Finding {
	panic("index out of range")
}

func TestAgentPanicIsContained(t *testing.T) {
	p := testPipeline(t)
	p = p.WithAgents(panicAgent{}, audienceAgent{})
	res := p.Run(goodContent())
	if len(res.Findings) != 2 {
		t.Fatalf("findings = %d, want 2", len(res.Findings))
	}
	got := res.Findings[0]
	if got.Agent != "panic-check" || got.Verdict != VerdictFail {
		t.Fatalf("panic finding = %+v", got)
	}
	if !strings.Contains(got.Message, "agent error") {
		t.Fatalf("message = %q", got.Message)
	}
	if res.Findings[1].Verdict != VerdictPass {
		t.Fatalf("surviving agent finding = %+v", res.Findings[1])
	}
	if res.Overall != OverallFail {
		t.Fatalf("overall = %q, want fail", res.Overall)
	}
}

func TestTitleTooShortBlocks(t *testing.T) {
	p := testPipeline(t)
	content := goodContent()
	content["idea.title"] = "Ty"
	res := p.Run(content)
	if res.Overall != OverallFail {
		t.Fatalf("overall = %q, want fail", res.Overall)
	}
	if res.Findings[0].Agent != "title-check" || res.Findings[0].Verdict != VerdictFail {
		t.Fatalf("title finding = %+v", res.Findings[0])
	}
}
