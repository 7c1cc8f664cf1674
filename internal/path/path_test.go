package path

import (
	"errors"
	"reflect"
	"testing"

	"ideaforge/internal/config"
	"ideaforge/internal/domain"
)

func newProject(stage string, steps ...string) *domain.Project {
	return &domain.Project{ID: "p1", Stage: stage, CompletedSteps: steps}
}

func TestCompleteStepIdempotent(t *testing.T) {
	p := New(config.Default())
	project := newProject("idea")
	if !p.CompleteStep(project, "idea.pitch") {
		t.Fatal("first completion should change the project")
	}
	if p.CompleteStep(project, "idea.pitch") {
		t.Fatal("second completion should be a no-op")
	}
	if got := project.CompletedSteps; !reflect.DeepEqual(got, []string{"idea.pitch"}) {
		t.Fatalf("completed steps = %v", got)
	}
}

func TestAdvanceRequiresSteps(t *testing.T) {
	p := New(config.Default())
	project := newProject("idea", "idea.pitch")
	_, err := p.Advance(project)
	var prereq *StagePrerequisiteError
	if !errors.As(err, &prereq) {
		t.Fatalf("err = %v, want StagePrerequisiteError", err)
	}
	if prereq.Stage != "idea" {
		t.Fatalf("stage = %q", prereq.Stage)
	}
	if !reflect.DeepEqual(prereq.Missing, []string{"idea.audience"}) {
		t.Fatalf("missing = %v", prereq.Missing)
	}
	if project.Stage != "idea" {
		t.Fatalf("stage changed to %q on failed advance", project.Stage)
	}
}

func TestAdvanceMovesToNextStage(t *testing.T) {
	p := New(config.Default())
	project := newProject("idea", "idea.pitch", "idea.audience")
	changed, err := p.Advance(project)
	if err != nil || !changed {
		t.Fatalf("advance: changed=%v err=%v", changed, err)
	}
	if project.Stage != "ikigai" {
		t.Fatalf("stage = %q, want ikigai", project.Stage)
	}
	if len(project.CompletedSteps) != 0 {
		t.Fatalf("steps carried into new stage: %v", project.CompletedSteps)
	}
}

func TestAdvanceFromFinalStageIsNoop(t *testing.T) {
	p := New(config.Default())
	project := newProject("card")
	changed, err := p.Advance(project)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if changed {
		t.Fatal("final stage advance should not change anything")
	}
	if project.Stage != "card" {
		t.Fatalf("stage = %q", project.Stage)
	}
}

func TestGoToBackwardAlwaysAllowed(t *testing.T) {
	p := New(config.Default())
	project := newProject("sparks", "idea.pitch")
	changed, err := p.GoTo(project, "idea")
	if err != nil || !changed {
		t.Fatalf("goto: changed=%v err=%v", changed, err)
	}
	if project.Stage != "idea" {
		t.Fatalf("stage = %q", project.Stage)
	}
}

func TestGoToForwardChecksEveryStageBetween(t *testing.T) {
	p := New(config.Default())
	project := newProject("idea", "idea.pitch", "idea.audience")
	_, err := p.GoTo(project, "sparks")
	var prereq *StagePrerequisiteError
	if !errors.As(err, &prereq) {
		t.Fatalf("err = %v, want StagePrerequisiteError", err)
	}
	if prereq.Stage != "ikigai" {
		t.Fatalf("blocking stage = %q, want ikigai", prereq.Stage)
	}
}

func TestGoToForwardOneStage(t *testing.T) {
	p := New(config.Default())
	project := newProject("idea", "idea.pitch", "idea.audience")
	changed, err := p.GoTo(project, "ikigai")
	if err != nil || !changed {
		t.Fatalf("goto: changed=%v err=%v", changed, err)
	}
	if project.Stage != "ikigai" {
		t.Fatalf("stage = %q", project.Stage)
	}
	if len(project.CompletedSteps) != 0 {
		t.Fatalf("steps carried into new stage: %v", project.CompletedSteps)
	}
}

func TestGoToResetsCompletedSteps(t *testing.T) {
	p := New(config.Default())
	project := newProject("sparks", "sparks.picked")
	changed, err := p.GoTo(project, "idea")
	if err != nil || !changed {
		t.Fatalf("goto: changed=%v err=%v", changed, err)
	}
	if len(project.CompletedSteps) != 0 {
		t.Fatalf("steps from sparks survived the jump: %v", project.CompletedSteps)
	}
}

func TestGoToUnknownStage(t *testing.T) {
	p := New(config.Default())
	project := newProject("idea")
	_, err := p.GoTo(project, "polish")
	var unknown *UnknownStageError
	if !errors.As(err, &unknown) {
		t.Fatalf("err = %v, want UnknownStageError", err)
	}
}

func TestComplete(t *testing.T) {
	p := New(config.Default())
	if p.Complete(newProject("gameloop")) {
		t.Fatal("gameloop is not the final stage")
	}
	if !p.Complete(newProject("card")) {
		t.Fatal("card is the final stage")
	}
}
