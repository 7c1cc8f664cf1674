// Package path drives the staged workflow a project moves through,
// from first idea to finished concept card. It is pure state logic:
// persistence and credit gating live in the engine.
package path

import (
	"fmt"
	"sort"
	"strings"

	"ideaforge/internal/config"
	"ideaforge/internal/domain"
)

// StagePrerequisiteError reports an advance attempt while required
// steps of the current stage are still open.
type StagePrerequisiteError struct {
	Stage   string
	Missing []string
}

func (e *StagePrerequisiteError) Error() string {
	return fmt.Sprintf("stage %q has incomplete required steps: %s", e.Stage, strings.Join(e.Missing, ", "))
}

// UnknownStageError reports a stage name outside the configured path.
type UnknownStageError struct {
	Stage string
}

func (e *UnknownStageError) Error() string {
	return fmt.Sprintf("unknown stage %q", e.Stage)
}

// Path evaluates stage transitions against the configured stage order
// and required steps. Methods mutate the passed project in place and
// report whether anything changed; the caller persists.
type Path struct {
	cfg *config.Config
}

func New(cfg *config.Config) Path {
	return Path{cfg: cfg}
}

// CompleteStep marks a step done. Completing an already-done step is a
// no-op, so clients can retry freely.
func (p Path) CompleteStep(project *domain.Project, step string) (changed bool) {
	for _, s := range project.CompletedSteps {
		if s == step {
			return false
		}
	}
	project.CompletedSteps = append(project.CompletedSteps, step)
	sort.Strings(project.CompletedSteps)
	return true
}

// Advance moves the project to the next stage once every required step
// of the current stage is complete. Advancing from the final stage is a
// no-op. Completed steps belong to the stage they were done in, so the
// set is cleared on entering the new stage.
func (p Path) Advance(project *domain.Project) (changed bool, err error) {
	idx := p.stageIndex(project.Stage)
	if idx < 0 {
		return false, &UnknownStageError{Stage: project.Stage}
	}
	if missing := p.Missing(project); len(missing) > 0 {
		return false, &StagePrerequisiteError{Stage: project.Stage, Missing: missing}
	}
	stages := p.cfg.StageNames()
	if idx == len(stages)-1 {
		return false, nil
	}
	project.Stage = stages[idx+1]
	project.CompletedSteps = nil
	return true, nil
}

// GoTo jumps directly to a stage. Moving backward is always allowed so
// users can revisit earlier work. Moving forward requires every stage
// before the target to be satisfied: the current stage against the
// steps done so far, and the stages past it against their own
// requirements — since the step set clears at each transition, a stage
// not yet worked in is satisfied only when it requires nothing.
func (p Path) GoTo(project *domain.Project, stage string) (changed bool, err error) {
	target := p.stageIndex(stage)
	if target < 0 {
		return false, &UnknownStageError{Stage: stage}
	}
	current := p.stageIndex(project.Stage)
	if current < 0 {
		return false, &UnknownStageError{Stage: project.Stage}
	}
	if target == current {
		return false, nil
	}
	if target > current {
		stages := p.cfg.StageNames()
		for i := current; i < target; i++ {
			var missing []string
			if i == current {
				missing = p.missingFor(project, stages[i])
			} else {
				missing = append(missing, p.cfg.RequiredSteps(stages[i])...)
			}
			if len(missing) > 0 {
				return false, &StagePrerequisiteError{Stage: stages[i], Missing: missing}
			}
		}
	}
	project.Stage = stage
	project.CompletedSteps = nil
	return true, nil
}

// Missing lists the current stage's required steps not yet complete,
// in declared order. Empty means the stage can be advanced.
func (p Path) Missing(project *domain.Project) []string {
	return p.missingFor(project, project.Stage)
}

// Complete reports whether the project sits on the final stage with
// all prior requirements satisfied.
func (p Path) Complete(project *domain.Project) bool {
	stages := p.cfg.StageNames()
	if len(stages) == 0 {
		return false
	}
	return project.Stage == stages[len(stages)-1]
}

func (p Path) missingFor(project *domain.Project, stage string) []string {
	done := make(map[string]bool, len(project.CompletedSteps))
	for _, s := range project.CompletedSteps {
		done[s] = true
	}
	var missing []string
	for _, step := range p.cfg.RequiredSteps(stage) {
		if !done[step] {
			missing = append(missing, step)
		}
	}
	return missing
}

func (p Path) stageIndex(stage string) int {
	for i, name := range p.cfg.StageNames() {
		if name == stage {
			return i
		}
	}
	return -1
}
