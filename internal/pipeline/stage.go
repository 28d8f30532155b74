package pipeline

import (
	"fmt"

	"github.com/adcraft/api/internal/model"
)

// allowedTransitions is the forward-only stage graph. Every non-terminal
// stage may also fail.
var allowedTransitions = map[model.Stage][]model.Stage{
	"":                            {model.StageCompanyAnalysis},
	model.StageCompanyAnalysis:   {model.StageLoadingReferences, model.StageFailed},
	model.StageLoadingReferences: {model.StagePromptEnhancement, model.StageFailed},
	model.StagePromptEnhancement: {model.StageCopyGeneration, model.StageFailed},
	model.StageCopyGeneration:    {model.StageImageGeneration, model.StageFailed},
	model.StageImageGeneration:   {model.StageCompleted, model.StageFailed},
}

// stageMessages are the progress texts announced on entering a stage.
var stageMessages = map[model.Stage]string{
	model.StageCompanyAnalysis:   "Analyzing company information",
	model.StageLoadingReferences: "Loading reference images",
	model.StagePromptEnhancement: "Creating enhanced prompts for each style",
	model.StageCopyGeneration:    "Generating ad copy",
	model.StageImageGeneration:   "Generating images",
}

func canTransition(from, to model.Stage) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// transitionError reports an illegal stage move. It indicates a programming
// error in the orchestrator, never a provider failure.
type transitionError struct {
	from, to model.Stage
}

func (e *transitionError) Error() string {
	return fmt.Sprintf("illegal stage transition %q -> %q", e.from, e.to)
}
