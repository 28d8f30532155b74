package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/adcraft/api/internal/gateway"
	"github.com/adcraft/api/internal/model"
	"github.com/adcraft/api/internal/store"
)

// ErrRunNotCompleted is returned when modifying an image of a run that did
// not finish successfully.
var ErrRunNotCompleted = errors.New("run is not completed")

// ModifyResult is the outcome of a successful image modification.
type ModifyResult struct {
	RunID    string
	Image    model.GeneratedImage
	Previous model.GeneratedImage
}

// Modify edits one stored image and replaces it in place under the same ID.
// On any failure the stored run is left untouched.
func (o *Orchestrator) Modify(ctx context.Context, req model.ModifyRequest) (*ModifyResult, error) {
	if err := validationError(o.validate.Struct(&req)); err != nil {
		return nil, err
	}

	runID, prev, err := o.store.FindImage(req.ImageReference)
	if err != nil {
		return nil, err
	}
	run, err := o.store.Get(runID)
	if err != nil {
		return nil, err
	}
	if run.Status != model.RunStatusCompleted {
		return nil, fmt.Errorf("run %s: %w", runID, ErrRunNotCompleted)
	}

	res, err := o.gateway.ModifyImage(ctx, gateway.ModifyInput{
		Image:       prev,
		Instruction: req.ModificationInstruction,
	})
	if err != nil {
		return nil, gateway.Classify("modify_image", err)
	}

	next := model.GeneratedImage{
		ID:                  prev.ID,
		URL:                 res.URL,
		Style:               prev.Style,
		PromptUsed:          req.ModificationInstruction,
		GenerationTimestamp: o.now(),
		RunID:               runID,
		StorageKey:          res.StorageKey,
	}
	if err := o.store.ReplaceImage(runID, prev.ID, next); err != nil {
		o.discard(ctx, res.StorageKey)
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to replace image: %w", err)
	}

	o.logger.Info("image modified", "run_id", runID, "image_id", prev.ID, "style", prev.Style)
	return &ModifyResult{RunID: runID, Image: next, Previous: prev}, nil
}
