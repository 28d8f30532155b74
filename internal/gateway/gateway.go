// Package gateway is the single seam between the pipeline and external
// generation providers.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/adcraft/api/internal/client"
	"github.com/adcraft/api/internal/model"
)

// Reason classifies a provider failure.
type Reason string

const (
	ReasonTimeout         Reason = "timeout"
	ReasonRateLimited     Reason = "rate_limited"
	ReasonInvalidResponse Reason = "invalid_response"
	ReasonUpstream        Reason = "upstream_error"
)

// Error is returned by every Gateway call that fails.
type Error struct {
	Op     string
	Reason Reason
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ReasonOf returns the failure class of err, or "" when err is not a gateway error.
func ReasonOf(err error) Reason {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Reason
	}
	return ""
}

// Classify wraps err in an *Error. Errors that already are gateway errors pass
// through unchanged.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return err
	}

	reason := ReasonUpstream
	var apiErr *client.APIError
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		reason = ReasonTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		reason = ReasonTimeout
	case errors.As(err, &apiErr):
		switch apiErr.StatusCode {
		case 429:
			reason = ReasonRateLimited
		case 408, 504:
			reason = ReasonTimeout
		}
	case errors.Is(err, client.ErrInvalidResponse):
		reason = ReasonInvalidResponse
	}
	return &Error{Op: op, Reason: reason, Err: err}
}

// PromptInput is what prompt enhancement needs for one style.
type PromptInput struct {
	Request    model.GenerationRequest
	Analysis   string
	Style      model.Style
	References []model.ReferenceAsset
}

// CopyInput drives ad copy synthesis.
type CopyInput struct {
	Request  model.GenerationRequest
	Analysis string
}

// ImageInput describes one image to render.
type ImageInput struct {
	RunID   string
	ImageID string
	Style   model.Style
	Prompt  string
}

// ModifyInput asks for an edit of an existing image.
type ModifyInput struct {
	Image       model.GeneratedImage
	Instruction string
}

// ImageResult locates a produced image.
type ImageResult struct {
	URL        string
	StorageKey string
}

// Gateway abstracts analysis, prompt enhancement, copy and image providers.
// Each call is a single attempt.
type Gateway interface {
	Analyze(ctx context.Context, req model.GenerationRequest) (string, error)
	EnhancePrompt(ctx context.Context, in PromptInput) (string, error)
	GenerateCopy(ctx context.Context, in CopyInput) (model.AdCopy, error)
	GenerateImage(ctx context.Context, in ImageInput) (ImageResult, error)
	ModifyImage(ctx context.Context, in ModifyInput) (ImageResult, error)
}
