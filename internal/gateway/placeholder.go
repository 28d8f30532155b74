package gateway

import (
	"context"
	"fmt"
	"net/url"

	"github.com/google/uuid"

	"github.com/adcraft/api/internal/model"
)

const placeholderBaseURL = "https://placeholdit.com/1024x1024/f3f4f6/6b7280"

// PlaceholderGateway produces deterministic output without calling any
// provider. It is used when no API key is configured.
type PlaceholderGateway struct{}

func NewPlaceholderGateway() *PlaceholderGateway {
	return &PlaceholderGateway{}
}

func (PlaceholderGateway) Analyze(ctx context.Context, req model.GenerationRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", Classify("analyze", err)
	}
	return fmt.Sprintf("Professional business analysis for %s targeting %s", req.ProductName, req.Audience), nil
}

func (PlaceholderGateway) EnhancePrompt(ctx context.Context, in PromptInput) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", Classify("enhance_prompt", err)
	}
	return fallbackPrompt(in.Request, in.Style), nil
}

func (PlaceholderGateway) GenerateCopy(ctx context.Context, in CopyInput) (model.AdCopy, error) {
	if err := ctx.Err(); err != nil {
		return model.AdCopy{}, Classify("generate_copy", err)
	}
	adCopy := fallbackCopy(in.Request)
	if in.Request.BodyText != "" {
		adCopy.Description = in.Request.BodyText
	}
	if in.Request.FooterText != "" {
		adCopy.CTA = in.Request.FooterText
	}
	return adCopy, nil
}

func (PlaceholderGateway) GenerateImage(ctx context.Context, in ImageInput) (ImageResult, error) {
	if err := ctx.Err(); err != nil {
		return ImageResult{}, Classify("generate_image", err)
	}
	return ImageResult{URL: placeholderURL(in.Style.Title(), in.ImageID)}, nil
}

func (PlaceholderGateway) ModifyImage(ctx context.Context, in ModifyInput) (ImageResult, error) {
	if err := ctx.Err(); err != nil {
		return ImageResult{}, Classify("modify_image", err)
	}
	u := placeholderURL("Modified "+in.Image.Style.Title(), in.Image.ID)
	// every modification is a new image
	u += "&rev=" + shortID(uuid.New().String())
	return ImageResult{URL: u}, nil
}

func placeholderURL(text, id string) string {
	q := url.Values{}
	q.Set("text", text)
	if id != "" {
		q.Set("id", shortID(id))
	}
	return placeholderBaseURL + "?" + q.Encode()
}
