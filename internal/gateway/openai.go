package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/adcraft/api/internal/client"
	"github.com/adcraft/api/internal/model"
)

const maxSourceImageBytes = 25 << 20

// OpenAIGateway implements Gateway on an OpenAI-compatible API. Image bytes
// returned by the provider are persisted through storage.
type OpenAIGateway struct {
	client     *client.OpenAIClient
	storage    client.StorageClient
	httpClient *http.Client
	now        func() time.Time
}

// NewOpenAIGateway creates a gateway backed by c and storage.
func NewOpenAIGateway(c *client.OpenAIClient, storage client.StorageClient) *OpenAIGateway {
	return &OpenAIGateway{
		client:     c,
		storage:    storage,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		now:        time.Now,
	}
}

func (g *OpenAIGateway) Analyze(ctx context.Context, req model.GenerationRequest) (string, error) {
	out, err := g.client.ChatCompletion(ctx, analysisSystemPrompt, []client.ContentPart{
		client.TextPart(buildAnalysisPrompt(req)),
	})
	if err != nil {
		return "", Classify("analyze", err)
	}
	return strings.TrimSpace(out), nil
}

func (g *OpenAIGateway) EnhancePrompt(ctx context.Context, in PromptInput) (string, error) {
	parts := []client.ContentPart{client.TextPart(buildEnhancePrompt(in))}
	for _, ref := range in.References {
		parts = append(parts, client.ImagePart(ref.MimeType, ref.Data))
	}

	out, err := g.client.ChatCompletion(ctx, promptSystemPrompt, parts)
	if err != nil {
		return "", Classify("enhance_prompt", err)
	}
	prompt := cleanPrompt(out)
	if prompt == "" {
		return "", &Error{Op: "enhance_prompt", Reason: ReasonInvalidResponse, Err: fmt.Errorf("empty prompt")}
	}
	return prompt, nil
}

func (g *OpenAIGateway) GenerateCopy(ctx context.Context, in CopyInput) (model.AdCopy, error) {
	out, err := g.client.ChatCompletion(ctx, copySystemPrompt, []client.ContentPart{
		client.TextPart(buildCopyPrompt(in)),
	})
	if err != nil {
		return model.AdCopy{}, Classify("generate_copy", err)
	}

	var adCopy model.AdCopy
	if err := json.Unmarshal([]byte(extractJSON(out)), &adCopy); err != nil {
		return model.AdCopy{}, &Error{Op: "generate_copy", Reason: ReasonInvalidResponse, Err: fmt.Errorf("failed to parse copy JSON: %w", err)}
	}
	if strings.TrimSpace(adCopy.Headline) == "" || strings.TrimSpace(adCopy.Description) == "" {
		return model.AdCopy{}, &Error{Op: "generate_copy", Reason: ReasonInvalidResponse, Err: fmt.Errorf("copy is missing headline or description")}
	}
	if adCopy.CTA == "" {
		adCopy.CTA = defaultCTA
	}
	return adCopy, nil
}

func (g *OpenAIGateway) GenerateImage(ctx context.Context, in ImageInput) (ImageResult, error) {
	img, err := g.client.GenerateImage(ctx, in.Prompt+imageSizeSuffix)
	if err != nil {
		return ImageResult{}, Classify("generate_image", err)
	}

	key := fmt.Sprintf("runs/%s/%s_%s.png", in.RunID, in.Style, shortID(in.ImageID))
	res, err := g.persist(ctx, key, img)
	if err != nil {
		return ImageResult{}, Classify("generate_image", err)
	}
	return res, nil
}

func (g *OpenAIGateway) ModifyImage(ctx context.Context, in ModifyInput) (ImageResult, error) {
	src, err := g.source(ctx, in.Image)
	if err != nil {
		return ImageResult{}, Classify("modify_image", err)
	}

	img, err := g.client.EditImage(ctx, src, "source.png", buildModifyPrompt(in.Instruction))
	if err != nil {
		return ImageResult{}, Classify("modify_image", err)
	}

	key := fmt.Sprintf("runs/%s/modified_%s_%d.png", in.Image.RunID, shortID(in.Image.ID), g.now().Unix())
	res, err := g.persist(ctx, key, img)
	if err != nil {
		return ImageResult{}, Classify("modify_image", err)
	}
	return res, nil
}

// persist uploads returned bytes; provider-hosted URLs are used as is.
func (g *OpenAIGateway) persist(ctx context.Context, key string, img *client.ImageData) (ImageResult, error) {
	if len(img.Bytes) == 0 {
		return ImageResult{URL: img.URL}, nil
	}
	if g.storage == nil {
		return ImageResult{}, fmt.Errorf("no storage configured for image bytes")
	}
	url, err := g.storage.Upload(ctx, key, bytes.NewReader(img.Bytes), "image/png")
	if err != nil {
		return ImageResult{}, err
	}
	slog.Debug("stored generated image", "key", key, "bytes", len(img.Bytes))
	return ImageResult{URL: url, StorageKey: key}, nil
}

// source fetches the bytes of an existing image, from storage when the key is
// known and over HTTP otherwise.
func (g *OpenAIGateway) source(ctx context.Context, img model.GeneratedImage) ([]byte, error) {
	var rc io.ReadCloser
	if img.StorageKey != "" && g.storage != nil {
		r, err := g.storage.Open(ctx, img.StorageKey)
		if err != nil {
			return nil, err
		}
		rc = r
	} else {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, img.URL, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		resp, err := g.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to download source image: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, &client.APIError{StatusCode: resp.StatusCode, Body: "source image download failed"}
		}
		rc = resp.Body
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, maxSourceImageBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read source image: %w", err)
	}
	return data, nil
}

func shortID(id string) string {
	if id == "" {
		id = uuid.New().String()
	}
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
