package model

import "time"

// GenerationRequest is the submitted company description form.
type GenerationRequest struct {
	CompanyURL    string `json:"company_url" validate:"required,url"`
	ProductName   string `json:"product_name" validate:"required,max=200"`
	BusinessValue string `json:"business_value" validate:"required,max=1000"`
	Audience      string `json:"audience" validate:"required,max=500"`
	BodyText      string `json:"body_text,omitempty" validate:"omitempty,max=2000"`
	FooterText    string `json:"footer_text,omitempty" validate:"omitempty,max=200"`
}

// AdCopy is the text accompanying the images of one run.
type AdCopy struct {
	Headline    string `json:"headline"`
	Description string `json:"description"`
	CTA         string `json:"cta"`
}

// GeneratedImage is one produced image. ID is stable across modification.
type GeneratedImage struct {
	ID                  string    `json:"id"`
	URL                 string    `json:"url"`
	Style               Style     `json:"style"`
	PromptUsed          string    `json:"prompt_used"`
	GenerationTimestamp time.Time `json:"generation_timestamp"`
	RunID               string    `json:"run_id"`

	// StorageKey locates the bytes in object storage; empty for remote URLs.
	StorageKey string `json:"-"`
}

// ReferenceAsset is an example creative used as visual guidance.
type ReferenceAsset struct {
	Name     string `json:"name"`
	Category string `json:"category"`
	MimeType string `json:"mime_type"`
	Data     []byte `json:"-"`
}

// ModifyRequest asks for an edit of a previously generated image.
type ModifyRequest struct {
	ImageReference          string `json:"image_reference" validate:"required"`
	ModificationInstruction string `json:"modification_instruction" validate:"required,max=2000"`
}

// GenerateResponse is the one-shot result payload.
type GenerateResponse struct {
	RunID           string           `json:"run_id"`
	Status          RunStatus        `json:"status"`
	Images          []GeneratedImage `json:"images"`
	EnhancedPrompts []string         `json:"enhanced_prompts"`
	AdCopy          *AdCopy          `json:"ad_copy,omitempty"`
	Message         string           `json:"message"`
}

// StartResponse is returned when a run is started in the background.
type StartResponse struct {
	RunID     string `json:"run_id"`
	Status    string `json:"status"`
	StreamURL string `json:"stream_url"`
}

// ModifyResponse wraps the replacement image.
type ModifyResponse struct {
	RunID string          `json:"run_id"`
	Image *GeneratedImage `json:"image"`
}

// StylesResponse is the static style listing.
type StylesResponse struct {
	Styles       []Style          `json:"styles"`
	Descriptions map[Style]string `json:"descriptions"`
}

// DeleteResponse confirms a run removal.
type DeleteResponse struct {
	RunID   string `json:"run_id"`
	Message string `json:"message"`
}
