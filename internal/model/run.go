package model

import "time"

// Run is the record of one pipeline execution. The orchestrator owns a Run
// until it is terminal; after that it is only read through copies.
type Run struct {
	ID              string            `json:"run_id"`
	Request         GenerationRequest `json:"original_request"`
	Status          RunStatus         `json:"status"`
	Stage           Stage             `json:"stage"`
	EnhancedPrompts []string          `json:"enhanced_prompts,omitempty"`
	AdCopy          *AdCopy           `json:"ad_copy,omitempty"`
	Images          []GeneratedImage  `json:"images"`
	Error           string            `json:"error,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`

	// Events is the ordered log of everything emitted for the run.
	Events []Event `json:"-"`
}

// Clone returns a deep copy safe to hand to another goroutine.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	c := *r
	if r.EnhancedPrompts != nil {
		c.EnhancedPrompts = append([]string(nil), r.EnhancedPrompts...)
	}
	if r.AdCopy != nil {
		cp := *r.AdCopy
		c.AdCopy = &cp
	}
	if r.Images != nil {
		c.Images = append([]GeneratedImage(nil), r.Images...)
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	if r.Events != nil {
		c.Events = append([]Event(nil), r.Events...)
	}
	return &c
}

// ImageByRef finds an image by ID or URL.
func (r *Run) ImageByRef(ref string) (GeneratedImage, int, bool) {
	for i, img := range r.Images {
		if img.ID == ref || (img.URL != "" && img.URL == ref) {
			return img, i, true
		}
	}
	return GeneratedImage{}, -1, false
}
