package model

// Style is one of the fixed ad image styles.
type Style string

const (
	StyleProfessional Style = "professional"
	StyleModern       Style = "modern"
	StyleCreative     Style = "creative"
	StyleMinimalist   Style = "minimalist"
	StyleBold         Style = "bold"
)

// ValidStyles is the fixed, ordered style set every run produces.
var ValidStyles = []Style{
	StyleProfessional, StyleModern, StyleCreative, StyleMinimalist, StyleBold,
}

// StyleDescriptions are the short labels shown by the styles listing.
var StyleDescriptions = map[Style]string{
	StyleProfessional: "Clean, corporate, and trustworthy design",
	StyleModern:       "Contemporary, sleek, and minimalist",
	StyleCreative:     "Artistic, unique, and eye-catching",
	StyleMinimalist:   "Simple, clean, and focused",
	StyleBold:         "Strong, vibrant, and attention-grabbing",
}

// Title returns the style name with a leading capital.
func (s Style) Title() string {
	if s == "" {
		return ""
	}
	b := []byte(s)
	if b[0] >= 'a' && b[0] <= 'z' {
		b[0] -= 'a' - 'A'
	}
	return string(b)
}

// Stage is a pipeline state.
type Stage string

const (
	StageCompanyAnalysis   Stage = "company_analysis"
	StageLoadingReferences Stage = "loading_references"
	StagePromptEnhancement Stage = "prompt_enhancement"
	StageCopyGeneration    Stage = "copy_generation"
	StageImageGeneration   Stage = "image_generation"
	StageCompleted         Stage = "completed"
	StageFailed            Stage = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// RunStatus is the coarse lifecycle of a run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)
