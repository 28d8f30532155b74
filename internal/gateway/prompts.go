package gateway

import (
	"fmt"
	"strings"

	"github.com/adcraft/api/internal/model"
)

const (
	analysisSystemPrompt = "You are a B2B marketing strategist who turns company information into concrete visual direction for LinkedIn ad images."
	promptSystemPrompt   = "You write single, self-contained image generation prompts for LinkedIn ads. Reply with the prompt text only."
	copySystemPrompt     = "You are a LinkedIn advertising expert. Reply with JSON only."

	imageSizeSuffix = "\n\nIMPORTANT: Generate image in exactly 1024x1024 pixels resolution. Ensure proper aspect ratio and high quality."

	defaultCTA = "Learn More"
)

// styleGuides describe the look each style must have in the final image.
var styleGuides = map[model.Style]string{
	model.StyleProfessional: "Professional business person on a clean, simple background. Confident professional in business attire positioned prominently, warm studio lighting, diverse representation. Background: solid white, light gray or a subtle blue gradient, no office environments. Shot on Canon 5D with 50mm lens, shallow depth of field, high contrast between person and background for text overlay.",
	model.StyleModern:       "Modern professional with tech-forward styling on a minimalist backdrop. Contemporary attire, clean lines, tech-savvy appearance. Background: solid navy blue, teal or a clean geometric pattern, no complex environments. Crisp quality, modern color scheme, mobile-optimized composition.",
	model.StyleCreative:     "Creative professional with artistic but business-appropriate styling, expressive and approachable, engaging eye contact. Background: simple vibrant color or a subtle artistic pattern, never overwhelming. Compelling lighting and rich textures on the person, minimal background.",
	model.StyleMinimalist:   "Ultra-clean portrait with maximum simplicity. Single professional, headshot or upper body, simple clothing. Background: pure white, light gray or one solid color with no patterns. Sharp focus, clean lines, lots of negative space around the person.",
	model.StyleBold:         "Confident professional with strong visual impact on a high-contrast background. Dynamic presence, strong expression, professional attire. Background: bold solid color such as deep blue or black. Energetic lighting on the person, high contrast throughout.",
}

func buildAnalysisPrompt(req model.GenerationRequest) string {
	var b strings.Builder
	b.WriteString("Analyze the following company information and provide insights for creating high-performing LinkedIn B2B ad images.\n\n")
	fmt.Fprintf(&b, "Company URL: %s\n", req.CompanyURL)
	fmt.Fprintf(&b, "Product: %s\n", req.ProductName)
	fmt.Fprintf(&b, "Business Value: %s\n", req.BusinessValue)
	fmt.Fprintf(&b, "Target Audience: %s\n", req.Audience)
	if req.BodyText != "" {
		fmt.Fprintf(&b, "Body Text: %s\n", req.BodyText)
	}
	if req.FooterText != "" {
		fmt.Fprintf(&b, "Footer Text: %s\n", req.FooterText)
	}
	b.WriteString(`
Cover:
1. Brand personality and visual tone
2. Audience persona, pain points and visual preferences
3. Key B2B messaging themes (ROI, efficiency, trust, expertise)
4. Emotional tone: lighting, expressions, atmosphere
5. Photographic direction: camera angle, composition
6. Thumb-stopping elements that keep B2B credibility

Keep it concise and actionable.`)
	return b.String()
}

func buildEnhancePrompt(in PromptInput) string {
	req := in.Request
	cta := req.FooterText
	if cta == "" {
		cta = defaultCTA
	}
	analysis := in.Analysis
	if analysis == "" {
		analysis = "Professional B2B business"
	}

	var b strings.Builder
	b.WriteString("Create an image generation prompt for a LinkedIn ad image with 1 or 2 people on a simple background and a CTA text on a high-contrast area.\n\n")
	fmt.Fprintf(&b, "Product/Service: %s\n", req.ProductName)
	fmt.Fprintf(&b, "Target Audience: %s\n", req.Audience)
	fmt.Fprintf(&b, "Business Value: %s\n", req.BusinessValue)
	fmt.Fprintf(&b, "Style: %s\n", in.Style)
	fmt.Fprintf(&b, "Company Analysis: %s\n\n", analysis)
	fmt.Fprintf(&b, "Style Guide: %s\n\n", styleGuides[in.Style])
	fmt.Fprintf(&b, `Requirements:
- Start with "Create LinkedIn Ad image of..."
- People representing %s, diverse and authentic, confident and approachable
- Simple background: solid colors or subtle gradients only, chosen to fit the %s style
- Square 1:1 format, studio lighting, sharp focus on the person
- Reserve 20-30%% of the image for text overlay with at least 4.5:1 contrast
- Must include the CTA text "%s" in a color that contrasts its background
- Visual metaphor for %s
- At most 300 words
`, req.Audience, in.Style, cta, req.BusinessValue)
	if len(in.References) > 0 {
		fmt.Fprintf(&b, "\nThe %d attached images are reference LinkedIn ads. Reuse their composition patterns, color schemes, subject positioning and background styles.\n", len(in.References))
	}
	return b.String()
}

func buildCopyPrompt(in CopyInput) string {
	req := in.Request
	analysis := in.Analysis
	if analysis == "" {
		analysis = "Professional B2B business"
	}

	var b strings.Builder
	b.WriteString("Create high-converting B2B LinkedIn ad copy using the AIDA structure.\n\n")
	fmt.Fprintf(&b, "Company Analysis: %s\n", analysis)
	fmt.Fprintf(&b, "Product/Service: %s\n", req.ProductName)
	fmt.Fprintf(&b, "Core Value: %s\n", req.BusinessValue)
	fmt.Fprintf(&b, "Target Audience: %s\n\n", req.Audience)
	b.WriteString(`Return JSON with exactly these fields:
{
  "headline": "attention-grabbing hook, max 150 chars",
  "description": "value proposition with social proof, max 600 chars",
  "cta": "action-oriented call to action, max 20 chars"
}
Return ONLY the JSON with no additional text or formatting.`)
	if req.BodyText != "" {
		fmt.Fprintf(&b, "\n\nUse this exact text as the description field: %s", req.BodyText)
	}
	if req.FooterText != "" {
		fmt.Fprintf(&b, "\n\nUse this exact text as the cta field: %s", req.FooterText)
	}
	return b.String()
}

func buildModifyPrompt(instruction string) string {
	return fmt.Sprintf(`Modify this LinkedIn advertisement image as follows: %s

Keep LinkedIn B2B ad best practices:
- 1-2 professional people as main subjects
- Simple, clean background that contrasts well with text
- High contrast area reserved for CTA text
- Square format optimized for the mobile feed
- Professional photography quality%s`, instruction, imageSizeSuffix)
}

// fallbackPrompt is the deterministic per-style prompt used without a provider.
func fallbackPrompt(req model.GenerationRequest, style model.Style) string {
	ctx := fmt.Sprintf("professional %s for %s", req.ProductName, req.Audience)
	switch style {
	case model.StyleModern:
		return "Modern business professional in contemporary attire, tech-savvy appearance, clean navy blue or teal solid background, confident pose, diverse representation, high contrast, square format. Context: " + ctx
	case model.StyleCreative:
		return "Creative professional with expressive but business-appropriate styling, simple vibrant colored background, artistic lighting, engaging eye contact, clean composition, high contrast for text. Context: " + ctx
	case model.StyleMinimalist:
		return "Single business professional headshot, simple clothing, pure white background, minimal composition, sharp focus, lots of negative space, ultra-clean design. Context: " + ctx
	case model.StyleBold:
		return "Confident business person with strong presence, bold solid color background (deep blue or black), high contrast lighting, dynamic expression, impactful composition, square format. Context: " + ctx
	default:
		return "Professional business person in suit, confident expression, studio lighting, solid white or light gray background, upper body composition, high contrast for text overlay, square format. Context: " + ctx
	}
}

// fallbackCopy is the deterministic copy used without a provider.
func fallbackCopy(req model.GenerationRequest) model.AdCopy {
	return model.AdCopy{
		Headline:    fmt.Sprintf("Transform Your Business with %s", req.ProductName),
		Description: fmt.Sprintf("Discover how %s delivers %s for %s. Join thousands of satisfied customers.", req.ProductName, req.BusinessValue, req.Audience),
		CTA:         "Book a Call",
	}
}

// extractJSON trims anything around the outermost JSON object.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start != -1 && end != -1 && end > start {
		return s[start : end+1]
	}
	return s
}

// cleanPrompt strips code fences and wrapping quotes some models add.
func cleanPrompt(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```text")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	return strings.TrimSpace(s)
}
