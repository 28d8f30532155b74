package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/adcraft/api/internal/config"
)

// ErrInvalidResponse marks a 2xx reply whose body could not be used.
var ErrInvalidResponse = errors.New("invalid response")

// APIError is a non-2xx reply from the provider.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("openai API error (status %d): %s", e.StatusCode, e.Body)
}

// OpenAIClient handles communication with an OpenAI-compatible API
type OpenAIClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	textModel  string
	imageModel string
	imageSize  string
}

// ContentPart is one element of a multi-part chat message.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL string `json:"url"`
}

// TextPart builds a text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: "text", Text: text}
}

// ImagePart builds an inline image content part from raw bytes.
func ImagePart(mimeType string, data []byte) ContentPart {
	return ContentPart{
		Type: "image_url",
		ImageURL: &ImageURL{
			URL: "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data),
		},
	}
}

// ChatMessage represents a message in the chat completion request.
// Content is either a string or a []ContentPart.
type ChatMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

type ChatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type ChatCompletionResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

type ImageGenerationRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n"`
	Size           string `json:"size,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"`
}

type ImageResponse struct {
	Created int64 `json:"created"`
	Data    []struct {
		B64JSON       string `json:"b64_json"`
		URL           string `json:"url"`
		RevisedPrompt string `json:"revised_prompt"`
	} `json:"data"`
}

// ImageData is a decoded image result. Either Bytes or URL is set.
type ImageData struct {
	Bytes         []byte
	URL           string
	RevisedPrompt string
}

// NewOpenAIClient creates a new OpenAI API client
func NewOpenAIClient(cfg *config.OpenAIConfig) *OpenAIClient {
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 180 * time.Second
	}
	return &OpenAIClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		textModel:  cfg.TextModel,
		imageModel: cfg.ImageModel,
		imageSize:  cfg.ImageSize,
	}
}

// ChatCompletion sends a system prompt plus a multi-part user message and
// returns the first choice's text.
func (c *OpenAIClient) ChatCompletion(ctx context.Context, system string, user []ContentPart) (string, error) {
	messages := []ChatMessage{{Role: "user", Content: user}}
	if system != "" {
		messages = append([]ChatMessage{{Role: "system", Content: system}}, messages...)
	}

	reqBody := ChatCompletionRequest{
		Model:       c.textModel,
		Messages:    messages,
		Temperature: 0.7,
		MaxTokens:   1500,
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	respBody, err := c.do(ctx, "/chat/completions", "application/json", bytes.NewReader(bodyBytes))
	if err != nil {
		return "", err
	}

	var chatResp ChatCompletionResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", fmt.Errorf("%w: failed to unmarshal chat response: %v", ErrInvalidResponse, err)
	}
	if len(chatResp.Choices) == 0 || strings.TrimSpace(chatResp.Choices[0].Message.Content) == "" {
		return "", fmt.Errorf("%w: no choices in response", ErrInvalidResponse)
	}

	return chatResp.Choices[0].Message.Content, nil
}

// GenerateImage creates one image from a text prompt.
func (c *OpenAIClient) GenerateImage(ctx context.Context, prompt string) (*ImageData, error) {
	reqBody := ImageGenerationRequest{
		Model:  c.imageModel,
		Prompt: prompt,
		N:      1,
		Size:   c.imageSize,
	}
	// gpt-image models always return base64 and reject response_format
	if strings.HasPrefix(c.imageModel, "dall-e") {
		reqBody.ResponseFormat = "b64_json"
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	respBody, err := c.do(ctx, "/images/generations", "application/json", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, err
	}
	return parseImageResponse(respBody)
}

// EditImage sends an existing image plus an instruction to the edits endpoint.
func (c *OpenAIClient) EditImage(ctx context.Context, image []byte, filename, prompt string) (*ImageData, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := [][2]string{
		{"model", c.imageModel},
		{"prompt", prompt},
		{"n", "1"},
		{"size", c.imageSize},
	}
	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, fmt.Errorf("failed to write form field: %w", err)
		}
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename="%s"`, filename))
	h.Set("Content-Type", "image/png")
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return nil, fmt.Errorf("failed to write image: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close form: %w", err)
	}

	respBody, err := c.do(ctx, "/images/edits", w.FormDataContentType(), &buf)
	if err != nil {
		return nil, err
	}
	return parseImageResponse(respBody)
}

// IsConfigured returns true if the client has valid configuration
func (c *OpenAIClient) IsConfigured() bool {
	return c != nil && c.apiKey != ""
}

func (c *OpenAIClient) do(ctx context.Context, path, contentType string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: truncate(string(respBody), 512)}
	}
	return respBody, nil
}

func parseImageResponse(body []byte) (*ImageData, error) {
	var imgResp ImageResponse
	if err := json.Unmarshal(body, &imgResp); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal image response: %v", ErrInvalidResponse, err)
	}
	if len(imgResp.Data) == 0 {
		return nil, fmt.Errorf("%w: no image data in response", ErrInvalidResponse)
	}

	d := imgResp.Data[0]
	out := &ImageData{URL: d.URL, RevisedPrompt: d.RevisedPrompt}
	if d.B64JSON != "" {
		raw, err := base64.StdEncoding.DecodeString(d.B64JSON)
		if err != nil {
			return nil, fmt.Errorf("%w: bad base64 image: %v", ErrInvalidResponse, err)
		}
		out.Bytes = raw
	}
	if len(out.Bytes) == 0 && out.URL == "" {
		return nil, fmt.Errorf("%w: image has neither data nor url", ErrInvalidResponse)
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
