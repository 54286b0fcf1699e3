package scanning

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultGeminiModel   = "gemini-1.5-flash-latest"
)

// GeminiConfig configures the Gemini REST extractor
type GeminiConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
	Logger  *slog.Logger
}

// Gemini implements StructuredExtractor against the Gemini generateContent REST endpoint
type Gemini struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
	logger  *slog.Logger
}

// NewGemini creates a Gemini REST extractor. A missing API key is not an error
// here; every call fails with ErrExtractionUnavailable instead.
func NewGemini(cfg GeminiConfig) *Gemini {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultGeminiBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultGeminiModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Gemini{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  cfg.Logger,
	}
}

type geminiRequest struct {
	Contents         []geminiContent        `json:"contents"`
	GenerationConfig geminiGenerationConfig `json:"generationConfig"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiGenerationConfig struct {
	Temperature     float64 `json:"temperature"`
	TopK            int     `json:"topK"`
	TopP            float64 `json:"topP"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// AnalyzeImage sends the prompt and the inlined image to Gemini
func (g *Gemini) AnalyzeImage(ctx context.Context, imageData []byte, mimeType string) (string, error) {
	if g.apiKey == "" {
		return "", ErrExtractionUnavailable
	}

	finalImageData, finalMimeType, err := prepareImageData(imageData, mimeType)
	if err != nil {
		return "", err
	}

	return g.generate(ctx, []geminiPart{
		{Text: receiptScanPrompt},
		{InlineData: &geminiInlineData{
			MimeType: finalMimeType,
			Data:     base64.StdEncoding.EncodeToString(finalImageData),
		}},
	})
}

// AnalyzeText sends OCR text with the text prompt to Gemini
func (g *Gemini) AnalyzeText(ctx context.Context, receiptText string) (string, error) {
	if g.apiKey == "" {
		return "", ErrExtractionUnavailable
	}
	return g.generate(ctx, []geminiPart{{Text: receiptTextPrompt(receiptText)}})
}

func (g *Gemini) generate(ctx context.Context, parts []geminiPart) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	reqBody := geminiRequest{
		Contents: []geminiContent{{Parts: parts}},
		GenerationConfig: geminiGenerationConfig{
			Temperature:     generationTemperature,
			TopK:            generationTopK,
			TopP:            generationTopP,
			MaxOutputTokens: generationMaxTokens,
		},
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent", g.baseURL, g.model)
	headers := map[string]string{"x-goog-api-key": g.apiKey}
	raw, status, err := postJSON(ctx, g.client, endpoint, headers, reqBody, g.logger, "gemini")
	if err != nil {
		return "", err
	}
	if status/100 != 2 {
		g.logger.Error("Gemini API error", "status", status, "body", truncate(string(raw), 512))
		return "", &ExtractionAPIError{Provider: "gemini", StatusCode: status, Body: string(raw)}
	}

	var resp geminiResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		g.logger.Warn("Unexpected Gemini response envelope", "error", err)
		return "", nil
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", nil
	}

	return resp.Candidates[0].Content.Parts[0].Text, nil
}

// Close is a no-op for the HTTP client
func (g *Gemini) Close() error {
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
