package scanning

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GeminiSDK implements StructuredExtractor using the Google generative AI client library
type GeminiSDK struct {
	client  *genai.Client
	model   *genai.GenerativeModel
	timeout time.Duration
}

// NewGeminiSDK creates a new GeminiSDK extractor. Without an API key the
// extractor is still returned and every call fails with ErrExtractionUnavailable.
// The key travels in the x-goog-api-key header rather than the URL query.
func NewGeminiSDK(ctx context.Context, apiKey string, modelName string, timeout time.Duration, opts ...option.ClientOption) (*GeminiSDK, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if apiKey == "" {
		return &GeminiSDK{timeout: timeout}, nil
	}
	if modelName == "" {
		modelName = defaultGeminiModel
	}

	httpClient := &http.Client{Transport: &apiKeyTransport{key: apiKey, base: http.DefaultTransport}}
	client, err := genai.NewClient(ctx, append([]option.ClientOption{option.WithHTTPClient(httpClient)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)
	model.SetTemperature(generationTemperature)
	model.SetTopK(generationTopK)
	model.SetTopP(generationTopP)
	model.SetMaxOutputTokens(generationMaxTokens)

	return &GeminiSDK{
		client:  client,
		model:   model,
		timeout: timeout,
	}, nil
}

// AnalyzeImage sends the prompt and the image blob to Gemini
func (g *GeminiSDK) AnalyzeImage(ctx context.Context, imageData []byte, mimeType string) (string, error) {
	if g.model == nil {
		return "", ErrExtractionUnavailable
	}

	finalImageData, finalMimeType, err := prepareImageData(imageData, mimeType)
	if err != nil {
		return "", err
	}

	return g.generate(ctx,
		genai.Text(receiptScanPrompt),
		genai.Blob{MIMEType: finalMimeType, Data: finalImageData},
	)
}

// AnalyzeText sends OCR text with the text prompt to Gemini
func (g *GeminiSDK) AnalyzeText(ctx context.Context, receiptText string) (string, error) {
	if g.model == nil {
		return "", ErrExtractionUnavailable
	}
	return g.generate(ctx, genai.Text(receiptTextPrompt(receiptText)))
}

func (g *GeminiSDK) generate(ctx context.Context, parts ...genai.Part) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	status := &callStatus{}
	ctx = context.WithValue(ctx, callStatusKey{}, status)

	resp, err := g.model.GenerateContent(ctx, parts...)
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) {
			return "", &ExtractionAPIError{Provider: "gemini", StatusCode: apiErr.Code, Body: apiErr.Message}
		}
		// The client retries 503s until the deadline, which replaces the status with a context error
		if code := status.last(); code >= http.StatusBadRequest {
			return "", &ExtractionAPIError{Provider: "gemini", StatusCode: code, Body: err.Error()}
		}
		return "", fmt.Errorf("generating content: %w", err)
	}

	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", nil
	}

	// Only the first fragment is used, matching the REST extractor
	if text, ok := resp.Candidates[0].Content.Parts[0].(genai.Text); ok {
		return string(text), nil
	}
	return "", nil
}

// Close closes the Gemini client
func (g *GeminiSDK) Close() error {
	if g.client == nil {
		return nil
	}
	return g.client.Close()
}

type callStatusKey struct{}

// callStatus holds the most recent HTTP status seen during one GenerateContent call
type callStatus struct {
	code atomic.Int32
}

func (s *callStatus) last() int {
	return int(s.code.Load())
}
