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

// Ollama implements the StructuredExtractor interface using a local Ollama server
type Ollama struct {
	baseURL string
	model   string
	client  *http.Client
	logger  *slog.Logger
}

// NewOllama creates a new Ollama extractor instance
// Recommended vision models for receipts:
//   - llava:1.6 (best balance of accuracy and speed)
//   - qwen2-vl:7b (good OCR capabilities)
//   - llava-phi3 (smaller, faster, but less accurate)
func NewOllama(baseURL string, modelName string, timeout time.Duration, logger *slog.Logger) *Ollama {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if modelName == "" {
		modelName = "llava"
	}
	if timeout <= 0 {
		timeout = 120 * time.Second // vision models are slow on local hardware
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Ollama{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   modelName,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// ollamaChatRequest represents the request body for Ollama's chat API
type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  ollamaOptions   `json:"options"`
}

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	TopK        int     `json:"top_k"`
	TopP        float64 `json:"top_p"`
	NumPredict  int     `json:"num_predict"`
}

// ollamaChatResponse represents the response from Ollama's chat API
type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
}

const ollamaSystemPrompt = "You are an expert at reading and extracting information from receipts and invoices. You must carefully read all text in images and extract accurate information."

// AnalyzeImage sends the prompt with the image attached to the user message
func (o *Ollama) AnalyzeImage(ctx context.Context, imageData []byte, mimeType string) (string, error) {
	finalImageData, _, err := prepareImageData(imageData, mimeType)
	if err != nil {
		return "", err
	}

	return o.chat(ctx, ollamaMessage{
		Role:    "user",
		Content: receiptScanPrompt,
		Images:  []string{base64.StdEncoding.EncodeToString(finalImageData)},
	})
}

// AnalyzeText sends OCR text with the text prompt
func (o *Ollama) AnalyzeText(ctx context.Context, receiptText string) (string, error) {
	return o.chat(ctx, ollamaMessage{Role: "user", Content: receiptTextPrompt(receiptText)})
}

func (o *Ollama) chat(ctx context.Context, userMessage ollamaMessage) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	reqBody := ollamaChatRequest{
		Model:  o.model,
		Stream: false,
		Messages: []ollamaMessage{
			{Role: "system", Content: ollamaSystemPrompt},
			userMessage,
		},
		Options: ollamaOptions{
			Temperature: generationTemperature,
			TopK:        generationTopK,
			TopP:        generationTopP,
			NumPredict:  generationMaxTokens,
		},
	}

	raw, status, err := postJSON(ctx, o.client, fmt.Sprintf("%s/api/chat", o.baseURL), nil, reqBody, o.logger, "ollama")
	if err != nil {
		return "", err
	}
	if status/100 != 2 {
		return "", &ExtractionAPIError{Provider: "ollama", StatusCode: status, Body: string(raw)}
	}

	var chatResp ollamaChatResponse
	if err := json.Unmarshal(raw, &chatResp); err != nil {
		o.logger.Warn("Unexpected Ollama response envelope", "error", err)
		return "", nil
	}

	return chatResp.Message.Content, nil
}

// Close closes the Ollama client (no-op for HTTP client)
func (o *Ollama) Close() error {
	return nil
}
