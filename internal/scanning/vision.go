package scanning

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net/http"
	"time"

	"google.golang.org/api/option"
	vision "google.golang.org/api/vision/v1"
)

// Vision implements VisionExtractor with the Google Cloud Vision TEXT_DETECTION feature
type Vision struct {
	apiKey  string
	timeout time.Duration
	opts    []option.ClientOption
	logger  *slog.Logger
}

// NewVision creates a Vision OCR client. Extra options are appended after the
// authenticated HTTP client, e.g. endpoint overrides. Each call is bounded by timeout.
func NewVision(apiKey string, timeout time.Duration, logger *slog.Logger, opts ...option.ClientOption) *Vision {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Vision{
		apiKey:  apiKey,
		timeout: timeout,
		opts:    opts,
		logger:  logger,
	}
}

// ExtractText returns the full text annotation of the image.
// It never fails loudly: a missing key or an API error yields ok=false.
func (v *Vision) ExtractText(ctx context.Context, imageData []byte) (string, bool) {
	if v.apiKey == "" {
		v.logger.Warn("Vision API key not configured, skipping OCR", "stage", "vision")
		return "", false
	}
	if err := ctx.Err(); err != nil {
		return "", false
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	httpClient := &http.Client{Transport: &apiKeyTransport{key: v.apiKey, base: http.DefaultTransport}}
	opts := append([]option.ClientOption{option.WithHTTPClient(httpClient)}, v.opts...)
	svc, err := vision.NewService(ctx, opts...)
	if err != nil {
		v.logger.Error("Failed to create vision client", "stage", "vision", "error", err)
		return "", false
	}

	req := &vision.BatchAnnotateImagesRequest{
		Requests: []*vision.AnnotateImageRequest{
			{
				Image: &vision.Image{Content: base64.StdEncoding.EncodeToString(imageData)},
				Features: []*vision.Feature{
					{Type: "TEXT_DETECTION", MaxResults: 1},
				},
			},
		},
	}

	resp, err := svc.Images.Annotate(req).Context(ctx).Do()
	if err != nil {
		v.logger.Error("Vision API error", "stage", "vision", "error", err)
		return "", false
	}

	if len(resp.Responses) == 0 {
		return "", true
	}
	first := resp.Responses[0]
	if first.Error != nil {
		v.logger.Error("Vision annotation error", "stage", "vision", "code", first.Error.Code, "message", first.Error.Message)
		return "", false
	}
	if len(first.TextAnnotations) == 0 {
		return "", true
	}

	return first.TextAnnotations[0].Description, true
}
