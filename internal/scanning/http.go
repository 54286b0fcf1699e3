package scanning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// maxResponseBytes caps how much of a provider response is read into memory
const maxResponseBytes = 10 << 20

// postJSON sends body as JSON to url and returns the raw response body and status code.
// A non-2xx status is not an error here; callers map it to their own error type.
// Credentials go in headers so they never appear in the URL or in a *url.Error.
func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body any, logger *slog.Logger, provider string) ([]byte, int, error) {
	start := time.Now()

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, 0, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		logger.Error("Provider request failed",
			"provider", provider,
			"error", err,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return nil, 0, fmt.Errorf("calling %s API: %w", provider, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("reading %s response: %w", provider, err)
	}

	logger.Info("Provider response",
		"provider", provider,
		"status", resp.StatusCode,
		"request_bytes", len(payload),
		"response_bytes", len(raw),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)

	return raw, resp.StatusCode, nil
}

// apiKeyTransport authenticates Google API requests with the x-goog-api-key
// header, keeping the key out of URLs. It also records the response status for
// callers that put a callStatus in the request context.
type apiKeyTransport struct {
	key  string
	base http.RoundTripper
}

func (t *apiKeyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("x-goog-api-key", t.key)

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if status, ok := req.Context().Value(callStatusKey{}).(*callStatus); ok {
		status.code.Store(int32(resp.StatusCode))
	}
	return resp, nil
}
