package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://graph.facebook.com/v18.0"

	// WhatsApp caps image media at 5MB; leave headroom for documents sent as images
	defaultMaxMediaBytes = 16 << 20

	maxMetadataBytes = 1 << 20
)

// errBodyTooLarge is returned by get when the body exceeds the read limit
var errBodyTooLarge = errors.New("response body exceeds limit")

var (
	// ErrMediaMetadataUnavailable is returned when the media info lookup fails or has no download url
	ErrMediaMetadataUnavailable = errors.New("media metadata unavailable")
	// ErrMediaDownloadFailed is returned when the media binary cannot be downloaded
	ErrMediaDownloadFailed = errors.New("media download failed")
	// ErrSendFailed is returned when the messages endpoint rejects an outbound message
	ErrSendFailed = errors.New("message send failed")
)

// Config holds the WhatsApp Cloud API settings
type Config struct {
	BaseURL       string
	AccessToken   string
	PhoneNumberID string
	Timeout       time.Duration
	// MaxMediaBytes rejects larger downloads; defaults to 16MiB
	MaxMediaBytes int64
}

// Client talks to the WhatsApp Cloud API. It fetches inbound media and sends text replies.
type Client struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// NewClient creates a new WhatsApp client
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxMediaBytes <= 0 {
		cfg.MaxMediaBytes = defaultMaxMediaBytes
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

type mediaInfo struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
	FileSize int64  `json:"file_size"`
	ID       string `json:"id"`
}

// Fetch downloads the media identified by mediaRef. It does not retry.
func (c *Client) Fetch(ctx context.Context, mediaRef string) ([]byte, error) {
	if c.cfg.AccessToken == "" {
		return nil, fmt.Errorf("%w: access token not configured", ErrMediaMetadataUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()

	status, body, err := c.get(ctx, fmt.Sprintf("%s/%s", c.cfg.BaseURL, mediaRef), maxMetadataBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMediaMetadataUnavailable, err)
	}
	if status/100 != 2 {
		c.logger.Error("Media info request failed", "media_id", mediaRef, "status", status)
		return nil, fmt.Errorf("%w: status %d", ErrMediaMetadataUnavailable, status)
	}

	var info mediaInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("%w: decoding media info: %w", ErrMediaMetadataUnavailable, err)
	}
	if info.URL == "" {
		return nil, fmt.Errorf("%w: missing url", ErrMediaMetadataUnavailable)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	status, data, err := c.get(ctx, info.URL, c.cfg.MaxMediaBytes)
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			c.logger.Error("Media exceeds size limit", "media_id", mediaRef, "limit_bytes", c.cfg.MaxMediaBytes)
		}
		return nil, fmt.Errorf("%w: %w", ErrMediaDownloadFailed, err)
	}
	if status/100 != 2 {
		c.logger.Error("Media download failed", "media_id", mediaRef, "status", status)
		return nil, fmt.Errorf("%w: status %d", ErrMediaDownloadFailed, status)
	}

	c.logger.Info("Media downloaded",
		"media_id", mediaRef,
		"bytes", len(data),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)

	return data, nil
}

func (c *Client) get(ctx context.Context, url string, limit int64) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	// One extra byte tells a body of exactly limit bytes apart from a longer one
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("reading body: %w", err)
	}
	if int64(len(body)) > limit {
		return resp.StatusCode, nil, fmt.Errorf("%w of %d bytes", errBodyTooLarge, limit)
	}

	return resp.StatusCode, body, nil
}

type textMessage struct {
	MessagingProduct string   `json:"messaging_product"`
	To               string   `json:"to"`
	Type             string   `json:"type"`
	Text             textBody `json:"text"`
}

type textBody struct {
	Body string `json:"body"`
}

// Send delivers a text message to the given address
func (c *Client) Send(ctx context.Context, to string, body string) error {
	if c.cfg.AccessToken == "" || c.cfg.PhoneNumberID == "" {
		return fmt.Errorf("%w: credentials not configured", ErrSendFailed)
	}

	payload, err := json.Marshal(textMessage{
		MessagingProduct: "whatsapp",
		To:               to,
		Type:             "text",
		Text:             textBody{Body: body},
	})
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", c.cfg.BaseURL, c.cfg.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.logger.Error("WhatsApp send failed", "to", to, "status", resp.StatusCode, "body", string(respBody))
		return fmt.Errorf("%w: status %d", ErrSendFailed, resp.StatusCode)
	}

	c.logger.Info("WhatsApp message sent", "to", to)
	return nil
}
