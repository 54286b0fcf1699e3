package receipt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/zapfinance/receipts/internal/notify"
	"github.com/zapfinance/receipts/internal/scanning"
	"github.com/zapfinance/receipts/internal/whatsapp"
)

const (
	uploadPlaceholder    = "Recibo"
	messagingPlaceholder = "Recibo WhatsApp"
)

var allowedMIMETypes = map[string]bool{
	"image/jpeg": true,
	"image/jpg":  true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

// MediaFetcher downloads inbound media from the messaging provider
type MediaFetcher interface {
	Fetch(ctx context.Context, mediaRef string) ([]byte, error)
}

// Notifier sends a text message to a channel address
type Notifier interface {
	Send(ctx context.Context, to string, body string) error
}

// IDGenerator generates unique IDs for receipts and users
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type uuidGenerator struct{}

func (uuidGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (defaultTimeSource) Now() time.Time {
	return time.Now()
}

// PipelineDeps wires the collaborators of a Pipeline. Vision may be nil.
type PipelineDeps struct {
	DB              DB
	Storage         Storage
	Extractor       scanning.StructuredExtractor
	Vision          scanning.VisionExtractor
	Fetcher         MediaFetcher
	Notifier        Notifier
	IDGenerator     IDGenerator
	TimeSource      TimeSource
	DefaultCategory string
	Timeout         time.Duration // deadline for one messaging run
	Logger          *slog.Logger
}

// Pipeline turns receipt images into stored records
type Pipeline struct {
	db              DB
	storage         Storage
	extractor       scanning.StructuredExtractor
	vision          scanning.VisionExtractor
	fetcher         MediaFetcher
	notifier        Notifier
	idGenerator     IDGenerator
	timeSource      TimeSource
	defaultCategory string
	timeout         time.Duration
	validate        *validator.Validate
	logger          *slog.Logger
}

// NewPipeline creates a Pipeline, filling in defaults for optional deps
func NewPipeline(deps PipelineDeps) *Pipeline {
	if deps.IDGenerator == nil {
		deps.IDGenerator = uuidGenerator{}
	}
	if deps.TimeSource == nil {
		deps.TimeSource = defaultTimeSource{}
	}
	if deps.DefaultCategory == "" {
		deps.DefaultCategory = DefaultCategory
	}
	if deps.Timeout <= 0 {
		deps.Timeout = 2 * time.Minute
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	return &Pipeline{
		db:              deps.DB,
		storage:         deps.Storage,
		extractor:       deps.Extractor,
		vision:          deps.Vision,
		fetcher:         deps.Fetcher,
		notifier:        deps.Notifier,
		idGenerator:     deps.IDGenerator,
		timeSource:      deps.TimeSource,
		defaultCategory: deps.DefaultCategory,
		timeout:         deps.Timeout,
		validate:        validator.New(validator.WithRequiredStructEnabled()),
		logger:          deps.Logger,
	}
}

// UploadRequest is a receipt image submitted directly with optional hints
type UploadRequest struct {
	OwnerID     string `validate:"required,max=100"`
	FileName    string `validate:"max=255"`
	MIMEType    string
	Data        []byte `validate:"required,min=1"`
	Description string `validate:"max=500"`
	Amount      *decimal.Decimal
	Category    string `validate:"max=100"`
}

// hints override extracted values when set
type hints struct {
	description string
	amount      *decimal.Decimal
	category    string
}

// Upload validates, analyzes and stores an uploaded receipt image.
// A failed or empty analysis still yields a record with defaults.
func (p *Pipeline) Upload(ctx context.Context, req UploadRequest) (*Receipt, error) {
	log := p.logger.With("correlation_id", uuid.NewString(), "path", "upload", "owner_id", req.OwnerID)

	if err := p.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if req.Amount != nil && req.Amount.IsNegative() {
		return nil, fmt.Errorf("%w: amount must not be negative", ErrInvalidInput)
	}

	mimeType := scanning.NormalizeMIMEType(req.MIMEType, req.Data)
	if !allowedMIMETypes[mimeType] {
		log.Warn("Rejected upload", "mime_type", mimeType)
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMediaType, mimeType)
	}

	analysis, err := p.analyze(ctx, log, req.Data, mimeType)
	if err != nil {
		return nil, fmt.Errorf("analyzing receipt: %w", err)
	}

	id := p.idGenerator.Generate()
	fileName := sanitizeFilename(req.FileName, extensionFor(mimeType))
	record := p.buildRecord(id, req.OwnerID, fileName, mimeType, analysis, hints{
		description: req.Description,
		amount:      req.Amount,
		category:    req.Category,
	}, uploadPlaceholder)

	if err := p.persist(ctx, log, record, fmt.Sprintf("%s_%s", id, fileName), req.Data); err != nil {
		return nil, err
	}

	log.Info("Receipt stored", "receipt_id", record.ID, "successful_analysis", analysis.Successful)
	return record, nil
}

// ImageMessage is an inbound image from the messaging channel
type ImageMessage struct {
	ChannelAddress string
	MediaRef       string
	MIMEType       string
	Caption        string
}

// ProcessImageMessage runs the messaging path. Every terminal failure sends
// exactly one of the fixed failure replies and returns false.
func (p *Pipeline) ProcessImageMessage(ctx context.Context, msg ImageMessage) bool {
	log := p.logger.With("correlation_id", uuid.NewString(), "path", "messaging", "channel_address", msg.ChannelAddress)

	user, err := p.db.GetOrCreateUser(ctx, p.newChannelUser(msg.ChannelAddress))
	if err != nil {
		log.Error("Failed to resolve user", "stage", "persist", "error", err)
		p.reply(ctx, log, msg.ChannelAddress, notify.MsgInternalError)
		return false
	}

	if err := ctx.Err(); err != nil {
		log.Error("Run cancelled", "stage", "media_fetch", "error", err)
		p.reply(ctx, log, msg.ChannelAddress, notify.MsgInternalError)
		return false
	}
	data, err := p.fetcher.Fetch(ctx, msg.MediaRef)
	if err != nil {
		log.Error("Failed to fetch media", "stage", "media_fetch", "media_id", msg.MediaRef, "error", err)
		p.reply(ctx, log, msg.ChannelAddress, notify.MsgDownloadFailed)
		return false
	}

	mimeType := scanning.NormalizeMIMEType(msg.MIMEType, data)
	analysis, err := p.analyze(ctx, log, data, mimeType)
	if err != nil {
		var apiErr *scanning.ExtractionAPIError
		if errors.As(err, &apiErr) {
			p.reply(ctx, log, msg.ChannelAddress, notify.MsgUnreadable)
		} else {
			p.reply(ctx, log, msg.ChannelAddress, notify.MsgInternalError)
		}
		return false
	}
	if !analysis.Successful {
		p.reply(ctx, log, msg.ChannelAddress, notify.MsgUnreadable)
		return false
	}

	now := p.timeSource.Now()
	ext := extensionFor(mimeType)
	id := p.idGenerator.Generate()
	fileName := fmt.Sprintf("whatsapp_%s%s", now.Format("20060102_150405"), ext)
	record := p.buildRecord(id, user.ID, fileName, mimeType, analysis, hints{description: msg.Caption}, messagingPlaceholder)

	if err := p.persist(ctx, log, record, fmt.Sprintf("whatsapp/%s%s", id, ext), data); err != nil {
		p.reply(ctx, log, msg.ChannelAddress, notify.MsgInternalError)
		return false
	}

	log.Info("Receipt stored", "receipt_id", record.ID, "owner_id", user.ID)
	p.reply(ctx, log, msg.ChannelAddress, notify.Format(analysis))
	return true
}

// HandleMessage dispatches one inbound webhook message. Image runs are bounded
// by the pipeline timeout and detached from the caller's cancellation.
func (p *Pipeline) HandleMessage(ctx context.Context, msg whatsapp.Message) {
	log := p.logger.With("channel_address", msg.From, "message_id", msg.ID, "type", msg.Type)
	log.Info("Processing message")

	switch {
	case msg.Type == "text":
		body := ""
		if msg.Text != nil {
			body = msg.Text.Body
		}
		p.reply(ctx, log, msg.From, notify.ReplyForText(body))
	case msg.Type == "image" && msg.Image != nil:
		p.reply(ctx, log, msg.From, notify.MsgAnalyzing)

		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
		defer cancel()
		p.ProcessImageMessage(runCtx, ImageMessage{
			ChannelAddress: msg.From,
			MediaRef:       msg.Image.ID,
			MIMEType:       msg.Image.MimeType,
			Caption:        strings.TrimSpace(msg.Image.Caption),
		})
	default:
		p.reply(ctx, log, msg.From, notify.MsgUnsupportedType)
	}
}

// analyze asks the extractor about the image and parses the answer. When the
// answer is unusable and OCR is available, the OCR text is analyzed instead.
// Extraction API failures are returned; parse failures are not.
func (p *Pipeline) analyze(ctx context.Context, log *slog.Logger, data []byte, mimeType string) (scanning.ReceiptAnalysis, error) {
	if err := ctx.Err(); err != nil {
		log.Error("Run cancelled", "stage", "extraction", "error", err)
		return scanning.ReceiptAnalysis{}, err
	}

	raw, err := p.extractor.AnalyzeImage(ctx, data, mimeType)
	if err != nil {
		log.Error("Structured extraction failed", "stage", "extraction", "error", err)
		return scanning.ReceiptAnalysis{}, err
	}

	analysis := scanning.Parse(raw)
	if analysis.Successful {
		return analysis, nil
	}
	log.Warn("Could not parse extraction output", "stage", "parse", "error", analysis.ErrorMessage)

	if fallback, ok := p.analyzeOCRText(ctx, log, data); ok {
		return fallback, nil
	}
	return analysis, nil
}

func (p *Pipeline) analyzeOCRText(ctx context.Context, log *slog.Logger, data []byte) (scanning.ReceiptAnalysis, bool) {
	if p.vision == nil || ctx.Err() != nil {
		return scanning.ReceiptAnalysis{}, false
	}

	text, ok := p.vision.ExtractText(ctx, data)
	if !ok || strings.TrimSpace(text) == "" {
		log.Warn("OCR produced no text", "stage", "vision")
		return scanning.ReceiptAnalysis{}, false
	}

	if ctx.Err() != nil {
		return scanning.ReceiptAnalysis{}, false
	}
	raw, err := p.extractor.AnalyzeText(ctx, text)
	if err != nil {
		log.Error("Text extraction failed", "stage", "extraction", "error", err)
		return scanning.ReceiptAnalysis{}, false
	}

	analysis := scanning.Parse(raw)
	if !analysis.Successful {
		log.Warn("Could not parse text extraction output", "stage", "parse", "error", analysis.ErrorMessage)
		return scanning.ReceiptAnalysis{}, false
	}
	return analysis, true
}

// buildRecord applies hint > extracted value > default for each field.
// An unsuccessful analysis contributes nothing.
func (p *Pipeline) buildRecord(id, ownerID, fileName, mimeType string, a scanning.ReceiptAnalysis, h hints, placeholder string) *Receipt {
	if !a.Successful {
		a = scanning.ReceiptAnalysis{}
	}

	r := &Receipt{
		ID:          id,
		OwnerID:     ownerID,
		FileName:    fileName,
		MIMEType:    mimeType,
		Description: placeholder,
		Amount:      decimal.Zero,
		Category:    p.defaultCategory,
		Active:      true,
		UploadedAt:  stamp(p.timeSource.Now()),
	}

	switch {
	case strings.TrimSpace(h.description) != "":
		r.Description = strings.TrimSpace(h.description)
	case a.MerchantName != "":
		r.Description = a.MerchantName
	}

	switch {
	case h.amount != nil:
		r.Amount = *h.amount
	case a.Amount != nil:
		r.Amount = *a.Amount
	}

	switch {
	case strings.TrimSpace(h.category) != "":
		r.Category = strings.TrimSpace(h.category)
	case a.Category != "":
		r.Category = a.Category
	}

	return r
}

// persist stores the image and then the record. A cancelled run or a failed
// record write leaves nothing behind.
func (p *Pipeline) persist(ctx context.Context, log *slog.Logger, record *Receipt, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		log.Error("Run cancelled before persisting", "stage", "persist", "error", err)
		return err
	}

	storagePath, err := p.storage.Save(ctx, key, data, record.MIMEType)
	if err != nil {
		log.Error("Failed to store image", "stage", "persist", "error", err)
		return fmt.Errorf("%w: saving file: %w", ErrPersistence, err)
	}
	record.StoragePath = storagePath

	if err := ctx.Err(); err != nil {
		log.Error("Run cancelled before persisting", "stage", "persist", "error", err)
		p.discard(ctx, log, storagePath)
		return err
	}

	if err := p.db.SaveReceipt(ctx, record); err != nil {
		log.Error("Failed to save receipt", "stage", "persist", "error", err)
		p.discard(ctx, log, storagePath)
		return fmt.Errorf("%w: saving receipt: %w", ErrPersistence, err)
	}

	return nil
}

func (p *Pipeline) discard(ctx context.Context, log *slog.Logger, storagePath string) {
	if err := p.storage.Delete(context.WithoutCancel(ctx), storagePath); err != nil {
		log.Warn("Failed to remove stored image", "stage", "persist", "path", storagePath, "error", err)
	}
}

// reply is best effort: failures are logged, never retried
func (p *Pipeline) reply(ctx context.Context, log *slog.Logger, to, body string) {
	if err := p.notifier.Send(context.WithoutCancel(ctx), to, body); err != nil {
		log.Error("Failed to send reply", "stage", "notify", "error", err)
	}
}

var nonDigits = regexp.MustCompile(`\D`)

func (p *Pipeline) newChannelUser(address string) *User {
	digits := nonDigits.ReplaceAllString(address, "")
	return &User{
		ID:             p.idGenerator.Generate(),
		Name:           "Usuário WhatsApp " + address,
		Email:          fmt.Sprintf("whatsapp_%s@zapfinance.com", digits),
		ChannelAddress: address,
		Document:       digits,
		Active:         true,
		CreatedAt:      stamp(p.timeSource.Now()),
	}
}

func extensionFor(mimeType string) string {
	switch mimeType {
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "image/heic", "image/heif":
		return ".heic"
	default:
		return ".jpg"
	}
}

var (
	unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	repeatedSpaces      = regexp.MustCompile(`\s+`)
)

// sanitizeFilename cleans up a filename by removing special characters and truncating length.
// defaultExt is used when the name has no extension.
func sanitizeFilename(filename string, defaultExt string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	if ext == "" || unsafeFilenameChars.MatchString(strings.TrimPrefix(ext, ".")) {
		ext = defaultExt
	}

	base = unsafeFilenameChars.ReplaceAllString(base, "")
	base = repeatedSpaces.ReplaceAllString(base, " ")
	base = strings.TrimSpace(base)

	if len(base) > 50 {
		base = base[:50]
	}
	if base == "" {
		base = "receipt"
	}

	return base + ext
}
