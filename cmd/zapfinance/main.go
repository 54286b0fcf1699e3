package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"google.golang.org/api/option"

	"github.com/zapfinance/receipts/internal/receipt"
	"github.com/zapfinance/receipts/internal/scanning"
	"github.com/zapfinance/receipts/internal/whatsapp"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	// A missing .env is fine; real environment variables still apply
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "error: loading .env: %v\n", err)
		os.Exit(1)
	}

	fs := ff.NewFlagSet("zapfinance")
	var (
		port            = fs.IntLong("port", 8080, "HTTP server port")
		logFormat       = fs.StringLong("log-format", "text", "Log format: 'text' or 'json'")
		storeType       = fs.StringLong("store", "bolt", "Record store: 'bolt' or 'postgres'")
		dbPath          = fs.StringLong("db", "zapfinance.db", "BoltDB file path")
		postgresURL     = fs.StringLong("postgres-url", "", "Postgres connection string")
		storageType     = fs.StringLong("storage", "local", "Image storage: 'local' or 's3'")
		storagePath     = fs.StringLong("storage-path", "./uploads/receipts", "Local storage directory path")
		s3Bucket        = fs.StringLong("s3-bucket", "", "S3 bucket name")
		s3Region        = fs.StringLong("s3-region", "us-east-1", "S3 region")
		s3Prefix        = fs.StringLong("s3-prefix", "receipts", "S3 key prefix")
		s3Endpoint      = fs.StringLong("s3-endpoint", "", "S3 endpoint override (LocalStack, MinIO)")
		extractorType   = fs.StringLong("extractor", "gemini-sdk", "Extractor: 'gemini-sdk', 'gemini' (REST) or 'ollama'")
		geminiKey       = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel     = fs.StringLong("gemini-model", "gemini-1.5-flash-latest", "Google Gemini model name")
		geminiURL       = fs.StringLong("gemini-url", "https://generativelanguage.googleapis.com/v1beta", "Gemini REST API base URL, used by --extractor=gemini")
		ollamaURL       = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel     = fs.StringLong("ollama-model", "llava", "Ollama model name (e.g., llava, llava-phi3, bakllava, qwen2-vl)")
		visionKey       = fs.StringLong("vision-key", "", "Google Vision API key, OCR fallback is disabled when empty")
		visionURL       = fs.StringLong("vision-url", "", "Google Vision endpoint override")
		waToken         = fs.StringLong("whatsapp-token", "", "WhatsApp Cloud API access token")
		waPhoneID       = fs.StringLong("whatsapp-phone-number-id", "", "WhatsApp sender phone number ID")
		waVerifyToken   = fs.StringLong("whatsapp-verify-token", "", "WhatsApp webhook verification token")
		waURL           = fs.StringLong("whatsapp-url", "https://graph.facebook.com/v18.0", "WhatsApp Graph API base URL")
		httpTimeout     = fs.DurationLong("http-timeout", 30*time.Second, "Timeout for every external HTTP call")
		pipelineTimeout = fs.DurationLong("pipeline-timeout", 2*time.Minute, "Deadline for one WhatsApp receipt run")
		defaultCategory = fs.StringLong("default-category", receipt.DefaultCategory, "Category used when none is extracted")
		authUser        = fs.StringLong("auth-user", "", "Basic auth username for the receipt API (optional)")
		authPass        = fs.StringLong("auth-pass", "", "Basic auth password for the receipt API (optional)")
		showVersion     = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("ZAPFINANCE"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	logger := newLogger(*logFormat)
	slog.SetDefault(logger)

	ctx := context.Background()

	// Initialize database
	slog.Info("Initializing database...", "store", *storeType)
	var db receipt.DB
	var err error
	switch *storeType {
	case "bolt":
		db, err = receipt.NewBoltDB(*dbPath)
	case "postgres":
		db, err = receipt.NewPostgresDB(ctx, *postgresURL)
	default:
		err = fmt.Errorf("invalid store type %q, valid: bolt or postgres", *storeType)
	}
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Initialize storage
	slog.Info("Initializing storage...", "storage", *storageType)
	var store receipt.Storage
	switch *storageType {
	case "local":
		store, err = receipt.NewLocalStorage(*storagePath)
	case "s3":
		store, err = receipt.NewS3Storage(ctx, receipt.S3Config{
			Bucket:   *s3Bucket,
			Region:   *s3Region,
			Prefix:   *s3Prefix,
			Endpoint: *s3Endpoint,
		})
	default:
		err = fmt.Errorf("invalid storage type %q, valid: local or s3", *storageType)
	}
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}

	// Get Gemini API key from flag or environment
	apiKey := *geminiKey
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}

	// Initialize extractor based on type
	var extractor scanning.StructuredExtractor
	switch *extractorType {
	case "gemini-sdk":
		if apiKey == "" {
			slog.Warn("Gemini API key not set, receipt analysis will be unavailable")
		}
		slog.Info("Initializing Gemini SDK extractor...", "model", *geminiModel)
		extractor, err = scanning.NewGeminiSDK(ctx, apiKey, *geminiModel, *httpTimeout)
	case "gemini":
		if apiKey == "" {
			slog.Warn("Gemini API key not set, receipt analysis will be unavailable")
		}
		slog.Info("Initializing Gemini REST extractor...", "model", *geminiModel, "url", *geminiURL)
		extractor = scanning.NewGemini(scanning.GeminiConfig{
			BaseURL: *geminiURL,
			APIKey:  apiKey,
			Model:   *geminiModel,
			Timeout: *httpTimeout,
			Logger:  logger,
		})
	case "ollama":
		slog.Info("Initializing Ollama extractor...", "url", *ollamaURL, "model", *ollamaModel)
		extractor = scanning.NewOllama(*ollamaURL, *ollamaModel, *httpTimeout, logger)
	default:
		err = fmt.Errorf("invalid extractor type %q, valid: gemini-sdk, gemini or ollama", *extractorType)
	}
	if err != nil {
		slog.Error("Failed to initialize extractor", "error", err)
		os.Exit(1)
	}
	defer extractor.Close()

	deps := receipt.PipelineDeps{
		DB:              db,
		Storage:         store,
		Extractor:       extractor,
		DefaultCategory: *defaultCategory,
		Timeout:         *pipelineTimeout,
		Logger:          logger,
	}

	if *visionKey != "" {
		var opts []option.ClientOption
		if *visionURL != "" {
			opts = append(opts, option.WithEndpoint(*visionURL))
		}
		deps.Vision = scanning.NewVision(*visionKey, *httpTimeout, logger, opts...)
		slog.Info("OCR fallback enabled")
	}

	wa := whatsapp.NewClient(whatsapp.Config{
		BaseURL:       *waURL,
		AccessToken:   *waToken,
		PhoneNumberID: *waPhoneID,
		Timeout:       *httpTimeout,
	}, logger)
	deps.Fetcher = wa
	deps.Notifier = wa
	if *waToken == "" || *waPhoneID == "" {
		slog.Warn("WhatsApp credentials not set, media downloads and replies will fail")
	}

	pipeline := receipt.NewPipeline(deps)
	receiptService := receipt.NewService(db, store, logger)

	// Initialize server
	server := receipt.NewServer(receiptService, pipeline, receipt.ServerOptions{
		BasicAuth: receipt.BasicAuth{
			Username: *authUser,
			Password: *authPass,
		},
		VerifyToken: *waVerifyToken,
		Logger:      logger,
	})

	// Start server in goroutine
	addr := fmt.Sprintf(":%d", *port)
	go func() {
		if err := server.Start(addr); err != nil {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "version", version)
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("Shutting down...")
}

func newLogger(format string) *slog.Logger {
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}
