package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/zombor/receipt-review/internal/blob"
	"github.com/zombor/receipt-review/internal/export"
	"github.com/zombor/receipt-review/internal/extraction"
	"github.com/zombor/receipt-review/internal/feedback"
	"github.com/zombor/receipt-review/internal/receipt"
	"github.com/zombor/receipt-review/internal/review"
	"github.com/zombor/receipt-review/internal/settings"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	fs := ff.NewFlagSet("receipt-review")
	var (
		port          = fs.IntLong("port", 8080, "HTTP server port")
		dbPath        = fs.StringLong("db", "receipt-review.db", "Settings database file path")
		extractorType = fs.StringLong("extractor", "gemini", "Extractor type: 'gemini' or 'ollama'")
		geminiKey     = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel   = fs.StringLong("gemini-model", "gemini-2.5-pro", "Google Gemini model name")
		ollamaURL     = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel   = fs.StringLong("ollama-model", "llama3.1", "Ollama model name")
		s3Endpoint    = fs.StringLong("s3-endpoint", "", "S3-compatible endpoint URL for image uploads")
		s3Region      = fs.StringLong("s3-region", "auto", "S3 region")
		s3Bucket      = fs.StringLong("s3-bucket", "receipts", "S3 bucket name")
		s3AccessKey   = fs.StringLong("s3-access-key", "", "S3 access key id")
		s3SecretKey   = fs.StringLong("s3-secret-key", "", "S3 secret access key")
		s3Public      = fs.StringLong("s3-public-domain", "", "Public domain serving uploaded images")
		postgresDSN   = fs.StringLong("postgres-dsn", "", "PostgreSQL connection string for feedback rows (optional)")
		notionURL     = fs.StringLong("notion-url", "", "Notion API base URL override (for testing)")
		authUser      = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass      = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		showVersion   = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("RECEIPT_REVIEW"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	ctx := context.Background()

	// Initialize settings store
	slog.Info("Initializing settings store...")
	store, err := settings.NewBoltStore(*dbPath)
	if err != nil {
		slog.Error("Failed to initialize settings store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// Initialize extractor based on type
	var extractor extraction.Extractor
	switch *extractorType {
	case "gemini":
		// Get Gemini API key from flag or environment
		apiKey := *geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			slog.Error("Gemini API key is required. Set --gemini-key flag or GEMINI_API_KEY environment variable")
			os.Exit(1)
		}
		slog.Info("Initializing Gemini extractor...", "model", *geminiModel)
		extractor, err = extraction.NewGemini(apiKey, *geminiModel)
		if err != nil {
			slog.Error("Failed to initialize Gemini", "error", err)
			os.Exit(1)
		}
	case "ollama":
		slog.Info("Initializing Ollama extractor...", "url", *ollamaURL, "model", *ollamaModel)
		extractor, err = extraction.NewOllama(*ollamaURL, *ollamaModel)
		if err != nil {
			slog.Error("Failed to initialize Ollama", "error", err)
			os.Exit(1)
		}
	default:
		slog.Error("Invalid extractor type", "type", *extractorType, "valid", "gemini or ollama")
		os.Exit(1)
	}
	defer extractor.Close()

	// Initialize object store for image uploads
	slog.Info("Initializing object store...", "bucket", *s3Bucket)
	blobs, err := blob.NewS3Store(ctx, blob.S3Config{
		Endpoint:     *s3Endpoint,
		Region:       *s3Region,
		Bucket:       *s3Bucket,
		AccessKeyID:  *s3AccessKey,
		SecretKey:    *s3SecretKey,
		PublicDomain: *s3Public,
	})
	if err != nil {
		slog.Error("Failed to initialize object store", "error", err)
		os.Exit(1)
	}

	// Initialize feedback store; without a DSN feedback reports are
	// logged and dropped
	var rows feedback.RowStore
	if *postgresDSN != "" {
		slog.Info("Initializing feedback store...")
		pgStore, err := feedback.NewPostgresStore(ctx, *postgresDSN)
		if err != nil {
			slog.Error("Failed to initialize feedback store", "error", err)
			os.Exit(1)
		}
		rows = pgStore
	} else {
		slog.Warn("No postgres-dsn configured, feedback rows will not be persisted")
		rows = feedback.NopRowStore{}
	}
	defer rows.Close()

	recorder := feedback.NewRecorder(blobs, rows)
	dispatcher := export.NewNotion(*notionURL)
	sessions := review.NewSessions(store)

	// Initialize service
	reviewService := receipt.NewService(sessions, extractor, dispatcher, recorder, blobs, store)

	// Initialize server
	basicAuth := receipt.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	server := receipt.NewServer(reviewService, basicAuth)

	// Start server in goroutine
	addr := fmt.Sprintf(":%d", *port)
	go func() {
		if err := server.Start(addr); err != nil {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr))
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("Shutting down...")
}
