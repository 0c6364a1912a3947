package main

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/zombor/card-intake/internal/card"
	"github.com/zombor/card-intake/internal/extraction"
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

	fs := ff.NewFlagSet("card-intake")
	var (
		port          = fs.IntLong("port", 8080, "HTTP server port")
		dbPath        = fs.StringLong("db", "card-intake.db", "Session database file path")
		tenant        = fs.StringLong("tenant", "", "Tenant identifier (required)")
		locationID    = fs.StringLong("location", "", "Location ID for registered records (optional)")
		backendURL    = fs.StringLong("backend-url", "", "Registration backend base URL (required)")
		extractorType = fs.StringLong("extractor", "remote", "Extractor type: 'remote' or 'gemini'")
		extractionURL = fs.StringLong("extraction-url", "", "Vision-extraction service base URL (for 'remote')")
		geminiKey     = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel   = fs.StringLong("gemini-model", "gemini-2.5-pro", "Google Gemini model name")
		uploadSlots   = fs.IntLong("upload-concurrency", 5, "Maximum simultaneous image uploads")
		extractSlots  = fs.IntLong("extract-concurrency", 3, "Maximum simultaneous extraction calls")
		maxRetries    = fs.IntLong("max-retries", 3, "Automatic retries per card before terminal failure")
		authUser      = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass      = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		showVersion   = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("CARD_INTAKE"),
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

	if *tenant == "" {
		slog.Error("Tenant is required. Set --tenant flag or CARD_INTAKE_TENANT environment variable")
		os.Exit(1)
	}
	if *backendURL == "" {
		slog.Error("Backend URL is required. Set --backend-url flag or CARD_INTAKE_BACKEND_URL environment variable")
		os.Exit(1)
	}

	// Initialize session snapshot store
	slog.Info("Initializing session store...")
	snapshots, err := card.NewBoltSnapshotStore(*dbPath)
	if err != nil {
		slog.Error("Failed to initialize session store", "error", err)
		os.Exit(1)
	}
	defer snapshots.Close()

	// Initialize extractor based on type
	var extractor extraction.Extractor
	switch *extractorType {
	case "remote":
		url := *extractionURL
		if url == "" {
			url = *backendURL
		}
		slog.Info("Initializing remote extractor...", "url", url)
		extractor, err = extraction.NewRemote(url)
		if err != nil {
			slog.Error("Failed to initialize remote extractor", "error", err)
			os.Exit(1)
		}
	case "gemini":
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
	default:
		slog.Error("Invalid extractor type", "type", *extractorType, "valid", "remote or gemini")
		os.Exit(1)
	}
	defer extractor.Close()

	// Initialize collaborator clients
	store := card.NewHTTPObjectStore(*backendURL)
	records := card.NewHTTPRecords(*backendURL)

	// Initialize pipeline
	cfg := card.DefaultConfig(*tenant)
	cfg.LocationID = *locationID
	cfg.UploadConcurrency = *uploadSlots
	cfg.ExtractConcurrency = *extractSlots
	cfg.MaxRetries = *maxRetries

	pipeline, err := card.NewPipeline(store, records, extractor, snapshots, cfg, card.Callbacks{
		OnComplete: func(itemID, recordID string) {
			slog.Info("Card registered", "item_id", itemID, "record_id", recordID)
		},
		OnFailure: func(itemID, message string) {
			slog.Error("Card failed", "item_id", itemID, "message", message)
		},
		OnBatch: func(batch card.BatchInfo) {
			slog.Info("Batch assigned", "batch_id", batch.ID, "batch_name", batch.Name)
		},
	})
	if err != nil {
		slog.Error("Failed to initialize pipeline", "error", err)
		os.Exit(1)
	}
	defer pipeline.Close()

	if pipeline.Resumable() {
		slog.Info("An interrupted session is available; resume or discard it via the API")
	}

	// Initialize server
	basicAuth := card.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	server := card.NewServer(pipeline, basicAuth)

	// Start server in goroutine
	addr := fmt.Sprintf(":%d", *port)
	go func() {
		if err := server.Start(addr); err != nil {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "tenant", *tenant)
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("Shutting down...")
}
