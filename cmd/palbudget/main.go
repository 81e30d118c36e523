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

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/zombor/palbudget/internal/receipt"
	"github.com/zombor/palbudget/internal/scanning"
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

	// A .env file is optional; real environment variables win
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Failed to load .env file", "error", err)
	}

	fs := ff.NewFlagSet("palbudget")
	var (
		port         = fs.IntLong("port", 8080, "HTTP server port")
		dbPath       = fs.StringLong("db", "palbudget.db", "Database file path")
		dbBackend    = fs.StringLong("db-backend", "bolt", "Database backend: 'bolt' or 'sqlite'")
		storageType  = fs.StringLong("storage", "local", "Image storage: 'local' or 's3'")
		storagePath  = fs.StringLong("storage-path", "./images", "Local storage directory path")
		s3Bucket     = fs.StringLong("s3-bucket", "", "S3 bucket name")
		s3Region     = fs.StringLong("s3-region", "us-east-1", "S3 region")
		s3Endpoint   = fs.StringLong("s3-endpoint", "", "S3 compatible endpoint URL (optional)")
		s3AccessKey  = fs.StringLong("s3-access-key", "", "S3 access key (optional, defaults to the AWS credential chain)")
		s3SecretKey  = fs.StringLong("s3-secret-key", "", "S3 secret key")
		scannerType  = fs.StringLong("scanner", "openai", "Scanner type: 'openai', 'gemini' or 'ollama'")
		openAIKey    = fs.StringLong("openai-key", "", "OpenAI API key (or set OPENAI_API_KEY env var)")
		openAIModel  = fs.StringLong("openai-model", "gpt-4o", "OpenAI model name")
		openAIURL    = fs.StringLong("openai-url", "https://api.openai.com/v1", "OpenAI compatible API base URL")
		geminiKey    = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel  = fs.StringLong("gemini-model", "gemini-2.5-pro", "Google Gemini model name")
		ollamaURL    = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel  = fs.StringLong("ollama-model", "llava", "Ollama model name (e.g., llava, qwen2-vl)")
		concurrency  = fs.IntLong("concurrency", receipt.DefaultConcurrency, "Images analyzed at once")
		maxDimension = fs.IntLong("max-image-dimension", scanning.DefaultMaxDimension, "Longest image side sent to the scanner, in pixels")
		authUser     = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass     = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		showVersion  = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("PALBUDGET"),
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize database
	slog.Info("Initializing database...", "backend", *dbBackend, "path", *dbPath)
	var (
		db  receipt.DB
		err error
	)
	switch *dbBackend {
	case "bolt":
		db, err = receipt.NewBoltDB(*dbPath)
	case "sqlite":
		db, err = receipt.NewSQLiteDB(*dbPath)
	default:
		err = fmt.Errorf("invalid database backend %q, want bolt or sqlite", *dbBackend)
	}
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Initialize storage
	slog.Info("Initializing storage...", "type", *storageType)
	var store receipt.Storage
	switch *storageType {
	case "local":
		store, err = receipt.NewLocalStorage(*storagePath)
	case "s3":
		store, err = receipt.NewS3Storage(ctx, receipt.S3Config{
			Bucket:    *s3Bucket,
			Region:    *s3Region,
			Endpoint:  *s3Endpoint,
			AccessKey: *s3AccessKey,
			SecretKey: *s3SecretKey,
		})
	default:
		err = fmt.Errorf("invalid storage type %q, want local or s3", *storageType)
	}
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}

	// Initialize scanner based on type
	var analyzer scanning.Analyzer
	switch *scannerType {
	case "openai":
		apiKey := *openAIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		if apiKey == "" {
			// Every analysis reports the missing key to the user
			slog.Warn("OpenAI API key is not set. Set --openai-key flag or OPENAI_API_KEY environment variable")
		}
		slog.Info("Initializing OpenAI scanner...", "model", *openAIModel, "url", *openAIURL)
		analyzer = scanning.NewOpenAI(scanning.OpenAIConfig{
			APIKey:  apiKey,
			BaseURL: *openAIURL,
			Model:   *openAIModel,
		})
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
		slog.Info("Initializing Gemini scanner...", "model", *geminiModel)
		analyzer, err = scanning.NewGemini(apiKey, *geminiModel)
	case "ollama":
		slog.Info("Initializing Ollama scanner...", "url", *ollamaURL, "model", *ollamaModel)
		analyzer, err = scanning.NewOllama(*ollamaURL, *ollamaModel)
	default:
		err = fmt.Errorf("invalid scanner type %q, want openai, gemini or ollama", *scannerType)
	}
	if err != nil {
		slog.Error("Failed to initialize scanner", "error", err)
		os.Exit(1)
	}
	defer analyzer.Close()

	repo := receipt.NewRepository(db)
	notifications := receipt.NewNotificationLog()
	inbox := receipt.NewInbox(
		analyzer,
		scanning.NewEncoder(store, *maxDimension),
		repo,
		notifications,
		receipt.WithConcurrency(*concurrency),
	)
	service := receipt.NewService(repo, inbox, store)

	basicAuth := receipt.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	server := receipt.NewServer(service, notifications, basicAuth)

	addr := fmt.Sprintf(":%d", *port)
	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr))
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	if err := server.Start(ctx, addr); err != nil {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}
	slog.Info("Shutting down...")
}
