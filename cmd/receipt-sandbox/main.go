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

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/receipt-ingest/internal/sandbox"
	"github.com/zombor/receipt-ingest/internal/scanning"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	fs := ff.NewFlagSet("receipt-sandbox")
	var (
		port        = fs.IntLong("port", 8080, "HTTP server port")
		dbPath      = fs.StringLong("db", "receipt-sandbox.db", "Database file path")
		storagePath = fs.StringLong("storage", "./receipts", "Receipt image directory")
		scannerType = fs.StringLong("scanner", "static", "Scanner type: 'gemini', 'ollama' or 'static'")
		geminiKey   = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel = fs.StringLong("gemini-model", scanning.DefaultGeminiModel, "Google Gemini model name")
		ollamaURL   = fs.StringLong("ollama-url", scanning.DefaultOllamaURL, "Ollama API base URL")
		ollamaModel = fs.StringLong("ollama-model", scanning.DefaultOllamaModel, "Ollama vision model name")
		delay       = fs.DurationLong("extraction-delay", 0, "Wait this long before scanning each receipt")
		authUser    = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass    = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		authToken   = fs.StringLong("auth-token", "", "Bearer token clients must send (optional)")
		logLevel    = fs.StringLong("log-level", "info", "Log level: debug, info, warn or error")
		_           = fs.StringLong("config", "", "Config file (optional)")
		showVersion = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("RECEIPT_SANDBOX"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		if errors.Is(err, ff.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "error: invalid log level %q\n", *logLevel)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Initializing database...", "path", *dbPath)
	store, err := sandbox.NewBoltStore(*dbPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	var scanner scanning.Scanner
	switch *scannerType {
	case "gemini":
		apiKey := *geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			slog.Error("Gemini API key is required. Set --gemini-key flag or GEMINI_API_KEY environment variable")
			os.Exit(1)
		}
		slog.Info("Initializing Gemini scanner...", "model", *geminiModel)
		scanner, err = scanning.NewGemini(ctx, apiKey, *geminiModel)
		if err != nil {
			slog.Error("Failed to initialize Gemini", "error", err)
			os.Exit(1)
		}
	case "ollama":
		slog.Info("Initializing Ollama scanner...", "url", *ollamaURL, "model", *ollamaModel)
		scanner = scanning.NewOllama(*ollamaURL, *ollamaModel)
	case "static":
		amount := 12000
		slog.Info("Using static scanner")
		scanner = scanning.NewStatic(scanning.Result{
			Merchant:    "Sandbox Mart",
			Amount:      &amount,
			Category:    "supplies",
			Description: "Printer paper",
			Confidence:  0.9,
		})
	default:
		slog.Error("Invalid scanner type", "type", *scannerType, "valid", "gemini, ollama or static")
		os.Exit(1)
	}
	defer scanner.Close()

	slog.Info("Initializing storage...", "path", *storagePath)
	storage, err := sandbox.NewLocalStorage(*storagePath)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}

	service := sandbox.NewService(store, scanner, storage, *delay)
	defer service.Close()

	server := sandbox.NewServer(service, sandbox.Auth{
		Username: *authUser,
		Password: *authPass,
		Token:    *authToken,
	})

	addr := fmt.Sprintf(":%d", *port)
	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s/api", addr), "scanner", scanner.Name())
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}
	if *authToken != "" {
		slog.Info("Bearer auth enabled")
	}

	if err := server.Start(ctx, addr); err != nil {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}
	slog.Info("Shutting down...")
}
