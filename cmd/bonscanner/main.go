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
	"time"

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/bonscanner/internal/baserow"
	"github.com/zombor/bonscanner/internal/metrics"
	"github.com/zombor/bonscanner/internal/receipt"
	"github.com/zombor/bonscanner/internal/scanning"
	"github.com/zombor/bonscanner/internal/settings"
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

	// A missing .env is fine
	_ = godotenv.Load()

	fs := ff.NewFlagSet("bonscanner")
	var (
		port          = fs.IntLong("port", 8080, "HTTP server port")
		dbPath        = fs.StringLong("db", "bonscanner.db", "Settings database file path; empty keeps settings in memory only")
		scannerType   = fs.StringLong("scanner", "gemini", "Scanner type: 'gemini' or 'ollama'")
		geminiKey     = fs.StringLong("gemini-key", "", "Default Google Gemini API key; the key from the settings form takes precedence")
		geminiModel   = fs.StringLong("gemini-model", scanning.DefaultGeminiModel, "Google Gemini model name")
		ollamaURL     = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel   = fs.StringLong("ollama-model", "llava", "Ollama model name (e.g., llava, qwen2-vl)")
		authUser      = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass      = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		sessionTTL    = fs.DurationLong("session-ttl", receipt.DefaultSessionTTL, "How long an idle scan session is kept")
		supplierField = fs.StringLong("supplier-field", baserow.DefaultSupplierField, "Baserow column for the supplier name ('Leverancier' or 'Tankstation')")
		logFormat     = fs.StringLong("log-format", "text", "Log format: 'text' or 'json'")
		showVersion   = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("BONSCANNER"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	switch *logFormat {
	case "json":
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))
	case "text":
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))
	default:
		fmt.Fprintf(os.Stderr, "error: invalid log format %q, want text or json\n", *logFormat)
		os.Exit(1)
	}

	if err := run(config{
		addr:          fmt.Sprintf(":%d", *port),
		dbPath:        *dbPath,
		scannerType:   *scannerType,
		geminiKey:     *geminiKey,
		geminiModel:   *geminiModel,
		ollamaURL:     *ollamaURL,
		ollamaModel:   *ollamaModel,
		basicAuth:     receipt.BasicAuth{Username: *authUser, Password: *authPass},
		sessionTTL:    *sessionTTL,
		supplierField: *supplierField,
	}); err != nil {
		slog.Error("Fatal error", "error", err)
		os.Exit(1)
	}
}

type config struct {
	addr          string
	dbPath        string
	scannerType   string
	geminiKey     string
	geminiModel   string
	ollamaURL     string
	ollamaModel   string
	basicAuth     receipt.BasicAuth
	sessionTTL    time.Duration
	supplierField string
}

func newScanner(cfg config) (scanning.Scanner, error) {
	switch cfg.scannerType {
	case "gemini":
		apiKey := cfg.geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		slog.Info("Initializing Gemini scanner...", "model", cfg.geminiModel, "default_key", apiKey != "")
		return scanning.NewGemini(apiKey, cfg.geminiModel)
	case "ollama":
		slog.Info("Initializing Ollama scanner...", "url", cfg.ollamaURL, "model", cfg.ollamaModel)
		return scanning.NewOllama(cfg.ollamaURL, cfg.ollamaModel)
	}
	return nil, fmt.Errorf("invalid scanner type %q, want gemini or ollama", cfg.scannerType)
}

func run(cfg config) error {
	var store settings.Store
	if cfg.dbPath == "" {
		slog.Warn("No settings database configured, settings are lost on restart")
		store = settings.NewMemoryStore(settings.Settings{})
	} else {
		slog.Info("Opening settings database...", "path", cfg.dbPath)
		boltStore, err := settings.NewBoltStore(cfg.dbPath)
		if err != nil {
			return fmt.Errorf("opening settings: %w", err)
		}
		defer boltStore.Close()
		store = boltStore
	}

	manager, err := settings.NewManager(store)
	if err != nil {
		return err
	}
	if !manager.Get().HasPersistence() {
		slog.Warn("Baserow is not configured yet, open the settings in the app")
	}

	scanner, err := newScanner(cfg)
	if err != nil {
		return fmt.Errorf("initializing scanner: %w", err)
	}
	defer scanner.Close()

	auditLogger := baserow.NewAuditLogger(nil)
	// Flush pending audit rows before exit
	defer auditLogger.Wait()

	m := metrics.New()
	service := receipt.NewService(receipt.Deps{
		Scanner:    scanner,
		Persister:  baserow.NewPersister(cfg.supplierField, nil),
		Settings:   manager,
		Audit:      auditLogger,
		Recorder:   m,
		SessionTTL: cfg.sessionTTL,
	})
	server := receipt.NewServer(service, manager, m.Handler(), cfg.basicAuth)

	if cfg.basicAuth.Username != "" || cfg.basicAuth.Password != "" {
		slog.Info("Basic auth enabled", "user", cfg.basicAuth.Username)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Server started", "address", "http://localhost"+cfg.addr, "version", version)
	return server.Start(ctx, cfg.addr)
}
