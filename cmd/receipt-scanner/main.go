package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/receipt-scanner/internal/gateway"
	"github.com/zombor/receipt-scanner/internal/imaging"
	"github.com/zombor/receipt-scanner/internal/receipt"
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

	_ = godotenv.Load() // Ignore error if .env doesn't exist

	fs := ff.NewFlagSet("receipt-scanner")
	var (
		port          = fs.IntLong("port", 8080, "HTTP server port")
		gatewayURL    = fs.StringLong("gateway-url", "", "WebSocket URL of the scanning gateway (wss://...)")
		maxFiles      = fs.IntLong("max-files", receipt.DefaultMaxFiles, "Maximum files in one session")
		maxFileSize   = fs.IntLong("max-file-size", int(receipt.DefaultMaxFileSize), "Maximum size of one file in bytes")
		concurrency   = fs.IntLong("convert-concurrency", imaging.DefaultConcurrency, "HEIC conversions run at once")
		uploadTimeout = fs.DurationLong("upload-timeout", 2*time.Minute, "Timeout for one object storage upload")
		previewStore  = fs.StringLong("preview-store", "bolt", "Preview store: 'bolt' or 'dir'")
		previewPath   = fs.StringLong("preview-path", filepath.Join(os.TempDir(), "receipt-scanner"), "Preview database file or directory")
		authUser      = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass      = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		logLevel      = fs.StringLong("log-level", "info", "Log level: debug, info, warn or error")
		showVersion   = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("RECEIPT_SCANNER"),
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

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "error: invalid log level %q\n", *logLevel)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	// Initialize preview store
	slog.Info("Initializing preview store...", "type", *previewStore, "path", *previewPath)
	previews, err := openPreviews(*previewStore, *previewPath)
	if err != nil {
		slog.Error("Failed to initialize preview store", "error", err)
		os.Exit(1)
	}
	defer previews.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := receipt.NewMetrics()
	deps := receipt.Deps{
		Previews:    previews,
		Normalizer:  imaging.NewNormalizer(*concurrency),
		Uploader:    gateway.NewUploader(&http.Client{Timeout: *uploadTimeout}),
		MaxFiles:    *maxFiles,
		MaxFileSize: int64(*maxFileSize),
		Metrics:     metrics,
	}
	if *gatewayURL != "" {
		url := *gatewayURL
		deps.Dial = func(ctx context.Context) (receipt.Channel, error) {
			ch, err := gateway.Dial(ctx, url, gateway.DefaultOptions())
			if err != nil {
				return nil, err
			}
			return ch, nil
		}
	} else {
		slog.Warn("No gateway URL configured; files can be collected but not scanned")
	}

	// Initialize service
	service := receipt.NewService(deps)
	if deps.Dial != nil {
		if err := service.Connect(ctx); err != nil {
			// Not fatal; the user can reconnect from the interface
			slog.Error("Failed to connect to gateway", "url", *gatewayURL, "error", err)
		}
	}

	go func() {
		if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("Message loop stopped", "error", err)
		}
	}()

	// Initialize server
	basicAuth := receipt.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	server := receipt.NewServer(service, metrics, basicAuth)

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
	<-ctx.Done()

	slog.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Failed to stop server", "error", err)
	}
	if err := service.Close(); err != nil {
		slog.Warn("Failed to close gateway channel", "error", err)
	}
	service.Reset()
}

func openPreviews(kind, path string) (receipt.Previews, error) {
	switch kind {
	case "bolt":
		if err := os.MkdirAll(path, 0755); err != nil {
			return nil, fmt.Errorf("creating preview directory: %w", err)
		}
		return receipt.NewBoltPreviews(filepath.Join(path, "previews.db"))
	case "dir":
		return receipt.NewDirPreviews(path)
	default:
		return nil, fmt.Errorf("invalid preview store %q, valid: bolt or dir", kind)
	}
}
