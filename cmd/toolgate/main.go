// ABOUTME: Entry point for the toolgate protocol server.
// ABOUTME: Loads config, wires the server, and translates OS signals to stop.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/toolgate/internal/builtins"
	"github.com/2389/toolgate/internal/config"
	"github.com/2389/toolgate/internal/server"
)

// version is set by goreleaser at build time.
var version = "dev"

const banner = `
  _              _            _
 | |_ ___   ___ | | __ _  __ _| |_ ___
 | __/ _ \ / _ \| |/ _' |/ _' | __/ _ \
 | || (_) | (_) | | (_| | (_| | ||  __/
  \__\___/ \___/|_|\__, |\__,_|\__\___|
                   |___/
`

// getConfigPath returns the path to the toolgate config file.
// Priority: TOOLGATE_CONFIG env var > XDG_CONFIG_HOME/toolgate/toolgate.yaml
// > ~/.config/toolgate/toolgate.yaml
func getConfigPath() string {
	if envPath := os.Getenv("TOOLGATE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "toolgate.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "toolgate", "toolgate.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: toolgate <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve      Start the protocol server")
		fmt.Println("  version    Print the version")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Load configuration; fall back to defaults when no file exists so a
	// bare `toolgate serve` speaks stdio out of the box.
	cfg := config.Default()
	if _, statErr := os.Stat(configPath); statErr == nil {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	// The banner goes to stderr: stdout may be the protocol stream.
	if !cfg.Transports.Stdio.Enabled {
		cyan := color.New(color.FgCyan)
		cyan.Fprint(os.Stderr, banner)
		gray := color.New(color.FgHiBlack)
		gray.Fprintf(os.Stderr, "    version: %s\n\n", version)

		green := color.New(color.FgGreen)
		green.Fprint(os.Stderr, "    ▶ ")
		fmt.Fprintf(os.Stderr, "Config:    %s\n", configPath)
		if cfg.Transports.HTTP.Enabled {
			green.Fprint(os.Stderr, "    ▶ ")
			fmt.Fprintf(os.Stderr, "HTTP:      %s\n", cfg.Transports.HTTP.Addr)
		}
		if cfg.Transports.WebSocket.Enabled {
			green.Fprint(os.Stderr, "    ▶ ")
			fmt.Fprintf(os.Stderr, "WebSocket: %s\n", cfg.Transports.WebSocket.Addr)
		}
		fmt.Fprintln(os.Stderr)
	}

	srv, err := server.New(server.Options{
		Config:        cfg,
		Logger:        logger,
		ServerName:    "toolgate",
		ServerVersion: version,
	})
	if err != nil {
		return fmt.Errorf("constructing server: %w", err)
	}

	if err := builtins.Register(srv.Registry()); err != nil {
		return fmt.Errorf("registering builtins: %w", err)
	}

	// Signals trigger Stop exactly once even if delivered repeatedly.
	var stopOnce sync.Once
	go func() {
		<-ctx.Done()
		stopOnce.Do(srv.Stop)
	}()

	logger.Info("starting toolgate", "version", version, "config", configPath)
	return srv.Start(ctx)
}

// setupLogger builds the process logger from config. Logs go to stderr so
// they never interleave with a stdio protocol stream on stdout.
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
