// Command bondd runs the proposal bond service. It loads configuration,
// validates it, wires dependencies, sets up signal handling, and starts the
// application in the configured mode.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alanyoungcy/proposalbond/internal/app"
	"github.com/alanyoungcy/proposalbond/internal/config"
	"github.com/alanyoungcy/proposalbond/internal/crypto"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	printConfig := flag.Bool("print-config", false, "print the effective configuration with secrets redacted and exit")
	encryptSecret := flag.Bool("encrypt-secret", false, "seal the secret read from stdin with $BONDD_SECRET_PASSWORD and print it")
	flag.Parse()

	if *encryptSecret {
		if err := sealSecret(os.Stdin, os.Stdout, os.Getenv("BONDD_SECRET_PASSWORD")); err != nil {
			fmt.Fprintf(os.Stderr, "encrypt-secret: %v\n", err)
			os.Exit(1)
		}
		return
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if *printConfig {
		fmt.Printf("%+v\n", config.RedactedConfig(cfg))
		return
	}

	logger.Info("bondd starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
	)

	application := app.New(cfg, logger)
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("application exited with error",
			slog.String("error", err.Error()),
		)
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		application.Close()
		os.Exit(1)
	}

	logger.Info("bondd stopped")
}

// sealSecret reads a secret from r and writes the sealed blob that
// governor.api_secret_file expects to w.
func sealSecret(r io.Reader, w io.Writer, password string) error {
	raw, err := io.ReadAll(io.LimitReader(r, 64<<10))
	if err != nil {
		return err
	}
	blob, err := crypto.EncryptSecret(strings.TrimSpace(string(raw)), password)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(blob))
	return err
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
