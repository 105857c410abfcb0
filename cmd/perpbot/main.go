// Command perpbot runs the perpetual futures execution bot. It loads
// configuration, validates it, wires dependencies, sets up signal handling and
// starts the application in the configured mode.
//
// The encrypt-secret subcommand seals an exchange API secret for use with
// exchange.encrypted_secret_path:
//
//	perpbot encrypt-secret -out secret.json < secret.txt
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alanyoungcy/perpbot/internal/app"
	"github.com/alanyoungcy/perpbot/internal/config"
	"github.com/alanyoungcy/perpbot/internal/crypto"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "encrypt-secret" {
		if err := encryptSecret(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "encrypt-secret: %v\n", err)
			os.Exit(1)
		}
		return
	}

	configPath := flag.String("config", "config.toml", "path to configuration file")
	flag.Parse()

	// Setup structured JSON logger.
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

	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	// Reconcile mode prints its report on stdout, so logs go to stderr.
	out := os.Stdout
	if strings.EqualFold(cfg.Mode, "reconcile") {
		out = os.Stderr
	}
	logger = slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("perpbot starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
	)
	logger.Debug("effective configuration", slog.Any("config", config.RedactedConfig(cfg)))

	application := app.New(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	err = application.Run(ctx)
	stop()
	application.Close()
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("application exited with error", slog.String("error", err.Error()))
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}

	logger.Info("perpbot stopped")
}

// encryptSecret reads a secret from stdin and writes it sealed with the
// password from PERPBOT_EXCHANGE_SECRET_PASSWORD.
func encryptSecret(args []string) error {
	fs := flag.NewFlagSet("encrypt-secret", flag.ContinueOnError)
	outPath := fs.String("out", "exchange_secret.json", "sealed secret output path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	password := os.Getenv("PERPBOT_EXCHANGE_SECRET_PASSWORD")
	if password == "" {
		return errors.New("PERPBOT_EXCHANGE_SECRET_PASSWORD is not set")
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return fmt.Errorf("read secret: %w", err)
	}
	if err := crypto.SealToFile(*outPath, strings.TrimSpace(line), password); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "sealed secret written to %s\n", *outPath)
	return nil
}
