package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/svv2602/call-center-sub002/internal/banner"
	"github.com/svv2602/call-center-sub002/internal/callcenter/app"
	"github.com/svv2602/call-center-sub002/internal/callcenter/config"
	"github.com/svv2602/call-center-sub002/internal/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	// Initialize logger
	logger.InitLogger(os.Stdout)
	logger.SetLevel(cfg.LogLevel)

	banner.Print("Call Center Voice Backend", []banner.ConfigLine{
		{Label: "AudioSocket", Value: cfg.ListenAddr},
		{Label: "HTTP API", Value: cfg.HTTPAddr},
		{Label: "gRPC health", Value: cfg.GRPCAddr},
		{Label: "Sample rate", Value: strconv.Itoa(cfg.SampleRate)},
		{Label: "Max calls", Value: strconv.Itoa(cfg.MaxCalls)},
		{Label: "Redis", Value: cfg.RedisAddr},
		{Label: "Recognizer", Value: cfg.STTURL},
		{Label: "Language model", Value: cfg.LLMProvider},
		{Label: "Call control", Value: cfg.CallCtlURL},
		{Label: "Log level", Value: logger.GetLevel()},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Create server
	cc, err := app.NewServer(ctx, cfg, app.Components{})
	if err != nil {
		slog.Error("Failed to create call center", "error", err)
		os.Exit(1)
	}
	defer cc.Close()

	if err := cc.Start(ctx); err != nil {
		slog.Error("Failed to start call center", "error", err)
		os.Exit(1)
	}
	slog.Info("Call center ready", "audiosocket", cc.ListenAddr().String(), "api", cc.HTTPAddr().String())

	run(ctx, cc, cfg)
}

func run(ctx context.Context, cc *app.CallCenter, cfg *config.Config) {
	// Wait for signal, SIGHUP reloads the voice
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			cc.ReloadVoice(ctx, config.LoadVoice(cfg.Voice, os.Getenv))
			continue
		}
		slog.Info("Received signal, shutting down", "signal", sig)
		break
	}
	signal.Stop(sigChan)

	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := cc.Shutdown(sctx); err != nil {
		slog.Warn("Shutdown incomplete", "error", err)
	}
}
