package main

import (
	"context"
	"embed"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sjawhar/visit-scribe/internal/audio"
	"github.com/sjawhar/visit-scribe/internal/config"
	"github.com/sjawhar/visit-scribe/internal/gdrive"
	"github.com/sjawhar/visit-scribe/internal/llm"
	"github.com/sjawhar/visit-scribe/internal/logging"
	"github.com/sjawhar/visit-scribe/internal/metrics"
	"github.com/sjawhar/visit-scribe/internal/server"
	"github.com/sjawhar/visit-scribe/internal/session"
	"github.com/sjawhar/visit-scribe/internal/storage"
	"github.com/sjawhar/visit-scribe/internal/summary"
	"github.com/sjawhar/visit-scribe/internal/transcribe"
)

//go:embed static/*
var staticFiles embed.FS

const (
	driveSyncInterval  = 5 * time.Minute
	summaryTemperature = 0.2
)

func main() {
	configPath := flag.String("config", envOrDefault(config.EnvPrefix+"CONFIG", "visit-scribe.yaml"), "path to the YAML config file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "visit-scribe: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, warnings, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logs, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer func() { _ = logs.Close() }()
	logger := logs.Logger
	slog.SetDefault(logger)

	logger.Info("visit-scribe: starting", "config", configPath, "log", logs.Path)
	for _, w := range warnings {
		logger.Warn("config warning", "warning", w)
	}

	store, err := storage.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("storage init failed: %w", err)
	}
	defer func() { _ = store.Close() }()

	assets, err := fs.Sub(staticFiles, "static")
	if err != nil {
		return fmt.Errorf("static assets init failed: %w", err)
	}

	teardown, err := audio.InitPortAudio()
	if err != nil {
		logger.Warn("portaudio unavailable, capture requests will fail", "err", err)
	}
	defer teardown()

	hub := server.NewHub(logger.With("component", "hub"))
	stats := metrics.New()

	uploader, err := buildUploader(cfg, logger)
	if err != nil {
		return err
	}
	generator := buildGenerator(cfg, store, logger)

	source := audio.NewPortAudioSource(cfg.SampleRateCandidates(), 0, logger.With("component", "mic"))
	manager := session.NewManager(source, captureConfig(cfg), session.Deps{
		Store:     store,
		Archiver:  audio.NewArchiver(cfg.AudioDir),
		Uploader:  uploader,
		Generator: generator,
		Notes:     storage.NewWriter(cfg.NotesDir),
		Hub:       hub,
		Metrics:   stats,
		Logger:    logger.With("component", "session"),
	})

	controls := server.ControlHooks{
		Start:       manager.Start,
		Stop:        manager.Stop,
		Status:      manager.Status,
		Warnings:    func() []string { return warnings },
		Resummarize: manager.Resummarize,
	}
	if presets, ok := generator.(session.PresetGenerator); ok {
		controls.Presets = presets.PresetNames
	}

	handler, err := server.Handler(assets, hub, store, controls, server.Options{
		Logger:   logger.With("component", "http"),
		Metrics:  stats.Handler(),
		AudioDir: cfg.AudioDir,
	})
	if err != nil {
		return fmt.Errorf("build http handler failed: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Serve(gctx, cfg.ListenAddr, handler, logger.With("component", "http"))
	})

	if cfg.GDriveFolderID != "" {
		syncer, syncErr := gdrive.NewSyncer(gctx, cfg.GoogleCredentialsFile, cfg.GDriveFolderID, logger.With("component", "gdrive"))
		if syncErr != nil {
			logger.Warn("gdrive sync disabled", "err", syncErr)
		} else {
			g.Go(func() error {
				return syncer.Run(gctx, cfg.NotesDir, driveSyncInterval)
			})
		}
	}

	<-gctx.Done()
	logger.Info("visit-scribe: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn("capture shutdown incomplete", "err", err)
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func captureConfig(cfg config.Config) session.CaptureConfig {
	t := cfg.Timings()
	return session.CaptureConfig{
		SilenceThreshold: uint8(cfg.Capture.SilenceThreshold),
		QuietDuration:    t.QuietDuration,
		ChunkInterval:    t.ChunkInterval,
		TickInterval:     t.TickInterval,
		FlushDelay:       t.FlushDelay,
		SettleDelay:      t.SettleDelay,
		MaxDuration:      t.MaxDuration,
		Analyser: audio.AnalyserConfig{
			FFTSize:   cfg.Capture.FFTSize,
			Smoothing: cfg.Capture.Smoothing,
		},
	}
}

// buildUploader returns nil when transcription is disabled.
func buildUploader(cfg config.Config, logger *slog.Logger) (session.Uploader, error) {
	timeout := cfg.TranscriptionTimeout()
	switch cfg.Transcription.Backend {
	case "backend":
		return transcribe.NewBackendUploader(cfg.BackendURL, timeout, logger.With("component", "upload")), nil
	case "whisper":
		return transcribe.NewWhisperUploader(transcribe.WhisperConfig{
			APIKey:   cfg.OpenAIAPIKey,
			Model:    cfg.Transcription.Model,
			Language: cfg.Transcription.Language,
		}), nil
	case "deepgram":
		return transcribe.NewDeepgramUploader(transcribe.DeepgramConfig{
			APIKey:   cfg.DeepgramAPIKey,
			Model:    deepgramModel(cfg.Transcription.Model),
			Language: cfg.Transcription.Language,
			MaxWait:  timeout,
		}, logger.With("component", "deepgram")), nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown transcription backend %q", cfg.Transcription.Backend)
	}
}

// deepgramModel drops the Whisper default so the Deepgram uploader picks its own.
func deepgramModel(model string) string {
	if strings.HasPrefix(model, "whisper") {
		return ""
	}
	return model
}

// buildGenerator returns nil when summaries are disabled.
func buildGenerator(cfg config.Config, store summary.IdempotencyStore, logger *slog.Logger) session.SummaryGenerator {
	switch cfg.Summarization.Backend {
	case "llm":
		factory := func(provider, model string) (llm.Client, error) {
			return llm.NewClient(provider, cfg.APIKeyFor(provider), model, llm.WithJSONOutput(), llm.WithTemperature(summaryTemperature))
		}
		return summary.NewGenerator(cfg.Summarization, factory, store, logger.With("component", "summary"))
	case "backend":
		return summary.NewBackendGenerator(cfg.BackendURL, cfg.TranscriptionTimeout(), logger.With("component", "summary"))
	default:
		return nil
	}
}

func envOrDefault(key, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
