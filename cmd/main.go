package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"speech-orchestrator/internal/config"
	"speech-orchestrator/internal/external"
	"speech-orchestrator/internal/external/google"
	orchhttp "speech-orchestrator/internal/http"
	"speech-orchestrator/internal/observability"
	"speech-orchestrator/internal/observability/logging"
	"speech-orchestrator/internal/orchestrator"
	"speech-orchestrator/internal/pipeline"
	"speech-orchestrator/internal/quality"
	"speech-orchestrator/internal/resource"
)

// serviceTranscriber adapts an external service client into the
// pipeline's base transcriber capability.
type serviceTranscriber struct {
	svc external.Transcriber
}

func (b serviceTranscriber) Transcribe(ctx context.Context, audio []float32, sampleRate int, language string, _ quality.Settings) (pipeline.Transcript, error) {
	res, err := b.svc.Transcribe(ctx, audio, sampleRate, language)
	if err != nil {
		return pipeline.Transcript{}, err
	}
	return pipeline.Transcript{
		Text:             res.Text,
		Confidence:       res.Confidence,
		Language:         res.Language,
		ProcessingTimeMs: res.LatencyMs,
	}, nil
}

func main() {
	_ = godotenv.Load()

	cfg := config.Default()
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		loaded, err := config.LoadFile(path)
		if err != nil {
			log.Fatal().Err(err).Str("path", path).Msg("failed to load config")
		}
		cfg = loaded
	}

	logging.Init(logging.Config{
		Level:      cfg.Observability.LogLevel,
		Format:     cfg.Observability.LogFormat,
		TimeFormat: time.RFC3339,
	})

	base, cleanup := baseTranscriber()
	defer cleanup()

	probe := &resource.HostProbe{TotalMB: cfg.Orchestrator.MaxMemoryUsageMB}
	orch, err := orchestrator.New(cfg, orchestrator.Capabilities{Transcriber: base}, probe)
	if err != nil {
		log.Fatal().Err(err).Msg("orchestrator initialization refused")
	}

	if cfg.ExternalServices.Enabled {
		registerServices(orch.Integrator())
	}
	orch.Start()

	obsServer := observability.NewServer(":"+cfg.Service.ObsPort, orch.Running)
	obsServer.Start()

	apiServer := &http.Server{
		Addr:         ":" + cfg.Service.HTTPPort,
		Handler:      orchhttp.NewRouter(orch),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	go func() {
		log.Info().Str("addr", apiServer.Addr).Msg("API server started")
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("API server failed")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("API server shutdown failed")
	}
	orch.Shutdown()
	if err := obsServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("observability server shutdown failed")
	}
}

// baseTranscriber builds the base ASR backend over Google Cloud Speech.
func baseTranscriber() (pipeline.Transcriber, func()) {
	if os.Getenv("GOOGLE_APPLICATION_CREDENTIALS") == "" {
		log.Fatal().Msg("GOOGLE_APPLICATION_CREDENTIALS is required for the base transcriber")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	adapter, err := google.New(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("google speech client failed")
	}
	log.Info().Msg("using Google Cloud Speech as base transcriber")
	return serviceTranscriber{svc: adapter}, func() { _ = adapter.Close() }
}

// registerServices adds the configured external services to the
// integrator for fallback and fusion.
func registerServices(integrator *external.Integrator) {
	if os.Getenv("GOOGLE_APPLICATION_CREDENTIALS") == "" {
		log.Warn().Msg("external services enabled but no cloud credentials found")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	adapter, err := google.New(ctx)
	if err != nil {
		log.Error().Err(err).Msg("google speech service unavailable")
		return
	}
	if err := integrator.AddService(adapter); err != nil {
		log.Error().Err(err).Msg("failed to register google speech service")
	}
}
