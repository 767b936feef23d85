package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"chatmux/internal/config"
	"chatmux/internal/discovery"
	"chatmux/internal/dispatch"
	"chatmux/internal/imagestore"
	"chatmux/internal/metrics"
	"chatmux/internal/moderation"
	"chatmux/internal/ratelimit"
	"chatmux/internal/registry"
	"chatmux/internal/secrets"
	"chatmux/internal/server"
	"chatmux/internal/session"
	"chatmux/internal/transcript"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("controller_url", cfg.ControllerURL).
		Str("provider_config", cfg.ProviderConfigFile).
		Bool("vision_arena", cfg.VisionArena).
		Bool("moderation", cfg.Moderation.Enabled).
		Msg("starting chatmux gateway")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(cfg.Transcript.LogDir, 0o755); err != nil {
		log.Fatal().Err(err).Msg("failed to create log dir")
	}

	var keyring *secrets.Keyring
	if len(cfg.Crypto.Keys) > 0 {
		keyring, err = secrets.NewKeyring(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize credential keyring")
		}
	}

	static := map[string]registry.ProviderConfig{}
	if cfg.ProviderConfigFile != "" {
		static, err = registry.LoadStatic(cfg.ProviderConfigFile, keyring)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load provider config file")
		}
	}

	var store *transcript.Store
	if cfg.DB.DSN != "" {
		store, err = transcript.OpenStore(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate, "migrations")
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open transcript store")
		}
		defer store.Close()
	}

	var localLimiter *ratelimit.LocalLimiter
	if cfg.Redis.Addr != "" && cfg.Rate.PerHour > 0 {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Msg("failed to connect redis")
		}
		defer rdb.Close()
		localLimiter = ratelimit.NewLocalLimiter(rdb, cfg.Rate.PerHour)
	}

	disc := discovery.New(cfg.ControllerURL, &http.Client{Timeout: cfg.HTTP.ClientTimeout})
	reg := registry.New(registry.Config{
		Discovery:   disc,
		Static:      static,
		Priority:    cfg.ModelPriority,
		VisionArena: cfg.VisionArena,
		Logger:      log.Logger,
	})
	if _, err := reg.Rebuild(ctx); err != nil {
		log.Warn().Err(err).Msg("initial registry rebuild incomplete")
	}

	var moderator moderation.Moderator = moderation.Disabled{}
	if cfg.Moderation.Enabled {
		if cfg.Moderation.APIKey == "" {
			log.Fatal().Msg("ENABLE_MODERATION requires MODERATION_API_KEY")
		}
		moderator = moderation.NewOpenAI(cfg.Moderation.APIKey, log.Logger)
	}

	m := metrics.Global()
	transcripts := transcript.NewLogger(transcript.Config{
		Dir:       cfg.Transcript.LogDir,
		MirrorURL: cfg.Transcript.MirrorURL,
		Store:     store,
		Logger:    log.Logger,
	})

	// The stream client bounds only time-to-first-byte: once streaming has
	// begun, the backend connection lifetime is the limit.
	streamClient := &http.Client{
		Transport: &http.Transport{ResponseHeaderTimeout: cfg.HTTP.WorkerHeaderTimeout},
	}

	orchestrator := session.New(session.Config{
		Registry:             reg,
		Worker:               dispatch.NewWorkerStreamer(disc, streamClient, log.Logger),
		Provider:             dispatch.NewProviderStreamer(log.Logger),
		Moderator:            moderator,
		Oracle:               ratelimit.NewOracle(cfg.Rate.OracleURL, log.Logger),
		Local:                localLimiter,
		Transcripts:          transcripts,
		Images:               imagestore.New(cfg.Transcript.ImageDir, log.Logger),
		Metrics:              m,
		Logger:               log.Logger,
		MaxConcurrentStreams: cfg.Limits.MaxConcurrentStreams,
		InputCharLimit:       cfg.Limits.InputChars,
		TurnLimit:            cfg.Limits.Turns,
	})

	sessions := session.NewManager()
	api := server.New(server.Config{
		Orchestrator: orchestrator,
		Sessions:     sessions,
		Registry:     reg,
		Store:        store,
		Vision:       cfg.VisionArena,
		Logger:       log.Logger,
	})

	mux := http.NewServeMux()
	api.Register(mux)
	mux.HandleFunc(cfg.HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "ok %d sessions\n", sessions.Len())
	})
	mux.Handle(cfg.MetricsPath, promhttp.Handler())

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}

	log.Info().Msg("stopped")
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
