package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"triviastream"
)

func main() {
	cfg, err := triviastream.LoadConfig()
	if err != nil {
		fallback := zerolog.New(os.Stderr)
		fallback.Fatal().Err(err).Msg("Failed to load config")
	}

	log := triviastream.SetupLogger(cfg.Log.Level, cfg.Log.Format)

	if cfg.LLM.APIKey == "" {
		log.Warn().Msg("OPENROUTER_API_KEY is not set; generation requests will fail")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ─── Session Store ─────────────────────────────────────────────────
	var (
		store  triviastream.SessionStore
		sqlite *triviastream.SQLiteStore
	)
	switch cfg.Sessions.Backend {
	case "sqlite":
		sqlite, err = triviastream.OpenDB(cfg.Sessions.SQLitePath)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open database")
		}
		defer sqlite.CloseDB()
		store = sqlite
	case "redis":
		rdb, err := triviastream.NewRedisClient(ctx, cfg.Sessions.RedisURL, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer rdb.Close()
		store = triviastream.NewRedisStore(rdb, cfg.Sessions.TTL)
	default:
		store = triviastream.NewMemoryStore()
	}
	log.Info().Str("backend", cfg.Sessions.Backend).Msg("Session store ready")

	// ─── Generation Pipeline ───────────────────────────────────────────
	transcripts, err := triviastream.NewLLMLogger(cfg.Log.LLMDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up LLM transcripts")
	}
	maker := triviastream.NewQuestionMaker(cfg.LLM.Provider(), cfg.LLM.WordLimits(), transcripts, log)
	pool := triviastream.NewRunPool(cfg.LLM.RunCacheTTL, log)
	generator := triviastream.NewQuizGenerator(maker, pool, log)

	server := triviastream.NewServer(generator, store, triviastream.ServerOptions{
		GinMode:        cfg.Server.GinMode,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		SessionSecret:  cfg.Sessions.Secret,
		SessionTTL:     cfg.Sessions.TTL,
		SettleDelay:    triviastream.DefaultSettleDelay,
	}, log)
	defer server.Close()

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		purgeSessions(gCtx, server, cfg.Sessions.TTL, log)
		return nil
	})

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	g.Go(func() error {
		<-gCtx.Done()
		log.Info().Msg("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("Server error")
	}
	log.Info().Msg("Shutdown complete")
}

// purgeSessions removes expired sessions until ctx ends.
func purgeSessions(ctx context.Context, server *triviastream.Server, ttl time.Duration, log zerolog.Logger) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := server.PurgeExpired(ctx, ttl)
			if err != nil {
				log.Error().Err(err).Msg("Session purge failed")
				continue
			}
			if n > 0 {
				log.Info().Int64("rows", n).Msg("Purged expired sessions")
			}
		}
	}
}
