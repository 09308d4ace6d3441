package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	httpapi "github.com/collabwire/collabwire/internal/api/http"
	"github.com/collabwire/collabwire/internal/config"
	"github.com/collabwire/collabwire/internal/service"
	"github.com/collabwire/collabwire/internal/store"
	"github.com/collabwire/collabwire/lib/logger/sl"
	"github.com/collabwire/collabwire/lib/logger/slogpretty"
)

func main() {
	_ = godotenv.Load(".env")

	cfg := config.MustLoad()
	log := setupLogger(cfg.Env)

	registry := store.NewRegistry()
	registry.SetChatHistory(cfg.Collab.ChatHistory)

	collabService := service.NewCollabService(registry, log)
	collabService.SetMaxMessageLength(cfg.Collab.MaxMessageLength)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reaper := service.NewReaper(registry, log,
		cfg.Collab.ReapInterval,
		cfg.Collab.SessionTimeout,
		cfg.Collab.PresenceTimeout,
	)
	go reaper.Run(ctx)

	hub := httpapi.NewHub(log)
	controller := httpapi.NewCollabController(collabService, hub, httpapi.HeaderIdentity{}, log)
	router := httpapi.SetupRouter(controller, cfg.HTTP.AllowedOrigins)

	log.Info("starting application", slog.String("addr", cfg.HTTP.Address))
	if err := router.Run(cfg.HTTP.Address); err != nil {
		log.Error("http server stopped", sl.Err(err))
		os.Exit(1)
	}
}

const (
	envLocal = "local"
	envDev   = "dev"
	envProd  = "prod"
)

func setupLogger(env string) *slog.Logger {
	var log *slog.Logger

	switch env {
	case envLocal:
		log = setupPrettySlog()
	case envDev:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envProd:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	default:
		log = setupPrettySlog()
	}

	return log
}

func setupPrettySlog() *slog.Logger {
	opts := slogpretty.PrettyHandlerOptions{
		SlogOpts: &slog.HandlerOptions{
			Level: slog.LevelDebug,
		},
	}

	handler := opts.NewPrettyHandler(os.Stdout)

	return slog.New(handler)
}
