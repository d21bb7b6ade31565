// Package main is the entry point for the embed gateway.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mediflow-ai/chat-embed-gateway/internal/config"
	"github.com/mediflow-ai/chat-embed-gateway/internal/dify"
	"github.com/mediflow-ai/chat-embed-gateway/internal/handler"
	"github.com/mediflow-ai/chat-embed-gateway/internal/llm"
	"github.com/mediflow-ai/chat-embed-gateway/internal/middleware"
	natsclient "github.com/mediflow-ai/chat-embed-gateway/internal/nats"
	"github.com/mediflow-ai/chat-embed-gateway/internal/service"
	"github.com/mediflow-ai/chat-embed-gateway/internal/store"
	"github.com/mediflow-ai/chat-embed-gateway/pkg/logger"
	"github.com/mediflow-ai/chat-embed-gateway/pkg/tracing"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting embed gateway")

	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "chat-embed-gateway", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// Durable state. A broken store file degrades to in-memory state so
	// the widget still works; only persistence across restarts is lost.
	var st store.Store
	bolt, err := store.OpenBolt(cfg.StorePath)
	if err != nil {
		log.Warn("failed to open store, running in-memory", zap.String("path", cfg.StorePath), zap.Error(err))
		st = store.NewMemory()
	} else {
		st = bolt
	}
	defer st.Close()

	// Journal, optional.
	var journal service.Journal
	if cfg.NATSURL != "" {
		nc, err := natsclient.Connect(natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			log.Warn("failed to connect to NATS, journal disabled", zap.Error(err))
		} else {
			defer nc.Close()
			j, err := natsclient.NewJournal(ctx, nc)
			if err != nil {
				log.Warn("failed to create journal", zap.Error(err))
			} else {
				journal = j
			}
		}
	}

	// Title generation, optional.
	titler := newTitler(cfg, log)

	backend := dify.NewClient(dify.Config{
		BaseURL:     cfg.DifyAPIBaseURL,
		APIKey:      cfg.DifyAPIKey,
		DefaultUser: "embed-gateway",
		Timeout:     cfg.DifyTimeout,
	}, log)

	recency := service.NewRecordTypeRecency(st)
	history := service.NewHistoryCache(st, recency)
	manager := service.NewSessionManager(st, recency, cfg.SessionTTL)
	controller := service.NewController(backend, history, titler, journal, log)

	// Idle session sweeper.
	sweepDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(cfg.SweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				manager.Sweep()
			case <-sweepDone:
				return
			}
		}
	}()
	defer close(sweepDone)

	healthHandler := handler.NewHealthHandler(st)
	sessionHandler := handler.NewSessionHandler(manager, controller, log, cfg.JWTSecret, cfg.JWTExpiration, cfg.DefaultAppID)
	chatHandler := handler.NewChatHandler(manager, controller, log)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS())

	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/sessions", sessionHandler.Create)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(cfg.JWTSecret))
			r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

			r.Route("/session", func(r chi.Router) {
				r.Get("/history", sessionHandler.History)
				r.Get("/conversations", sessionHandler.Conversations)
				r.Post("/conversation", sessionHandler.Switch)
				r.Post("/reset", sessionHandler.Reset)
				r.Put("/context", sessionHandler.UpdateContext)
				r.Post("/messages", chatHandler.Send)
			})

			r.Post("/messages/{id}/feedbacks", chatHandler.Feedback)
		})
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}

// newTitler builds the optional title-generation client.
func newTitler(cfg *config.Config, log *logger.Logger) service.Titler {
	var client llm.Client
	var err error
	switch {
	case cfg.AnthropicAPIKey != "":
		client, err = llm.NewAnthropicClient(cfg.AnthropicAPIKey)
	case cfg.OpenAIAPIKey != "":
		client, err = llm.NewOpenAIClient(cfg.OpenAIAPIKey)
	default:
		return nil
	}
	if err != nil {
		log.Warn("failed to create LLM client, title generation disabled", zap.Error(err))
		return nil
	}
	return llm.NewTitler(client, cfg.TitleModel)
}
