package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Tellivision/newsletter/internal/api"
	"github.com/Tellivision/newsletter/internal/auth"
	"github.com/Tellivision/newsletter/internal/config"
	"github.com/Tellivision/newsletter/internal/dispatch"
	"github.com/Tellivision/newsletter/internal/mailer"
	"github.com/Tellivision/newsletter/internal/schedule"
)

func main() {
	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	baseURL := fmt.Sprintf("http://%s:%d", cfg.Server.GetHost(), cfg.Server.Port)
	if v := os.Getenv("BASE_URL"); v != "" {
		baseURL = v
	}

	authManager := auth.NewManager(&cfg.Auth, baseURL)
	authManager.CleanupExpiredSessions()

	// Schedule store: Redis when configured, otherwise process memory.
	var store schedule.Store
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(context.Background()).Err(); err != nil {
			log.Fatalf("Redis unreachable at %s: %v", cfg.Redis.Addr, err)
		}
		store = schedule.NewRedisStore(client)
		log.Printf("Schedule store: redis (%s)", cfg.Redis.Addr)
	} else {
		store = schedule.NewMemoryStore()
		log.Println("Schedule store: in-memory (scheduled jobs do not survive restarts)")
	}

	var provider mailer.Provider
	switch cfg.Mailer.Provider {
	case "ses":
		sesProvider, err := mailer.NewSESProvider(context.Background(), cfg.Mailer.SES)
		if err != nil {
			log.Fatalf("Failed to initialize SES mailer: %v", err)
		}
		provider = sesProvider
		log.Printf("Mail provider: ses (%s)", cfg.Mailer.SES.Region)
	case "gmail":
		provider = mailer.GmailProvider{}
		log.Println("Mail provider: gmail")
	default:
		log.Fatalf("Unknown mailer provider %q (expected gmail or ses)", cfg.Mailer.Provider)
	}

	coordinator := dispatch.New(cfg.Dispatch, cfg.Mailer.Timeout())

	var executor *schedule.Executor
	if cfg.Scheduler.Enabled {
		executor = schedule.NewExecutor(store, coordinator, provider, authManager, cfg.Scheduler.PollInterval())
		if err := executor.Start(); err != nil {
			log.Fatalf("Failed to start schedule executor: %v", err)
		}
		log.Printf("Schedule executor started (poll interval %s)", cfg.Scheduler.PollInterval())
	}

	handlers := api.NewHandlers(authManager, authManager, store, coordinator, provider)
	server := api.NewServer(cfg.Server, handlers, authManager)

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Server.GetHost(), cfg.Server.Port)
		log.Printf("Starting server on %s", addr)
		if err := server.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-done
	log.Println("Shutting down...")

	if executor != nil {
		executor.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	log.Println("Server stopped")
}
