/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the HaulBid lead engine server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env (if present) and parse command-line flags
  2. Initialize SQLite store
  3. Wire pricing source (DB -> optional Redis cache -> in-process TTL)
  4. Create wallet ledger, lifecycle manager, settlement service
  5. Configure HTTP router, start expiry sweeper
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (default: 8080)
  -db      SQLite database path (default: haulbid.db)
           Use ":memory:" for in-memory database

ENVIRONMENT (flags win over environment):
  PORT                 HTTP server port
  DB_PATH              SQLite database path
  REDIS_ADDR           Optional Redis address for the pricing-config cache
  WEBHOOK_URL          Optional webhook endpoint for marketplace events
  WEBHOOK_SECRET       Secret header value sent with webhook deliveries
  SWEEP_INTERVAL       Expiry sweep interval (Go duration, default 1m)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the expiry sweeper
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/haulbid.db"

  # Run with in-memory database and Redis config cache
  REDIS_ADDR=localhost:6379 ./server -db=":memory:"

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/haulbid/lead-engine/api"
	"github.com/haulbid/lead-engine/lead"
	"github.com/haulbid/lead-engine/lifecycle"
	"github.com/haulbid/lead-engine/pricing"
	"github.com/haulbid/lead-engine/settlement"
	"github.com/haulbid/lead-engine/store/sqlite"
	"github.com/haulbid/lead-engine/wallet"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded configuration from .env")
	}

	// Flags, with environment fallbacks
	port := flag.Int("port", envInt("PORT", 8080), "HTTP server port")
	dbPath := flag.String("db", envStr("DB_PATH", "haulbid.db"), "SQLite database path")
	flag.Parse()

	// Initialize store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	// Pricing source chain: the DB holds the active config; Redis (when
	// configured) absorbs read traffic across instances; the in-process
	// TTL cache absorbs it within one instance.
	var source pricing.Source = store
	var redisSource *pricing.RedisSource
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr})
		redisSource = pricing.NewRedisSource(client, store, 5*time.Minute)
		source = redisSource
		log.Printf("Pricing config cache: redis at %s", addr)
	}
	cached := pricing.NewCachedSource(source, 30*time.Second)
	pricer := pricing.NewEngine(cached)

	// Event publisher
	var publisher *api.WebhookPublisher
	if url := os.Getenv("WEBHOOK_URL"); url != "" {
		publisher = api.NewWebhookPublisher([]api.WebhookEndpoint{{
			URL:    url,
			Secret: os.Getenv("WEBHOOK_SECRET"),
		}})
		log.Printf("Webhook events: %s", url)
	}

	// Notification sink. The log sink is always present; the fan-out is
	// where an email or SMS gateway plugs in alongside it.
	sink := &lead.FanOutSink{Sinks: []lead.NotificationSink{lead.LogSink{}}}

	// Domain services
	ledger := wallet.NewLedger(store)
	lc := lifecycle.NewManager(store, sink, eventPublisher(publisher))
	st := settlement.NewService(store, pricer, store, sink, eventPublisher(publisher))

	// HTTP handler
	handler := api.NewHandler(store, ledger, lc, st)
	handler.InvalidateConfig = func() {
		if redisSource != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			redisSource.Invalidate(ctx)
		}
	}

	// Expiry sweeper
	sweeper := api.NewExpirySweeper(lc)
	if v := os.Getenv("SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			sweeper.CheckInterval = d
		}
	}
	sweeper.Start()
	defer sweeper.Stop()

	// Create router and server
	router := api.NewRouter(handler)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("🚀 Server starting on http://localhost:%d", *port)
		log.Printf("📊 API available at http://localhost:%d/api", *port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// eventPublisher keeps a typed-nil *WebhookPublisher from reaching the
// services as a non-nil lead.EventPublisher.
func eventPublisher(p *api.WebhookPublisher) lead.EventPublisher {
	if p == nil {
		return nil
	}
	return p
}
