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

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/husainf4l/balsanagent/internal/config"
	"github.com/husainf4l/balsanagent/internal/hub"
	"github.com/husainf4l/balsanagent/internal/policy"
	"github.com/husainf4l/balsanagent/internal/relay"
	"github.com/husainf4l/balsanagent/internal/session"
	transport "github.com/husainf4l/balsanagent/internal/transport/http"
)

func main() {
	cfg := config.Load()

	log.Printf("Starting gateway...")
	log.Printf("Port: %d", cfg.GatewayPort)
	log.Printf("Agent URL: %s", cfg.AgentURL)
	log.Printf("Max concurrent streams: %d", cfg.MaxConcurrentStreams)
	log.Printf("Streaming enabled: %v", cfg.StreamingEnabled)

	// Session registry: SQLite when a database is configured, in-memory
	// otherwise.
	var registry session.Registry
	if cfg.DatabaseURL != "" {
		sqlite, err := session.NewSQLiteRegistry(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to open session database: %v", err)
		}
		registry = sqlite
		log.Printf("Session registry: sqlite (%s)", cfg.DatabaseURL)
	} else {
		registry = session.NewMemoryRegistry()
		log.Printf("Session registry: in-memory")
	}
	defer registry.Close()

	ctx := context.Background()
	admission, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		log.Fatalf("Failed to initialize admission policy: %v", err)
	}

	upstream := relay.NewHTTPUpstream(cfg.AgentURL)
	forwarder := relay.NewForwarder(upstream, registry, admission, relay.Options{
		MaxConcurrentStreams: cfg.MaxConcurrentStreams,
		IdleTimeout:          cfg.IdleTimeout,
		OpenTimeout:          cfg.OpenTimeout,
		MaxMessageChars:      cfg.MaxMessageChars,
		JoinSeparator:        cfg.JoinSeparator,
	})

	observerHub := hub.New()
	go observerHub.Run()

	h := transport.NewGatewayHandler(forwarder, registry, observerHub, cfg)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	h.RegisterRoutes(e)

	go func() {
		addr := fmt.Sprintf(":%d", cfg.GatewayPort)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start gateway server: %v", err)
		}
	}()
	log.Printf("Gateway started on port %d", cfg.GatewayPort)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down gateway...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown gracefully: %v", err)
	}
	log.Println("Gateway stopped")
}
