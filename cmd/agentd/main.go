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

	"github.com/husainf4l/balsanagent/internal/agent"
	"github.com/husainf4l/balsanagent/internal/config"
	transport "github.com/husainf4l/balsanagent/internal/transport/http"
)

func main() {
	cfg := config.Load()

	log.Printf("Starting agent service...")
	log.Printf("Port: %d", cfg.AgentPort)
	log.Printf("Stream delay: %s", cfg.StreamDelay)
	log.Printf("Response words: %d", cfg.ResponseWords)

	generator := agent.NewLoremGenerator(cfg.ResponseWords, cfg.StreamDelay)
	producer := agent.NewProducer(generator)
	h := transport.NewAgentHandler(producer)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	h.RegisterRoutes(e)

	go func() {
		addr := fmt.Sprintf(":%d", cfg.AgentPort)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start agent server: %v", err)
		}
	}()
	log.Printf("Agent service started on port %d", cfg.AgentPort)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down agent service...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown gracefully: %v", err)
	}
	log.Println("Agent service stopped")
}
