package http

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/husainf4l/balsanagent/internal/agent"
	"github.com/husainf4l/balsanagent/internal/domain"
	"github.com/husainf4l/balsanagent/internal/sse"
)

// AgentHandler exposes the producer over the wire protocol.
type AgentHandler struct {
	producer *agent.Producer
}

// NewAgentHandler creates the agent-side handler.
func NewAgentHandler(producer *agent.Producer) *AgentHandler {
	return &AgentHandler{producer: producer}
}

// RegisterRoutes registers the agent routes with the echo server.
func (h *AgentHandler) RegisterRoutes(e *echo.Echo) {
	e.POST("/invoke", h.Invoke)
	e.GET("/health", h.Health)
}

// Health returns service status.
// GET /health
func (h *AgentHandler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
}

// Invoke runs one generation and streams the events back.
// POST /invoke
func (h *AgentHandler) Invoke(c echo.Context) error {
	var req domain.StreamRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if strings.TrimSpace(req.Message) == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": domain.ErrEmptyMessage.Error()})
	}

	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().WriteHeader(http.StatusOK)

	writer := c.Response().Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusInternalServerError, "streaming not supported")
	}

	writer.Write([]byte(": ok\n\n"))
	flusher.Flush()

	ctx := c.Request().Context()
	for event := range h.producer.Stream(ctx, req) {
		if _, err := writer.Write(sse.Encode(event)); err != nil {
			// Client gone; the request context unwinds the producer.
			return nil
		}
		flusher.Flush()
	}
	return nil
}
