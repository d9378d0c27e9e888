// Package http provides the HTTP surfaces of the gateway and agent services.
package http

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/husainf4l/balsanagent/internal/config"
	"github.com/husainf4l/balsanagent/internal/domain"
	"github.com/husainf4l/balsanagent/internal/hub"
	"github.com/husainf4l/balsanagent/internal/relay"
	"github.com/husainf4l/balsanagent/internal/session"
	"github.com/husainf4l/balsanagent/internal/sse"
)

const (
	wsPingInterval = 30 * time.Second
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 60 * time.Second
)

// GatewayHandler handles the public chat API.
type GatewayHandler struct {
	forwarder *relay.Forwarder
	registry  session.Registry
	hub       *hub.Hub
	cfg       *config.Config
	upgrader  websocket.Upgrader
}

// NewGatewayHandler creates the gateway handler. hub may be nil to disable
// the observer endpoint.
func NewGatewayHandler(forwarder *relay.Forwarder, registry session.Registry, h *hub.Hub, cfg *config.Config) *GatewayHandler {
	return &GatewayHandler{
		forwarder: forwarder,
		registry:  registry,
		hub:       h,
		cfg:       cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// RegisterRoutes registers the gateway routes with the echo server.
func (h *GatewayHandler) RegisterRoutes(e *echo.Echo) {
	e.POST("/api/chat", h.Chat)
	e.POST("/api/chat/stream", h.StreamChat)
	e.POST("/api/sessions", h.CreateSession)
	e.GET("/api/sessions/:session_id/history", h.GetHistory)
	e.DELETE("/api/sessions/:session_id", h.ClearSession)
	e.GET("/health", h.Health)
	if h.hub != nil {
		e.GET("/ws", h.ObserveSession)
	}
}

// Health returns service status.
// GET /health
func (h *GatewayHandler) Health(c echo.Context) error {
	status := map[string]interface{}{
		"status":         "healthy",
		"active_streams": h.forwarder.Active(),
	}
	if h.hub != nil {
		status["observers"] = h.hub.ObserverCount()
	}
	return c.JSON(http.StatusOK, status)
}

// Chat handles the non-streaming endpoint: it consumes the same relay core
// and buffers until the terminal event.
// POST /api/chat
func (h *GatewayHandler) Chat(c echo.Context) error {
	var req domain.StreamRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	return h.bufferedChat(c, req)
}

// bufferedChat runs one relay to completion and replies with the assembled
// response. The request is taken pre-decoded so the streaming handler can
// delegate here after it has already consumed the body.
func (h *GatewayHandler) bufferedChat(c echo.Context, req domain.StreamRequest) error {
	ctx := c.Request().Context()
	if err := h.forwarder.Validate(ctx, req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	result, err := h.forwarder.Relay(ctx, req, func(domain.StreamEvent) error { return nil })
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, domain.ChatResponse{
		Response:  result.Response,
		SessionID: result.SessionID,
		Error:     result.Err,
	})
}

// StreamChat handles the streaming endpoint.
// POST /api/chat/stream
func (h *GatewayHandler) StreamChat(c echo.Context) error {
	var req domain.StreamRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	if !h.cfg.StreamingEnabled {
		return h.bufferedChat(c, req)
	}

	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)

	writer := c.Response().Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusInternalServerError, "streaming not supported")
	}

	// Leading comment defeats intermediary buffering; consumers skip it.
	writer.Write([]byte(": ok\n\n"))
	flusher.Flush()

	writeFrame := func(event domain.StreamEvent) error {
		if _, err := writer.Write(sse.Encode(event)); err != nil {
			return err
		}
		flusher.Flush()
		if h.hub != nil {
			h.hub.Mirror(event.SessionID, event)
		}
		return nil
	}

	ctx := c.Request().Context()
	if _, err := h.forwarder.Relay(ctx, req, writeFrame); err != nil {
		// Request never became a stream; the rejection still uses the
		// uniform event vocabulary.
		writeFrame(domain.ErrorEvent(req.SessionID, err.Error()))
	}
	return nil
}

// CreateSession creates (or confirms) a session.
// POST /api/sessions
func (h *GatewayHandler) CreateSession(c echo.Context) error {
	var req struct {
		SessionID string `json:"session_id"`
	}
	// An empty body is a request for a fresh session.
	_ = c.Bind(&req)

	created, err := h.registry.Create(c.Request().Context(), req.SessionID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]string{"session_id": created.SessionID})
}

// GetHistory returns the turn history of a session.
// GET /api/sessions/:session_id/history
func (h *GatewayHandler) GetHistory(c echo.Context) error {
	sessionID := c.Param("session_id")

	history, err := h.registry.History(c.Request().Context(), sessionID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"history":    history,
	})
}

// ClearSession destroys a session and returns the replacement id.
// DELETE /api/sessions/:session_id
func (h *GatewayHandler) ClearSession(c echo.Context) error {
	sessionID := c.Param("session_id")

	newID, err := h.registry.Clear(c.Request().Context(), sessionID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]string{"session_id": newID})
}

// ObserveSession upgrades to WebSocket and mirrors a session's stream
// events to the observer.
// GET /ws?session_id=...
func (h *GatewayHandler) ObserveSession(c echo.Context) error {
	sessionID := c.QueryParam("session_id")
	if sessionID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "session_id is required"})
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Printf("ERROR: websocket upgrade failed: %v", err)
		return err
	}

	obs := h.hub.NewObserver(ws, sessionID)
	h.hub.Register(obs)

	go h.writePump(obs)
	go h.readPump(obs)
	return nil
}

func (h *GatewayHandler) readPump(obs *hub.Observer) {
	defer func() {
		h.hub.Unregister(obs)
		obs.Conn.Close()
	}()

	obs.Conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	obs.Conn.SetPongHandler(func(string) error {
		obs.Conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	// Observers only listen; reads exist to notice the close.
	for {
		if _, _, err := obs.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("WARN: observer read error: %v", err)
			}
			return
		}
	}
}

func (h *GatewayHandler) writePump(obs *hub.Observer) {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		obs.Conn.Close()
	}()

	for {
		select {
		case data, ok := <-obs.Send:
			obs.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if !ok {
				obs.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := obs.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			obs.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := obs.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
