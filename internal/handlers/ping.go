package handlers

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Counter reports a current size, such as connected clients or pending requests.
type Counter interface {
	Len() int
}

// CounterFunc adapts a function to Counter.
type CounterFunc func() int

func (f CounterFunc) Len() int { return f() }

type PingHandler struct {
	clients Counter
	pending Counter
	logger  *slog.Logger
}

type PingResponse struct {
	Status  string `json:"status"`
	Clients int    `json:"clients"`
	Pending int    `json:"pending"`
}

func NewPingHandler(log *slog.Logger, clients, pending Counter) *PingHandler {
	return &PingHandler{
		clients: clients,
		pending: pending,
		logger:  log.With(slog.String("handler", "ping")),
	}
}

func (h *PingHandler) Register(e *echo.Echo) {
	e.GET("/ping", h.Ping)
	e.HEAD("/health", h.PingHead)
}

func (h *PingHandler) Ping(c echo.Context) error {
	resp := PingResponse{Status: "ok"}
	if h.clients != nil {
		resp.Clients = h.clients.Len()
	}
	if h.pending != nil {
		resp.Pending = h.pending.Len()
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *PingHandler) PingHead(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}
