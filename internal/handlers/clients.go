package handlers

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/memohai/mxgate/internal/auth"
	"github.com/memohai/mxgate/internal/hub"
)

// ClientsPath is where foreground clients attach to the worker.
const ClientsPath = "/_worker/ws"

// ClientsHandler upgrades foreground client connections and hands them to
// the hub. With a JWT secret the client id comes from the token; otherwise
// from the client_id query parameter, or a fresh one is assigned.
type ClientsHandler struct {
	hub         *hub.Hub
	dispatch    hub.Dispatcher
	jwtSecret   string
	connectRate rate.Limit
	upgrader    websocket.Upgrader
	logger      *slog.Logger
}

func NewClientsHandler(log *slog.Logger, h *hub.Hub, dispatch hub.Dispatcher, jwtSecret string) *ClientsHandler {
	return &ClientsHandler{
		hub:       h,
		dispatch:  dispatch,
		jwtSecret: strings.TrimSpace(jwtSecret),
		upgrader: websocket.Upgrader{
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
		logger: log.With(slog.String("handler", "clients")),
	}
}

// LimitConnects caps upgrade attempts per remote address. Zero disables the limit.
func (h *ClientsHandler) LimitConnects(perSecond float64) *ClientsHandler {
	h.connectRate = rate.Limit(perSecond)
	return h
}

func (h *ClientsHandler) Register(e *echo.Echo) {
	var mw []echo.MiddlewareFunc
	if h.connectRate > 0 {
		store := middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
			Rate:  h.connectRate,
			Burst: max(1, int(h.connectRate)),
		})
		mw = append(mw, middleware.RateLimiter(store))
	}
	if h.jwtSecret != "" {
		mw = append(mw, auth.JWTMiddleware(h.jwtSecret, nil))
	}
	e.GET(ClientsPath, h.Connect, mw...)
}

func (h *ClientsHandler) Connect(c echo.Context) error {
	id, err := h.clientID(c)
	if err != nil {
		return err
	}
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return nil
	}
	if err := h.hub.Serve(id, conn, h.dispatch); err != nil {
		h.logger.Error("serve client failed", slog.String("client_id", id), slog.Any("error", err))
	}
	return nil
}

func (h *ClientsHandler) clientID(c echo.Context) (string, error) {
	if h.jwtSecret != "" {
		return auth.ClientIDFromContext(c)
	}
	if id := strings.TrimSpace(c.QueryParam("client_id")); id != "" {
		return id, nil
	}
	return uuid.NewString(), nil
}
