package handlers

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/memohai/mxgate/internal/healthcheck"
)

type HealthHandler struct {
	checkers []healthcheck.Checker
	logger   *slog.Logger
}

type HealthResponse struct {
	Status string                    `json:"status"`
	Checks []healthcheck.CheckResult `json:"checks"`
}

func NewHealthHandler(log *slog.Logger, checkers ...healthcheck.Checker) *HealthHandler {
	return &HealthHandler{
		checkers: checkers,
		logger:   log.With(slog.String("handler", "health")),
	}
}

func (h *HealthHandler) Register(e *echo.Echo) {
	e.GET("/health", h.Health)
}

// Health reports every check. Only an error status turns the response into 503.
func (h *HealthHandler) Health(c echo.Context) error {
	checks := healthcheck.Run(c.Request().Context(), h.checkers...)
	if checks == nil {
		checks = []healthcheck.CheckResult{}
	}
	resp := HealthResponse{Status: healthcheck.Overall(checks), Checks: checks}
	code := http.StatusOK
	if resp.Status == healthcheck.StatusError {
		h.logger.Warn("health check failing", slog.Int("checks", len(checks)))
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, resp)
}
