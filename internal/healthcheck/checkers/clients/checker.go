package clientschecker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/memohai/mxgate/internal/healthcheck"
)

const checkType = "worker.clients"

// Counter reports a current size.
type Counter interface {
	Len() int
}

// Checker reports whether any foreground client can answer credential
// requests. Without one, intercepted media is fetched unauthenticated.
type Checker struct {
	logger  *slog.Logger
	clients Counter
	pending Counter
}

// NewChecker creates a foreground-client checker. pending may be nil.
func NewChecker(log *slog.Logger, clients, pending Counter) *Checker {
	if log == nil {
		log = slog.Default()
	}
	return &Checker{
		logger:  log.With(slog.String("checker", "healthcheck_clients")),
		clients: clients,
		pending: pending,
	}
}

// ListChecks returns a single foreground-client result.
func (c *Checker) ListChecks(_ context.Context) []healthcheck.CheckResult {
	item := healthcheck.CheckResult{
		ID:       checkType,
		Type:     checkType,
		Status:   healthcheck.StatusUnknown,
		Summary:  "Client registry is not available.",
		Metadata: map[string]any{},
	}
	if c == nil || c.clients == nil {
		return []healthcheck.CheckResult{item}
	}
	connected := c.clients.Len()
	item.Metadata["clients"] = connected
	if c.pending != nil {
		item.Metadata["pending"] = c.pending.Len()
	}
	if connected == 0 {
		item.Status = healthcheck.StatusWarn
		item.Summary = "No foreground client is connected."
		item.Detail = "Media requests are forwarded without credentials."
		return []healthcheck.CheckResult{item}
	}
	item.Status = healthcheck.StatusOK
	item.Summary = fmt.Sprintf("%d foreground client(s) connected.", connected)
	return []healthcheck.CheckResult{item}
}
