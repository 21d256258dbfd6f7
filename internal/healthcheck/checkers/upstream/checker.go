package upstreamchecker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/memohai/mxgate/internal/healthcheck"
	"github.com/memohai/mxgate/internal/media"
)

const (
	checkType    = "upstream.reachable"
	versionsPath = "/_matrix/client/versions"

	defaultTimeout = 5 * time.Second
)

// Checker probes the homeserver's unauthenticated versions endpoint.
type Checker struct {
	logger   *slog.Logger
	upstream *url.URL
	client   *http.Client
}

// NewChecker creates an upstream reachability checker. A nil client gets a
// short-timeout default.
func NewChecker(log *slog.Logger, upstream *url.URL, client *http.Client) *Checker {
	if log == nil {
		log = slog.Default()
	}
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &Checker{
		logger:   log.With(slog.String("checker", "healthcheck_upstream")),
		upstream: upstream,
		client:   client,
	}
}

// ListChecks returns a single upstream reachability result.
func (c *Checker) ListChecks(ctx context.Context) []healthcheck.CheckResult {
	item := healthcheck.CheckResult{
		ID:     checkType,
		Type:   checkType,
		Status: healthcheck.StatusError,
	}
	if c == nil || c.upstream == nil {
		item.Status = healthcheck.StatusUnknown
		item.Summary = "Homeserver is not configured."
		return []healthcheck.CheckResult{item}
	}
	target := c.upstream.ResolveReference(&url.URL{Path: versionsPath}).String()
	item.Metadata = map[string]any{"url": target}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		item.Summary = "Homeserver URL is invalid."
		item.Detail = err.Error()
		return []healthcheck.CheckResult{item}
	}
	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warn("homeserver probe failed", slog.Any("error", err))
		item.Summary = "Homeserver is unreachable."
		item.Detail = err.Error()
		return []healthcheck.CheckResult{item}
	}
	defer resp.Body.Close()
	item.Metadata["status_code"] = resp.StatusCode
	item.Metadata["latency_ms"] = time.Since(start).Milliseconds()

	if resp.StatusCode != http.StatusOK {
		body, _ := media.ReadTruncated(resp.Body, 512)
		item.Summary = fmt.Sprintf("Homeserver answered %d.", resp.StatusCode)
		item.Detail = body
		return []healthcheck.CheckResult{item}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	item.Status = healthcheck.StatusOK
	item.Summary = "Homeserver is reachable."
	return []healthcheck.CheckResult{item}
}
