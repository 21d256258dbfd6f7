// Package worker implements the interception worker: it recognizes media
// requests, fetches a credential from a foreground client and replays the
// request against the homeserver with that credential attached.
package worker

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/memohai/mxgate/internal/capability"
	"github.com/memohai/mxgate/internal/correlation"
	"github.com/memohai/mxgate/internal/media"
	"github.com/memohai/mxgate/internal/protocol"
)

// Intercepted path prefixes.
const (
	MediaDownloadPrefix  = "/_matrix/media/v3/download"
	MediaThumbnailPrefix = "/_matrix/media/v3/thumbnail"
	MediaAuthedPrefix    = "/_matrix/client/v1/media"
)

const (
	// DefaultClientHeader carries the foreground connection id on media requests.
	DefaultClientHeader = "X-Client-ID"
	clientQueryParam    = "client_id"
)

// ErrClientNotFound indicates the request named no connected foreground client.
var ErrClientNotFound = errors.New("client not found")

// UpstreamError describes a non-2xx answer from the homeserver.
type UpstreamError struct {
	StatusCode int
	StatusText string
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("Failed to fetch media: %d %s - %s", e.StatusCode, e.StatusText, e.Body)
}

// ClientLocator finds a connected foreground client by connection id.
type ClientLocator interface {
	Lookup(id string) (correlation.Messenger, bool)
}

// Options configures a Worker.
type Options struct {
	Upstream     *url.URL
	HTTPClient   *http.Client
	ClientHeader string
	MaxErrorBody int64
	// Capabilities enables legacy-to-authenticated media rewriting. Nil disables it.
	Capabilities *capability.Cache
}

// Worker owns the correlation table and the media interception pipeline.
type Worker struct {
	table        *correlation.Table
	clients      ClientLocator
	upstream     *url.URL
	httpClient   *http.Client
	clientHeader string
	maxErrorBody int64
	caps         *capability.Cache
	logger       *slog.Logger
}

// New creates a worker.
func New(log *slog.Logger, table *correlation.Table, clients ClientLocator, opts Options) (*Worker, error) {
	if log == nil {
		log = slog.Default()
	}
	if table == nil {
		return nil, fmt.Errorf("correlation table is required")
	}
	if clients == nil {
		return nil, fmt.Errorf("client locator is required")
	}
	if opts.Upstream == nil || opts.Upstream.Host == "" {
		return nil, fmt.Errorf("upstream url is required")
	}
	w := &Worker{
		table:        table,
		clients:      clients,
		upstream:     opts.Upstream,
		httpClient:   opts.HTTPClient,
		clientHeader: strings.TrimSpace(opts.ClientHeader),
		maxErrorBody: opts.MaxErrorBody,
		caps:         opts.Capabilities,
		logger:       log.With(slog.String("component", "worker")),
	}
	if w.httpClient == nil {
		w.httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if w.clientHeader == "" {
		w.clientHeader = DefaultClientHeader
	}
	if w.maxErrorBody <= 0 {
		w.maxErrorBody = media.MaxErrorBodyBytes
	}
	return w, nil
}

// Pending reports how many credential requests are in flight.
func (w *Worker) Pending() int {
	return w.table.Len()
}

// Dispatch handles one message from a foreground client. Replies are matched
// by request id alone, so clientID is only used for logging.
func (w *Worker) Dispatch(clientID string, msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.AuthResponse:
		if err := w.table.Resolve(m); err != nil {
			w.logger.Debug("discard auth response", slog.String("client_id", clientID), slog.Any("error", err))
		}
	case protocol.AuthRequest, protocol.Hello:
		w.logger.Warn("unexpected message from client",
			slog.String("client_id", clientID),
			slog.String("type", string(msg.MessageType())),
		)
	default:
		w.logger.Warn("unhandled message", slog.String("client_id", clientID), slog.String("type", fmt.Sprintf("%T", msg)))
	}
}

// Intercepts reports whether r is a media GET the worker must handle.
func Intercepts(r *http.Request) bool {
	if r == nil || r.URL == nil || r.Method != http.MethodGet {
		return false
	}
	return hasAnyPrefix(r.URL.Path, []string{MediaDownloadPrefix, MediaThumbnailPrefix, MediaAuthedPrefix})
}

func hasAnyPrefix(path string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
