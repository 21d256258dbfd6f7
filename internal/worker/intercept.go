package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/memohai/mxgate/internal/correlation"
	"github.com/memohai/mxgate/internal/media"
)

// Middleware intercepts media GETs and leaves every other request to next.
func (w *Worker) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !Intercepts(c.Request()) {
				return next(c)
			}
			return w.ServeMedia(c)
		}
	}
}

// ServeMedia performs one intercepted media fetch. Upstream failures become a
// synthetic 500 rather than an error returned to echo.
func (w *Worker) ServeMedia(c echo.Context) error {
	req := c.Request()
	ctx := req.Context()
	target := w.upstreamURL(req.URL)

	token := w.credential(ctx, w.clientID(req))

	if w.caps != nil {
		w.caps.Refresh(ctx, w.upstream.Scheme+"://"+w.upstream.Host, token)
		if w.caps.Rewrite(target) {
			w.logger.Debug("rewrote to authenticated media", slog.String("path", target.Path))
		}
	}

	resp, err := w.fetch(ctx, target, token)
	if err != nil {
		return w.fail(c, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, readErr := media.ReadTruncated(resp.Body, w.maxErrorBody)
		if readErr != nil {
			w.logger.Debug("read upstream error body failed", slog.Any("error", readErr))
		}
		return w.fail(c, &UpstreamError{
			StatusCode: resp.StatusCode,
			StatusText: statusText(resp),
			Body:       body,
		})
	}

	copyEndToEndHeaders(c.Response().Header(), resp.Header)
	c.Response().WriteHeader(resp.StatusCode)
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		w.logger.Debug("copy media body interrupted", slog.String("path", target.Path), slog.Any("error", err))
	}
	return nil
}

// hopHeaders are scoped to a single connection and never forwarded
// (RFC 7230 section 6.1).
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// copyEndToEndHeaders adds src to dst, leaving out hop-by-hop headers and any
// header named in src's Connection field.
func copyEndToEndHeaders(dst, src http.Header) {
	skip := make(map[string]struct{}, len(hopHeaders))
	for _, name := range hopHeaders {
		skip[name] = struct{}{}
	}
	for _, field := range src.Values("Connection") {
		for _, name := range strings.Split(field, ",") {
			if name = strings.TrimSpace(name); name != "" {
				skip[http.CanonicalHeaderKey(name)] = struct{}{}
			}
		}
	}
	for key, values := range src {
		if _, hop := skip[http.CanonicalHeaderKey(key)]; hop {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

// credential asks the originating client for its token. Every failure is
// logged and yields an empty token so the fetch proceeds unauthenticated.
func (w *Worker) credential(ctx context.Context, clientID string) string {
	if clientID == "" {
		w.logger.Warn("media request without client id", slog.Any("error", ErrClientNotFound))
		return ""
	}
	client, ok := w.clients.Lookup(clientID)
	if !ok {
		w.logger.Warn("media request from unknown client", slog.String("client_id", clientID), slog.Any("error", ErrClientNotFound))
		return ""
	}
	reply, err := w.table.Request(ctx, client)
	if err != nil {
		var rejected *correlation.RejectedError
		switch {
		case errors.As(err, &rejected):
			w.logger.Warn("client has no credential", slog.String("client_id", clientID), slog.String("reason", rejected.Message))
		case errors.Is(err, correlation.ErrCredentialTimeout), errors.Is(err, correlation.ErrSendFailed):
			w.logger.Warn("credential unavailable", slog.String("client_id", clientID), slog.Any("error", err))
		default:
			w.logger.Debug("credential wait aborted", slog.String("client_id", clientID), slog.Any("error", err))
		}
		return ""
	}
	return reply.AccessToken
}

func (w *Worker) fetch(ctx context.Context, target *url.URL, token string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch media: %w", err)
	}
	return resp, nil
}

func (w *Worker) fail(c echo.Context, err error) error {
	w.logger.Error("handle media request failed", slog.String("path", c.Request().URL.Path), slog.Any("error", err))
	return c.String(http.StatusInternalServerError, "Failed to load media content: "+err.Error())
}

func (w *Worker) clientID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(w.clientHeader)); id != "" {
		return id
	}
	return strings.TrimSpace(r.URL.Query().Get(clientQueryParam))
}

// upstreamURL maps an incoming request URL onto the homeserver, dropping the
// client_id routing parameter.
func (w *Worker) upstreamURL(in *url.URL) *url.URL {
	out := *w.upstream
	out.Path = strings.TrimRight(w.upstream.Path, "/") + in.Path
	out.RawPath = ""
	query := in.Query()
	query.Del(clientQueryParam)
	out.RawQuery = query.Encode()
	out.Fragment = ""
	return &out
}

func statusText(resp *http.Response) string {
	if text, ok := strings.CutPrefix(resp.Status, fmt.Sprintf("%d ", resp.StatusCode)); ok && text != "" {
		return text
	}
	return http.StatusText(resp.StatusCode)
}
