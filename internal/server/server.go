package server

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// ProxyPrefix selects the requests forwarded untouched to the homeserver.
const ProxyPrefix = "/_matrix/"

type Handler interface {
	Register(e *echo.Echo)
}

type Options struct {
	Addr     string
	Upstream *url.URL
	// Interceptor runs ahead of the pass-through proxy and may answer a
	// request itself.
	Interceptor echo.MiddlewareFunc
	Transport   http.RoundTripper
}

type Server struct {
	echo   *echo.Echo
	addr   string
	logger *slog.Logger
}

func NewServer(log *slog.Logger, opts Options, handlers ...Handler) *Server {
	if log == nil {
		log = slog.Default()
	}
	addr := opts.Addr
	if addr == "" {
		addr = ":8080"
	}
	logger := log.With(slog.String("component", "server"))

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus: true,
		LogURI:    true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("request",
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
				slog.String("remote_ip", c.RealIP()),
			)
			return nil
		},
	}))
	if opts.Interceptor != nil {
		e.Use(opts.Interceptor)
	}
	if opts.Upstream != nil {
		e.Use(middleware.ProxyWithConfig(middleware.ProxyConfig{
			Skipper: func(c echo.Context) bool {
				return !shouldProxy(c.Request().URL.Path)
			},
			Balancer: middleware.NewRoundRobinBalancer([]*middleware.ProxyTarget{
				{Name: "homeserver", URL: opts.Upstream},
			}),
			Transport: &upstreamTransport{base: opts.Transport},
		}))
	}

	for _, h := range handlers {
		if h != nil {
			h.Register(e)
		}
	}

	return &Server{
		echo:   e,
		addr:   addr,
		logger: logger,
	}
}

func (s *Server) Start() error {
	s.logger.Info("listening", slog.String("addr", s.addr))
	return s.echo.Start(s.addr)
}

func (s *Server) Stop(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

func shouldProxy(path string) bool {
	return strings.HasPrefix(path, ProxyPrefix)
}

// upstreamTransport drops the inbound Host so the homeserver sees its own name.
type upstreamTransport struct {
	base http.RoundTripper
}

func (t *upstreamTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	out := req.Clone(req.Context())
	out.Host = ""
	return base.RoundTrip(out)
}
