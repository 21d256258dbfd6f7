package server

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestShouldProxy(t *testing.T) {
	t.Parallel()

	cases := []struct {
		path string
		want bool
	}{
		{path: "/_matrix/client/v3/sync", want: true},
		{path: "/_matrix/media/v3/download/hs/abc", want: true},
		{path: "/_matrix", want: false},
		{path: "/ping", want: false},
		{path: "/_worker/ws", want: false},
	}

	for _, tc := range cases {
		got := shouldProxy(tc.path)
		if got != tc.want {
			t.Fatalf("path=%q want=%v got=%v", tc.path, tc.want, got)
		}
	}
}

type pingHandler struct{}

func (pingHandler) Register(e *echo.Echo) {
	e.GET("/ping", func(c echo.Context) error { return c.String(http.StatusOK, "pong") })
}

func TestPassThroughAndInterceptorOrder(t *testing.T) {
	t.Parallel()

	var upstreamHost atomic.Value
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamHost.Store(r.Host)
		_, _ = w.Write([]byte("upstream:" + r.URL.Path))
	}))
	t.Cleanup(upstream.Close)
	target, err := url.Parse(upstream.URL)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	intercept := func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Request().URL.Path == "/_matrix/media/v3/download/hs/abc" {
				return c.String(http.StatusOK, "intercepted")
			}
			return next(c)
		}
	}
	srv := NewServer(nil, Options{Upstream: target, Interceptor: intercept}, pingHandler{})
	front := httptest.NewServer(srv)
	t.Cleanup(front.Close)

	cases := []struct {
		path string
		want string
	}{
		{path: "/_matrix/client/v3/versions", want: "upstream:/_matrix/client/v3/versions"},
		{path: "/_matrix/media/v3/download/hs/abc", want: "intercepted"},
		{path: "/ping", want: "pong"},
	}
	for _, tc := range cases {
		resp, err := http.Get(front.URL + tc.path)
		if err != nil {
			t.Fatalf("get %s: %v", tc.path, err)
		}
		body := make([]byte, 128)
		n, _ := resp.Body.Read(body)
		_ = resp.Body.Close()
		if got := string(body[:n]); got != tc.want {
			t.Fatalf("path=%q want=%q got=%q", tc.path, tc.want, got)
		}
	}

	if got := upstreamHost.Load(); got != target.Host {
		t.Fatalf("upstream saw host %v, want %s", got, target.Host)
	}
}

func TestUnknownNonMatrixPathIsNotProxied(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	t.Cleanup(upstream.Close)
	target, _ := url.Parse(upstream.URL)

	srv := NewServer(nil, Options{Upstream: target})
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/elsewhere", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if hits.Load() != 0 {
		t.Fatalf("upstream should not be called")
	}
}
