package worker

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/mxgate/internal/correlation"
	"github.com/memohai/mxgate/internal/protocol"
)

// answeringClient replies to every auth request through the worker's
// dispatcher, the way a connected foreground client would.
type answeringClient struct {
	id      string
	worker  *Worker
	reply   func(req protocol.AuthRequest) (protocol.AuthResponse, bool)
	sendErr error
	sent    atomic.Int32
}

func (c *answeringClient) ID() string { return c.id }

func (c *answeringClient) PostMessage(msg protocol.Message) error {
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent.Add(1)
	req, ok := msg.(protocol.AuthRequest)
	if !ok || c.reply == nil {
		return nil
	}
	resp, ok := c.reply(req)
	if !ok {
		return nil
	}
	go c.worker.Dispatch(c.id, resp)
	return nil
}

type staticLocator struct {
	mu      sync.Mutex
	clients map[string]correlation.Messenger
}

func (l *staticLocator) Lookup(id string) (correlation.Messenger, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.clients[id]
	return c, ok
}

type upstreamCall struct {
	path          string
	query         string
	authorization string
}

type fakeHomeserver struct {
	srv   *httptest.Server
	mu    sync.Mutex
	calls []upstreamCall
}

func newFakeHomeserver(t *testing.T, handler http.HandlerFunc) *fakeHomeserver {
	t.Helper()
	hs := &fakeHomeserver{}
	hs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hs.mu.Lock()
		hs.calls = append(hs.calls, upstreamCall{
			path:          r.URL.Path,
			query:         r.URL.RawQuery,
			authorization: r.Header.Get("Authorization"),
		})
		hs.mu.Unlock()
		handler(w, r)
	}))
	t.Cleanup(hs.srv.Close)
	return hs
}

func (hs *fakeHomeserver) recorded() []upstreamCall {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return append([]upstreamCall(nil), hs.calls...)
}

func serveImage(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write([]byte("png-bytes"))
}

type fixture struct {
	worker  *Worker
	clients *staticLocator
	echo    *echo.Echo
}

func newFixture(t *testing.T, hs *fakeHomeserver, opts ...correlation.Option) *fixture {
	t.Helper()
	upstream, err := url.Parse(hs.srv.URL)
	require.NoError(t, err)
	clients := &staticLocator{clients: map[string]correlation.Messenger{}}
	w, err := New(nil, correlation.NewTable(nil, opts...), clients, Options{Upstream: upstream})
	require.NoError(t, err)

	e := echo.New()
	e.Use(w.Middleware())
	e.Any("/*", func(c echo.Context) error {
		return c.String(http.StatusTeapot, "passed through")
	})
	return &fixture{worker: w, clients: clients, echo: e}
}

func (f *fixture) addClient(c *answeringClient) {
	c.worker = f.worker
	f.clients.mu.Lock()
	f.clients.clients[c.id] = c
	f.clients.mu.Unlock()
}

func (f *fixture) do(method, target string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.echo.ServeHTTP(rec, req)
	return rec
}

func TestIntercepts(t *testing.T) {
	t.Parallel()

	cases := []struct {
		method string
		path   string
		want   bool
	}{
		{http.MethodGet, "/_matrix/media/v3/download/serverX/abc", true},
		{http.MethodGet, "/_matrix/media/v3/thumbnail/serverX/abc?width=32&height=32", true},
		{http.MethodGet, "/_matrix/client/v1/media/download/serverX/abc", true},
		{http.MethodGet, "/unrelated/path", false},
		{http.MethodGet, "/_matrix/client/v3/sync", false},
		{http.MethodPost, "/_matrix/media/v3/download/serverX/abc", false},
		{http.MethodHead, "/_matrix/media/v3/download/serverX/abc", false},
	}
	for _, tc := range cases {
		got := Intercepts(httptest.NewRequest(tc.method, tc.path, nil))
		if got != tc.want {
			t.Fatalf("%s %s: want=%v got=%v", tc.method, tc.path, tc.want, got)
		}
	}
}

func TestSuccessfulRoundTripAttachesBearer(t *testing.T) {
	t.Parallel()

	hs := newFakeHomeserver(t, serveImage)
	f := newFixture(t, hs, correlation.WithIDGenerator(func() string { return "r1" }))
	var seen atomic.Value
	f.addClient(&answeringClient{id: "tab-1", reply: func(req protocol.AuthRequest) (protocol.AuthResponse, bool) {
		seen.Store(req.RequestID)
		return protocol.AuthResponse{RequestID: req.RequestID, AccessToken: "tok"}, true
	}})

	rec := f.do(http.MethodGet, "/_matrix/media/v3/download/serverX/abc?allow_redirect=true", map[string]string{DefaultClientHeader: "tab-1"})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "png-bytes", rec.Body.String())
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, "r1", seen.Load())

	calls := hs.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, "Bearer tok", calls[0].authorization)
	assert.Equal(t, "/_matrix/media/v3/download/serverX/abc", calls[0].path)
	assert.Equal(t, "allow_redirect=true", calls[0].query)
	assert.Equal(t, 0, f.worker.Pending())
}

func TestHopByHopHeadersAreDropped(t *testing.T) {
	t.Parallel()

	hs := newFakeHomeserver(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Connection", "X-Upstream-Hop")
		w.Header().Set("Keep-Alive", "timeout=5")
		w.Header().Set("X-Upstream-Hop", "1")
		w.Header().Set("Cache-Control", "max-age=60")
		serveImage(w, nil)
	})
	f := newFixture(t, hs)

	rec := f.do(http.MethodGet, "/_matrix/media/v3/download/serverX/abc", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "png-bytes", rec.Body.String())
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, "max-age=60", rec.Header().Get("Cache-Control"))
	assert.Empty(t, rec.Header().Get("Connection"))
	assert.Empty(t, rec.Header().Get("Keep-Alive"))
	assert.Empty(t, rec.Header().Get("X-Upstream-Hop"))
}

func TestCopyEndToEndHeaders(t *testing.T) {
	t.Parallel()

	src := http.Header{}
	src.Set("Connection", "close, x-custom-hop")
	src.Set("Transfer-Encoding", "chunked")
	src.Set("Upgrade", "websocket")
	src.Set("Proxy-Authenticate", "Basic")
	src.Set("Trailer", "X-Checksum")
	src.Set("X-Custom-Hop", "drop")
	src.Set("Content-Length", "9")
	src.Add("Vary", "Accept")
	src.Add("Vary", "Origin")

	dst := http.Header{}
	copyEndToEndHeaders(dst, src)

	assert.Equal(t, http.Header{
		"Content-Length": {"9"},
		"Vary":           {"Accept", "Origin"},
	}, dst)
}

func TestClientIDFromQuery(t *testing.T) {
	t.Parallel()

	hs := newFakeHomeserver(t, serveImage)
	f := newFixture(t, hs)
	f.addClient(&answeringClient{id: "tab-2", reply: func(req protocol.AuthRequest) (protocol.AuthResponse, bool) {
		return protocol.AuthResponse{RequestID: req.RequestID, AccessToken: "tok2"}, true
	}})

	rec := f.do(http.MethodGet, "/_matrix/client/v1/media/thumbnail/serverX/abc?client_id=tab-2&width=64", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	calls := hs.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, "Bearer tok2", calls[0].authorization)
	assert.Equal(t, "width=64", calls[0].query)
}

func TestRejectedCredentialFetchesWithoutAuthorization(t *testing.T) {
	t.Parallel()

	hs := newFakeHomeserver(t, serveImage)
	f := newFixture(t, hs)
	f.addClient(&answeringClient{id: "tab-1", reply: func(req protocol.AuthRequest) (protocol.AuthResponse, bool) {
		return protocol.AuthResponse{RequestID: req.RequestID, Error: protocol.NoAccessTokenError}, true
	}})

	rec := f.do(http.MethodGet, "/_matrix/media/v3/download/serverX/abc", map[string]string{DefaultClientHeader: "tab-1"})

	assert.Equal(t, http.StatusOK, rec.Code)
	calls := hs.recorded()
	require.Len(t, calls, 1)
	assert.Empty(t, calls[0].authorization)
}

func TestUnknownClientFetchesWithoutAuthorization(t *testing.T) {
	t.Parallel()

	hs := newFakeHomeserver(t, serveImage)
	f := newFixture(t, hs)

	rec := f.do(http.MethodGet, "/_matrix/media/v3/thumbnail/serverX/abc", map[string]string{DefaultClientHeader: "ghost"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodGet, "/_matrix/media/v3/thumbnail/serverX/abc", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	calls := hs.recorded()
	require.Len(t, calls, 2)
	for _, call := range calls {
		assert.Empty(t, call.authorization)
	}
}

func TestCredentialTimeoutFetchesWithoutAuthorization(t *testing.T) {
	t.Parallel()

	hs := newFakeHomeserver(t, serveImage)
	f := newFixture(t, hs, correlation.WithTimeout(20*time.Millisecond))
	silent := &answeringClient{id: "tab-1"}
	f.addClient(silent)

	rec := f.do(http.MethodGet, "/_matrix/media/v3/download/serverX/abc", map[string]string{DefaultClientHeader: "tab-1"})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, silent.sent.Load())
	calls := hs.recorded()
	require.Len(t, calls, 1)
	assert.Empty(t, calls[0].authorization)
	assert.Equal(t, 0, f.worker.Pending())
}

func TestSendFailureFetchesWithoutAuthorization(t *testing.T) {
	t.Parallel()

	hs := newFakeHomeserver(t, serveImage)
	f := newFixture(t, hs, correlation.WithTimeout(time.Hour))
	f.addClient(&answeringClient{id: "tab-1", sendErr: errors.New("gone")})

	start := time.Now()
	rec := f.do(http.MethodGet, "/_matrix/media/v3/download/serverX/abc", map[string]string{DefaultClientHeader: "tab-1"})

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, http.StatusOK, rec.Code)
	calls := hs.recorded()
	require.Len(t, calls, 1)
	assert.Empty(t, calls[0].authorization)
	assert.Equal(t, 0, f.worker.Pending())
}

func TestUpstreamErrorBecomesSynthetic500(t *testing.T) {
	t.Parallel()

	hs := newFakeHomeserver(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("not found"))
	})
	f := newFixture(t, hs)
	f.addClient(&answeringClient{id: "tab-1", reply: func(req protocol.AuthRequest) (protocol.AuthResponse, bool) {
		return protocol.AuthResponse{RequestID: req.RequestID, AccessToken: "tok"}, true
	}})

	rec := f.do(http.MethodGet, "/_matrix/media/v3/download/serverX/missing", map[string]string{DefaultClientHeader: "tab-1"})

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "404")
	assert.Contains(t, rec.Body.String(), "Not Found")
	assert.Contains(t, rec.Body.String(), "not found")
	assert.Len(t, hs.recorded(), 1, "no retry on upstream failure")
}

func TestUnreachableUpstreamBecomesSynthetic500(t *testing.T) {
	t.Parallel()

	hs := newFakeHomeserver(t, serveImage)
	f := newFixture(t, hs)
	hs.srv.Close()

	rec := f.do(http.MethodGet, "/_matrix/media/v3/download/serverX/abc", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "Failed to load media content")
}

func TestNonMatchingRequestsPassThrough(t *testing.T) {
	t.Parallel()

	hs := newFakeHomeserver(t, serveImage)
	f := newFixture(t, hs)
	client := &answeringClient{id: "tab-1"}
	f.addClient(client)

	rec := f.do(http.MethodGet, "/unrelated/path", map[string]string{DefaultClientHeader: "tab-1"})
	assert.Equal(t, http.StatusTeapot, rec.Code)

	rec = f.do(http.MethodPost, "/_matrix/media/v3/download/serverX/abc", map[string]string{DefaultClientHeader: "tab-1"})
	assert.Equal(t, http.StatusTeapot, rec.Code)

	assert.Empty(t, hs.recorded())
	assert.EqualValues(t, 0, client.sent.Load())
	assert.Equal(t, 0, f.worker.Pending())
}

func TestDispatchIgnoresUnknownReplies(t *testing.T) {
	t.Parallel()

	hs := newFakeHomeserver(t, serveImage)
	f := newFixture(t, hs)
	assert.NotPanics(t, func() {
		f.worker.Dispatch("tab-1", protocol.AuthResponse{RequestID: "nobody", AccessToken: "tok"})
		f.worker.Dispatch("tab-1", protocol.AuthRequest{RequestID: "r1"})
		f.worker.Dispatch("tab-1", protocol.Hello{ClientID: "tab-1"})
	})
}

func TestUpstreamErrorMessage(t *testing.T) {
	t.Parallel()

	err := &UpstreamError{StatusCode: 404, StatusText: "Not Found", Body: "not found"}
	assert.Equal(t, "Failed to fetch media: 404 Not Found - not found", err.Error())
}
