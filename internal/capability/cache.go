// Package capability remembers which homeservers support authenticated media
// and rewrites legacy media URLs for those that do.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	// DefaultTTL is how long a probe result stays valid.
	DefaultTTL = 2 * time.Hour
	// DefaultRefreshWindow is how close to expiry an entry is re-probed.
	DefaultRefreshWindow = 5 * time.Minute
	// AuthedMediaVersion is the client-server API version that introduced authenticated media.
	AuthedMediaVersion = "v1.11"

	versionsPath = "/_matrix/client/versions"
)

var legacyMediaPath = regexp.MustCompile(`/media/v3/(.*)/`)

// Entry is the cached capability record of one origin.
type Entry struct {
	SupportsAuthedMedia bool
	ExpiresAt           time.Time
}

// Options configures a Cache.
type Options struct {
	TTL           time.Duration
	RefreshWindow time.Duration
	HTTPClient    *http.Client
	Now           func() time.Time
}

// Cache maps a server origin to its capability entry.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Entry
	ttl     time.Duration
	window  time.Duration
	client  *http.Client
	now     func() time.Time
	logger  *slog.Logger
}

// NewCache creates an empty cache.
func NewCache(log *slog.Logger, opts Options) *Cache {
	if log == nil {
		log = slog.Default()
	}
	c := &Cache{
		entries: map[string]Entry{},
		ttl:     opts.TTL,
		window:  opts.RefreshWindow,
		client:  opts.HTTPClient,
		now:     opts.Now,
		logger:  log.With(slog.String("component", "capability")),
	}
	if c.ttl <= 0 {
		c.ttl = DefaultTTL
	}
	if c.window <= 0 {
		c.window = DefaultRefreshWindow
	}
	if c.client == nil {
		c.client = &http.Client{Timeout: 20 * time.Second}
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

type versionsResponse struct {
	Versions []string `json:"versions"`
}

// Refresh probes origin unless a cached entry has more than the refresh window
// left. Probe failures are logged and leave the cache unchanged.
func (c *Cache) Refresh(ctx context.Context, origin, accessToken string) {
	origin = strings.TrimRight(origin, "/")
	now := c.now()
	c.mu.RLock()
	cached, ok := c.entries[origin]
	c.mu.RUnlock()
	if ok && cached.ExpiresAt.Sub(now) > c.window {
		return
	}

	supports, err := c.probe(ctx, origin, accessToken)
	if err != nil {
		c.logger.Error("update server support failed", slog.String("origin", origin), slog.Any("error", err))
		return
	}
	entry := Entry{SupportsAuthedMedia: supports, ExpiresAt: now.Add(c.ttl)}
	c.mu.Lock()
	c.entries[origin] = entry
	c.mu.Unlock()
	c.logger.Info("server support updated",
		slog.String("origin", origin),
		slog.Bool("supports_authed_media", entry.SupportsAuthedMedia),
		slog.Time("expires_at", entry.ExpiresAt),
	)
}

func (c *Cache) probe(ctx context.Context, origin, accessToken string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, origin+versionsPath, nil)
	if err != nil {
		return false, fmt.Errorf("build versions request: %w", err)
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("fetch versions: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, fmt.Errorf("fetch versions status: %d", resp.StatusCode)
	}
	var body versionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("decode versions: %w", err)
	}
	return slices.Contains(body.Versions, AuthedMediaVersion), nil
}

// Lookup returns the cached entry for origin.
func (c *Cache) Lookup(origin string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[strings.TrimRight(origin, "/")]
	return e, ok
}

// Rewrite moves a legacy media path onto the authenticated media endpoint
// when the target origin is known to support it. u is modified in place.
func (c *Cache) Rewrite(u *url.URL) bool {
	if u == nil {
		return false
	}
	origin := u.Scheme + "://" + u.Host
	entry, ok := c.Lookup(origin)
	if !ok || !entry.SupportsAuthedMedia || entry.ExpiresAt.Before(c.now()) {
		return false
	}
	rewritten := legacyMediaPath.ReplaceAllString(u.Path, "/client/v1/media/$1/")
	if rewritten == u.Path {
		return false
	}
	u.Path = rewritten
	u.RawPath = ""
	return true
}

// Prune drops expired entries and reports how many were removed.
func (c *Cache) Prune() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for origin, e := range c.entries {
		if e.ExpiresAt.Before(now) {
			delete(c.entries, origin)
			removed++
		}
	}
	return removed
}

// Schedule runs Prune on the given cron spec. The returned scheduler is
// already started; stop it with Stop.
func (c *Cache) Schedule(spec string) (*cron.Cron, error) {
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(spec, func() {
		if n := c.Prune(); n > 0 {
			c.logger.Debug("pruned capability entries", slog.Int("removed", n))
		}
	}); err != nil {
		return nil, fmt.Errorf("schedule capability prune: %w", err)
	}
	scheduler.Start()
	return scheduler, nil
}
