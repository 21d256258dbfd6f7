// Package matrix is a small client for the parts of the Matrix client-server
// API the foreground controller needs.
package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/memohai/mxgate/internal/media"
)

const (
	clientPrefix = "/_matrix/client/v3"
	mediaPrefix  = "/_matrix/media/v3"
	authedMedia  = "/_matrix/client/v1/media"

	defaultMessagesLimit = 50
	defaultSyncTimeout   = 30 * time.Second
)

type Options struct {
	Homeserver  string
	AccessToken string
	UserID      string
	HTTPClient  *http.Client
	// NewTxnID generates transaction ids for SendEvent. Defaults to uuid.
	NewTxnID func() string
}

type Client struct {
	base       string
	httpClient *http.Client
	newTxnID   func() string
	logger     *slog.Logger

	mu      sync.RWMutex
	token   string
	userID  string
	stopped bool
}

func NewClient(log *slog.Logger, opts Options) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	base := strings.TrimRight(strings.TrimSpace(opts.Homeserver), "/")
	if base == "" {
		return nil, fmt.Errorf("homeserver is required")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("invalid homeserver: %w", err)
	}
	c := &Client{
		base:       base,
		httpClient: opts.HTTPClient,
		newTxnID:   opts.NewTxnID,
		token:      strings.TrimSpace(opts.AccessToken),
		userID:     strings.TrimSpace(opts.UserID),
		logger:     log.With(slog.String("component", "matrix")),
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if c.newTxnID == nil {
		c.newTxnID = uuid.NewString
	}
	return c, nil
}

// Connect verifies the access token with whoami and records the user id.
func (c *Client) Connect(ctx context.Context) (string, error) {
	var resp struct {
		UserID   string `json:"user_id"`
		DeviceID string `json:"device_id"`
	}
	if err := c.do(ctx, http.MethodGet, clientPrefix+"/account/whoami", nil, nil, &resp); err != nil {
		return "", err
	}
	c.mu.Lock()
	c.userID = resp.UserID
	c.mu.Unlock()
	c.logger.Info("connected", slog.String("user_id", resp.UserID), slog.String("device_id", resp.DeviceID))
	return resp.UserID, nil
}

func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// AccessToken returns the current credential, or "" once stopped.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.stopped {
		return ""
	}
	return c.token
}

// Stop drops the credential. Later calls fail with ErrStopped.
func (c *Client) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.token = ""
	c.mu.Unlock()
}

// JoinedRooms lists joined rooms with their m.room.name, falling back to the id.
func (c *Client) JoinedRooms(ctx context.Context) ([]Room, error) {
	var resp struct {
		JoinedRooms []string `json:"joined_rooms"`
	}
	if err := c.do(ctx, http.MethodGet, clientPrefix+"/joined_rooms", nil, nil, &resp); err != nil {
		return nil, err
	}
	rooms := make([]Room, 0, len(resp.JoinedRooms))
	for _, id := range resp.JoinedRooms {
		name, err := c.roomName(ctx, id)
		if err != nil {
			if !IsNotFound(err) {
				return nil, err
			}
			name = id
		}
		rooms = append(rooms, Room{ID: id, Name: name})
	}
	return rooms, nil
}

func (c *Client) roomName(ctx context.Context, roomID string) (string, error) {
	var resp struct {
		Name string `json:"name"`
	}
	path := clientPrefix + "/rooms/" + url.PathEscape(roomID) + "/state/" + EventRoomName + "/"
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &resp); err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.Name) == "" {
		return roomID, nil
	}
	return resp.Name, nil
}

// RoomMessages pages backwards through a room timeline starting at from
// (empty means the live end). Chunk is newest first.
func (c *Client) RoomMessages(ctx context.Context, roomID, from string, limit int) (MessagesPage, error) {
	if limit <= 0 {
		limit = defaultMessagesLimit
	}
	query := url.Values{}
	query.Set("dir", "b")
	query.Set("limit", strconv.Itoa(limit))
	if from != "" {
		query.Set("from", from)
	}
	var page MessagesPage
	path := clientPrefix + "/rooms/" + url.PathEscape(roomID) + "/messages"
	if err := c.do(ctx, http.MethodGet, path, query, nil, &page); err != nil {
		return MessagesPage{}, err
	}
	for i := range page.Chunk {
		if page.Chunk[i].RoomID == "" {
			page.Chunk[i].RoomID = roomID
		}
	}
	return page, nil
}

// SendEvent sends a room event under a fresh transaction id and returns the event id.
func (c *Client) SendEvent(ctx context.Context, roomID, eventType string, content any) (string, error) {
	var resp struct {
		EventID string `json:"event_id"`
	}
	path := clientPrefix + "/rooms/" + url.PathEscape(roomID) + "/send/" + url.PathEscape(eventType) + "/" + url.PathEscape(c.newTxnID())
	if err := c.do(ctx, http.MethodPut, path, nil, content, &resp); err != nil {
		return "", err
	}
	return resp.EventID, nil
}

// UploadContent stores data in the media repository and returns its mxc:// URI.
func (c *Client) UploadContent(ctx context.Context, data []byte, name, contentType string) (string, error) {
	if len(data) == 0 {
		return "", media.ErrEmptyAsset
	}
	if contentType == "" {
		contentType = media.MimeFromName(name)
	}
	query := url.Values{}
	if name != "" {
		query.Set("filename", name)
	}
	req, err := c.newRequest(ctx, http.MethodPost, mediaPrefix+"/upload", query, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", contentType)
	var resp struct {
		ContentURI string `json:"content_uri"`
	}
	if err := c.send(req, &resp); err != nil {
		return "", err
	}
	if _, err := media.ParseContentURI(resp.ContentURI); err != nil {
		return "", fmt.Errorf("upload response: %w", err)
	}
	return resp.ContentURI, nil
}

// JoinRoom joins by room id or alias and returns the room id.
func (c *Client) JoinRoom(ctx context.Context, roomIDOrAlias string) (string, error) {
	var resp struct {
		RoomID string `json:"room_id"`
	}
	path := clientPrefix + "/join/" + url.PathEscape(roomIDOrAlias)
	if err := c.do(ctx, http.MethodPost, path, nil, struct{}{}, &resp); err != nil {
		return "", err
	}
	return resp.RoomID, nil
}

func (c *Client) LeaveRoom(ctx context.Context, roomID string) error {
	path := clientPrefix + "/rooms/" + url.PathEscape(roomID) + "/leave"
	return c.do(ctx, http.MethodPost, path, nil, struct{}{}, nil)
}

// Sync long-polls for new events after since. An empty since performs an
// initial sync.
func (c *Client) Sync(ctx context.Context, since string, timeout time.Duration) (SyncResponse, error) {
	if timeout <= 0 {
		timeout = defaultSyncTimeout
	}
	query := url.Values{}
	query.Set("timeout", strconv.FormatInt(timeout.Milliseconds(), 10))
	if since != "" {
		query.Set("since", since)
	}
	var resp SyncResponse
	if err := c.do(ctx, http.MethodGet, clientPrefix+"/sync", query, nil, &resp); err != nil {
		return SyncResponse{}, err
	}
	return resp, nil
}

// MXCToHTTP resolves an mxc:// URI to an authenticated media URL on the
// homeserver. A non-nil thumb selects the thumbnail endpoint.
func (c *Client) MXCToHTTP(mxc string, thumb *ThumbnailOptions) (string, error) {
	path, query, err := mediaPath(mxc, thumb)
	if err != nil {
		return "", err
	}
	out := c.base + path
	if len(query) > 0 {
		out += "?" + query.Encode()
	}
	return out, nil
}

// DownloadContent fetches the media behind mxc with the access token and
// returns its bytes and content type.
func (c *Client) DownloadContent(ctx context.Context, mxc string, thumb *ThumbnailOptions) ([]byte, string, error) {
	path, query, err := mediaPath(mxc, thumb)
	if err != nil {
		return nil, "", err
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Accept", "*/*")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", decodeError(resp)
	}
	data, err := media.ReadAllWithLimit(resp.Body, media.MaxUploadBytes)
	if err != nil {
		return nil, "", fmt.Errorf("read media: %w", err)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return data, contentType, nil
}

func mediaPath(mxc string, thumb *ThumbnailOptions) (string, url.Values, error) {
	uri, err := media.ParseContentURI(mxc)
	if err != nil {
		return "", nil, err
	}
	kind := "download"
	if thumb != nil {
		kind = "thumbnail"
	}
	path := authedMedia + "/" + kind + "/" + url.PathEscape(uri.Server) + "/" + url.PathEscape(uri.MediaID)
	if thumb == nil {
		return path, nil, nil
	}
	query := url.Values{}
	query.Set("width", strconv.Itoa(thumb.Width))
	query.Set("height", strconv.Itoa(thumb.Height))
	method := thumb.Method
	if method == "" {
		method = "scale"
	}
	query.Set("method", method)
	return path, query, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := c.newRequest(ctx, method, path, query, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	c.mu.RLock()
	token, stopped := c.token, c.stopped
	c.mu.RUnlock()
	if stopped {
		return nil, ErrStopped
	}
	target := c.base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	body, _ := media.ReadTruncated(resp.Body, media.MaxErrorBodyBytes)
	merr := &Error{StatusCode: resp.StatusCode}
	if err := json.Unmarshal([]byte(body), merr); err != nil || (merr.ErrCode == "" && merr.Message == "") {
		merr.ErrCode = ""
		merr.Message = strings.TrimSpace(body)
		if merr.Message == "" {
			merr.Message = http.StatusText(resp.StatusCode)
		}
	}
	return merr
}
