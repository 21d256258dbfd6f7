// Package session keeps an observable view of the signed-in user's rooms and
// the selected room's timeline on top of the Matrix client.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/memohai/mxgate/internal/matrix"
	"github.com/memohai/mxgate/internal/media"
)

const (
	defaultPageSize    = 50
	defaultSyncTimeout = 30 * time.Second
	defaultRetryDelay  = 5 * time.Second
	defaultImageBody   = "Image"
	defaultImageMime   = "image/jpeg"
)

var (
	ErrNoRoomSelected = errors.New("no room selected")
	ErrNotImage       = errors.New("upload is not an image")
)

// Client is the messaging client the session drives.
type Client interface {
	Connect(ctx context.Context) (string, error)
	JoinedRooms(ctx context.Context) ([]matrix.Room, error)
	RoomMessages(ctx context.Context, roomID, from string, limit int) (matrix.MessagesPage, error)
	SendEvent(ctx context.Context, roomID, eventType string, content any) (string, error)
	UploadContent(ctx context.Context, data []byte, name, contentType string) (string, error)
	JoinRoom(ctx context.Context, roomIDOrAlias string) (string, error)
	LeaveRoom(ctx context.Context, roomID string) error
	Sync(ctx context.Context, since string, timeout time.Duration) (matrix.SyncResponse, error)
	MXCToHTTP(mxc string, thumb *matrix.ThumbnailOptions) (string, error)
	DownloadContent(ctx context.Context, mxc string, thumb *matrix.ThumbnailOptions) ([]byte, string, error)
	AccessToken() string
	Stop()
}

// State is a snapshot. Messages are oldest first; PrevBatch pages further back.
type State struct {
	UserID    string
	Rooms     []matrix.Room
	Selected  string
	Messages  []matrix.Event
	PrevBatch string
}

func (s State) clone() State {
	s.Rooms = slices.Clone(s.Rooms)
	s.Messages = slices.Clone(s.Messages)
	return s
}

type Options struct {
	PageSize    int
	SyncTimeout time.Duration
	RetryDelay  time.Duration
}

type Session struct {
	client Client
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	state  State
	subs   map[int]chan State
	nextID int
	closed bool
	cancel context.CancelFunc
	done   chan struct{}
}

func New(log *slog.Logger, client Client, opts Options) *Session {
	if log == nil {
		log = slog.Default()
	}
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = defaultSyncTimeout
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	return &Session{
		client: client,
		opts:   opts,
		logger: log.With(slog.String("component", "session")),
		subs:   map[int]chan State{},
	}
}

// Current returns the latest state.
func (s *Session) Current() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// Subscribe delivers the current state at once and then every change. A slow
// subscriber only ever sees the latest state. The channel is closed on
// Disconnect or when the returned cancel func is called.
func (s *Session) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	ch <- s.state.clone()
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if sub, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(sub)
			}
		})
	}
}

// update applies fn to the state and publishes the result. Callers hold no lock.
func (s *Session) update(fn func(*State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	fn(&s.state)
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- s.state.clone()
	}
}

// Connect verifies the credential and loads rooms without following events.
func (s *Session) Connect(ctx context.Context) error {
	userID, err := s.client.Connect(ctx)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	s.update(func(st *State) { st.UserID = userID })
	return s.LoadRooms(ctx)
}

// Start connects and then follows new events until ctx ends or the session
// disconnects.
func (s *Session) Start(ctx context.Context) error {
	if err := s.Connect(ctx); err != nil {
		return err
	}

	syncCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return matrix.ErrStopped
	}
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.follow(syncCtx)
	}()
	return nil
}

func (s *Session) follow(ctx context.Context) {
	since := ""
	initial := true
	for ctx.Err() == nil {
		resp, err := s.client.Sync(ctx, since, s.opts.SyncTimeout)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, matrix.ErrStopped) {
				return
			}
			s.logger.Warn("sync failed", slog.Any("error", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.opts.RetryDelay):
			}
			continue
		}
		since = resp.NextBatch
		if initial {
			// The selected timeline is loaded through /messages; the initial
			// batch only positions the stream.
			initial = false
			continue
		}
		for _, ev := range resp.TimelineEvents() {
			s.HandleTimelineEvent(ev)
		}
	}
}

func (s *Session) LoadRooms(ctx context.Context) error {
	rooms, err := s.client.JoinedRooms(ctx)
	if err != nil {
		return fmt.Errorf("load rooms: %w", err)
	}
	s.update(func(st *State) { st.Rooms = rooms })
	return nil
}

// JoinRoom joins and refreshes the room list. It returns the joined room id.
func (s *Session) JoinRoom(ctx context.Context, roomIDOrAlias string) (string, error) {
	roomID, err := s.client.JoinRoom(ctx, roomIDOrAlias)
	if err != nil {
		return "", fmt.Errorf("join room: %w", err)
	}
	if err := s.LoadRooms(ctx); err != nil {
		return roomID, err
	}
	return roomID, nil
}

// SelectRoom makes roomID current and loads its latest messages.
func (s *Session) SelectRoom(ctx context.Context, roomID string) error {
	page, err := s.client.RoomMessages(ctx, roomID, "", s.opts.PageSize)
	if err != nil {
		return fmt.Errorf("load room messages: %w", err)
	}
	s.update(func(st *State) {
		st.Selected = roomID
		st.Messages = chronological(page.Chunk)
		st.PrevBatch = page.End
	})
	return nil
}

// LoadOlder prepends the previous page of the selected room. It reports
// whether anything was fetched.
func (s *Session) LoadOlder(ctx context.Context) (bool, error) {
	current := s.Current()
	if current.Selected == "" {
		return false, ErrNoRoomSelected
	}
	if current.PrevBatch == "" {
		return false, nil
	}
	page, err := s.client.RoomMessages(ctx, current.Selected, current.PrevBatch, s.opts.PageSize)
	if err != nil {
		return false, fmt.Errorf("load older messages: %w", err)
	}
	s.update(func(st *State) {
		if st.Selected != current.Selected || st.PrevBatch != current.PrevBatch {
			return
		}
		st.Messages = append(chronological(page.Chunk), st.Messages...)
		st.PrevBatch = page.End
	})
	return len(page.Chunk) > 0, nil
}

// HandleTimelineEvent appends a live message event when it belongs to the
// selected room.
func (s *Session) HandleTimelineEvent(ev matrix.Event) {
	if ev.Type != matrix.EventRoomMessage {
		return
	}
	s.update(func(st *State) {
		if st.Selected == "" || ev.RoomID != st.Selected {
			return
		}
		if ev.EventID != "" && slices.ContainsFunc(st.Messages, func(m matrix.Event) bool { return m.EventID == ev.EventID }) {
			return
		}
		st.Messages = append(st.Messages, ev)
	})
}

// SendMessage posts to the selected room: an m.image when imageURL is set,
// otherwise an m.text.
func (s *Session) SendMessage(ctx context.Context, content, imageURL string) (string, error) {
	roomID := s.Current().Selected
	if roomID == "" {
		return "", ErrNoRoomSelected
	}
	msg := matrix.MessageContent{MsgType: matrix.MsgText, Body: content}
	if imageURL != "" {
		body := content
		if body == "" {
			body = defaultImageBody
		}
		msg = matrix.MessageContent{
			MsgType: matrix.MsgImage,
			Body:    body,
			URL:     imageURL,
			Info:    &matrix.MediaInfo{MimeType: defaultImageMime},
		}
	}
	eventID, err := s.client.SendEvent(ctx, roomID, matrix.EventRoomMessage, msg)
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return eventID, nil
}

// LeaveRoom leaves, refreshes the room list and clears the selection.
func (s *Session) LeaveRoom(ctx context.Context, roomID string) error {
	if err := s.client.LeaveRoom(ctx, roomID); err != nil {
		return fmt.Errorf("leave room: %w", err)
	}
	if err := s.LoadRooms(ctx); err != nil {
		return err
	}
	s.update(func(st *State) {
		st.Selected = ""
		st.Messages = nil
		st.PrevBatch = ""
	})
	return nil
}

// UploadImage reads an image, capped at media.MaxUploadBytes, and returns its
// mxc:// URI.
func (s *Session) UploadImage(ctx context.Context, r io.Reader, name string) (string, error) {
	contentType := media.MimeFromName(name)
	if media.TypeFromMime(contentType) != media.MediaTypeImage {
		return "", fmt.Errorf("%w: %s", ErrNotImage, name)
	}
	data, err := media.ReadAllWithLimit(r, media.MaxUploadBytes)
	if err != nil {
		return "", fmt.Errorf("read image: %w", err)
	}
	uri, err := s.client.UploadContent(ctx, data, name, contentType)
	if err != nil {
		return "", fmt.Errorf("upload image: %w", err)
	}
	return uri, nil
}

func (s *Session) MediaURL(mxc string, thumb *matrix.ThumbnailOptions) (string, error) {
	return s.client.MXCToHTTP(mxc, thumb)
}

// MediaContent downloads an mxc:// resource with the session credential.
func (s *Session) MediaContent(ctx context.Context, mxc string, thumb *matrix.ThumbnailOptions) ([]byte, string, error) {
	data, contentType, err := s.client.DownloadContent(ctx, mxc, thumb)
	if err != nil {
		return nil, "", fmt.Errorf("download media: %w", err)
	}
	return data, contentType, nil
}

// AccessToken returns the client credential, or "" once disconnected.
func (s *Session) AccessToken() string {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ""
	}
	return s.client.AccessToken()
}

// Disconnect stops the client and the event stream and closes every subscription.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancel, done := s.cancel, s.done
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	s.mu.Unlock()

	s.client.Stop()
	if cancel != nil {
		cancel()
		<-done
	}
}

// chronological filters message events from a backwards page and orders them
// oldest first.
func chronological(chunk []matrix.Event) []matrix.Event {
	out := make([]matrix.Event, 0, len(chunk))
	for i := len(chunk) - 1; i >= 0; i-- {
		if chunk[i].Type == matrix.EventRoomMessage {
			out = append(out, chunk[i])
		}
	}
	return out
}
