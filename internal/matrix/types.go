package matrix

import (
	"errors"
	"fmt"
)

// Event types and message kinds used by the session layer.
const (
	EventRoomMessage = "m.room.message"
	EventRoomName    = "m.room.name"

	MsgText  = "m.text"
	MsgImage = "m.image"
)

// ErrStopped is returned by every call made after Stop.
var ErrStopped = errors.New("matrix client stopped")

// Error is a non-2xx answer from the homeserver.
type Error struct {
	StatusCode int    `json:"-"`
	ErrCode    string `json:"errcode"`
	Message    string `json:"error"`
}

func (e *Error) Error() string {
	if e.ErrCode == "" {
		return fmt.Sprintf("matrix: status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("matrix: %s (%d): %s", e.ErrCode, e.StatusCode, e.Message)
}

// IsNotFound reports whether err is an M_NOT_FOUND or plain 404 answer.
func IsNotFound(err error) bool {
	var merr *Error
	if !errors.As(err, &merr) {
		return false
	}
	return merr.ErrCode == "M_NOT_FOUND" || merr.StatusCode == 404
}

type Event struct {
	EventID        string         `json:"event_id"`
	RoomID         string         `json:"room_id,omitempty"`
	Sender         string         `json:"sender"`
	Type           string         `json:"type"`
	OriginServerTS int64          `json:"origin_server_ts"`
	StateKey       *string        `json:"state_key,omitempty"`
	Content        map[string]any `json:"content"`
}

// MsgType returns content.msgtype, or "" when absent.
func (e Event) MsgType() string {
	return contentString(e.Content, "msgtype")
}

// Body returns content.body, or "" when absent.
func (e Event) Body() string {
	return contentString(e.Content, "body")
}

// URL returns content.url, set on media messages.
func (e Event) URL() string {
	return contentString(e.Content, "url")
}

func contentString(content map[string]any, key string) string {
	if content == nil {
		return ""
	}
	v, _ := content[key].(string)
	return v
}

type Room struct {
	ID   string `json:"room_id"`
	Name string `json:"name"`
}

// MessagesPage is one page of /messages pagination. End is the token for the
// next older page and is empty at the start of the timeline.
type MessagesPage struct {
	Chunk []Event `json:"chunk"`
	Start string  `json:"start"`
	End   string  `json:"end"`
}

// SyncResponse keeps only the parts of /sync the session consumes.
type SyncResponse struct {
	NextBatch string `json:"next_batch"`
	Rooms     Rooms  `json:"rooms"`
}

type Rooms struct {
	Join map[string]JoinedRoom `json:"join"`
}

type JoinedRoom struct {
	Timeline Timeline `json:"timeline"`
}

type Timeline struct {
	Events []Event `json:"events"`
}

// TimelineEvents flattens joined-room timelines, stamping each event with its room.
func (s SyncResponse) TimelineEvents() []Event {
	var out []Event
	for roomID, room := range s.Rooms.Join {
		for _, ev := range room.Timeline.Events {
			ev.RoomID = roomID
			out = append(out, ev)
		}
	}
	return out
}

// ThumbnailOptions selects the thumbnail endpoint in MXCToHTTP.
type ThumbnailOptions struct {
	Width  int
	Height int
	Method string
}

// MessageContent is the body of an m.room.message event.
type MessageContent struct {
	MsgType string     `json:"msgtype"`
	Body    string     `json:"body"`
	URL     string     `json:"url,omitempty"`
	Info    *MediaInfo `json:"info,omitempty"`
}

type MediaInfo struct {
	MimeType string `json:"mimetype,omitempty"`
	Size     int64  `json:"size,omitempty"`
}
