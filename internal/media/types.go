// Package media holds helpers shared by the media proxy and the upload path.
package media

import (
	"fmt"
	"mime"
	"path/filepath"
	"strings"
)

// MediaType classifies the kind of media asset.
type MediaType string

const (
	MediaTypeImage MediaType = "image"
	MediaTypeAudio MediaType = "audio"
	MediaTypeVideo MediaType = "video"
	MediaTypeFile  MediaType = "file"
)

// TypeFromMime classifies a mime type.
func TypeFromMime(mime string) MediaType {
	mime = strings.ToLower(strings.TrimSpace(mime))
	switch {
	case strings.HasPrefix(mime, "image/"):
		return MediaTypeImage
	case strings.HasPrefix(mime, "audio/"):
		return MediaTypeAudio
	case strings.HasPrefix(mime, "video/"):
		return MediaTypeVideo
	default:
		return MediaTypeFile
	}
}

// MimeFromName guesses a mime type from a file name extension.
func MimeFromName(name string) string {
	contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(strings.TrimSpace(name))))
	if contentType == "" {
		return "application/octet-stream"
	}
	return contentType
}

// ContentURI is a parsed mxc:// reference.
type ContentURI struct {
	Server  string
	MediaID string
}

// ParseContentURI splits mxc://server/media-id.
func ParseContentURI(raw string) (ContentURI, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(raw), "mxc://")
	if !ok {
		return ContentURI{}, fmt.Errorf("%w: %q", ErrInvalidMXC, raw)
	}
	server, mediaID, ok := strings.Cut(rest, "/")
	if !ok || server == "" || mediaID == "" || strings.Contains(mediaID, "/") {
		return ContentURI{}, fmt.Errorf("%w: %q", ErrInvalidMXC, raw)
	}
	return ContentURI{Server: server, MediaID: mediaID}, nil
}

func (u ContentURI) String() string {
	return "mxc://" + u.Server + "/" + u.MediaID
}
