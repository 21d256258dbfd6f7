package media

import "errors"

var (
	// ErrAssetTooLarge indicates the payload exceeds the configured max asset size.
	ErrAssetTooLarge = errors.New("media asset too large")
	// ErrEmptyAsset indicates an upload without any bytes.
	ErrEmptyAsset = errors.New("media asset is empty")
	// ErrInvalidMXC indicates a content URI that is not of the form mxc://server/id.
	ErrInvalidMXC = errors.New("invalid mxc uri")
)
