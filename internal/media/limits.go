package media

import (
	"fmt"
	"io"
)

const (
	// MaxUploadBytes caps the payload accepted for a single upload.
	MaxUploadBytes int64 = 50 * 1024 * 1024
	// MaxErrorBodyBytes caps how much of a failed upstream body is quoted back.
	MaxErrorBodyBytes int64 = 64 * 1024
)

// ReadAllWithLimit reads from reader and rejects payloads larger than maxBytes.
func ReadAllWithLimit(reader io.Reader, maxBytes int64) ([]byte, error) {
	if reader == nil {
		return nil, fmt.Errorf("reader is required")
	}
	if maxBytes <= 0 {
		return nil, fmt.Errorf("max bytes must be greater than 0")
	}
	limited := &io.LimitedReader{
		R: reader,
		N: maxBytes + 1,
	}
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: max %d bytes", ErrAssetTooLarge, maxBytes)
	}
	return data, nil
}

// ReadTruncated reads at most maxBytes from reader and drops the rest. It is
// meant for diagnostics where a partial body is better than none.
func ReadTruncated(reader io.Reader, maxBytes int64) (string, error) {
	if reader == nil {
		return "", nil
	}
	data, err := io.ReadAll(io.LimitReader(reader, maxBytes))
	return string(data), err
}
