package transport

import "errors"

var (
	// ErrFrame is a generic sentinel for stream framing violations.
	ErrFrame = errors.New("stream framing error")

	ErrBadMagic      = errors.New("bad magic")
	ErrBadVersion    = errors.New("unsupported version")
	ErrFrameTooLarge = errors.New("frame payload too large")

	// ErrBrokenStream is returned when a read stopped inside a frame. The
	// stream is closed because the next frame boundary is lost.
	ErrBrokenStream = errors.New("stream interrupted mid-frame")
)
