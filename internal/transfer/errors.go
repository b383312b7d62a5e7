package transfer

import (
	"errors"
	"fmt"

	"tftp/internal/buffer"
	"tftp/internal/protocol"
)

var (
	// ErrNoResponse is returned once the retry budget is spent on timeouts.
	ErrNoResponse = errors.New("no response from peer")

	// ErrFileTooLarge is returned when a transfer would exceed the buffer cap.
	ErrFileTooLarge = errors.New("file too large")

	// ErrUnexpectedPacket is returned for a well-formed packet that has no
	// place in the current exchange.
	ErrUnexpectedPacket = errors.New("unexpected packet")

	// ErrFileExists is returned when a write request targets an existing file
	// and overwriting is disabled.
	ErrFileExists = errors.New("file already exists")
)

// RemoteError is an ERROR packet received from the peer.
type RemoteError struct {
	Code    protocol.ErrorCode
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote error %d (%s)", e.Code, e.Code)
	}
	return fmt.Sprintf("remote error %d (%s): %s", e.Code, e.Code, e.Message)
}

// errorCodeFor picks the ERROR code reported to the peer for a local failure.
func errorCodeFor(err error) protocol.ErrorCode {
	switch {
	case errors.Is(err, buffer.ErrNotFound):
		return protocol.ErrCodeFileNotFound
	case errors.Is(err, buffer.ErrAccessViolation):
		return protocol.ErrCodeAccessViolation
	case errors.Is(err, buffer.ErrTooLarge), errors.Is(err, buffer.ErrCapacityExceeded), errors.Is(err, ErrFileTooLarge):
		return protocol.ErrCodeDiskFull
	case errors.Is(err, ErrFileExists):
		return protocol.ErrCodeFileExists
	case errors.Is(err, protocol.ErrProtocol), errors.Is(err, ErrUnexpectedPacket):
		return protocol.ErrCodeIllegalOperation
	default:
		return protocol.ErrCodeUndefined
	}
}
