package protocol

import "errors"

var (
	// ErrProtocol is a generic sentinel for wire format violations.
	ErrProtocol = errors.New("tftp protocol error")

	ErrMalformedPacket  = errors.New("malformed packet")
	ErrUnsupportedMode  = errors.New("unsupported transfer mode")
	ErrInvalidOpcode    = errors.New("invalid opcode")
	ErrInvalidFilename  = errors.New("invalid filename")
	ErrPayloadTooLarge  = errors.New("data payload too large")
	ErrUnexpectedOpcode = errors.New("unexpected opcode")
)

func malformed(detail string) error {
	return errors.Join(ErrProtocol, ErrMalformedPacket, errors.New(detail))
}
