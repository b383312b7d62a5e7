package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// EncodeRequest builds an RRQ or WRQ in octet mode.
func EncodeRequest(op Opcode, filename string) ([]byte, error) {
	if op != OpRRQ && op != OpWRQ {
		return nil, fmt.Errorf("%w: %s is not a request", ErrUnexpectedOpcode, op)
	}
	if filename == "" || strings.IndexByte(filename, 0) >= 0 {
		return nil, ErrInvalidFilename
	}

	b := make([]byte, 0, 2+len(filename)+1+len(ModeOctet)+1)
	b = binary.BigEndian.AppendUint16(b, uint16(op))
	b = append(b, filename...)
	b = append(b, 0)
	b = append(b, ModeOctet...)
	b = append(b, 0)
	return b, nil
}

func EncodeData(block uint16, payload []byte) ([]byte, error) {
	if len(payload) > BlockSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	b := make([]byte, HeaderLen, HeaderLen+len(payload))
	binary.BigEndian.PutUint16(b[0:2], uint16(OpData))
	binary.BigEndian.PutUint16(b[2:4], block)
	return append(b, payload...), nil
}

func EncodeAck(block uint16) []byte {
	var b [ackLen]byte
	binary.BigEndian.PutUint16(b[0:2], uint16(OpAck))
	binary.BigEndian.PutUint16(b[2:4], block)
	return b[:]
}

// EncodeError builds an ERROR packet. A message containing NUL is cut at the
// first NUL.
func EncodeError(code ErrorCode, message string) []byte {
	if i := strings.IndexByte(message, 0); i >= 0 {
		message = message[:i]
	}
	b := make([]byte, HeaderLen, HeaderLen+len(message)+1)
	binary.BigEndian.PutUint16(b[0:2], uint16(OpError))
	binary.BigEndian.PutUint16(b[2:4], uint16(code))
	b = append(b, message...)
	return append(b, 0)
}

func DecodeOpcode(b []byte) (Opcode, error) {
	if len(b) < 2 {
		return 0, malformed("packet shorter than opcode")
	}
	op := Opcode(binary.BigEndian.Uint16(b[0:2]))
	if op > OpError {
		return 0, errors.Join(ErrProtocol, ErrInvalidOpcode, fmt.Errorf("opcode %d", uint16(op)))
	}
	return op, nil
}

// DecodeRequest parses an RRQ or WRQ. Anything after the mode terminator
// (RFC 2347 options) is ignored.
func DecodeRequest(b []byte) (op Opcode, filename, mode string, err error) {
	op, err = DecodeOpcode(b)
	if err != nil {
		return 0, "", "", err
	}
	if op != OpRRQ && op != OpWRQ {
		return 0, "", "", errors.Join(ErrProtocol, ErrUnexpectedOpcode)
	}

	rest := b[2:]
	i := bytes.IndexByte(rest, 0)
	if i < 0 {
		return 0, "", "", malformed("filename not terminated")
	}
	if i == 0 {
		return 0, "", "", malformed("empty filename")
	}
	filename = string(rest[:i])

	rest = rest[i+1:]
	j := bytes.IndexByte(rest, 0)
	if j < 0 {
		return 0, "", "", malformed("mode not terminated")
	}
	mode = string(rest[:j])
	if !strings.EqualFold(mode, ModeOctet) {
		return 0, "", "", errors.Join(ErrProtocol, ErrUnsupportedMode, fmt.Errorf("mode %q", mode))
	}
	return op, filename, mode, nil
}

// DecodeAck accepts both the 4-byte RFC form and the 6-byte form with
// reserved zero bytes.
func DecodeAck(b []byte) (uint16, error) {
	if err := expect(b, OpAck); err != nil {
		return 0, err
	}
	if len(b) < HeaderLen {
		return 0, malformed("short ACK")
	}
	if len(b) > ackLen {
		return 0, malformed("oversized ACK")
	}
	if len(b) == ackLen && (b[4] != 0 || b[5] != 0) {
		return 0, malformed("ACK reserved bytes not zero")
	}
	return binary.BigEndian.Uint16(b[2:4]), nil
}

func DecodeError(b []byte) (ErrorCode, string, error) {
	if err := expect(b, OpError); err != nil {
		return 0, "", err
	}
	if len(b) < HeaderLen+1 {
		return 0, "", malformed("short ERROR")
	}
	code := ErrorCode(binary.BigEndian.Uint16(b[2:4]))
	i := bytes.IndexByte(b[HeaderLen:], 0)
	if i < 0 {
		return 0, "", malformed("error message not terminated")
	}
	return code, string(b[HeaderLen : HeaderLen+i]), nil
}

// DecodeData extracts block and payload from the first n bytes of b. The
// payload length is n minus the header; zero bytes inside the payload are
// data, not terminators.
func DecodeData(b []byte, n int) (uint16, []byte, error) {
	if n < 0 || n > len(b) {
		return 0, nil, malformed("received length out of range")
	}
	b = b[:n]
	if err := expect(b, OpData); err != nil {
		return 0, nil, err
	}
	if n < HeaderLen {
		return 0, nil, malformed("short DATA")
	}
	if n-HeaderLen > BlockSize {
		return 0, nil, errors.Join(ErrProtocol, ErrMalformedPacket, ErrPayloadTooLarge)
	}
	return binary.BigEndian.Uint16(b[2:4]), b[HeaderLen:n], nil
}

// Decode parses any packet variant.
func Decode(b []byte) (Packet, error) {
	op, err := DecodeOpcode(b)
	if err != nil {
		return nil, err
	}
	switch op {
	case OpRRQ, OpWRQ:
		op, name, mode, err := DecodeRequest(b)
		if err != nil {
			return nil, err
		}
		if op == OpRRQ {
			return ReadRequest{Filename: name, Mode: mode}, nil
		}
		return WriteRequest{Filename: name, Mode: mode}, nil
	case OpData:
		block, payload, err := DecodeData(b, len(b))
		if err != nil {
			return nil, err
		}
		return Data{Block: block, Payload: payload}, nil
	case OpAck:
		block, err := DecodeAck(b)
		if err != nil {
			return nil, err
		}
		return Ack{Block: block}, nil
	case OpError:
		code, msg, err := DecodeError(b)
		if err != nil {
			return nil, err
		}
		return ErrorPacket{Code: code, Message: msg}, nil
	default:
		return nil, errors.Join(ErrProtocol, ErrUnexpectedOpcode, fmt.Errorf("opcode %s", op))
	}
}

// Encode is the inverse of Decode.
func Encode(p Packet) ([]byte, error) {
	switch p := p.(type) {
	case ReadRequest:
		return EncodeRequest(OpRRQ, p.Filename)
	case WriteRequest:
		return EncodeRequest(OpWRQ, p.Filename)
	case Data:
		return EncodeData(p.Block, p.Payload)
	case Ack:
		return EncodeAck(p.Block), nil
	case ErrorPacket:
		return EncodeError(p.Code, p.Message), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnexpectedOpcode, p)
	}
}

func expect(b []byte, want Opcode) error {
	op, err := DecodeOpcode(b)
	if err != nil {
		return err
	}
	if op != want {
		return errors.Join(ErrProtocol, ErrUnexpectedOpcode, fmt.Errorf("got %s want %s", op, want))
	}
	return nil
}
