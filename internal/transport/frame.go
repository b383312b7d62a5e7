package transport

import (
	"encoding/binary"
	"errors"
	"io"
)

// Stream frame header: 'T' 'F' version reserved length(uint16 BE).
const (
	v1Magic0 byte = 0x54 // 'T'
	v1Magic1 byte = 0x46 // 'F'
	v1Version     = 0x01

	headerLen = 6

	defaultMaxFramePayload = 2048
)

func encodeFrameTo(w io.Writer, payload []byte, maxPayload int) error {
	if len(payload) > maxPayload || len(payload) > 0xFFFF {
		return errors.Join(ErrFrame, ErrFrameTooLarge)
	}

	buf := make([]byte, headerLen+len(payload))
	buf[0] = v1Magic0
	buf[1] = v1Magic1
	buf[2] = v1Version
	binary.BigEndian.PutUint16(buf[4:6], uint16(len(payload)))
	copy(buf[headerLen:], payload)

	_, err := w.Write(buf)
	return err
}

func decodeFrameFrom(r io.Reader, maxPayload int) ([]byte, error) {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	if hdr[0] != v1Magic0 || hdr[1] != v1Magic1 {
		return nil, errors.Join(ErrFrame, ErrBadMagic)
	}
	if hdr[2] != v1Version || hdr[3] != 0 {
		return nil, errors.Join(ErrFrame, ErrBadVersion)
	}

	n := int(binary.BigEndian.Uint16(hdr[4:6]))
	if n > maxPayload {
		return nil, errors.Join(ErrFrame, ErrFrameTooLarge)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}

// countingReader records how many bytes a frame read consumed.
type countingReader struct {
	r io.Reader
	n int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}
