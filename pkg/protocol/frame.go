package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

const (
	// LengthWidth is the number of decimal digits in the length prefix
	LengthWidth = 6

	// MaxFrameSize is the largest payload a LengthWidth-digit prefix can describe
	MaxFrameSize = 999999
)

var (
	ErrFrameTooLarge      = errors.New("frame exceeds maximum size (999999 bytes)")
	ErrInvalidFrameLength = errors.New("invalid frame length")
)

// Frame format: [Length (LengthWidth ASCII digits, zero-padded)][Payload (Length bytes)]
//
// A frame carries exactly one encoded Envelope.

// EncodeFrame writes payload to w prefixed with its zero-padded decimal length.
// Prefix and payload go out in a single Write so concurrent writers guarded by
// a mutex never interleave partial frames.
func EncodeFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	buf := make([]byte, 0, LengthWidth+len(payload))
	buf = fmt.Appendf(buf, "%0*d", LengthWidth, len(payload))
	buf = append(buf, payload...)

	_, err := w.Write(buf)
	return err
}

// DecodeFrame reads one frame from r and returns its payload.
//
// io.EOF means the peer is gone: a short read of the length field, or any read
// failure while collecting the payload, collapses into that single signal.
// ErrInvalidFrameLength is returned when the prefix is not a decimal number,
// after which the stream can no longer be trusted.
func DecodeFrame(r io.Reader) ([]byte, error) {
	prefix := make([]byte, LengthWidth)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return nil, io.EOF
	}

	length, err := parseLength(prefix)
	if err != nil {
		return nil, err
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, io.EOF
		}
	}

	return payload, nil
}

// parseLength parses a fixed-width decimal length field
func parseLength(prefix []byte) (int, error) {
	n := 0
	for _, c := range prefix {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("%w: %q", ErrInvalidFrameLength, prefix)
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}

// EncodeMessage is a helper that encodes a payload to a framed byte slice
func EncodeMessage(payload []byte) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := EncodeFrame(buf, payload); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeMessage is a helper that decodes a frame from a byte slice
func DecodeMessage(data []byte) ([]byte, error) {
	return DecodeFrame(bytes.NewReader(data))
}
