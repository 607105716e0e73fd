package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"unicode/utf8"
)

// Header types. A header on the wire is either "type" or "type:resource".
const (
	HeaderRegular       = "reg"            // chat text
	HeaderEndConnection = "end_con"        // graceful close notice
	HeaderRequestFile   = "req_file"       // ask a peer to upload a file
	HeaderFileNotFound  = "file_not_found" // peer could not supply a requested file
	HeaderFileStart     = "file_start"
	HeaderFileChunk     = "file_chunk"
	HeaderFileEnd       = "file_end"

	// HeaderNickname is only valid as the first envelope on a connection
	HeaderNickname = "nick"
)

// HeaderSeparator separates a header type from its resource
const HeaderSeparator = ":"

// MaxHeaderLength is the largest header the uint16 prefix can describe
const MaxHeaderLength = math.MaxUint16

// headerPrefixSize is the width of the big-endian header length
const headerPrefixSize = 2

var (
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrHeaderTooLong     = errors.New("header exceeds 65535 bytes")
	ErrHeaderNotUTF8     = errors.New("header is not valid UTF-8")
)

// Envelope is the (header, data) pair carried inside one frame.
// Format: [Header length (uint16, big-endian)][Header (UTF-8)][Data (remaining bytes)]
type Envelope struct {
	Header string
	Data   []byte
}

// NewEnvelope creates an envelope for the given header and data
func NewEnvelope(header string, data []byte) *Envelope {
	return &Envelope{Header: header, Data: data}
}

// TextEnvelope creates a regular chat envelope
func TextEnvelope(text string) *Envelope {
	return &Envelope{Header: HeaderRegular, Data: []byte(text)}
}

// NicknameEnvelope creates the handshake envelope claiming a nickname
func NicknameEnvelope(nickname string) *Envelope {
	return &Envelope{Header: HeaderNickname, Data: []byte(nickname)}
}

// Type returns the header type without its resource
func (e *Envelope) Type() string {
	typ, _, _ := SplitHeader(e.Header)
	return typ
}

// Resource returns the resource folded into the header, if any
func (e *Envelope) Resource() (string, bool) {
	_, resource, ok := SplitHeader(e.Header)
	return resource, ok
}

// Text returns the data as a string
func (e *Envelope) Text() string {
	return string(e.Data)
}

// EncodeTo writes the envelope (unframed) to w
func (e *Envelope) EncodeTo(w io.Writer) error {
	if e.Header == "" {
		return fmt.Errorf("%w: empty header", ErrMalformedEnvelope)
	}
	if err := writeHeader(w, e.Header); err != nil {
		return err
	}
	if len(e.Data) > 0 {
		_, err := w.Write(e.Data)
		return err
	}
	return nil
}

// Encode returns the envelope serialized as a frame payload
func (e *Envelope) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := e.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeEnvelope parses a frame payload into an envelope. Data is nil when
// the payload carries only a header.
func DecodeEnvelope(payload []byte) (*Envelope, error) {
	header, rest, err := splitHeaderPrefix(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if header == "" {
		return nil, fmt.Errorf("%w: empty header", ErrMalformedEnvelope)
	}

	var data []byte
	if len(rest) > 0 {
		data = bytes.Clone(rest)
	}
	return &Envelope{Header: header, Data: data}, nil
}

// writeHeader writes the length-prefixed header that opens every envelope
func writeHeader(w io.Writer, header string) error {
	if len(header) > MaxHeaderLength {
		return ErrHeaderTooLong
	}
	if !utf8.ValidString(header) {
		return ErrHeaderNotUTF8
	}

	buf := make([]byte, 0, headerPrefixSize+len(header))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(header)))
	buf = append(buf, header...)
	_, err := w.Write(buf)
	return err
}

// splitHeaderPrefix cuts the length-prefixed header off the front of an
// envelope payload and returns it with the remaining bytes.
func splitHeaderPrefix(payload []byte) (header string, rest []byte, err error) {
	if len(payload) < headerPrefixSize {
		return "", nil, fmt.Errorf("header length: %w", io.ErrUnexpectedEOF)
	}
	n := int(binary.BigEndian.Uint16(payload))
	payload = payload[headerPrefixSize:]
	if len(payload) < n {
		return "", nil, fmt.Errorf("header wants %d bytes, have %d: %w", n, len(payload), io.ErrUnexpectedEOF)
	}

	raw := payload[:n]
	if !utf8.Valid(raw) {
		return "", nil, ErrHeaderNotUTF8
	}
	return string(raw), payload[n:], nil
}

// WriteEnvelope encodes an envelope and writes it as one frame
func WriteEnvelope(w io.Writer, e *Envelope) error {
	payload, err := e.Encode()
	if err != nil {
		return err
	}
	return EncodeFrame(w, payload)
}

// ReadEnvelope reads one frame and decodes its envelope.
// io.EOF is passed through unchanged so callers can detect disconnects.
func ReadEnvelope(r io.Reader) (*Envelope, error) {
	payload, err := DecodeFrame(r)
	if err != nil {
		return nil, err
	}
	return DecodeEnvelope(payload)
}

// BuildHeader folds a header type and an optional resource into one string
func BuildHeader(typ string, resource ...string) string {
	if len(resource) == 0 || resource[0] == "" {
		return typ
	}
	return typ + HeaderSeparator + resource[0]
}

// SplitHeader splits a header on its first separator only, so resources may
// themselves contain colons. ok reports whether a non-empty resource was present.
func SplitHeader(header string) (typ, resource string, ok bool) {
	typ, resource, found := strings.Cut(header, HeaderSeparator)
	if !found || resource == "" {
		return typ, "", false
	}
	return typ, resource, true
}
