package protocol

import (
	"encoding/binary"
	"errors"
	"io"
)

const (
	// DefaultMaxFrameSize is the default cap on a declared payload length (16 MiB).
	// It leaves room for a base64 encoded 10 MiB attachment and its envelope.
	DefaultMaxFrameSize = 16 * 1024 * 1024

	// HeaderSize is the size of the big-endian length prefix
	HeaderSize = 4
)

var (
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
)

// Frame layout on the wire: [Length (4 bytes, big-endian)][Payload (Length bytes)]

// EncodeFrame writes one length-prefixed frame to the writer.
// The prefix and payload go out in a single Write so concurrent writers
// serialised by the caller never interleave partial frames.
func EncodeFrame(w io.Writer, payload []byte, maxSize uint32) error {
	if uint64(len(payload)) > uint64(maxSize) {
		return ErrFrameTooLarge
	}

	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[HeaderSize:], payload)

	_, err := w.Write(buf)
	return err
}

// AppendFrame appends an encoded frame to dst and returns the extended slice
func AppendFrame(dst []byte, payload []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...)
}

// Decoder reassembles frames from arbitrarily split transport reads.
//
// Bytes are pushed in with Feed and complete payloads pulled out with Next.
// The only state carried between calls is the accumulation buffer and, after
// an oversized prefix, the count of body bytes still to be skipped.
type Decoder struct {
	buf     []byte
	maxSize uint32
	discard uint64
}

// NewDecoder creates a frame decoder that rejects declared lengths above maxSize
func NewDecoder(maxSize uint32) *Decoder {
	if maxSize == 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &Decoder{maxSize: maxSize}
}

// Feed appends transport bytes to the accumulation buffer
func (d *Decoder) Feed(p []byte) {
	d.skipBuffered()
	if d.discard > 0 {
		skip := uint64(len(p))
		if skip > d.discard {
			skip = d.discard
		}
		d.discard -= skip
		p = p[skip:]
	}
	d.buf = append(d.buf, p...)
}

// Next returns the next complete payload.
//
// It returns (nil, nil) when more bytes are needed. When a prefix declares a
// length above the cap it returns ErrFrameTooLarge once; the prefix is dropped
// and the declared body is skipped as it arrives, so the following frame
// decodes normally.
func (d *Decoder) Next() ([]byte, error) {
	d.skipBuffered()
	if d.discard > 0 {
		return nil, nil
	}

	if len(d.buf) < HeaderSize {
		return nil, nil
	}

	length := binary.BigEndian.Uint32(d.buf[:HeaderSize])
	if length > d.maxSize {
		d.consume(HeaderSize)
		d.discard = uint64(length)
		// Body bytes already buffered are skipped on the next call
		return nil, ErrFrameTooLarge
	}

	total := HeaderSize + int(length)
	if len(d.buf) < total {
		return nil, nil
	}

	payload := make([]byte, length)
	copy(payload, d.buf[HeaderSize:total])
	d.consume(total)

	return payload, nil
}

// Buffered returns the number of bytes waiting in the accumulation buffer
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Discarding reports whether the decoder is skipping the body of an oversized frame
func (d *Decoder) Discarding() bool {
	return d.discard > 0
}

// skipBuffered drops already-buffered bytes that belong to an oversized frame
func (d *Decoder) skipBuffered() {
	if d.discard == 0 || len(d.buf) == 0 {
		return
	}
	skip := uint64(len(d.buf))
	if skip > d.discard {
		skip = d.discard
	}
	d.discard -= skip
	d.consume(int(skip))
}

func (d *Decoder) consume(n int) {
	remaining := copy(d.buf, d.buf[n:])
	d.buf = d.buf[:remaining]
	if remaining == 0 && cap(d.buf) > 64*1024 {
		// Release the backing array held by a large frame
		d.buf = nil
	}
}

// DecodeFrame reads exactly one frame from a blocking reader.
// Used by clients and tests; the server side decodes with Decoder.
func DecodeFrame(r io.Reader, maxSize uint32) ([]byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > maxSize {
		return nil, ErrFrameTooLarge
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
