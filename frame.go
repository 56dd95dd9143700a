package tlvserver

import (
	"encoding/binary"
	"errors"
	"io"
)

// Wire layout of the default TLV scheme.
const (
	// HeaderSize is the size of a TLV header: 1-byte tag + 2-byte big-endian length.
	HeaderSize = 3
	// MaxPayloadSize is the largest payload the 16-bit length field can describe.
	MaxPayloadSize = 0xFFFF
)

var (
	// ErrPayloadTooLarge is returned by EncodeFrame for payloads that do not fit the length field.
	ErrPayloadTooLarge = errors.New("payload exceeds 65535 bytes")
	// ErrFrameTooLarge is returned by a LimitPacketizer when a frame exceeds its cap.
	ErrFrameTooLarge = errors.New("frame too large")
)

// Frame is one complete framed message as produced by a Packetizer.
// For the default packetizer it is laid out as [tag:1][length:2][payload:length].
// The server never reuses a Frame's memory, so observers may retain it.
type Frame []byte

// Tag returns the application-defined type byte.
func (f Frame) Tag() byte {
	if len(f) == 0 {
		return 0
	}
	return f[0]
}

// Length returns the payload length declared in the header.
func (f Frame) Length() int {
	if len(f) < HeaderSize {
		return 0
	}
	return int(binary.BigEndian.Uint16(f[1:HeaderSize]))
}

// Payload returns the bytes following the header.
func (f Frame) Payload() []byte {
	if len(f) < HeaderSize {
		return nil
	}
	return f[HeaderSize:]
}

// Bytes returns the frame including its header.
func (f Frame) Bytes() []byte {
	return f
}

// EncodeFrame builds a TLV frame from a tag and payload.
func EncodeFrame(tag byte, payload []byte) (Frame, error) {
	if len(payload) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = tag
	binary.BigEndian.PutUint16(buf[1:HeaderSize], uint16(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// Packetizer turns a byte stream into discrete frames.
//
// Next is handed a reader on which io.ReadFull blocks until the requested bytes
// arrive, and must return exactly one complete frame (header and payload) as a
// contiguous slice. It should return io.EOF if the stream ends before the first byte
// of a frame, and io.ErrUnexpectedEOF if it ends in the middle of one.
type Packetizer interface {
	Next(r io.Reader) ([]byte, error)
}

// PacketizerFunc adapts an ordinary function to the Packetizer interface.
type PacketizerFunc func(r io.Reader) ([]byte, error)

// Next calls f(r).
func (f PacketizerFunc) Next(r io.Reader) ([]byte, error) {
	return f(r)
}

// TLVPacketizer implements the default [tag:1][length:2 BE][payload] scheme.
// It enforces no maximum frame size beyond what the length field can express.
type TLVPacketizer struct{}

// Next reads the 3-byte header and then exactly length payload bytes.
func (TLVPacketizer) Next(r io.Reader) ([]byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	length := int(binary.BigEndian.Uint16(header[1:]))
	frame := make([]byte, HeaderSize+length)
	copy(frame, header[:])

	if _, err := io.ReadFull(r, frame[HeaderSize:]); err != nil {
		// The header was consumed, so running out here is always a partial frame.
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	return frame, nil
}

// limitedReader wraps a reader and returns ErrFrameTooLarge when the limit is exceeded.
type limitedReader struct {
	r         io.Reader
	remaining int64
}

func (l *limitedReader) Read(p []byte) (n int, err error) {
	if l.remaining <= 0 {
		return 0, ErrFrameTooLarge
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err = l.r.Read(p)
	l.remaining -= int64(n)
	return
}

// LimitPacketizer wraps p so that no single frame may exceed max bytes,
// header included. Oversized frames fail with ErrFrameTooLarge, which closes
// the connection.
func LimitPacketizer(p Packetizer, max int) Packetizer {
	return PacketizerFunc(func(r io.Reader) ([]byte, error) {
		return p.Next(&limitedReader{r: r, remaining: int64(max)})
	})
}
