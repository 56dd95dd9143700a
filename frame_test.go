package tlvserver

import (
	"bytes"
	"errors"
	"io"
	"math/rand"
	"testing"
	"testing/iotest"

	"github.com/google/go-cmp/cmp"
)

func TestEncodeFrame(t *testing.T) {
	frame, err := EncodeFrame(0x01, []byte("abc"))
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}

	want := []byte{0x01, 0x00, 0x03, 'a', 'b', 'c'}
	if diff := cmp.Diff(want, frame.Bytes()); diff != "" {
		t.Errorf("frame mismatch (-want +got):\n%s", diff)
	}
	if frame.Tag() != 0x01 {
		t.Errorf("Tag = %d, want 1", frame.Tag())
	}
	if frame.Length() != 3 {
		t.Errorf("Length = %d, want 3", frame.Length())
	}
	if string(frame.Payload()) != "abc" {
		t.Errorf("Payload = %q, want abc", frame.Payload())
	}
}

func TestEncodeFrame_TooLarge(t *testing.T) {
	if _, err := EncodeFrame(0, make([]byte, MaxPayloadSize+1)); err != ErrPayloadTooLarge {
		t.Errorf("expected ErrPayloadTooLarge, got %v", err)
	}

	frame, err := EncodeFrame(0, make([]byte, MaxPayloadSize))
	if err != nil {
		t.Fatalf("max payload rejected: %v", err)
	}
	if frame.Length() != MaxPayloadSize {
		t.Errorf("Length = %d, want %d", frame.Length(), MaxPayloadSize)
	}
}

func TestFrame_ShortFrames(t *testing.T) {
	var empty Frame
	if empty.Tag() != 0 || empty.Length() != 0 || empty.Payload() != nil {
		t.Error("empty frame should report zero values")
	}

	short := Frame{0x07, 0x00}
	if short.Tag() != 0x07 {
		t.Errorf("Tag = %d, want 7", short.Tag())
	}
	if short.Length() != 0 || short.Payload() != nil {
		t.Error("truncated header should report no payload")
	}
}

func TestTLVPacketizer_Lengths(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	lengths := []int{0, 1, 2, 3, 255, 256, 4095, 4096, 4097, 65534, 65535}
	for i := 0; i < 16; i++ {
		lengths = append(lengths, rng.Intn(MaxPayloadSize+1))
	}

	for _, n := range lengths {
		payload := make([]byte, n)
		rng.Read(payload)

		frame, err := EncodeFrame(byte(n), payload)
		if err != nil {
			t.Fatalf("EncodeFrame(%d) failed: %v", n, err)
		}

		got, err := TLVPacketizer{}.Next(bytes.NewReader(frame))
		if err != nil {
			t.Fatalf("Next(%d) failed: %v", n, err)
		}
		if !bytes.Equal(Frame(got).Payload(), payload) {
			t.Errorf("payload of length %d not preserved", n)
		}
		if Frame(got).Tag() != byte(n) {
			t.Errorf("tag = %d, want %d", Frame(got).Tag(), byte(n))
		}
	}
}

func TestTLVPacketizer_Fragmented(t *testing.T) {
	var stream bytes.Buffer
	var want []string
	for _, p := range []string{"first", "", "third frame"} {
		frame, _ := EncodeFrame(0x02, []byte(p))
		stream.Write(frame)
		want = append(want, p)
	}

	r := iotest.OneByteReader(&stream)
	var got []string
	for {
		frame, err := TLVPacketizer{}.Next(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		got = append(got, string(Frame(frame).Payload()))
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("frames mismatch (-want +got):\n%s", diff)
	}
}

func TestTLVPacketizer_EndOfStream(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  error
	}{
		{"empty stream", nil, io.EOF},
		{"partial header", []byte{0x01, 0x00}, io.ErrUnexpectedEOF},
		{"header only", []byte{0x01, 0x00, 0x0a}, io.ErrUnexpectedEOF},
		{"partial payload", []byte{0x01, 0x00, 0x0a, 'a', 'b', 'c', 'd'}, io.ErrUnexpectedEOF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := TLVPacketizer{}.Next(bytes.NewReader(tt.input))
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestTLVPacketizer_ZeroLength(t *testing.T) {
	frame, err := TLVPacketizer{}.Next(bytes.NewReader([]byte{0x09, 0x00, 0x00}))
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if len(Frame(frame).Payload()) != 0 || Frame(frame).Tag() != 0x09 {
		t.Errorf("unexpected frame %v", frame)
	}
}

func TestLimitPacketizer(t *testing.T) {
	p := LimitPacketizer(TLVPacketizer{}, HeaderSize+4)

	small, _ := EncodeFrame(1, []byte("four"))
	if _, err := p.Next(bytes.NewReader(small)); err != nil {
		t.Errorf("frame at the limit rejected: %v", err)
	}

	big, _ := EncodeFrame(1, []byte("five!"))
	if _, err := p.Next(bytes.NewReader(big)); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestPacketizerFunc(t *testing.T) {
	called := false
	p := PacketizerFunc(func(r io.Reader) ([]byte, error) {
		called = true
		return []byte{1}, nil
	})

	if _, err := p.Next(nil); err != nil || !called {
		t.Errorf("PacketizerFunc not invoked: called=%v err=%v", called, err)
	}
}
