package audiosocket_test

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/tecvoz/porteiro/internal/audiosocket"
)

func TestReadFrame_RoundTrip(t *testing.T) {
	t.Parallel()

	frames := []audiosocket.Frame{
		{Kind: audiosocket.KindHangup},
		{Kind: audiosocket.KindID, Payload: bytes.Repeat([]byte{0xaa}, 16)},
		{Kind: audiosocket.KindSLIN, Payload: bytes.Repeat([]byte{0x01, 0x02}, 160)},
		{Kind: audiosocket.KindSLIN, Payload: []byte{0x7f}}, // odd lengths are permitted
		{Kind: audiosocket.KindError, Payload: []byte{0x10}},
	}

	var buf bytes.Buffer
	for _, f := range frames {
		if err := audiosocket.WriteFrame(&buf, f); err != nil {
			t.Fatalf("WriteFrame(%#x): %v", f.Kind, err)
		}
	}

	for i, want := range frames {
		got, err := audiosocket.ReadFrame(&buf)
		if err != nil {
			t.Fatalf("frame %d: ReadFrame: %v", i, err)
		}
		if got.Kind != want.Kind {
			t.Errorf("frame %d: kind = %#x, want %#x", i, got.Kind, want.Kind)
		}
		if !bytes.Equal(got.Payload, want.Payload) {
			t.Errorf("frame %d: payload mismatch (%d vs %d bytes)", i, len(got.Payload), len(want.Payload))
		}
	}

	if _, err := audiosocket.ReadFrame(&buf); err != io.EOF {
		t.Errorf("expected io.EOF at stream end, got %v", err)
	}
}

func TestWriteHangup_WireForm(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if err := audiosocket.WriteHangup(&buf); err != nil {
		t.Fatalf("WriteHangup: %v", err)
	}
	if !bytes.Equal(buf.Bytes(), []byte{0x00, 0x00, 0x00}) {
		t.Errorf("HANGUP wire form = %x, want 000000", buf.Bytes())
	}
}

func TestReadFrame_ProtocolErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		wire []byte
	}{
		{"unknown kind", []byte{0x42, 0x00, 0x00}},
		{"id frame wrong length", append([]byte{0x01, 0x00, 0x04}, 1, 2, 3, 4)},
		{"error frame empty", []byte{0xff, 0x00, 0x00}},
		{"truncated header", []byte{0x10, 0x01}},
		{"truncated payload", []byte{0x10, 0x01, 0x40, 0x00}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := audiosocket.ReadFrame(bytes.NewReader(tt.wire))
			if !errors.Is(err, audiosocket.ErrProtocol) {
				t.Errorf("ReadFrame(%x) = %v, want ErrProtocol", tt.wire, err)
			}
		})
	}
}

func TestReadFrame_CleanEOF(t *testing.T) {
	t.Parallel()

	_, err := audiosocket.ReadFrame(bytes.NewReader(nil))
	if err != io.EOF {
		t.Errorf("empty stream: got %v, want io.EOF", err)
	}
}

func TestParseCallID_RoundTrip(t *testing.T) {
	t.Parallel()

	raw := []byte{
		0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0x4a, 0xaa,
		0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0xaa,
	}
	id, err := audiosocket.ParseCallID(raw)
	if err != nil {
		t.Fatalf("ParseCallID: %v", err)
	}
	if id != "aaaaaaaa-aaaa-4aaa-aaaa-aaaaaaaaaaaa" {
		t.Errorf("canonical form = %q", id)
	}

	back, err := audiosocket.CallIDBytes(id)
	if err != nil {
		t.Fatalf("CallIDBytes: %v", err)
	}
	if !bytes.Equal(back, raw) {
		t.Errorf("CallIDBytes(%q) = %x, want %x", id, back, raw)
	}
}

func TestParseCallID_WrongLength(t *testing.T) {
	t.Parallel()

	if _, err := audiosocket.ParseCallID([]byte{1, 2, 3}); !errors.Is(err, audiosocket.ErrProtocol) {
		t.Errorf("short payload: got %v, want ErrProtocol", err)
	}
}

func TestErrorCode(t *testing.T) {
	t.Parallel()

	f := audiosocket.Frame{Kind: audiosocket.KindError, Payload: []byte{0x02, 0xff}}
	if f.ErrorCode() != 0x02 {
		t.Errorf("ErrorCode() = %#x, want 0x02", f.ErrorCode())
	}
	if (audiosocket.Frame{Kind: audiosocket.KindSLIN}).ErrorCode() != 0 {
		t.Error("ErrorCode() on SLIN frame should be 0")
	}
}
