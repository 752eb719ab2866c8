// Package audiosocket implements the binary frame protocol spoken between the
// PBX and this service.
//
// Every frame is a 3-byte header followed by a payload:
//
//	+------+--------+----------------+
//	| kind | length |    payload     |
//	| 1 B  |  2 B   |  length bytes  |
//	+------+--------+----------------+
//
// The length field is big-endian unsigned. Four frame kinds exist: an ID frame
// carrying the 16-byte call identifier, SLIN frames carrying signed 16-bit
// little-endian PCM at 8 kHz mono, a zero-length HANGUP frame, and an ERROR
// frame whose first payload byte is an error code.
//
// Decoding is strict: a malformed header or a truncated payload is a protocol
// error and the caller must close the connection. The codec never interprets
// audio samples.
package audiosocket

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Frame kinds as they appear on the wire.
const (
	KindHangup byte = 0x00
	KindID     byte = 0x01
	KindSLIN   byte = 0x10
	KindError  byte = 0xff
)

const (
	// headerSize is the fixed size of the kind+length prefix.
	headerSize = 3

	// IDPayloadSize is the exact payload length of an ID frame.
	IDPayloadSize = 16

	// DefaultChunkSize is the SLIN payload size of one 20 ms frame at
	// 8 kHz mono 16-bit: 160 samples × 2 bytes.
	DefaultChunkSize = 320

	// maxPayload is the largest payload the 2-byte length field can express.
	maxPayload = 0xffff
)

// ErrProtocol marks malformed frames. Errors returned by the decoder wrap it;
// callers treat a match as session-fatal for the leg (cause protocol_error).
var ErrProtocol = errors.New("audiosocket: protocol error")

// Frame is one decoded protocol frame. Payload is nil for HANGUP frames.
type Frame struct {
	Kind    byte
	Payload []byte
}

// ReadFrame reads and decodes the next frame from r. It blocks until a full
// frame is available. io.EOF is returned unwrapped when the stream ends
// cleanly at a frame boundary, and so is a timeout error (such as an expired
// read deadline) that arrives before any byte of the next header; any other
// short read inside a frame is a protocol error.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [headerSize]byte
	if n, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return Frame{}, io.EOF
		}
		if t, ok := err.(interface{ Timeout() bool }); ok && t.Timeout() && n == 0 {
			return Frame{}, err
		}
		return Frame{}, fmt.Errorf("%w: read header: %v", ErrProtocol, err)
	}

	kind := hdr[0]
	length := binary.BigEndian.Uint16(hdr[1:3])

	switch kind {
	case KindHangup, KindID, KindSLIN, KindError:
	default:
		return Frame{}, fmt.Errorf("%w: unknown frame kind 0x%02x", ErrProtocol, kind)
	}

	if kind == KindID && length != IDPayloadSize {
		return Frame{}, fmt.Errorf("%w: ID frame payload is %d bytes, want %d", ErrProtocol, length, IDPayloadSize)
	}
	if kind == KindError && length < 1 {
		return Frame{}, fmt.Errorf("%w: ERROR frame without error code", ErrProtocol)
	}

	if length == 0 {
		return Frame{Kind: kind}, nil
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, fmt.Errorf("%w: read payload (%d bytes): %v", ErrProtocol, length, err)
	}
	return Frame{Kind: kind, Payload: payload}, nil
}

// WriteFrame encodes f and writes it to w in a single Write call, so that a
// frame is never interleaved with concurrent writes to the same socket.
func WriteFrame(w io.Writer, f Frame) error {
	if len(f.Payload) > maxPayload {
		return fmt.Errorf("audiosocket: payload of %d bytes exceeds frame limit", len(f.Payload))
	}
	buf := make([]byte, headerSize+len(f.Payload))
	buf[0] = f.Kind
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(f.Payload)))
	copy(buf[headerSize:], f.Payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("audiosocket: write frame: %w", err)
	}
	return nil
}

// WriteHangup writes the 3-byte HANGUP frame (00 00 00).
func WriteHangup(w io.Writer) error {
	return WriteFrame(w, Frame{Kind: KindHangup})
}

// ErrorCode returns the error code of an ERROR frame, or 0 if f is not one.
func (f Frame) ErrorCode() byte {
	if f.Kind != KindError || len(f.Payload) == 0 {
		return 0
	}
	return f.Payload[0]
}
