// Copyright 2025 James Ross
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrameBytes is the hard cap on a single frame's declared length. Frames
// over this are rejected before any allocation proportional to the declared
// size: the length prefix is validated before the payload is read.
const MaxFrameBytes = 16 * 1024 * 1024

// ErrFrameTooLarge is returned when a frame's declared length exceeds the cap.
var ErrFrameTooLarge = errors.New("protocol: frame exceeds maximum size")

// ErrTruncatedFrame is returned on a short read of the length prefix or body.
var ErrTruncatedFrame = errors.New("protocol: truncated frame")

// ReadFrame reads one length-prefixed JSON frame from r, enforcing maxBytes
// before allocating a buffer for the body.
func ReadFrame(r io.Reader, maxBytes int) ([]byte, error) {
	if maxBytes <= 0 || maxBytes > MaxFrameBytes {
		maxBytes = MaxFrameBytes
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, ErrTruncatedFrame
		}
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if int(n) > maxBytes {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, ErrTruncatedFrame
		}
		return nil, err
	}
	return buf, nil
}

// WriteFrame writes payload as one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameBytes {
		return ErrFrameTooLarge
	}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// WriteMessage marshals v to JSON and writes it as one frame.
func WriteMessage(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("protocol: marshal message: %w", err)
	}
	return WriteFrame(w, b)
}

// PeekType decodes just the envelope to learn a frame's message kind before
// dispatching to a concrete type.
func PeekType(frame []byte) (Kind, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return "", fmt.Errorf("protocol: malformed envelope: %w", err)
	}
	if env.Type == "" {
		return "", errors.New("protocol: missing type field")
	}
	return env.Type, nil
}
