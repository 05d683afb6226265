// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package avrorpc

import (
	"encoding/binary"
	"fmt"
	"io"
)

// FrameEncoder splits logical messages into length-prefixed frames
// terminated by a zero-length frame, per the Avro IPC framing envelope.
type FrameEncoder struct {
	frameSize int
	w         io.Writer
}

// NewFrameEncoder returns an encoder writing to w. frameSize must be
// positive.
func NewFrameEncoder(w io.Writer, frameSize int) (*FrameEncoder, error) {
	if frameSize <= 0 {
		return nil, fmt.Errorf("avrorpc: frameSize must be positive, got %d", frameSize)
	}
	return &FrameEncoder{frameSize: frameSize, w: w}, nil
}

// WriteMessage splits msg into consecutive frames of at most frameSize
// bytes and writes a terminating zero-length frame.
func (e *FrameEncoder) WriteMessage(msg []byte) error {
	var lenBuf [4]byte
	for len(msg) > 0 {
		n := min(e.frameSize, len(msg))
		binary.BigEndian.PutUint32(lenBuf[:], uint32(n))
		if _, err := e.w.Write(lenBuf[:]); err != nil {
			return fmt.Errorf("avrorpc: write frame length: %w", err)
		}
		if _, err := e.w.Write(msg[:n]); err != nil {
			return fmt.Errorf("avrorpc: write frame payload: %w", err)
		}
		msg = msg[n:]
	}
	binary.BigEndian.PutUint32(lenBuf[:], 0)
	if _, err := e.w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("avrorpc: write terminating frame: %w", err)
	}
	return nil
}

// ErrUnexpectedEndOfStream is returned when the transport ends mid-message
// (a non-empty, non-zero-terminated frame sequence) or, in strict mode, when
// the stream produces no frames at all.
var ErrUnexpectedEndOfStream = fmt.Errorf("avrorpc: unexpected end of stream")

// FrameDecoder reassembles frames written by [FrameEncoder] into logical
// messages.
type FrameDecoder struct {
	r      io.Reader
	strict bool
}

// NewFrameDecoder returns a decoder reading from r. If strict is true, an
// empty stream (no frames read at all before EOF) is itself an error;
// otherwise a clean EOF before any frame is a normal end of transport.
func NewFrameDecoder(r io.Reader, strict bool) *FrameDecoder {
	return &FrameDecoder{r: r, strict: strict}
}

// ReadMessage reads frames until a zero-length terminator and returns the
// reassembled message. Returns io.EOF when the transport ends cleanly
// between messages (strict=false) or [ErrUnexpectedEndOfStream] when it ends
// mid-message or, in strict mode, before any frame.
func (d *FrameDecoder) ReadMessage() ([]byte, error) {
	var parts [][]byte
	var total int
	var lenBuf [4]byte
	for {
		_, err := io.ReadFull(d.r, lenBuf[:])
		if err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				if len(parts) > 0 || d.strict {
					return nil, ErrUnexpectedEndOfStream
				}
				return nil, io.EOF
			}
			return nil, fmt.Errorf("avrorpc: read frame length: %w", err)
		}
		d.strict = false // only the very first read is subject to strict-empty
		n := binary.BigEndian.Uint32(lenBuf[:])
		if n == 0 {
			msg := make([]byte, 0, total)
			for _, p := range parts {
				msg = append(msg, p...)
			}
			return msg, nil
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(d.r, payload); err != nil {
			return nil, fmt.Errorf("avrorpc: read frame payload: %w", err)
		}
		parts = append(parts, payload)
		total += len(payload)
	}
}
