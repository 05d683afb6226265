// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package avrorpc

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc, err := NewFrameEncoder(&buf, 1024)
	if err != nil {
		t.Fatalf("NewFrameEncoder: %v", err)
	}
	msg := []byte("hello, avro rpc")
	if err := enc.WriteMessage(msg); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	dec := NewFrameDecoder(&buf, false)
	got, err := dec.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatalf("got %q, want %q", got, msg)
	}
}

func TestFrameSplitAcrossMultipleFrames(t *testing.T) {
	var buf bytes.Buffer
	enc, err := NewFrameEncoder(&buf, 4)
	if err != nil {
		t.Fatalf("NewFrameEncoder: %v", err)
	}
	msg := []byte("0123456789")
	if err := enc.WriteMessage(msg); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	// 10 bytes at frameSize=4 -> frames of 4,4,2, then a zero-length
	// terminator: 4 length-prefix words of 4 bytes each plus payloads.
	wantFrames := [][]byte{[]byte("0123"), []byte("4567"), []byte("89")}
	if got, want := buf.Len(), 4*4+len(msg); got != want {
		t.Fatalf("encoded %d bytes, want %d", got, want)
	}
	var reconstructed []byte
	dec := NewFrameDecoder(&buf, false)
	got, err := dec.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	for _, f := range wantFrames {
		reconstructed = append(reconstructed, f...)
	}
	if !bytes.Equal(got, reconstructed) {
		t.Fatalf("got %q, want %q", got, reconstructed)
	}
}

func TestFrameDecoderCleanEOFBetweenMessages(t *testing.T) {
	var buf bytes.Buffer
	dec := NewFrameDecoder(&buf, false)
	_, err := dec.ReadMessage()
	if !errors.Is(err, io.EOF) {
		t.Fatalf("got %v, want io.EOF", err)
	}
}

func TestFrameDecoderTruncatedMidMessage(t *testing.T) {
	var buf bytes.Buffer
	enc, err := NewFrameEncoder(&buf, 1024)
	if err != nil {
		t.Fatalf("NewFrameEncoder: %v", err)
	}
	if err := enc.WriteMessage([]byte("partial")); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	// Drop the terminating zero-length frame.
	truncated := buf.Bytes()[:buf.Len()-4]

	dec := NewFrameDecoder(bytes.NewReader(truncated), false)
	_, err = dec.ReadMessage()
	if !errors.Is(err, ErrUnexpectedEndOfStream) {
		t.Fatalf("got %v, want ErrUnexpectedEndOfStream", err)
	}
}

func TestFrameDecoderStrictEmptyStream(t *testing.T) {
	dec := NewFrameDecoder(bytes.NewReader(nil), true)
	_, err := dec.ReadMessage()
	if !errors.Is(err, ErrUnexpectedEndOfStream) {
		t.Fatalf("got %v, want ErrUnexpectedEndOfStream", err)
	}
}

func TestFrameEncoderRejectsNonPositiveFrameSize(t *testing.T) {
	if _, err := NewFrameEncoder(&bytes.Buffer{}, 0); err == nil {
		t.Fatal("expected error for zero frameSize")
	}
}
