// Copyright 2025 James Ross
package protocol

import (
	"bytes"
	"testing"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := InferenceRequest{Type: KindInferenceRequest, RequestID: 1, ModelID: "m", Prompt: "hi",
		Parameters: Parameters{MaxTokens: 4, TopP: 1}}
	if err := WriteMessage(&buf, req); err != nil {
		t.Fatal(err)
	}
	frame, err := ReadFrame(&buf, MaxFrameBytes)
	if err != nil {
		t.Fatal(err)
	}
	kind, err := PeekType(frame)
	if err != nil {
		t.Fatal(err)
	}
	if kind != KindInferenceRequest {
		t.Fatalf("expected %s, got %s", KindInferenceRequest, kind)
	}
}

func TestReadFrameRejectsOversizeBeforeAllocating(t *testing.T) {
	var buf bytes.Buffer
	// Declare a length far larger than the body actually present.
	oversized := make([]byte, 4)
	oversized[0] = 0xff
	oversized[1] = 0xff
	oversized[2] = 0xff
	oversized[3] = 0x7f
	buf.Write(oversized)
	_, err := ReadFrame(&buf, 1024)
	if err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestReadFrameTruncated(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{5, 0, 0, 0}) // declares 5 bytes, provides none
	_, err := ReadFrame(&buf, MaxFrameBytes)
	if err != ErrTruncatedFrame {
		t.Fatalf("expected ErrTruncatedFrame, got %v", err)
	}
}

func TestValidateInferenceRequestRejectsMissingFields(t *testing.T) {
	bad := []byte(`{"model_id":"","prompt":"hi","parameters":{"max_tokens":1,"temperature":0,"top_p":1}}`)
	if err := ValidateInferenceRequest(bad); err == nil {
		t.Fatal("expected validation error for empty model_id")
	}
}

func TestValidateInferenceRequestAcceptsValid(t *testing.T) {
	good := []byte(`{"model_id":"m","prompt":"hi","parameters":{"max_tokens":4,"temperature":0,"top_p":1}}`)
	if err := ValidateInferenceRequest(good); err != nil {
		t.Fatalf("expected valid, got %v", err)
	}
}

func TestValidateInferenceRequestRejectsTopPOutOfRange(t *testing.T) {
	bad := []byte(`{"model_id":"m","prompt":"hi","parameters":{"max_tokens":4,"temperature":0,"top_p":1.5}}`)
	if err := ValidateInferenceRequest(bad); err == nil {
		t.Fatal("expected validation error for top_p > 1")
	}
}
