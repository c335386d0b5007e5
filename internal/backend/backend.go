// Copyright 2025 James Ross

// Package backend defines the capability the core consumes to run inference,
// and a deterministic in-memory reference implementation used by tests and
// by operators running the runtime without a real model loaded.
package backend

import (
	"context"
	"errors"
	"fmt"
)

// Error is a typed backend failure, attributable to a specific slot when the
// backend can identify one.
type Error struct {
	SlotIndex int // -1 if not attributable to a single slot
	Err       error
}

func (e *Error) Error() string {
	if e.SlotIndex < 0 {
		return fmt.Sprintf("backend: %v", e.Err)
	}
	return fmt.Sprintf("backend: slot %d: %v", e.SlotIndex, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrNotImplemented is returned by capabilities a backend chooses not to support.
var ErrNotImplemented = errors.New("backend: not implemented")

// SlotState is the minimal per-slot context a backend needs to run one step.
type SlotState struct {
	SlotIndex   int
	Tokens      []int32 // for prefill: the whole prompt; for decode: unused (state lives backend-side keyed by SlotIndex)
	Temperature float64
	TopP        float64
	TopK        int
	RNGSeed     uint64
}

// Logits is a single token's sampled output plus the raw distribution
// (omitted here; the reference backend only needs the sampled id).
type Logits struct {
	TokenID   int32
	Token     string
	EndOfSeq  bool
}

// Backend is the capability the core consumes to run inference. All
// operations are fallible; failures are reported as *Error, attributable to
// a specific slot when possible.
type Backend interface {
	// ForwardPrefill processes a slot's full prompt and returns its first
	// sampled token.
	ForwardPrefill(ctx context.Context, slot SlotState) (Logits, error)
	// ForwardDecode performs one fused batched decode step across all given
	// slots, returning one result per slot in the same order.
	ForwardDecode(ctx context.Context, slots []SlotState) ([]Logits, error)
	// Encode tokenizes text.
	Encode(ctx context.Context, text string) ([]int32, error)
	// Decode detokenizes a sequence of token ids.
	Decode(ctx context.Context, tokens []int32) (string, error)
	// ContextWindow returns the model's maximum context length in tokens.
	ContextWindow() int
	// PerTokenKVBytes returns the memory cost of one token of KV cache.
	PerTokenKVBytes() uint64
	// Close releases any resources held by the backend (weights, device
	// handles). Called once during hot-swap release or process shutdown.
	Close() error
}
