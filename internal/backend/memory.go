// Copyright 2025 James Ross
package backend

import (
	"context"
	"fmt"
	"strings"
)

// MemoryBackend is a deterministic, in-process stand-in for a real model
// backend. It tokenizes on whitespace, "generates" by echoing a fixed
// vocabulary cycle, and marks every 64th decode step of a slot as
// end-of-sequence. It exists so the core
// and its end-to-end tests can exercise admission, batching, KV paging and
// hot-swap without a real model file.
type MemoryBackend struct {
	name            string
	contextWindow   int
	perTokenKVBytes uint64
	vocabulary      []string
	// perSlot tracks how many decode steps a slot index has taken, so decode
	// is a pure function of (slot index, step count) and therefore
	// reproducible across retries.
	perSlot map[int]int
}

// NewMemoryBackend builds a reference backend. vocabulary, if empty,
// defaults to a small fixed word list.
func NewMemoryBackend(name string, contextWindow int, perTokenKVBytes uint64, vocabulary []string) *MemoryBackend {
	if len(vocabulary) == 0 {
		vocabulary = []string{"the", "quick", "brown", "fox", "jumps", "over", "lazy", "dog"}
	}
	return &MemoryBackend{
		name:            name,
		contextWindow:   contextWindow,
		perTokenKVBytes: perTokenKVBytes,
		vocabulary:      vocabulary,
		perSlot:         make(map[int]int),
	}
}

func (b *MemoryBackend) ForwardPrefill(ctx context.Context, slot SlotState) (Logits, error) {
	if len(slot.Tokens) > b.contextWindow {
		return Logits{}, &Error{SlotIndex: slot.SlotIndex, Err: fmt.Errorf("prompt exceeds context window %d", b.contextWindow)}
	}
	b.perSlot[slot.SlotIndex] = 0
	return b.sample(slot, 0), nil
}

func (b *MemoryBackend) ForwardDecode(ctx context.Context, slots []SlotState) ([]Logits, error) {
	out := make([]Logits, len(slots))
	for i, s := range slots {
		step := b.perSlot[s.SlotIndex] + 1
		b.perSlot[s.SlotIndex] = step
		out[i] = b.sample(s, step)
	}
	return out, nil
}

// sample deterministically derives a token from the slot index and step,
// cycling through the vocabulary; it emits end-of-sequence on a fixed period
// so max_tokens is rarely the only terminating condition exercised by tests.
func (b *MemoryBackend) sample(slot SlotState, step int) Logits {
	idx := (slot.SlotIndex*31 + step) % len(b.vocabulary)
	tok := b.vocabulary[idx]
	eos := step > 0 && step%64 == 0
	return Logits{TokenID: int32(idx), Token: tok, EndOfSeq: eos}
}

func (b *MemoryBackend) Encode(ctx context.Context, text string) ([]int32, error) {
	fields := strings.Fields(text)
	out := make([]int32, len(fields))
	for i := range fields {
		out[i] = int32(i)
	}
	return out, nil
}

func (b *MemoryBackend) Decode(ctx context.Context, tokens []int32) (string, error) {
	parts := make([]string, len(tokens))
	for i, t := range tokens {
		parts[i] = b.vocabulary[int(t)%len(b.vocabulary)]
	}
	return strings.Join(parts, " "), nil
}

func (b *MemoryBackend) ContextWindow() int { return b.contextWindow }

func (b *MemoryBackend) PerTokenKVBytes() uint64 { return b.perTokenKVBytes }

func (b *MemoryBackend) Close() error { return nil }
