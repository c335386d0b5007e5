// Copyright 2025 James Ross

// Package batcher implements the continuous batcher: one instance per
// model, interleaving prefill and decode across a fixed pool of slots. The
// iteration loop's shape — process continuing requests first, then pull new
// work from the wait queue within a token budget, evicting on resource
// pressure — follows the chunked-prefill scheduling pattern used by
// vLLM-style batch formation, adapted here from an explicit wait-queue
// simulation to this runtime's bounded priority rqueue and paged KV pool.
package batcher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/inferd/inferd/internal/audit"
	be "github.com/inferd/inferd/internal/backend"
	"github.com/inferd/inferd/internal/breaker"
	"github.com/inferd/inferd/internal/dedup"
	"github.com/inferd/inferd/internal/kv"
	"github.com/inferd/inferd/internal/lifecycle"
	"github.com/inferd/inferd/internal/obs"
	"github.com/inferd/inferd/internal/rqueue"
)

// slotPhase is a slot's position within one request's execution, distinct
// from the request's own lifecycle.State (which also covers queued/terminal).
type slotPhase int

const (
	phasePrefilling slotPhase = iota
	phaseDecoding
)

type slot struct {
	requestID   uint64
	req         *lifecycle.Request
	table       *kv.Table
	phase       slotPhase
	pausedSince time.Time // zero unless the sink is currently backpressuring
	generated   int       // tokens delivered to the sink so far

	dedupKey string // non-empty iff this request is eligible to populate the dedup cache on success
	output   strings.Builder
}

func (s *slot) paused() bool { return !s.pausedSince.IsZero() }

// Config bundles the batcher's tunables, mirroring config.Batcher.
//
// The breaker fields are optional: the zero value (BreakerWindow == 0 or
// BreakerMinSamples == 0) leaves the batcher without a circuit breaker,
// matching every existing caller that doesn't set them.
type Config struct {
	MaxBatchSlots     int
	MaxScheduledTokens int64
	MinDecodeSlots    int
	SlotPauseBudget   time.Duration

	BreakerWindow           time.Duration
	BreakerCooldown         time.Duration
	BreakerFailureThreshold float64
	BreakerMinSamples       int
}

// Batcher is the per-model continuous batcher. Its iteration loop is meant
// to run on at most one goroutine at a time; its internal state is not
// concurrency-safe across callers.
type Batcher struct {
	modelID string
	cfg     Config
	queue   *rqueue.Queue
	pool    *kv.Pool
	arena   *lifecycle.Arena
	backend be.Backend
	dedup   *dedup.Cache
	auditW  *audit.Writer
	log     *zap.Logger

	slots []*slot

	draining bool

	cb *breaker.CircuitBreaker // nil disables breaker gating entirely

	onTerminal func(req *lifecycle.Request) // called once per request reaching a terminal state
}

// New builds a batcher for one model.
func New(modelID string, cfg Config, queue *rqueue.Queue, pool *kv.Pool, arena *lifecycle.Arena, backend be.Backend, dedupCache *dedup.Cache, auditW *audit.Writer, log *zap.Logger, onTerminal func(req *lifecycle.Request)) *Batcher {
	var cb *breaker.CircuitBreaker
	if cfg.BreakerWindow > 0 && cfg.BreakerMinSamples > 0 {
		cb = breaker.New(modelID, cfg.BreakerWindow, cfg.BreakerCooldown, cfg.BreakerFailureThreshold, cfg.BreakerMinSamples)
	}
	return &Batcher{
		modelID:    modelID,
		cfg:        cfg,
		queue:      queue,
		pool:       pool,
		arena:      arena,
		backend:    backend,
		dedup:      dedupCache,
		auditW:     auditW,
		log:        log,
		cb:         cb,
		onTerminal: onTerminal,
	}
}

// cbAllow reports whether the backend may be called this iteration. A nil
// breaker (the default) always allows.
func (b *Batcher) cbAllow() bool {
	if b.cb == nil {
		return true
	}
	return b.cb.Allow()
}

// cbRecord reports a backend call's outcome to the breaker, if one is
// configured.
func (b *Batcher) cbRecord(ok bool) {
	if b.cb != nil {
		b.cb.Record(ok)
	}
}

// SetDraining marks the batcher as draining for model hot-swap: it stops
// admitting new slots but continues to run existing ones to completion.
func (b *Batcher) SetDraining(v bool) { b.draining = v }

// Draining reports whether this batcher currently admits no new slots.
func (b *Batcher) Draining() bool { return b.draining }

// ActiveSlots reports the number of occupied slots.
func (b *Batcher) ActiveSlots() int {
	n := 0
	for _, s := range b.slots {
		if s != nil {
			n++
		}
	}
	return n
}

// Warmup drives a standalone forward pass against this model's backend,
// sized by tokenCount, without occupying a batch slot or touching the
// request queue. It mirrors the single forward pass the hot-swap
// orchestrator uses as its health check (registry.swap), sized instead by
// the caller's requested token count so a warmup exercises roughly the
// prefill cost a real request of that length would incur. A tokenCount <= 0
// still issues a minimal one-token pass, matching the health check's own
// floor.
func (b *Batcher) Warmup(ctx context.Context, tokenCount int) error {
	if tokenCount < 1 {
		tokenCount = 1
	}
	if !b.cbAllow() {
		return fmt.Errorf("batcher: circuit breaker open for model %s", b.modelID)
	}
	tokens := make([]int32, tokenCount)
	if _, err := b.backend.ForwardPrefill(ctx, be.SlotState{SlotIndex: -1, Tokens: tokens}); err != nil {
		b.cbRecord(false)
		return err
	}
	b.cbRecord(true)
	return nil
}

// Iterate runs exactly one scheduler pass: admit, prefill, decode, terminate.
func (b *Batcher) Iterate(ctx context.Context) {
	start := time.Now()
	b.admitNewSlots(ctx)
	decodeSlotsBeforePrefill := b.countPhase(phaseDecoding)
	prefilling := b.slotsInPhase(phasePrefilling)

	// Tie-break: prefer prefill over decode only if it leaves >= MinDecodeSlots
	// decode slots still active this iteration; otherwise decode first.
	preferPrefill := decodeSlotsBeforePrefill >= b.cfg.MinDecodeSlots || decodeSlotsBeforePrefill == 0
	if preferPrefill {
		b.runPrefillStep(ctx, prefilling)
		b.runDecodeStep(ctx)
	} else {
		b.runDecodeStep(ctx)
		b.runPrefillStep(ctx, prefilling)
	}

	b.terminateFinishedSlots()

	depth, _ := b.queue.Snapshot()
	obs.BatcherIterations.WithLabelValues(b.modelID).Inc()
	obs.BatcherSlotsActive.WithLabelValues(b.modelID).Set(float64(b.ActiveSlots()))
	obs.QueueDepth.WithLabelValues(b.modelID).Set(float64(depth))
	obs.BatcherIterationDuration.WithLabelValues(b.modelID).Observe(time.Since(start).Seconds())
}

func (b *Batcher) countPhase(p slotPhase) int {
	n := 0
	for _, s := range b.slots {
		if s != nil && s.phase == p {
			n++
		}
	}
	return n
}

func (b *Batcher) slotsInPhase(p slotPhase) []*slot {
	var out []*slot
	for _, s := range b.slots {
		if s != nil && s.phase == p {
			out = append(out, s)
		}
	}
	return out
}

// admitNewSlots pulls ready entries off the queue until slots are full or
// the queue is empty. Draining batchers admit nothing.
func (b *Batcher) admitNewSlots(ctx context.Context) {
	if b.draining {
		return
	}
	if len(b.slots) < b.cfg.MaxBatchSlots {
		grow := make([]*slot, b.cfg.MaxBatchSlots)
		copy(grow, b.slots)
		b.slots = grow
	}
	for i, s := range b.slots {
		if s != nil {
			continue
		}
		entry, ok, discarded := b.queue.DequeueReady()
		for _, d := range discarded {
			if req, found := b.arena.Get(d.RequestID); found {
				b.finishCancelled(req, "cancelled")
			}
		}
		if !ok {
			return
		}
		req, found := b.arena.Get(entry.RequestID)
		if !found {
			continue
		}

		var dedupKey string
		if b.dedup != nil && req.Params.Deterministic() && !req.Params.Stream {
			dedupKey = dedupLookupKey(req)
			if cached, hit := b.dedup.Get(dedupKey); hit {
				req.SetState(lifecycle.StateDecoding)
				req.Sink.TrySend(lifecycle.Chunk{Token: cached})
				b.finish(&slot{requestID: req.RequestID, req: req}, "")
				b.terminate(req)
				continue
			}
		}

		table := kv.NewTable(b.pool)
		promptTokens := b.estimatePromptTokens(req)
		if err := table.Reserve(promptTokens); err != nil {
			obs.KVPageAllocFailures.Inc()
			b.fail(req, "MemoryExhausted")
			continue
		}
		req.SetState(lifecycle.StatePrefilling)
		b.slots[i] = &slot{requestID: req.RequestID, req: req, table: table, phase: phasePrefilling, dedupKey: dedupKey}
	}
}

// dedupLookupKey derives the content-addressed cache key for a deterministic,
// non-streaming request. Normalisation is intentionally simple (trim is left
// to the caller at admission time); the hash, not the readability of the
// input, is what matters for correctness.
func dedupLookupKey(req *lifecycle.Request) string {
	params := fmt.Sprintf("%d|%g|%g|%d", req.Params.MaxTokens, req.Params.Temperature, req.Params.TopP, req.Params.TopK)
	return dedup.Key(req.ModelID, req.Input.Text, params)
}

func (b *Batcher) estimatePromptTokens(req *lifecycle.Request) int {
	// The reference backend tokenizes on demand; callers that already know
	// the token count (post-admission) may stash it on Input in the future.
	// For now a whitespace-based estimate is conservative enough to size
	// the initial page reservation, and Advance() grows the table exactly
	// as decode crosses page boundaries regardless.
	if req.Input.Text != "" {
		n := len(req.Input.Text) / 4
		if n < 1 {
			n = 1
		}
		return n
	}
	return 1
}

func (b *Batcher) runPrefillStep(ctx context.Context, prefilling []*slot) {
	if len(prefilling) > 0 && !b.cbAllow() {
		return // breaker open; remaining slots stay Prefilling and retry next iteration
	}
	var scheduledTokens int64
	for idx, s := range prefilling {
		if b.cfg.MaxScheduledTokens > 0 && scheduledTokens >= b.cfg.MaxScheduledTokens {
			break // remaining slots stay Prefilling and are picked up next iteration
		}
		tokens, err := b.backend.Encode(ctx, s.req.Input.Text)
		if err != nil {
			b.fail(s.req, err.Error())
			b.clearSlot(s)
			continue
		}
		scheduledTokens += int64(len(tokens))
		out, err := b.backend.ForwardPrefill(ctx, be.SlotState{
			SlotIndex:   idx,
			Tokens:      tokens,
			Temperature: s.req.Params.Temperature,
			TopP:        s.req.Params.TopP,
			TopK:        s.req.Params.TopK,
		})
		b.cbRecord(err == nil)
		if err != nil {
			b.fail(s.req, "BackendError")
			b.clearSlot(s)
			continue
		}
		if err := s.table.Advance(); err != nil {
			obs.KVPageAllocFailures.Inc()
			b.fail(s.req, "MemoryExhausted")
			b.clearSlot(s)
			continue
		}
		s.phase = phaseDecoding
		s.req.SetState(lifecycle.StateDecoding)
		b.emit(s, out)
	}
}

func (b *Batcher) runDecodeStep(ctx context.Context) {
	decoding := b.slotsInPhase(phaseDecoding)
	var active []*slot
	var states []be.SlotState
	for idx, s := range decoding {
		if s.req.State().IsTerminal() {
			continue // finished during this iteration's prefill; its sink is closed
		}
		if b.shouldPause(s) {
			continue
		}
		active = append(active, s)
		states = append(states, be.SlotState{
			SlotIndex:   idx,
			Temperature: s.req.Params.Temperature,
			TopP:        s.req.Params.TopP,
			TopK:        s.req.Params.TopK,
		})
	}
	if len(active) == 0 {
		return
	}
	if !b.cbAllow() {
		return // breaker open; slots stay Decoding and retry next iteration
	}
	results, err := b.backend.ForwardDecode(ctx, states)
	if err != nil {
		// Retry once, dropping the whole batch down to a single slot isn't
		// identifiable generically; fail the whole batch on a second error
		// and let callers re-admit. A typed, slot-attributable error would
		// let us drop just the offending slot instead.
		results, err = b.backend.ForwardDecode(ctx, states)
	}
	b.cbRecord(err == nil)
	if err != nil {
		for _, s := range active {
			b.fail(s.req, "BackendError")
			b.clearSlot(s)
		}
		return
	}
	for i, s := range active {
		if err := s.table.Advance(); err != nil {
			obs.KVPageAllocFailures.Inc()
			b.fail(s.req, "MemoryExhausted")
			b.clearSlot(s)
			continue
		}
		b.emit(s, results[i])
	}
}

// shouldPause implements backpressure: a full sink pauses its slot (skipped
// this iteration, still allocated) for up to SlotPauseBudget before the slot
// is cancelled with SlowConsumer.
func (b *Batcher) shouldPause(s *slot) bool {
	if !s.paused() {
		return false
	}
	if time.Since(s.pausedSince) > b.cfg.SlotPauseBudget {
		b.fail(s.req, "SlowConsumer")
		b.clearSlot(s)
	}
	return true
}

func (b *Batcher) emit(s *slot, out be.Logits) {
	ok := s.req.Sink.TrySend(lifecycle.Chunk{Token: out.Token})
	if !ok {
		if !s.paused() {
			s.pausedSince = time.Now()
		}
		return
	}
	s.pausedSince = time.Time{}
	s.generated++
	obs.BatcherTokensProduced.WithLabelValues(b.modelID).Inc()
	if s.dedupKey != "" {
		s.output.WriteString(out.Token)
	}

	if out.EndOfSeq {
		b.finish(s, "")
		return
	}
	if s.req.Params.MaxTokens > 0 && s.generated >= s.req.Params.MaxTokens {
		b.finish(s, "")
		return
	}
	if s.req.Cancelled() {
		reason := s.req.CancelReason()
		if reason == "" {
			reason = "cancelled"
		}
		b.finishCancelled(s.req, reason)
		b.clearSlotByID(s.requestID)
		return
	}
	if s.req.DeadlineExpired(time.Now()) {
		b.finishCancelled(s.req, "deadline_exceeded")
		b.clearSlotByID(s.requestID)
		return
	}
}

// finish marks a request Finished and closes its sink with a success final
// chunk. The slot itself is cleared by terminateFinishedSlots.
func (b *Batcher) finish(s *slot, errReason string) {
	s.req.SetState(lifecycle.StateFinished)
	s.req.Sink.Close(lifecycle.Chunk{Error: errReason})
	if s.dedupKey != "" && errReason == "" && b.dedup != nil {
		b.dedup.Put(s.dedupKey, s.output.String())
	}
}

func (b *Batcher) finishCancelled(req *lifecycle.Request, reason string) {
	req.SetState(lifecycle.StateCancelled)
	req.Sink.Close(lifecycle.Chunk{Error: reason})
	b.terminate(req)
}

func (b *Batcher) fail(req *lifecycle.Request, reason string) {
	req.SetState(lifecycle.StateFailed)
	req.Sink.Close(lifecycle.Chunk{Error: reason})
	if b.auditW != nil {
		b.auditW.Emit("lifecycle_terminal", req.RequestID, b.modelID, "failed:"+reason)
	}
	b.terminate(req)
}

func (b *Batcher) terminate(req *lifecycle.Request) {
	req.Release()
	if b.onTerminal != nil {
		b.onTerminal(req)
	}
	obs.RequestsTerminal.WithLabelValues(req.State().String()).Inc()
	b.arena.Drop(req.RequestID)
}

// terminateFinishedSlots sweeps every slot whose request reached a terminal
// state this iteration, releasing its KV pages and clearing the slot.
func (b *Batcher) terminateFinishedSlots() {
	for i, s := range b.slots {
		if s == nil {
			continue
		}
		if s.req.State().IsTerminal() {
			s.table.Release()
			if s.req.State() == lifecycle.StateFinished {
				b.terminate(s.req)
			}
			b.slots[i] = nil
		}
	}
}

func (b *Batcher) clearSlot(s *slot) {
	for i, cur := range b.slots {
		if cur == s {
			s.table.Release()
			b.slots[i] = nil
			return
		}
	}
}

func (b *Batcher) clearSlotByID(requestID uint64) {
	for i, s := range b.slots {
		if s != nil && s.requestID == requestID {
			s.table.Release()
			b.slots[i] = nil
			return
		}
	}
}
