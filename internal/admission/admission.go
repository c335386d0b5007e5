// Copyright 2025 James Ross

// Package admission implements the admission gate: the single entry point
// that reserves concurrency and memory resources for a request and decides,
// in a fixed ordered sequence, whether it may enter the system. Rejections
// are typed and counted; there is no uncontrolled process-level OOM from the
// admission path.
package admission

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/inferd/inferd/internal/obs"
	"github.com/inferd/inferd/internal/shutdown"
)

// RejectKind enumerates why try_admit refused a request.
type RejectKind int

const (
	RejectNone RejectKind = iota
	RejectQueueFull
	RejectMemoryExhausted
	RejectConcurrencyExhausted
	RejectModelNotLoaded
	RejectMalformedInput
	RejectSizeExceeded
	RejectShuttingDown
)

func (r RejectKind) String() string {
	switch r {
	case RejectQueueFull:
		return "QueueFull"
	case RejectMemoryExhausted:
		return "MemoryExhausted"
	case RejectConcurrencyExhausted:
		return "ConcurrencyExhausted"
	case RejectModelNotLoaded:
		return "ModelNotLoaded"
	case RejectMalformedInput:
		return "MalformedInput"
	case RejectSizeExceeded:
		return "SizeExceeded"
	case RejectShuttingDown:
		return "ShuttingDown"
	default:
		return "None"
	}
}

// RejectError wraps a RejectKind as an error.
type RejectError struct {
	Kind RejectKind
}

func (e *RejectError) Error() string { return fmt.Sprintf("admission rejected: %s", e.Kind) }

// ModelResolver is the subset of the registry the gate needs: whether a
// model is currently routable, and its context window / per-token KV cost.
type ModelResolver interface {
	Resolvable(modelID string) bool
	ContextWindow(modelID string) int
	PerTokenKVBytes(modelID string) uint64
}

// Request is the minimal shape the gate needs to evaluate admission; the
// caller constructs the full lifecycle.Request only after a successful admit.
type Request struct {
	ModelID        string
	PromptBytes    int
	PromptTokens   int // -1 if not cheaply available; byte cap is then authoritative
	MaxTokens      int
}

// Limits bundles the gate's configured thresholds.
type Limits struct {
	MaxGlobalConcurrency   int
	MaxPerModelConcurrency int
	MaxGlobalMemoryBytes   uint64
	PerTokenKVBytesDefault uint64
	WeightsShareEstimate   uint64
	MaxQueueDepth          int
	MaxPromptBytes         int
}

// Gate is the admission gate. It is safe for concurrent callers.
type Gate struct {
	limits      Limits
	coordinator *shutdown.Coordinator
	models      ModelResolver

	globalConcurrency int64 // atomic, permits in use
	globalMemory      uint64 // atomic, bytes reserved
	queueDepth        int64  // atomic, queue slots held by leases not yet released

	mu             sync.Mutex
	perModelInUse  map[string]int
}

// New builds a gate. coordinator and models must be non-nil.
func New(limits Limits, coordinator *shutdown.Coordinator, models ModelResolver) *Gate {
	return &Gate{
		limits:        limits,
		coordinator:   coordinator,
		models:        models,
		perModelInUse: make(map[string]int),
	}
}

// Lease is the RAII token aggregating the reservations taken at admission.
// Release returns them in reverse order; calling Release more than once is a
// no-op.
type Lease struct {
	gate        *Gate
	modelID     string
	memoryBytes uint64
	released    int32
}

// Release returns the lease's reservations. Safe to call more than once.
func (l *Lease) Release() {
	if !atomic.CompareAndSwapInt32(&l.released, 0, 1) {
		return
	}
	l.gate.releaseQueueSlot()
	l.gate.releaseMemory(l.memoryBytes)
	l.gate.releaseConcurrency(l.modelID)
}

// TryAdmit runs the ordered admission algorithm in §4.1 and returns either a
// live Lease or a typed rejection.
func (g *Gate) TryAdmit(req Request) (*Lease, RejectKind) {
	// 1. Shutdown state.
	if g.coordinator.State() != shutdown.Running {
		obs.AdmissionRejected.WithLabelValues(RejectShuttingDown.String()).Inc()
		return nil, RejectShuttingDown
	}

	// 2. Input validation: hard byte cap, then well-formedness. The token cap
	// against the model's context window follows the resolve in step 3.
	if req.PromptBytes > g.limits.MaxPromptBytes {
		obs.AdmissionRejected.WithLabelValues(RejectSizeExceeded.String()).Inc()
		return nil, RejectSizeExceeded
	}
	if req.ModelID == "" || req.MaxTokens <= 0 {
		obs.AdmissionRejected.WithLabelValues(RejectMalformedInput.String()).Inc()
		return nil, RejectMalformedInput
	}

	// 3. Resolve model.
	if !g.models.Resolvable(req.ModelID) {
		obs.AdmissionRejected.WithLabelValues(RejectModelNotLoaded.String()).Inc()
		return nil, RejectModelNotLoaded
	}
	if cw := g.models.ContextWindow(req.ModelID); req.PromptTokens >= 0 && cw > 0 && req.PromptTokens > cw {
		obs.AdmissionRejected.WithLabelValues(RejectSizeExceeded.String()).Inc()
		return nil, RejectSizeExceeded
	}

	// 4. Concurrency permits: global and per-model limits are both checked
	// under g.mu before either is taken, so a rejection never leaks a permit.
	if !g.acquireConcurrency(req.ModelID) {
		obs.AdmissionRejected.WithLabelValues(RejectConcurrencyExhausted.String()).Inc()
		return nil, RejectConcurrencyExhausted
	}

	// 5. Memory reservation.
	perTokenKV := g.models.PerTokenKVBytes(req.ModelID)
	if perTokenKV == 0 {
		perTokenKV = g.limits.PerTokenKVBytesDefault
	}
	memBytes := g.limits.WeightsShareEstimate + uint64(req.MaxTokens)*perTokenKV
	if !g.acquireMemory(memBytes) {
		g.releaseConcurrency(req.ModelID)
		obs.AdmissionRejected.WithLabelValues(RejectMemoryExhausted.String()).Inc()
		return nil, RejectMemoryExhausted
	}

	// 6. Queue capacity.
	if !g.acquireQueueSlot() {
		g.releaseMemory(memBytes)
		g.releaseConcurrency(req.ModelID)
		obs.AdmissionRejected.WithLabelValues(RejectQueueFull.String()).Inc()
		return nil, RejectQueueFull
	}

	obs.AdmissionAccepted.Inc()
	obs.AdmissionInFlight.Inc()
	obs.AdmissionMemoryReservedBytes.Add(float64(memBytes))
	return &Lease{gate: g, modelID: req.ModelID, memoryBytes: memBytes}, RejectNone
}

func (g *Gate) acquireConcurrency(modelID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if int(atomic.LoadInt64(&g.globalConcurrency)) >= g.limits.MaxGlobalConcurrency {
		return false
	}
	if g.perModelInUse[modelID] >= g.limits.MaxPerModelConcurrency {
		return false
	}
	atomic.AddInt64(&g.globalConcurrency, 1)
	g.perModelInUse[modelID]++
	return true
}

func (g *Gate) releaseConcurrency(modelID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	atomic.AddInt64(&g.globalConcurrency, -1)
	if g.perModelInUse[modelID] > 0 {
		g.perModelInUse[modelID]--
	}
}

func (g *Gate) acquireMemory(bytes uint64) bool {
	for {
		cur := atomic.LoadUint64(&g.globalMemory)
		if cur+bytes > g.limits.MaxGlobalMemoryBytes {
			return false
		}
		if atomic.CompareAndSwapUint64(&g.globalMemory, cur, cur+bytes) {
			return true
		}
	}
}

func (g *Gate) releaseMemory(bytes uint64) {
	atomic.AddUint64(&g.globalMemory, ^(bytes - 1)) // bytes subtraction via two's complement
	obs.AdmissionMemoryReservedBytes.Add(-float64(bytes))
}

func (g *Gate) acquireQueueSlot() bool {
	for {
		cur := atomic.LoadInt64(&g.queueDepth)
		if int(cur) >= g.limits.MaxQueueDepth {
			return false
		}
		if atomic.CompareAndSwapInt64(&g.queueDepth, cur, cur+1) {
			return true
		}
	}
}

func (g *Gate) releaseQueueSlot() {
	atomic.AddInt64(&g.queueDepth, -1)
	obs.AdmissionInFlight.Dec()
}

// QueueDepth reports the current number of queue-slot reservations, taken at
// admission and returned when the lease is released, for health and metrics.
func (g *Gate) QueueDepth() int64 { return atomic.LoadInt64(&g.queueDepth) }
