// Copyright 2025 James Ross

// Package registry implements the model registry and hot-swap orchestrator.
// The bidirectional model_id <-> handle_id index, the guard-channel-style
// locking, and the preload/drain/release lifecycle follow the shape of a
// backend-runner loader's slot/reference bookkeeping, adapted from whole
// runner slots to single named model entries with an atomic route swap.
package registry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/inferd/inferd/internal/backend"
	"github.com/inferd/inferd/internal/obs"
)

// EntryState is the lifecycle state of one registry entry.
type EntryState int32

const (
	StateLoading EntryState = iota
	StateReady
	StateDraining
	StateUnloading
	StateError
)

func (s EntryState) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateUnloading:
		return "unloading"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Manifest describes a loadable model on disk. The registry passes it to the
// Loader unchanged; the Loader built in cmd/inferd checks Path against the
// configured allowed globs, and Format and ExpectedHash are not checked.
type Manifest struct {
	Path         string
	Format       string
	ExpectedHash string
	Name         string
	OnDiskSize   uint64
}

// Entry is one registry entry: a loaded model and its routing/stat state.
type Entry struct {
	HandleID   uint64
	ModelID    string
	Manifest   Manifest
	MemoryBytes uint64
	LoadedAt   time.Time
	Backend    backend.Backend

	state    int32 // atomic EntryState
	inflight int64 // atomic

	statsMu      sync.Mutex
	requestCount uint64
	sumLatencyMS uint64
}

func (e *Entry) State() EntryState { return EntryState(atomic.LoadInt32(&e.state)) }
func (e *Entry) setState(s EntryState) { atomic.StoreInt32(&e.state, int32(s)) }
func (e *Entry) Inflight() int64 { return atomic.LoadInt64(&e.inflight) }

// Info is the externally-visible snapshot of an entry, as returned by List.
type Info struct {
	HandleID      uint64
	Name          string
	Format        string
	SizeBytes     uint64
	MemoryBytes   uint64
	State         string
	RequestCount  uint64
	AvgLatencyMS  float64
	LoadedAt      time.Time
}

// ErrPreloadFailed and friends are the typed hot-swap failures.
var (
	ErrPreloadFailed    = fmt.Errorf("registry: preload failed")
	ErrHealthCheckFailed = fmt.Errorf("registry: health check failed")
)

// Loader is supplied by the caller to actually construct a Backend from a
// validated manifest; kept as an interface so tests can substitute the
// deterministic in-memory backend.
type Loader func(ctx context.Context, m Manifest) (backend.Backend, uint64, error)

// Registry holds the current routable entry per model_id plus a monotonic
// handle allocator. It is safe for concurrent callers; reads (resolve) are
// the common case and take only a read lock.
type Registry struct {
	mu       sync.RWMutex
	byModel  map[string]*Entry
	byHandle map[uint64]*Entry
	nextHandle uint64

	load Loader
}

// New builds an empty registry. load constructs backends from manifests.
func New(load Loader) *Registry {
	return &Registry{
		byModel:  make(map[string]*Entry),
		byHandle: make(map[uint64]*Entry),
		load:     load,
	}
}

// Resolve returns the live, routable entry for model_id, if any. The
// registry invariant guarantees this never observes a torn view: either the
// old or the new handle is returned across a concurrent swap.
func (r *Registry) Resolve(modelID string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byModel[modelID]
	return e, ok
}

// Resolvable implements admission.ModelResolver.
func (r *Registry) Resolvable(modelID string) bool {
	e, ok := r.Resolve(modelID)
	if !ok {
		return false
	}
	st := e.State()
	return st == StateReady || st == StateDraining
}

// ContextWindow implements admission.ModelResolver.
func (r *Registry) ContextWindow(modelID string) int {
	e, ok := r.Resolve(modelID)
	if !ok || e.Backend == nil {
		return 0
	}
	return e.Backend.ContextWindow()
}

// PerTokenKVBytes implements admission.ModelResolver.
func (r *Registry) PerTokenKVBytes(modelID string) uint64 {
	e, ok := r.Resolve(modelID)
	if !ok || e.Backend == nil {
		return 0
	}
	return e.Backend.PerTokenKVBytes()
}

// List returns a snapshot of every registered entry.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.byHandle))
	for _, e := range r.byHandle {
		e.statsMu.Lock()
		count := e.requestCount
		var avg float64
		if count > 0 {
			avg = float64(e.sumLatencyMS) / float64(count)
		}
		e.statsMu.Unlock()
		out = append(out, Info{
			HandleID:     e.HandleID,
			Name:         e.Manifest.Name,
			Format:       e.Manifest.Format,
			SizeBytes:    e.Manifest.OnDiskSize,
			MemoryBytes:  e.MemoryBytes,
			State:        e.State().String(),
			RequestCount: count,
			AvgLatencyMS: avg,
			LoadedAt:     e.LoadedAt,
		})
	}
	return out
}

// RecordRequest updates an entry's latency stats after a request completes.
func (r *Registry) RecordRequest(handleID uint64, latencyMS float64) {
	r.mu.RLock()
	e, ok := r.byHandle[handleID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	e.statsMu.Lock()
	e.requestCount++
	e.sumLatencyMS += uint64(latencyMS)
	e.statsMu.Unlock()
}

// AcquireInflight and ReleaseInflight track per-entry routed-request counts,
// consulted by the hot-swap drain step.
func (r *Registry) AcquireInflight(e *Entry) { atomic.AddInt64(&e.inflight, 1) }
func (r *Registry) ReleaseInflight(e *Entry) { atomic.AddInt64(&e.inflight, -1) }

// Register performs a first-time load of modelID with no prior entry to
// swap out: preload, health-check, then install directly.
func (r *Registry) Register(ctx context.Context, modelID string, m Manifest) (*Entry, error) {
	return r.swap(ctx, modelID, m, 0)
}

// HotSwap replaces the current entry for modelID, following the
// preload -> health-check -> route-swap -> drain -> release algorithm.
// drainTimeout bounds step 4; on timeout it cancels the old entry's
// outstanding slots via cancelOld before waiting again, bounded.
func (r *Registry) HotSwap(ctx context.Context, modelID string, m Manifest, drainTimeout time.Duration, cancelOld func(oldHandle uint64)) (*Entry, error) {
	return r.swap(ctx, modelID, m, drainTimeout, cancelOld)
}

func (r *Registry) swap(ctx context.Context, modelID string, m Manifest, drainTimeout time.Duration, cancelOld ...func(uint64)) (*Entry, error) {
	// Step 1: preload under a provisional handle.
	handleID := atomic.AddUint64(&r.nextHandle, 1)
	provisional := &Entry{HandleID: handleID, ModelID: modelID, Manifest: m}
	provisional.setState(StateLoading)

	be, memBytes, err := r.load(ctx, m)
	if err != nil {
		obs.HotSwapFailures.Inc()
		return nil, fmt.Errorf("%w: %v", ErrPreloadFailed, err)
	}
	provisional.Backend = be
	provisional.MemoryBytes = memBytes
	provisional.LoadedAt = time.Now()

	// Step 2: health check — a single forward pass.
	hcStart := time.Now()
	if _, err := be.ForwardPrefill(ctx, backend.SlotState{SlotIndex: 0, Tokens: []int32{0}}); err != nil {
		be.Close()
		obs.HotSwapFailures.Inc()
		return nil, fmt.Errorf("%w: %v", ErrHealthCheckFailed, err)
	}

	// Step 3: route swap, atomically replacing the map entry.
	provisional.setState(StateReady)
	r.mu.Lock()
	old, hadOld := r.byModel[modelID]
	r.byModel[modelID] = provisional
	r.byHandle[handleID] = provisional
	r.mu.Unlock()

	if hadOld {
		old.setState(StateDraining)
		// Step 4: drain, bounded by drain_timeout.
		deadline := time.Now().Add(drainTimeout)
		for old.Inflight() > 0 && time.Now().Before(deadline) {
			time.Sleep(2 * time.Millisecond)
		}
		if old.Inflight() > 0 && len(cancelOld) > 0 && cancelOld[0] != nil {
			cancelOld[0](old.HandleID)
			// Wait again, bounded by the same budget once more.
			deadline = time.Now().Add(drainTimeout)
			for old.Inflight() > 0 && time.Now().Before(deadline) {
				time.Sleep(2 * time.Millisecond)
			}
		}
		// Step 5: release.
		old.setState(StateUnloading)
		r.mu.Lock()
		delete(r.byHandle, old.HandleID)
		r.mu.Unlock()
		if old.Backend != nil {
			old.Backend.Close()
		}
	}

	obs.ModelsLoaded.Set(float64(len(r.byHandle)))
	obs.HotSwapDuration.Observe(time.Since(hcStart).Seconds())
	return provisional, nil
}
