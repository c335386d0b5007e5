// Copyright 2025 James Ross
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/inferd/inferd/internal/admission"
	"github.com/inferd/inferd/internal/audit"
	"github.com/inferd/inferd/internal/backend"
	"github.com/inferd/inferd/internal/batcher"
	"github.com/inferd/inferd/internal/config"
	"github.com/inferd/inferd/internal/dedup"
	"github.com/inferd/inferd/internal/kv"
	"github.com/inferd/inferd/internal/lifecycle"
	"github.com/inferd/inferd/internal/obs"
	"github.com/inferd/inferd/internal/opsapi"
	"github.com/inferd/inferd/internal/protocol"
	"github.com/inferd/inferd/internal/registry"
	"github.com/inferd/inferd/internal/rqueue"
	"github.com/inferd/inferd/internal/shutdown"
	"github.com/inferd/inferd/internal/transport"
)

var version = "dev"

// manifestFile is the on-disk shape the preload step validates against the
// configured allowed_globs before ever constructing a backend.
type manifestFile struct {
	ModelID         string   `json:"model_id"`
	Format          string   `json:"format"`
	ExpectedHash    string   `json:"expected_hash"`
	OnDiskSize      uint64   `json:"on_disk_size"`
	ContextWindow   int      `json:"context_window"`
	PerTokenKVBytes uint64   `json:"per_token_kv_bytes"`
	Vocabulary      []string `json:"vocabulary,omitempty"`
}

// modelRuntime bundles the per-model scheduling state: its queue and its
// continuous batcher. There is no cross-model scheduler; fairness across
// models is structural.
type modelRuntime struct {
	queue   *rqueue.Queue
	batcher *batcher.Batcher
}

func main() {
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = obs.TracerShutdown(context.Background(), tp) }()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	arena := lifecycle.NewArena()
	kvPool := kv.NewPool(cfg.KV.TotalPages, cfg.KV.PageCapacityTokens)

	var auditW *audit.Writer
	if cfg.Audit.Enabled {
		auditW, err = audit.Open(cfg.Audit.DBPath, cfg.Audit.ChannelSize, logger)
		if err != nil {
			logger.Fatal("audit open failed", obs.Err(err))
		}
		defer auditW.Close()
	}

	var dedupCache *dedup.Cache
	if cfg.Dedup.Enabled {
		dedupCache, err = dedup.New(cfg.Dedup.Capacity)
		if err != nil {
			logger.Fatal("dedup cache init failed", obs.Err(err))
		}
	}

	models := make(map[string]*modelRuntime)

	reg := registry.New(func(ctx context.Context, m registry.Manifest) (backend.Backend, uint64, error) {
		if !manifestPathAllowed(m.Path, cfg.Models.AllowedGlobs) {
			return nil, 0, fmt.Errorf("main: manifest path %q is not covered by an allowed glob", m.Path)
		}
		mf, ok := manifestByPath[m.Path]
		if !ok {
			return nil, 0, fmt.Errorf("main: no manifest metadata for %s", m.Path)
		}
		return backend.NewMemoryBackend(m.Name, mf.ContextWindow, mf.PerTokenKVBytes, mf.Vocabulary), m.OnDiskSize, nil
	})

	manifests, err := discoverManifests(cfg.Models.AllowedGlobs)
	if err != nil {
		logger.Fatal("manifest discovery failed", obs.Err(err))
	}
	for path, mf := range manifests {
		manifestByPath[path] = mf
		entry, err := reg.Register(ctx, mf.ModelID, registry.Manifest{
			Path: path, Format: mf.Format, ExpectedHash: mf.ExpectedHash, Name: mf.ModelID, OnDiskSize: mf.OnDiskSize,
		})
		if err != nil {
			logger.Error("model preload failed, skipping", obs.String("model_id", mf.ModelID), obs.Err(err))
			continue
		}
		rt := newModelRuntime(mf.ModelID, cfg, arena, kvPool, entry.Backend, dedupCache, auditW, logger, arena.Drop)
		models[mf.ModelID] = rt
		logger.Info("model loaded", obs.String("model_id", mf.ModelID))
	}

	coordinator := shutdown.New(func(reason string) {
		logger.Warn("drain timeout exceeded, cancelling remaining in-flight requests", obs.String("reason", reason))
		arena.CancelAll(reason)
	})

	gate := admission.New(admission.Limits{
		MaxGlobalConcurrency:   cfg.Admission.MaxGlobalConcurrency,
		MaxPerModelConcurrency: cfg.Admission.MaxPerModelConcurrency,
		MaxGlobalMemoryBytes:   cfg.Admission.MaxGlobalMemoryBytes,
		PerTokenKVBytesDefault: cfg.Admission.PerTokenKVBytes,
		WeightsShareEstimate:   cfg.Admission.WeightsShareEstimate,
		MaxQueueDepth:          cfg.Admission.MaxQueueDepth,
		MaxPromptBytes:         cfg.Admission.MaxPromptBytes,
	}, coordinator, reg)

	readyCheck := func(c context.Context) error {
		if coordinator.State() != shutdown.Running {
			return fmt.Errorf("draining")
		}
		return nil
	}
	httpSrv := obs.StartHTTPServer(cfg, readyCheck)
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()

	opsSrv := opsapi.New(reg, auditW, logger)
	opsHTTP := &server{addr: "127.0.0.1:9091", handler: opsSrv.Router()}
	opsHTTP.start(logger)
	defer opsHTTP.stop()

	var idGen uint64
	dispatch := newDispatcher(cfg, gate, coordinator, reg, arena, models, auditW, logger, &idGen)

	ln, err := transport.Listen(cfg.Transport.SocketPath, cfg.Transport.HandshakeToken, cfg.Transport.MaxFrameBytes,
		cfg.Transport.AcceptTimeout, cfg.RateLimit.PerSecond, cfg.RateLimit.Burst, logger)
	if err != nil {
		logger.Fatal("transport listen failed", obs.Err(err))
	}
	defer ln.Close()

	go acceptLoop(ctx, ln, dispatch, logger)

	for modelID, rt := range models {
		go runBatcherLoop(ctx, modelID, rt.batcher, cfg.Batcher.IterationInterval)
	}

	go obs.StartQueueDepthSampler(ctx, cfg, func() map[string]obs.QueueDepthSource {
		out := make(map[string]obs.QueueDepthSource, len(models))
		for id, rt := range models {
			out[id] = rt.queue
		}
		return out
	}, logger)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("signal received, beginning graceful shutdown", obs.String("signal", sig.String()))
	coordinator.BeginShutdown()
	obs.ShutdownState.Set(1)

	go func() {
		sig2 := <-sigCh
		logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
		os.Exit(1)
	}()

	result := coordinator.AwaitDrain(cfg.Shutdown.DefaultDrainTimeout)
	logger.Info("drain complete", obs.String("result", result.String()))
	coordinator.Stop()
	obs.ShutdownState.Set(2)
	cancel()
}

// manifestByPath bridges the registry's Loader (which only sees path/format/
// hash) to the richer, domain-specific fields (context window, KV cost,
// vocabulary) this runtime's reference backend needs.
var manifestByPath = make(map[string]manifestFile)

// manifestPathAllowed reports whether path is covered by one of the
// configured allowlist globs, guarding the preload step against
// path-traversal or otherwise out-of-tree manifests. It runs inside the
// registry's Loader closure, so it guards every load through that Loader —
// the initial startup scan (whose paths always come from the same globs via
// discoverManifests) and any future hot-swap alike — rather than trusting a
// path that happened to pass through discovery once.
func manifestPathAllowed(path string, globs []string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	for _, g := range globs {
		absGlob, err := filepath.Abs(g)
		if err != nil {
			absGlob = g
		}
		if ok, err := doublestar.Match(absGlob, abs); err == nil && ok {
			return true
		}
	}
	return false
}

func discoverManifests(globs []string) (map[string]manifestFile, error) {
	out := make(map[string]manifestFile)
	for _, pattern := range globs {
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, fmt.Errorf("main: glob %q: %w", pattern, err)
		}
		for _, path := range matches {
			abs, err := filepath.Abs(path)
			if err != nil {
				abs = path
			}
			b, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("main: read manifest %s: %w", path, err)
			}
			var mf manifestFile
			if err := json.Unmarshal(b, &mf); err != nil {
				return nil, fmt.Errorf("main: parse manifest %s: %w", path, err)
			}
			out[abs] = mf
		}
	}
	return out, nil
}

func newModelRuntime(modelID string, cfg *config.Config, arena *lifecycle.Arena, pool *kv.Pool, be backend.Backend,
	dedupCache *dedup.Cache, auditW *audit.Writer, log *zap.Logger, onTerminal func(id uint64)) *modelRuntime {
	queue := rqueue.New(cfg.Admission.MaxQueueDepth, func(id uint64) bool {
		req, ok := arena.Get(id)
		return ok && req.Cancelled()
	})
	bcfg := batcher.Config{
		MaxBatchSlots:      cfg.Batcher.MaxBatchSlots,
		MaxScheduledTokens: cfg.Batcher.MaxScheduledTokens,
		MinDecodeSlots:     cfg.Batcher.MinDecodeSlots,
		SlotPauseBudget:    cfg.Batcher.SlotPauseBudget,

		BreakerWindow:           cfg.Batcher.BreakerWindow,
		BreakerCooldown:         cfg.Batcher.BreakerCooldown,
		BreakerFailureThreshold: cfg.Batcher.BreakerFailureThreshold,
		BreakerMinSamples:       cfg.Batcher.BreakerMinSamples,
	}
	b := batcher.New(modelID, bcfg, queue, pool, arena, be, dedupCache, auditW, log, func(req *lifecycle.Request) {
		onTerminal(req.RequestID)
	})
	return &modelRuntime{queue: queue, batcher: b}
}

func runBatcherLoop(ctx context.Context, modelID string, b *batcher.Batcher, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			spanCtx, span := obs.StartBatcherIterationSpan(ctx, modelID, b.ActiveSlots())
			b.Iterate(spanCtx)
			obs.SetSpanSuccess(spanCtx)
			span.End()
		}
	}
}
