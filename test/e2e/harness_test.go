// Copyright 2025 James Ross
package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/inferd/inferd/internal/admission"
	"github.com/inferd/inferd/internal/backend"
	"github.com/inferd/inferd/internal/batcher"
	"github.com/inferd/inferd/internal/kv"
	"github.com/inferd/inferd/internal/lifecycle"
	"github.com/inferd/inferd/internal/protocol"
	"github.com/inferd/inferd/internal/registry"
	"github.com/inferd/inferd/internal/rqueue"
	"github.com/inferd/inferd/internal/shutdown"
	"github.com/inferd/inferd/internal/transport"
)

const testModelID = "qwen-0.5b"
const testToken = "e2e-test-token"

// testRuntime bundles one model's worth of the core wiring found in
// cmd/inferd/main.go, trimmed to what a transport-level scenario test needs:
// no config file, no audit log, no metrics HTTP surface. It drives the same
// admission -> enqueue -> batcher -> sink pipeline the real daemon does.
type testRuntime struct {
	coordinator *shutdown.Coordinator
	gate        *admission.Gate
	reg         *registry.Registry
	arena       *lifecycle.Arena
	queue       *rqueue.Queue
	batcher     *batcher.Batcher
	ln          *transport.Listener
	socketPath  string
	idGen       uint64

	cancel context.CancelFunc
	log    *zap.Logger
}

type runtimeOpts struct {
	maxQueueDepth  int
	maxConcurrency int
	maxBatchSlots  int
}

func defaultRuntimeOpts() runtimeOpts {
	return runtimeOpts{maxQueueDepth: 8, maxConcurrency: 8, maxBatchSlots: 4}
}

func startRuntime(opts runtimeOpts) *testRuntime {
	log := zap.NewNop()
	ctx, cancel := context.WithCancel(context.Background())

	arena := lifecycle.NewArena()
	pool := kv.NewPool(4096, 16)

	coordinator := shutdown.New(func(reason string) { arena.CancelAll(reason) })

	reg := registry.New(func(ctx context.Context, m registry.Manifest) (backend.Backend, uint64, error) {
		return backend.NewMemoryBackend(m.Name, 2048, 4, nil), m.OnDiskSize, nil
	})
	if _, err := reg.Register(ctx, testModelID, registry.Manifest{Path: "mem://" + testModelID, Format: "mem", Name: testModelID}); err != nil {
		panic(err)
	}

	gate := admission.New(admission.Limits{
		MaxGlobalConcurrency:   opts.maxConcurrency,
		MaxPerModelConcurrency: opts.maxConcurrency,
		MaxGlobalMemoryBytes:   1 << 30,
		PerTokenKVBytesDefault: 4,
		WeightsShareEstimate:   1 << 20,
		MaxQueueDepth:          opts.maxQueueDepth,
		MaxPromptBytes:         1 << 20,
	}, coordinator, reg)

	queue := rqueue.New(opts.maxQueueDepth, func(id uint64) bool {
		req, ok := arena.Get(id)
		return ok && req.Cancelled()
	})
	entry, _ := reg.Resolve(testModelID)
	b := batcher.New(testModelID, batcher.Config{
		MaxBatchSlots:      opts.maxBatchSlots,
		MaxScheduledTokens: 1 << 20,
		MinDecodeSlots:     1,
		SlotPauseBudget:    2 * time.Second,
	}, queue, pool, arena, entry.Backend, nil, nil, log, func(req *lifecycle.Request) { arena.Drop(req.RequestID) })

	socketPath := filepath.Join(os.TempDir(), fmt.Sprintf("inferd-e2e-%d.sock", time.Now().UnixNano()))
	ln, err := transport.Listen(socketPath, testToken, protocol.MaxFrameBytes, 5*time.Second, 1000, 1000, log)
	if err != nil {
		panic(err)
	}

	rt := &testRuntime{
		coordinator: coordinator,
		gate:        gate,
		reg:         reg,
		arena:       arena,
		queue:       queue,
		batcher:     b,
		ln:          ln,
		socketPath:  socketPath,
		cancel:      cancel,
		log:         log,
	}

	go rt.batcherLoop(ctx)
	go rt.acceptLoop(ctx)
	return rt
}

func (rt *testRuntime) stop() {
	rt.cancel()
	rt.ln.Close()
	os.Remove(rt.socketPath)
}

func (rt *testRuntime) batcherLoop(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rt.batcher.Iterate(ctx)
		}
	}
}

func (rt *testRuntime) acceptLoop(ctx context.Context) {
	for {
		sess, err := rt.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		go rt.handleSession(sess)
	}
}

// handleSession mirrors cmd/inferd/dispatch.go's frame loop, trimmed to the
// message kinds these scenarios exercise.
func (rt *testRuntime) handleSession(sess *transport.Session) {
	defer sess.Close()
	for {
		frame, err := sess.ReadFrame()
		if err != nil {
			return
		}
		kind, err := protocol.PeekType(frame)
		if err != nil {
			_ = sess.WriteMessage(protocol.ErrorMessage{Type: protocol.KindError, Code: protocol.ErrCodeBadRequest, Message: err.Error()})
			continue
		}
		switch kind {
		case protocol.KindInferenceRequest:
			rt.handleInferenceRequest(sess, frame)
		case protocol.KindCancelRequest:
			rt.handleCancelRequest(sess, frame)
		default:
			_ = sess.WriteMessage(protocol.ErrorMessage{Type: protocol.KindError, Code: protocol.ErrCodeBadRequest, Message: "unsupported in test harness: " + string(kind)})
		}
	}
}

func (rt *testRuntime) handleInferenceRequest(sess *transport.Session, frame []byte) {
	var wire protocol.InferenceRequest
	if err := json.Unmarshal(frame, &wire); err != nil {
		_ = sess.WriteMessage(protocol.ErrorMessage{Type: protocol.KindError, Code: protocol.ErrCodeBadRequest, Message: err.Error()})
		return
	}
	lease, reject := rt.gate.TryAdmit(admission.Request{
		ModelID:      wire.ModelID,
		PromptBytes:  len(wire.Prompt),
		PromptTokens: -1,
		MaxTokens:    wire.Parameters.MaxTokens,
	})
	if reject != admission.RejectNone {
		code := protocol.ErrCodeInternal
		switch reject {
		case admission.RejectModelNotLoaded:
			code = protocol.ErrCodeModelNotFound
		case admission.RejectSizeExceeded:
			code = protocol.ErrCodeTooLarge
		case admission.RejectShuttingDown:
			code = protocol.ErrCodeShuttingDown
		case admission.RejectMalformedInput:
			code = protocol.ErrCodeBadRequest
		}
		_ = sess.WriteMessage(protocol.ErrorMessage{Type: protocol.KindError, Code: code, Message: "admission_rejection: " + reject.String()})
		return
	}

	requestID := atomic.AddUint64(&rt.idGen, 1)
	flightDone := rt.coordinator.AcquireFlight()
	req := lifecycle.NewRequest(requestID, sess.ID, wire.ModelID, lifecycle.Input{Text: wire.Prompt}, lifecycle.Params{
		MaxTokens:   wire.Parameters.MaxTokens,
		Temperature: wire.Parameters.Temperature,
		TopP:        wire.Parameters.TopP,
		TopK:        wire.Parameters.TopK,
		Stream:      wire.Parameters.Stream,
		TimeoutMS:   wire.Parameters.TimeoutMS,
	}, time.Now(), flightDone, lease.Release)
	req.Sink = lifecycle.NewSink(64)
	rt.arena.Put(req)
	req.SetState(lifecycle.StateQueued)

	if err := rt.queue.Enqueue(rqueue.Entry{RequestID: requestID, Priority: 1, EnqueueTime: time.Now(), Deadline: req.Deadline}); err != nil {
		req.Release()
		rt.arena.Drop(requestID)
		_ = sess.WriteMessage(protocol.ErrorMessage{Type: protocol.KindError, Code: protocol.ErrCodeInternal, Message: "queue full"})
		return
	}

	if wire.Parameters.Stream {
		for c := range req.Sink.Chunks() {
			msg := protocol.StreamChunk{Type: protocol.KindStreamChunk, RequestID: requestID, Token: c.Token, IsFinal: c.IsFinal, Error: c.Error}
			if err := sess.WriteMessage(msg); err != nil {
				return
			}
		}
		return
	}

	var output, errReason string
	tokens := 0
	for c := range req.Sink.Chunks() {
		if c.IsFinal {
			errReason = c.Error
			continue
		}
		output += c.Token
		tokens++
	}
	_ = sess.WriteMessage(protocol.InferenceResponse{
		Type: protocol.KindInferenceResponse, RequestID: requestID, Output: output,
		TokensGenerated: tokens, Finished: errReason == "", Error: errReason,
	})
}

func (rt *testRuntime) handleCancelRequest(sess *transport.Session, frame []byte) {
	var wire protocol.CancelRequest
	if err := json.Unmarshal(frame, &wire); err != nil {
		_ = sess.WriteMessage(protocol.ErrorMessage{Type: protocol.KindError, Code: protocol.ErrCodeBadRequest, Message: err.Error()})
		return
	}
	req, found := rt.arena.Get(wire.RequestID)
	if found {
		req.Cancel("cancelled")
	}
	_ = sess.WriteMessage(protocol.CancelResponse{Type: protocol.KindCancelResponse, RequestID: wire.RequestID, Cancelled: found})
}

// testClient is a bare client over the real wire framing: handshake, send,
// read. No retries, no reconnect — scenarios drive it directly.
type testClient struct {
	conn net.Conn
}

func dial(socketPath string) (*testClient, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, err
	}
	if err := protocol.WriteMessage(conn, protocol.Handshake{Type: protocol.KindHandshake, Token: testToken, ProtocolVersion: 1}); err != nil {
		conn.Close()
		return nil, err
	}
	frame, err := protocol.ReadFrame(conn, protocol.MaxFrameBytes)
	if err != nil {
		conn.Close()
		return nil, err
	}
	var ack protocol.HandshakeAck
	if err := json.Unmarshal(frame, &ack); err != nil {
		conn.Close()
		return nil, err
	}
	if ack.Type != protocol.KindHandshakeAck {
		conn.Close()
		return nil, fmt.Errorf("e2e: expected handshake_ack, got %s", ack.Type)
	}
	return &testClient{conn: conn}, nil
}

func (c *testClient) send(v any) error { return protocol.WriteMessage(c.conn, v) }

func (c *testClient) readFrame() ([]byte, error) { return protocol.ReadFrame(c.conn, protocol.MaxFrameBytes) }

func (c *testClient) close() { c.conn.Close() }
