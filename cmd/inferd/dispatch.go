// Copyright 2025 James Ross
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap"

	"github.com/inferd/inferd/internal/admission"
	"github.com/inferd/inferd/internal/audit"
	"github.com/inferd/inferd/internal/config"
	"github.com/inferd/inferd/internal/lifecycle"
	"github.com/inferd/inferd/internal/obs"
	"github.com/inferd/inferd/internal/protocol"
	"github.com/inferd/inferd/internal/registry"
	"github.com/inferd/inferd/internal/rqueue"
	"github.com/inferd/inferd/internal/shutdown"
	"github.com/inferd/inferd/internal/transport"

	"github.com/prometheus/client_golang/prometheus"
)

const sinkDepth = 64

// dispatcher owns everything one session's frame loop needs to serve a
// request, without exposing the process's internal wiring to the transport
// package itself.
type dispatcher struct {
	cfg         *config.Config
	gate        *admission.Gate
	coordinator *shutdown.Coordinator
	reg         *registry.Registry
	arena       *lifecycle.Arena
	models      map[string]*modelRuntime
	auditW      *audit.Writer
	log         *zap.Logger
	idGen       *uint64
}

func newDispatcher(cfg *config.Config, gate *admission.Gate, coordinator *shutdown.Coordinator, reg *registry.Registry,
	arena *lifecycle.Arena, models map[string]*modelRuntime, auditW *audit.Writer, log *zap.Logger, idGen *uint64) *dispatcher {
	return &dispatcher{cfg: cfg, gate: gate, coordinator: coordinator, reg: reg, arena: arena, models: models, auditW: auditW, log: log, idGen: idGen}
}

func acceptLoop(ctx context.Context, ln *transport.Listener, d *dispatcher, log *zap.Logger) {
	for {
		sess, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("accept failed", obs.Err(err))
			continue
		}
		go d.handleSession(ctx, sess)
	}
}

func (d *dispatcher) handleSession(ctx context.Context, sess *transport.Session) {
	defer sess.Close()
	for {
		frame, err := sess.ReadFrame()
		if err != nil {
			return
		}
		kind, err := protocol.PeekType(frame)
		if err != nil {
			d.writeError(sess, protocol.ErrCodeBadRequest, err.Error())
			continue
		}
		switch kind {
		case protocol.KindInferenceRequest:
			d.handleInferenceRequest(ctx, sess, frame)
		case protocol.KindCancelRequest:
			d.handleCancelRequest(sess, frame)
		case protocol.KindWarmupRequest:
			d.handleWarmupRequest(ctx, sess, frame)
		case protocol.KindModelsRequest:
			d.handleModelsRequest(sess)
		case protocol.KindHealthCheck:
			d.handleHealthCheck(sess, frame)
		case protocol.KindMetricsRequest:
			d.handleMetricsRequest(sess)
		default:
			d.writeError(sess, protocol.ErrCodeBadRequest, "unsupported message type: "+string(kind))
		}
	}
}

func (d *dispatcher) writeError(sess *transport.Session, code int, msg string) {
	_ = sess.WriteMessage(protocol.ErrorMessage{Type: protocol.KindError, Code: code, Message: msg})
}

func (d *dispatcher) handleInferenceRequest(ctx context.Context, sess *transport.Session, frame []byte) {
	if err := protocol.ValidateInferenceRequest(frame); err != nil {
		d.writeError(sess, protocol.ErrCodeBadRequest, err.Error())
		return
	}
	var wire protocol.InferenceRequest
	if err := unmarshalInferenceRequest(frame, &wire); err != nil {
		d.writeError(sess, protocol.ErrCodeBadRequest, err.Error())
		return
	}

	spanCtx, span := obs.StartAdmissionSpan(ctx, wire.ModelID)
	defer span.End()

	lease, reject := d.gate.TryAdmit(admission.Request{
		ModelID:     wire.ModelID,
		PromptBytes: len(wire.Prompt),
		PromptTokens: -1,
		MaxTokens:   wire.Parameters.MaxTokens,
	})
	if reject != admission.RejectNone {
		obs.RecordError(spanCtx, &admission.RejectError{Kind: reject})
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
		if d.auditW != nil {
			d.auditW.Emit("admission_reject", wire.RequestID, wire.ModelID, reject.String())
		}
		d.writeError(sess, code, reject.String())
		return
	}
	obs.SetSpanSuccess(spanCtx)

	rt, ok := d.models[wire.ModelID]
	if !ok {
		lease.Release()
		d.writeError(sess, protocol.ErrCodeModelNotFound, "model not routable")
		return
	}

	requestID := atomic.AddUint64(d.idGen, 1)
	flightDone := d.coordinator.AcquireFlight()
	req := lifecycle.NewRequest(requestID, sess.ID, wire.ModelID, lifecycle.Input{Text: wire.Prompt}, lifecycle.Params{
		MaxTokens:   wire.Parameters.MaxTokens,
		Temperature: wire.Parameters.Temperature,
		TopP:        wire.Parameters.TopP,
		TopK:        wire.Parameters.TopK,
		Stream:      wire.Parameters.Stream,
		TimeoutMS:   wire.Parameters.TimeoutMS,
	}, time.Now(), flightDone, lease.Release)
	req.Sink = lifecycle.NewSink(sinkDepth)
	d.arena.Put(req)
	req.SetState(lifecycle.StateQueued)

	if err := rt.queue.Enqueue(rqueue.Entry{RequestID: requestID, Priority: 1, EnqueueTime: time.Now(), Deadline: req.Deadline}); err != nil {
		req.Release()
		d.arena.Drop(requestID)
		d.writeError(sess, protocol.ErrCodeInternal, "queue full")
		return
	}

	if wire.Parameters.Stream {
		d.streamResponses(sess, requestID, req)
		return
	}
	d.collectResponse(sess, requestID, req)
}

func (d *dispatcher) streamResponses(sess *transport.Session, requestID uint64, req *lifecycle.Request) {
	for c := range req.Sink.Chunks() {
		msg := protocol.StreamChunk{Type: protocol.KindStreamChunk, RequestID: requestID, Token: c.Token, IsFinal: c.IsFinal, Error: c.Error}
		if err := sess.WriteMessage(msg); err != nil {
			return
		}
	}
}

func (d *dispatcher) collectResponse(sess *transport.Session, requestID uint64, req *lifecycle.Request) {
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
	resp := protocol.InferenceResponse{
		Type:            protocol.KindInferenceResponse,
		RequestID:       requestID,
		Output:          output,
		TokensGenerated: tokens,
		Finished:        errReason == "",
		Error:           errReason,
	}
	_ = sess.WriteMessage(resp)
}

func (d *dispatcher) handleCancelRequest(sess *transport.Session, frame []byte) {
	var wire protocol.CancelRequest
	if err := unmarshalCancelRequest(frame, &wire); err != nil {
		d.writeError(sess, protocol.ErrCodeBadRequest, err.Error())
		return
	}
	req, found := d.arena.Get(wire.RequestID)
	if found {
		req.Cancel("cancelled")
	}
	_ = sess.WriteMessage(protocol.CancelResponse{Type: protocol.KindCancelResponse, RequestID: wire.RequestID, Cancelled: found})
}

func (d *dispatcher) handleWarmupRequest(ctx context.Context, sess *transport.Session, frame []byte) {
	var wire protocol.WarmupRequest
	if err := unmarshalWarmupRequest(frame, &wire); err != nil {
		d.writeError(sess, protocol.ErrCodeBadRequest, err.Error())
		return
	}
	start := time.Now()
	rt, ok := d.models[wire.ModelID]
	if !ok {
		_ = sess.WriteMessage(protocol.WarmupResponse{Type: protocol.KindWarmupResponse, ModelID: wire.ModelID, Success: false, Error: "model not found"})
		return
	}
	if err := rt.batcher.Warmup(ctx, wire.Tokens); err != nil {
		_ = sess.WriteMessage(protocol.WarmupResponse{Type: protocol.KindWarmupResponse, ModelID: wire.ModelID, Success: false, Error: err.Error(), ElapsedMS: time.Since(start).Milliseconds()})
		return
	}
	_ = sess.WriteMessage(protocol.WarmupResponse{Type: protocol.KindWarmupResponse, ModelID: wire.ModelID, Success: true, ElapsedMS: time.Since(start).Milliseconds()})
}

func (d *dispatcher) handleModelsRequest(sess *transport.Session) {
	infos := d.reg.List()
	out := make([]protocol.ModelInfo, 0, len(infos))
	var total uint64
	for _, i := range infos {
		total += i.MemoryBytes
		out = append(out, protocol.ModelInfo{
			HandleID: i.HandleID, Name: i.Name, Format: i.Format, SizeBytes: i.SizeBytes,
			MemoryBytes: i.MemoryBytes, State: i.State, RequestCount: i.RequestCount,
			AvgLatencyMS: i.AvgLatencyMS, LoadedAt: i.LoadedAt.Unix(),
		})
	}
	_ = sess.WriteMessage(protocol.ModelsResponse{Type: protocol.KindModelsResponse, Models: out, TotalMemoryBytes: total})
}

func (d *dispatcher) handleHealthCheck(sess *transport.Session, frame []byte) {
	var wire protocol.HealthCheck
	if err := unmarshalHealthCheck(frame, &wire); err != nil {
		d.writeError(sess, protocol.ErrCodeBadRequest, err.Error())
		return
	}
	ok := true
	report := ""
	if wire.CheckType == protocol.CheckReadiness || wire.CheckType == protocol.CheckFull {
		ok = d.coordinator.State() == shutdown.Running
		if !ok {
			report = "draining or stopped"
		}
	}
	_ = sess.WriteMessage(protocol.HealthResponse{Type: protocol.KindHealthResponse, CheckType: wire.CheckType, OK: ok, Report: report})
}

func (d *dispatcher) handleMetricsRequest(sess *transport.Session) {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		d.writeError(sess, protocol.ErrCodeInternal, "metrics gather failed")
		return
	}
	counters := make(map[string]uint64)
	gauges := make(map[string]float64)
	histograms := make(map[string]protocol.HistogramSummary)
	for _, fam := range families {
		for _, m := range fam.GetMetric() {
			name := metricName(fam.GetName(), m)
			switch fam.GetType() {
			case dto.MetricType_COUNTER:
				counters[name] = uint64(m.GetCounter().GetValue())
			case dto.MetricType_GAUGE:
				gauges[name] = m.GetGauge().GetValue()
			case dto.MetricType_HISTOGRAM:
				h := m.GetHistogram()
				histograms[name] = protocol.HistogramSummary{Count: h.GetSampleCount(), Sum: h.GetSampleSum()}
			}
		}
	}
	_ = sess.WriteMessage(protocol.MetricsResponse{Type: protocol.KindMetricsResponse, Counters: counters, Gauges: gauges, Histograms: histograms})
}

func metricName(base string, m *dto.Metric) string {
	name := base
	for _, lp := range m.GetLabel() {
		name += "." + lp.GetValue()
	}
	return name
}

// server is a minimal wrapper around the ops HTTP listener so main can start
// and stop it alongside the observability server without duplicating
// net/http boilerplate.
type server struct {
	addr    string
	handler http.Handler
	srv     *http.Server
}

func (s *server) start(log *zap.Logger) {
	s.srv = &http.Server{Addr: s.addr, Handler: s.handler}
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn("ops api server stopped", obs.Err(err))
		}
	}()
}

func (s *server) stop() {
	if s.srv != nil {
		_ = s.srv.Shutdown(context.Background())
	}
}

func unmarshalInferenceRequest(b []byte, v *protocol.InferenceRequest) error { return json.Unmarshal(b, v) }
func unmarshalCancelRequest(b []byte, v *protocol.CancelRequest) error       { return json.Unmarshal(b, v) }
func unmarshalWarmupRequest(b []byte, v *protocol.WarmupRequest) error       { return json.Unmarshal(b, v) }
func unmarshalHealthCheck(b []byte, v *protocol.HealthCheck) error           { return json.Unmarshal(b, v) }
