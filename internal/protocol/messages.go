// Copyright 2025 James Ross

// Package protocol defines the local transport wire contract: a 4-byte
// little-endian length-prefixed JSON framing, the handshake, and every
// tagged message kind exchanged between a client and the runtime.
package protocol

// Kind is the discriminant carried by every message's "type" field.
type Kind string

const (
	KindHandshake        Kind = "handshake"
	KindHandshakeAck     Kind = "handshake_ack"
	KindInferenceRequest Kind = "inference_request"
	KindInferenceResponse Kind = "inference_response"
	KindStreamChunk      Kind = "stream_chunk"
	KindCancelRequest    Kind = "cancel_request"
	KindCancelResponse   Kind = "cancel_response"
	KindWarmupRequest    Kind = "warmup_request"
	KindWarmupResponse   Kind = "warmup_response"
	KindModelsRequest    Kind = "models_request"
	KindModelsResponse   Kind = "models_response"
	KindHealthCheck      Kind = "health_check"
	KindHealthResponse   Kind = "health_response"
	KindMetricsRequest   Kind = "metrics_request"
	KindMetricsResponse  Kind = "metrics_response"
	KindError            Kind = "error"
)

// CheckType is the granularity requested by a health_check message.
type CheckType string

const (
	CheckLiveness  CheckType = "Liveness"
	CheckReadiness CheckType = "Readiness"
	CheckFull      CheckType = "Full"
)

// Error codes for the error message, per §6.1.
const (
	ErrCodeBadRequest   = 400
	ErrCodeAuthFailed   = 401
	ErrCodeModelNotFound = 404
	ErrCodeTooLarge     = 413
	ErrCodeInternal     = 500
	ErrCodeShuttingDown = 503
)

// Envelope is the common header every frame decodes into first, to read
// "type" before dispatching to a concrete payload.
type Envelope struct {
	Type Kind `json:"type"`
}

type Handshake struct {
	Type            Kind   `json:"type"`
	Token           string `json:"token"`
	ProtocolVersion int    `json:"protocol_version"`
}

type HandshakeAck struct {
	Type            Kind   `json:"type"`
	SessionID       string `json:"session_id"`
	ProtocolVersion int    `json:"protocol_version"`
}

type Parameters struct {
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	TopK        int     `json:"top_k"`
	Stream      bool    `json:"stream"`
	TimeoutMS   int64   `json:"timeout_ms,omitempty"`
}

type InferenceRequest struct {
	Type       Kind       `json:"type"`
	RequestID  uint64     `json:"request_id"`
	ModelID    string     `json:"model_id"`
	Prompt     string     `json:"prompt"`
	Parameters Parameters `json:"parameters"`
}

type InferenceResponse struct {
	Type           Kind   `json:"type"`
	RequestID      uint64 `json:"request_id"`
	Output         string `json:"output"`
	TokensGenerated int   `json:"tokens_generated"`
	Finished       bool   `json:"finished"`
	Error          string `json:"error,omitempty"`
}

type StreamChunk struct {
	Type      Kind   `json:"type"`
	RequestID uint64 `json:"request_id"`
	Token     string `json:"token"`
	IsFinal   bool   `json:"is_final"`
	Error     string `json:"error,omitempty"`
}

type CancelRequest struct {
	Type      Kind   `json:"type"`
	RequestID uint64 `json:"request_id"`
}

type CancelResponse struct {
	Type      Kind   `json:"type"`
	RequestID uint64 `json:"request_id"`
	Cancelled bool   `json:"cancelled"`
}

type WarmupRequest struct {
	Type    Kind   `json:"type"`
	ModelID string `json:"model_id"`
	Tokens  int    `json:"tokens"`
}

type WarmupResponse struct {
	Type      Kind   `json:"type"`
	ModelID   string `json:"model_id"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

type ModelsRequest struct {
	Type Kind `json:"type"`
}

type ModelInfo struct {
	HandleID     uint64  `json:"handle_id"`
	Name         string  `json:"name"`
	Format       string  `json:"format"`
	SizeBytes    uint64  `json:"size_bytes"`
	MemoryBytes  uint64  `json:"memory_bytes"`
	State        string  `json:"state"`
	RequestCount uint64  `json:"request_count"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
	LoadedAt     int64   `json:"loaded_at"`
}

type ModelsResponse struct {
	Type             Kind        `json:"type"`
	Models           []ModelInfo `json:"models"`
	TotalMemoryBytes uint64      `json:"total_memory_bytes"`
}

type HealthCheck struct {
	Type      Kind      `json:"type"`
	CheckType CheckType `json:"check_type"`
}

type HealthResponse struct {
	Type      Kind      `json:"type"`
	CheckType CheckType `json:"check_type"`
	OK        bool      `json:"ok"`
	Report    string    `json:"report,omitempty"`
}

type MetricsRequest struct {
	Type Kind `json:"type"`
}

type HistogramSummary struct {
	Count uint64  `json:"count"`
	Sum   float64 `json:"sum"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

type MetricsResponse struct {
	Type       Kind                        `json:"type"`
	Counters   map[string]uint64           `json:"counters"`
	Gauges     map[string]float64          `json:"gauges"`
	Histograms map[string]HistogramSummary `json:"histograms"`
}

type ErrorMessage struct {
	Type    Kind   `json:"type"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}
