// Copyright 2025 James Ross
package obs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/inferd/inferd/internal/config"
)

// QueueDepthSource reports the live queue depth for one model, so the
// sampler stays decoupled from the batcher/queue types themselves.
type QueueDepthSource interface {
	Snapshot() (depth int, oldest time.Time)
}

// StartQueueDepthSampler polls every registered model's queue depth on an
// interval and updates the QueueDepth gauge. The registry of queues is
// supplied by the caller (the core wires in one entry per live model) rather
// than discovered here, since model set membership changes under hot-swap.
func StartQueueDepthSampler(ctx context.Context, cfg *config.Config, queues func() map[string]QueueDepthSource, log *zap.Logger) {
	interval := cfg.Observability.QueueSampleInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for modelID, q := range queues() {
					depth, oldest := q.Snapshot()
					QueueDepth.WithLabelValues(modelID).Set(float64(depth))
					if !oldest.IsZero() {
						log.Debug("queue depth sample", zap.String("model_id", modelID), zap.Int("depth", depth), zap.Duration("oldest_age", time.Since(oldest)))
					}
				}
			}
		}
	}()
}
