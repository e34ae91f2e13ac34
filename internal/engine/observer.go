package engine

import (
	"context"
	"log/slog"
	"time"

	"editstate/internal/logging"
	"editstate/internal/memory"
	"editstate/internal/metrics"
	"editstate/internal/recovery"
)

// observer forwards component activity to metrics and the audit trail.
type observer struct {
	metrics *metrics.Metrics
	audit   *logging.AuditLogger
	logger  *slog.Logger
}

var (
	_ recovery.Observer = (*observer)(nil)
	_ memory.Observer   = (*observer)(nil)
)

func (o *observer) CheckpointSaved(size int, took time.Duration) {
	o.metrics.CheckpointSaved(size, took)
	o.audit.LogCheckpoint(context.Background(), recovery.CheckpointKey, size, took)
}

func (o *observer) CheckpointFailed(err error) {
	o.metrics.CheckpointFailed(err)
	o.audit.LogError(context.Background(), "checkpoint", err, nil)
}

func (o *observer) Recovered(info *recovery.RecoveryInfo) {
	o.metrics.Recovered(info)
	o.audit.LogRecovery(context.Background(), info.Source, info.Success, info.DocumentsRecovered, info.Errors)
	if info.Success && len(info.Errors) > 0 {
		o.logger.Warn("recovered from fallback", "source", info.Source, "errors", info.Errors)
	}
}

func (o *observer) Compacted(docID string, res memory.CompactionResult) {
	o.metrics.Compacted(docID, res)
}

func (o *observer) Collected(res memory.GCResult) {
	o.metrics.Collected(res)
}
