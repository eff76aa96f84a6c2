package qptrie

import (
	"time"

	"go.uber.org/zap"
)

// statsLogger wraps the policy's *zap.Logger with the package's two kinds
// of diagnostics: coarse per-transaction counters (compact/recycle/rollback
// outcomes) and noisier per-call tracing, both at Debug and distinguished
// only by message, since zap has no sub-levels within Debug.
type statsLogger struct {
	z *zap.Logger
}

func newStatsLogger(z *zap.Logger) statsLogger {
	if z == nil {
		z = zap.NewNop()
	}
	return statsLogger{z: z}
}

func (s statsLogger) trace(msg string, fields ...zap.Field) {
	s.z.Debug(msg, fields...)
}

func (s statsLogger) compactDone(d time.Duration, before, after memUsage) {
	s.z.Debug("compact",
		zap.Duration("elapsed", d),
		zap.Int("chunks_before", before.Chunks),
		zap.Int("chunks_after", after.Chunks),
		zap.Uint64("used_before", before.Used),
		zap.Uint64("used_after", after.Used),
	)
}

func (s statsLogger) recycleDone(d time.Duration, freed int) {
	s.z.Debug("recycle", zap.Duration("elapsed", d), zap.Int("chunks_freed", freed))
}

func (s statsLogger) rollbackDone(d time.Duration) {
	s.z.Debug("rollback", zap.Duration("elapsed", d))
}

func (s statsLogger) reclaimDone(phase uint64, freed, deferred int) {
	s.z.Debug("reclaim_chunks",
		zap.Uint64("phase", phase),
		zap.Int("freed", freed),
		zap.Int("deferred", deferred),
	)
}
