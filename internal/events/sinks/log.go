package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/mediagen/internal/events"
)

// LogSink writes one structured log line per event.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("events")}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("type", string(evt.Type)),
			zap.String("job_id", evt.JobID),
			zap.String("status", string(evt.Status)),
			zap.String("op_type", evt.OpType),
			zap.String("provider_id", evt.ProviderID),
		}
		if evt.AccountID != "" {
			fields = append(fields, zap.String("account_id", evt.AccountID))
		}
		if evt.CacheHit {
			fields = append(fields, zap.Bool("cache_hit", true))
		}
		if evt.AssetURI != "" {
			fields = append(fields, zap.String("asset_uri", evt.AssetURI))
		}
		if evt.ErrorKind != "" {
			fields = append(fields, zap.String("error_kind", string(evt.ErrorKind)), zap.String("message", evt.Message))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		s.logger.Info("job event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
