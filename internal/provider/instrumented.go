package provider

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/mediagen/internal/account"
	"github.com/JakeFAU/mediagen/internal/genjob"
	"github.com/JakeFAU/mediagen/internal/metrics"
	"github.com/JakeFAU/mediagen/internal/telemetry"
)

// Pacer gates provider submissions.
type Pacer interface {
	Wait(ctx context.Context, key string) error
}

// Instrumented decorates an Adapter with pacing, tracing and metrics.
type Instrumented struct {
	id     string
	next   Adapter
	pacer  Pacer
	logger *zap.Logger
}

var _ Adapter = (*Instrumented)(nil)

// Instrument wraps next. A nil pacer disables pacing.
func Instrument(id string, next Adapter, pacer Pacer, logger *zap.Logger) *Instrumented {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Instrumented{id: id, next: next, pacer: pacer, logger: logger.Named("provider").With(zap.String("provider_id", id))}
}

// Execute implements Adapter.
func (i *Instrumented) Execute(ctx context.Context, opType string, acct account.Account, params map[string]any) (Submission, error) {
	if i.pacer != nil {
		if err := i.pacer.Wait(ctx, i.id); err != nil {
			return Submission{}, NewError(genjob.ErrorKindTransient, "provider pacing interrupted", err)
		}
	}
	ctx, span := telemetry.Tracer().Start(ctx, "provider.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("provider.id", i.id),
		attribute.String("provider.account", acct.ID),
		attribute.String("generation.op", opType),
	)

	start := time.Now()
	sub, err := i.next.Execute(ctx, opType, acct, params)
	i.observe(span, "execute", err, time.Since(start))
	if err == nil {
		span.SetAttributes(attribute.String("provider.job_id", sub.ProviderJobID))
	}
	return sub, err
}

// CheckStatus implements Adapter.
func (i *Instrumented) CheckStatus(ctx context.Context, acct account.Account, providerJobID string) (StatusReport, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "provider.check_status")
	defer span.End()
	span.SetAttributes(
		attribute.String("provider.id", i.id),
		attribute.String("provider.account", acct.ID),
		attribute.String("provider.job_id", providerJobID),
	)

	start := time.Now()
	report, err := i.next.CheckStatus(ctx, acct, providerJobID)
	i.observe(span, "check_status", err, time.Since(start))
	if err == nil {
		span.SetAttributes(attribute.String("provider.status", string(report.Status)))
	}
	return report, err
}

// MapParameters implements Adapter.
func (i *Instrumented) MapParameters(opType string, c genjob.Canonical) (map[string]any, error) {
	return i.next.MapParameters(opType, c)
}

func (i *Instrumented) observe(span trace.Span, call string, err error, d time.Duration) {
	outcome := "ok"
	if err != nil {
		kind := Classify(err).Kind
		outcome = string(kind)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(kind))
		i.logger.Debug("provider call failed", zap.String("call", call), zap.Error(err))
	}
	metrics.ObserveProviderCall(i.id, call, outcome, d)
}
